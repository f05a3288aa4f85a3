// Package api holds the request and response bodies shared by the runbox
// server and its clients.
package api

import "time"

// UserHeader carries the caller identity. Authentication happens in front of runbox.
const UserHeader = "X-User"

// SubmitRequest is the body of POST /api/submit.
type SubmitRequest struct {
	Code     string  `json:"code"`
	Language string  `json:"language"`
	Stdin    *string `json:"stdin,omitempty"`
}

// StartREPLRequest is the body of POST /api/repl/start.
type StartREPLRequest struct {
	Language string `json:"language"`
}

// StartREPLResponse names the descriptor to attach to.
type StartREPLResponse struct {
	SessionID string `json:"session_id"`
}

// LanguagesResponse lists the languages each mode accepts.
type LanguagesResponse struct {
	Batch       []string `json:"batch"`
	Interactive []string `json:"interactive"`
}

// Connection is one open stream connection as listed by GET /api/connections.
type Connection struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`   // "interactive" or "watch"
	Target  string    `json:"target"` // session id or job id
	Started time.Time `json:"started"`
}
