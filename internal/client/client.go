package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/michaelbrown/runbox/internal/api"
	"github.com/michaelbrown/runbox/internal/storage"
)

// APIError is a non-2xx response from the runbox API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("runbox API: %d %s", e.Status, e.Message)
}

// Client talks to a runbox server on behalf of one caller.
type Client struct {
	base   *url.URL
	user   string
	http   *http.Client
	dialer *websocket.Dialer
}

// New creates a client for the server at baseURL acting as user.
func New(baseURL, user string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server URL must be http or https: %q", baseURL)
	}
	return &Client{
		base:   u,
		user:   user,
		http:   &http.Client{Timeout: 30 * time.Second},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.Header.Set(api.UserHeader, c.user)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Submit queues code for batch execution.
func (c *Client) Submit(ctx context.Context, code, language string, stdin *string) (*storage.Job, error) {
	var job storage.Job
	req := api.SubmitRequest{Code: code, Language: language, Stdin: stdin}
	if err := c.do(ctx, http.MethodPost, "/api/submit", req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Status returns the current job record.
func (c *Client) Status(ctx context.Context, id string) (*storage.Job, error) {
	var job storage.Job
	if err := c.do(ctx, http.MethodGet, "/api/status/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Submissions lists the caller's jobs, newest first.
func (c *Client) Submissions(ctx context.Context) ([]storage.Job, error) {
	var jobs []storage.Job
	if err := c.do(ctx, http.MethodGet, "/api/submissions", nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Languages lists the batch and interactive languages.
func (c *Client) Languages(ctx context.Context) (*api.LanguagesResponse, error) {
	var langs api.LanguagesResponse
	if err := c.do(ctx, http.MethodGet, "/api/languages", nil, &langs); err != nil {
		return nil, err
	}
	return &langs, nil
}

// StartREPL creates a session descriptor and returns its id.
func (c *Client) StartREPL(ctx context.Context, language string) (string, error) {
	var resp api.StartREPLResponse
	if err := c.do(ctx, http.MethodPost, "/api/repl/start", api.StartREPLRequest{Language: language}, &resp); err != nil {
		return "", err
	}
	return resp.SessionID, nil
}

// Connections lists the caller's open stream connections.
func (c *Client) Connections(ctx context.Context) ([]api.Connection, error) {
	var conns []api.Connection
	if err := c.do(ctx, http.MethodGet, "/api/connections", nil, &conns); err != nil {
		return nil, err
	}
	return conns, nil
}

// CloseConnection ends one of the caller's stream connections.
func (c *Client) CloseConnection(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/connections/"+url.PathEscape(id), nil, nil)
}

func (c *Client) wsURL(path string) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String() + path
}

func (c *Client) dial(ctx context.Context, path string) (*websocket.Conn, error) {
	header := http.Header{}
	if c.user != "" {
		header.Set(api.UserHeader, c.user)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL(path), header)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", path, err)
	}
	return conn, nil
}

// Watch streams the job's snapshot and updates to fn and returns the last
// record received, which is the completed one unless the stream ended early.
func (c *Client) Watch(ctx context.Context, id string, fn func(*storage.Job)) (*storage.Job, error) {
	conn, err := c.dial(ctx, "/api/ws/status/"+url.PathEscape(id))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var last *storage.Job
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && last != nil {
				return last, nil
			}
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			return last, fmt.Errorf("reading status stream: %w", err)
		}

		var msg struct {
			storage.Job
			Error string `json:"error"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return last, fmt.Errorf("decoding status message: %w", err)
		}
		if msg.Error != "" {
			return last, errors.New(msg.Error)
		}

		job := msg.Job
		last = &job
		if fn != nil {
			fn(last)
		}
		if last.Done() {
			return last, nil
		}
	}
}

// Session is an attached interactive terminal.
type Session struct {
	conn *websocket.Conn
}

// Attach connects to an interactive session created with StartREPL.
func (c *Client) Attach(ctx context.Context, sessionID string) (*Session, error) {
	conn, err := c.dial(ctx, "/api/ws/interactive/"+url.PathEscape(sessionID))
	if err != nil {
		return nil, err
	}
	return &Session{conn: conn}, nil
}

// Send writes input to the terminal.
func (s *Session) Send(input string) error {
	return s.conn.WriteMessage(websocket.TextMessage, []byte(input))
}

// Receive returns the next chunk of terminal output, or io.EOF once the
// server has closed the session.
func (s *Session) Receive() (string, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return "", io.EOF
		}
		return "", err
	}
	return string(data), nil
}

// Close ends the session.
func (s *Session) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}
