package storage

import (
	"context"
	"errors"
)

// JobStatus represents the lifecycle state of a batch job.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrJobExists       = errors.New("job already exists")
	ErrSessionNotFound = errors.New("session not found or expired")
)

// Job is one batch execution request and its result.
type Job struct {
	ID       string    `json:"id"`
	UserID   string    `json:"user_id"`
	Status   JobStatus `json:"status"`
	Language string    `json:"language"`
	Code     string    `json:"code"`
	Stdin    *string   `json:"stdin"`
	Output   *string   `json:"output"`
}

// Input returns the job's stdin, or "" when none was given.
func (j *Job) Input() string {
	if j.Stdin == nil {
		return ""
	}
	return *j.Stdin
}

// Done reports whether the job has reached its terminal status.
func (j *Job) Done() bool {
	return j.Status == StatusCompleted
}

// Session is a short-lived authorization to start one interactive execution.
type Session struct {
	ID       string `json:"-"`
	Language string `json:"language"`
	UserID   string `json:"user_id"`
}

// Subscription delivers raw update payloads for one job until closed.
type Subscription interface {
	Updates() <-chan []byte
	Close() error
}

// Store is the shared job/session store: records, the work queue and the update channels.
type Store interface {
	// CreateJob writes a new queued job, indexes it under its owner and
	// pushes its id onto the work queue exactly once.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob returns the job record or ErrJobNotFound.
	GetJob(ctx context.Context, id string) (*Job, error)

	// SaveJob overwrites the job record.
	SaveJob(ctx context.Context, j *Job) error

	// ListJobs returns a user's jobs, newest first, skipping records that no longer exist.
	ListJobs(ctx context.Context, userID string) ([]Job, error)

	// PublishJob sends the full record on the job's update channel.
	PublishJob(ctx context.Context, j *Job) error

	// Subscribe opens the job's update channel.
	Subscribe(ctx context.Context, jobID string) (Subscription, error)

	// NextJob blocks until a job id can be removed from the work queue.
	NextJob(ctx context.Context) (string, error)

	// Enqueue pushes an existing job id back onto the work queue.
	Enqueue(ctx context.Context, id string) error

	// CreateSession stores a session descriptor that expires after its TTL.
	CreateSession(ctx context.Context, s *Session) error

	// ConsumeSession atomically reads and removes a session descriptor.
	// A missing or expired descriptor yields ErrSessionNotFound.
	ConsumeSession(ctx context.Context, id string) (*Session, error)

	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}
