package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/michaelbrown/runbox/internal/metrics"
	"github.com/michaelbrown/runbox/internal/storage"
)

// Store is the part of the job store a watcher needs.
type Store interface {
	GetJob(ctx context.Context, id string) (*storage.Job, error)
	Subscribe(ctx context.Context, jobID string) (storage.Subscription, error)
}

// Conn is one watcher connection. Each Send is one message.
type Conn interface {
	Send(payload []byte) error
	Close() error
}

// ErrorMessage is sent to a watcher before closing when the watch cannot proceed.
type ErrorMessage struct {
	Error string `json:"error"`
}

// Notifier streams job snapshots and updates to watchers.
type Notifier struct {
	store  Store
	logger *zerolog.Logger
}

// New creates a notifier.
func New(store Store, logger *zerolog.Logger) *Notifier {
	return &Notifier{store: store, logger: logger}
}

// Watch sends the current record of jobID, then every update published for
// it, and closes conn after the completed record has been sent. It also
// returns when ctx is cancelled, which is how a far-end disconnect ends the
// watch. conn is closed and the subscription released on every path.
func (n *Notifier) Watch(ctx context.Context, jobID string, conn Conn) error {
	defer conn.Close()

	metrics.ActiveWatchers.Inc()
	defer metrics.ActiveWatchers.Dec()

	// Subscribe before reading the snapshot so no update falls in between.
	sub, err := n.store.Subscribe(ctx, jobID)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("notifier").Inc()
		n.sendError(conn, "Status updates unavailable")
		return err
	}
	defer sub.Close()

	job, err := n.store.GetJob(ctx, jobID)
	if errors.Is(err, storage.ErrJobNotFound) {
		n.sendError(conn, "Job not found")
		return err
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("notifier").Inc()
		n.sendError(conn, "Status updates unavailable")
		return err
	}

	snapshot, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	if err := conn.Send(snapshot); err != nil {
		return err
	}
	if job.Done() {
		return nil
	}

	for {
		select {
		case payload, ok := <-sub.Updates():
			if !ok {
				return fmt.Errorf("update channel for job %s closed", jobID)
			}
			if err := conn.Send(payload); err != nil {
				return err
			}
			if terminal(payload) {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (n *Notifier) sendError(conn Conn, msg string) {
	data, _ := json.Marshal(ErrorMessage{Error: msg})
	if err := conn.Send(data); err != nil {
		n.logger.Debug().Err(err).Msg("failed to send error to watcher")
	}
}

// terminal reports whether an update payload carries the completed status.
func terminal(payload []byte) bool {
	var update struct {
		Status storage.JobStatus `json:"status"`
	}
	if err := json.Unmarshal(payload, &update); err != nil {
		return false
	}
	return update.Status == storage.StatusCompleted
}
