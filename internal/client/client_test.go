package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/michaelbrown/runbox/internal/api"
	"github.com/michaelbrown/runbox/internal/bridge"
	"github.com/michaelbrown/runbox/internal/language"
	"github.com/michaelbrown/runbox/internal/notifier"
	"github.com/michaelbrown/runbox/internal/server"
	"github.com/michaelbrown/runbox/internal/storage"
	"github.com/michaelbrown/runbox/internal/storage/redis"
)

func testServer(t *testing.T) (*Client, *redis.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := redis.Open(context.Background(), redis.Options{Addr: mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	logger := zerolog.Nop()
	languages := language.NewRegistry()
	srv := server.New(store, languages,
		bridge.New(store, languages, nil, bridge.DefaultLimits(), &logger),
		notifier.New(store, &logger),
		server.Options{Rate: 1000, Burst: 1000}, &logger)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	c, err := New(hs.URL, "alice")
	if err != nil {
		t.Fatal(err)
	}
	return c, store, mr
}

func TestNewRejectsBadURL(t *testing.T) {
	if _, err := New("ftp://example.com", "alice"); err == nil {
		t.Error("expected error for non-http URL")
	}
}

func TestSubmitAndStatus(t *testing.T) {
	c, _, _ := testServer(t)
	ctx := context.Background()

	in := "3\n"
	job, err := c.Submit(ctx, "print(input())", "python", &in)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != storage.StatusQueued || job.UserID != "alice" {
		t.Errorf("job = %+v", job)
	}

	got, err := c.Status(ctx, job.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got.ID != job.ID || got.Input() != "3\n" {
		t.Errorf("status = %+v", got)
	}

	jobs, err := c.Submissions(ctx)
	if err != nil || len(jobs) != 1 {
		t.Errorf("Submissions = %v, %v", jobs, err)
	}
}

func TestSubmitUnsupported(t *testing.T) {
	c, _, _ := testServer(t)

	_, err := c.Submit(context.Background(), "x", "cobol", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("err = %v", err)
	}
	if apiErr.Message != "Unsupported language." {
		t.Errorf("message = %q", apiErr.Message)
	}
}

func TestWatchUntilCompleted(t *testing.T) {
	c, store, _ := testServer(t)
	ctx := context.Background()

	job, err := c.Submit(ctx, "print(1)", "python", nil)
	if err != nil {
		t.Fatal(err)
	}

	snapshot := make(chan struct{})
	go func() {
		// The watcher is subscribed once its snapshot has been sent.
		select {
		case <-snapshot:
		case <-time.After(2 * time.Second):
			return
		}
		j, _ := store.GetJob(ctx, job.ID)
		out := "1\n"
		j.Status, j.Output = storage.StatusCompleted, &out
		store.SaveJob(ctx, j)
		store.PublishJob(ctx, j)
	}()

	var seen []storage.JobStatus
	final, err := c.Watch(ctx, job.ID, func(j *storage.Job) {
		if len(seen) == 0 {
			close(snapshot)
		}
		seen = append(seen, j.Status)
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if final.Status != storage.StatusCompleted || *final.Output != "1\n" {
		t.Errorf("final = %+v", final)
	}
	if len(seen) != 2 || seen[0] != storage.StatusQueued {
		t.Errorf("seen = %v", seen)
	}
}

func TestWatchMissingJob(t *testing.T) {
	c, _, _ := testServer(t)
	if _, err := c.Watch(context.Background(), "nope", nil); err == nil || err.Error() != "Job not found" {
		t.Errorf("err = %v", err)
	}
}

func TestStartREPLAndAttachInvalid(t *testing.T) {
	c, _, _ := testServer(t)
	ctx := context.Background()

	if _, err := c.StartREPL(ctx, "java"); err == nil {
		t.Error("expected java REPL to be rejected")
	}
	id, err := c.StartREPL(ctx, "python")
	if err != nil || id == "" {
		t.Fatalf("StartREPL = %q, %v", id, err)
	}

	sess, err := c.Attach(ctx, "not-"+id)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	msg, err := sess.Receive()
	if err != nil || msg != "Error: Invalid or expired session ID." {
		t.Errorf("Receive = %q, %v", msg, err)
	}
	if _, err := sess.Receive(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestLanguages(t *testing.T) {
	c, _, _ := testServer(t)
	langs, err := c.Languages(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(langs.Batch) != 5 || len(langs.Interactive) != 2 {
		t.Errorf("languages = %+v", langs)
	}
}

func TestCloseOwnWatchConnection(t *testing.T) {
	c, store, _ := testServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job := &storage.Job{ID: "pending", UserID: "alice", Status: storage.StatusQueued, Language: "python", Code: "1"}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	var listErr error
	last, err := c.Watch(ctx, job.ID, func(j *storage.Job) {
		var conns []api.Connection
		conns, listErr = c.Connections(ctx)
		if listErr != nil {
			return
		}
		if len(conns) != 1 || conns[0].Target != job.ID {
			listErr = errors.New("unexpected connections")
			return
		}
		listErr = c.CloseConnection(ctx, conns[0].ID)
	})
	if listErr != nil {
		t.Fatalf("listing or closing: %v", listErr)
	}
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if last == nil || last.Status != storage.StatusQueued {
		t.Errorf("last = %+v, want the queued snapshot", last)
	}

	var apiErr *APIError
	if err := c.CloseConnection(ctx, "missing"); !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Errorf("closing unknown connection err = %v", err)
	}
}
