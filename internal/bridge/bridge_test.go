package bridge

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/michaelbrown/runbox/internal/language"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/storage"
	"github.com/michaelbrown/runbox/internal/storage/redis"
)

// fakeClient is a remote end driven by the test. Closing in acts as a close frame.
type fakeClient struct {
	in  chan []byte
	got chan string

	interruptOnce sync.Once
	interrupted   chan struct{}

	mu     sync.Mutex
	closed bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		in:          make(chan []byte),
		got:         make(chan string, 16),
		interrupted: make(chan struct{}),
	}
}

func (c *fakeClient) Read() ([]byte, error) {
	select {
	case p, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return p, nil
	case <-c.interrupted:
		return nil, errors.New("i/o timeout")
	}
}

func (c *fakeClient) Write(p []byte) error {
	c.got <- string(p)
	return nil
}

func (c *fakeClient) WriteText(msg string) error {
	c.got <- msg
	return nil
}

func (c *fakeClient) Interrupt() {
	c.interruptOnce.Do(func() { close(c.interrupted) })
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) next(t *testing.T) string {
	t.Helper()
	select {
	case s := <-c.got:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return ""
	}
}

// fakeTerminal echoes every input back as "echo:<input>".
type fakeTerminal struct {
	outR *io.PipeReader
	outW *io.PipeWriter
	inR  *io.PipeReader
	inW  *io.PipeWriter
}

func newFakeTerminal() *fakeTerminal {
	t := &fakeTerminal{}
	t.outR, t.outW = io.Pipe()
	t.inR, t.inW = io.Pipe()
	go func() {
		defer t.outW.Close()
		buf := make([]byte, 256)
		for {
			n, err := t.inR.Read(buf)
			if err != nil {
				return
			}
			if _, err := t.outW.Write(append([]byte("echo:"), buf[:n]...)); err != nil {
				return
			}
		}
	}()
	return t
}

func (t *fakeTerminal) Read(p []byte) (int, error)  { return t.outR.Read(p) }
func (t *fakeTerminal) Write(p []byte) (int, error) { return t.inW.Write(p) }
func (t *fakeTerminal) Close() error {
	t.outR.Close()
	t.inW.Close()
	return nil
}

type fakeProcess struct {
	term    *fakeTerminal
	mu      sync.Mutex
	stopped bool
	grace   time.Duration
}

func (p *fakeProcess) ID() string                 { return "0123456789abcdef" }
func (p *fakeProcess) Stream() io.ReadWriteCloser { return p.term }
func (p *fakeProcess) Stop(ctx context.Context, grace time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	p.grace = grace
	p.term.Close()
	return nil
}

func (p *fakeProcess) wasStopped() (bool, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped, p.grace
}

type fakeEngine struct {
	mu    sync.Mutex
	specs []sandbox.ProcessSpec
	proc  *fakeProcess
	err   error
}

func (e *fakeEngine) Run(ctx context.Context, spec sandbox.RunSpec) (*sandbox.RunResult, error) {
	return nil, errors.New("not implemented")
}

func (e *fakeEngine) Start(ctx context.Context, spec sandbox.ProcessSpec) (sandbox.Process, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.specs = append(e.specs, spec)
	if e.err != nil {
		return nil, e.err
	}
	e.proc = &fakeProcess{term: newFakeTerminal()}
	return e.proc, nil
}

func (e *fakeEngine) started() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.specs)
}

func testBridge(t *testing.T, engine sandbox.Engine) (*Bridge, *redis.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := redis.Open(context.Background(), redis.Options{Addr: mr.Addr(), SessionTTL: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	logger := zerolog.Nop()
	return New(store, language.NewRegistry(), engine, DefaultLimits(), &logger), store, mr
}

func attachAsync(b *Bridge, id string, c *fakeClient) <-chan error {
	done := make(chan error, 1)
	go func() { done <- b.Attach(context.Background(), id, c) }()
	return done
}

func waitAttach(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Attach did not return")
		return nil
	}
}

func TestAttachInvalidSession(t *testing.T) {
	engine := &fakeEngine{}
	b, _, _ := testBridge(t, engine)
	c := newFakeClient()

	err := waitAttach(t, attachAsync(b, "nope", c))
	if !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
	if msg := c.next(t); msg != "Error: Invalid or expired session ID." {
		t.Errorf("message = %q", msg)
	}
	if !c.isClosed() {
		t.Error("client not closed")
	}
	if engine.started() != 0 {
		t.Error("process started for invalid session")
	}
}

func TestAttachUnsupportedLanguage(t *testing.T) {
	engine := &fakeEngine{}
	b, store, _ := testBridge(t, engine)
	store.CreateSession(context.Background(), &storage.Session{ID: "s1", Language: "ruby", UserID: "alice"})

	c := newFakeClient()
	waitAttach(t, attachAsync(b, "s1", c))

	if msg := c.next(t); msg != "Error: Language ruby not supported for REPL" {
		t.Errorf("message = %q", msg)
	}
	if engine.started() != 0 {
		t.Error("process started for unsupported language")
	}
}

func TestAttachStartFailure(t *testing.T) {
	engine := &fakeEngine{err: errors.New("image not found")}
	b, store, _ := testBridge(t, engine)
	store.CreateSession(context.Background(), &storage.Session{ID: "s2", Language: "python", UserID: "alice"})

	c := newFakeClient()
	waitAttach(t, attachAsync(b, "s2", c))

	if msg := c.next(t); !strings.HasPrefix(msg, "Error: ") || !strings.Contains(msg, "image not found") {
		t.Errorf("message = %q", msg)
	}
	if !c.isClosed() {
		t.Error("client not closed")
	}
}

func TestAttachRoundTripAndClientClose(t *testing.T) {
	engine := &fakeEngine{}
	b, store, _ := testBridge(t, engine)
	store.CreateSession(context.Background(), &storage.Session{ID: "s3", Language: "javascript", UserID: "alice"})

	c := newFakeClient()
	done := attachAsync(b, "s3", c)

	c.in <- []byte("1+1\n")
	if msg := c.next(t); msg != "echo:1+1\n" {
		t.Errorf("message = %q", msg)
	}

	close(c.in)
	if err := waitAttach(t, done); err != nil {
		t.Errorf("Attach = %v", err)
	}

	stopped, grace := engine.proc.wasStopped()
	if !stopped || grace != time.Second {
		t.Errorf("process stopped = %v grace = %v", stopped, grace)
	}
	if !c.isClosed() {
		t.Error("client not closed")
	}

	spec := engine.specs[0]
	if strings.Join(spec.Command, " ") != "node -i --no-warnings" {
		t.Errorf("command = %v", spec.Command)
	}
	if len(spec.Env) != 1 || spec.Env[0] != "NODE_NO_READLINE=1" {
		t.Errorf("env = %v", spec.Env)
	}
	if spec.Memory != "128m" || spec.CPUQuota != 25000 {
		t.Errorf("limits = %s / %d", spec.Memory, spec.CPUQuota)
	}
}

func TestAttachProcessExit(t *testing.T) {
	engine := &fakeEngine{}
	b, store, _ := testBridge(t, engine)
	store.CreateSession(context.Background(), &storage.Session{ID: "s4", Language: "python", UserID: "alice"})

	c := newFakeClient()
	done := attachAsync(b, "s4", c)

	// Wait until the process is running, then end its output.
	deadline := time.Now().Add(2 * time.Second)
	for engine.started() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	engine.mu.Lock()
	proc := engine.proc
	engine.mu.Unlock()
	proc.term.outW.Close()

	if err := waitAttach(t, done); err != nil {
		t.Errorf("Attach = %v", err)
	}
	if stopped, _ := proc.wasStopped(); !stopped {
		t.Error("process not stopped")
	}
	if !c.isClosed() {
		t.Error("client not closed")
	}
}

func TestSessionUsableOnce(t *testing.T) {
	engine := &fakeEngine{}
	b, store, _ := testBridge(t, engine)
	store.CreateSession(context.Background(), &storage.Session{ID: "s5", Language: "python", UserID: "alice"})

	first := newFakeClient()
	done := attachAsync(b, "s5", first)
	close(first.in)
	waitAttach(t, done)

	second := newFakeClient()
	waitAttach(t, attachAsync(b, "s5", second))
	if msg := second.next(t); msg != "Error: Invalid or expired session ID." {
		t.Errorf("second attach message = %q", msg)
	}
	if engine.started() != 1 {
		t.Errorf("processes started = %d, want 1", engine.started())
	}
}

func TestSessionExpired(t *testing.T) {
	engine := &fakeEngine{}
	b, store, mr := testBridge(t, engine)
	store.CreateSession(context.Background(), &storage.Session{ID: "s6", Language: "python", UserID: "alice"})
	mr.FastForward(2 * time.Minute)

	c := newFakeClient()
	waitAttach(t, attachAsync(b, "s6", c))
	if msg := c.next(t); msg != "Error: Invalid or expired session ID." {
		t.Errorf("message = %q", msg)
	}
}

func TestPipeCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := newFakeClient()
	proc := NewProcessStream(newFakeTerminal())

	done := make(chan error, 1)
	go func() { done <- Pipe(ctx, c, proc) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Pipe = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pipe did not return after cancel")
	}
}

func TestIncompleteSuffix(t *testing.T) {
	tests := []struct {
		in   []byte
		want int
	}{
		{[]byte("abc"), 0},
		{[]byte("ab\xc3"), 1},
		{[]byte("ab\xc3\xa9"), 0},
		{[]byte("\xe2\x82"), 2},
		{[]byte("\xf0\x9f\x98"), 3},
		{[]byte("ab\xff"), 0},
		{nil, 0},
	}
	for _, tt := range tests {
		if got := incompleteSuffix(tt.in); got != tt.want {
			t.Errorf("incompleteSuffix(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
