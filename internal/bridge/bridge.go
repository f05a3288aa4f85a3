package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/michaelbrown/runbox/internal/language"
	"github.com/michaelbrown/runbox/internal/metrics"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/storage"
)

const msgInvalidSession = "Error: Invalid or expired session ID."

// SessionStore hands out session descriptors at most once.
type SessionStore interface {
	ConsumeSession(ctx context.Context, id string) (*storage.Session, error)
}

// Client is the remote end of a session. Error lines are sent with WriteText.
type Client interface {
	Stream
	WriteText(msg string) error
}

// Limits bounds every interactive process.
type Limits struct {
	Memory      string        // e.g. "128m"
	CPUQuota    int64         // microseconds per 100ms period
	GracePeriod time.Duration // stop timeout
}

// DefaultLimits returns the interactive resource limits.
func DefaultLimits() Limits {
	return Limits{Memory: "128m", CPUQuota: 25000, GracePeriod: time.Second}
}

// Bridge attaches remote clients to interactive sandboxed processes.
type Bridge struct {
	sessions  SessionStore
	languages *language.Registry
	engine    sandbox.Engine
	limits    Limits
	logger    *zerolog.Logger
}

// New creates a bridge.
func New(sessions SessionStore, languages *language.Registry, engine sandbox.Engine, limits Limits, logger *zerolog.Logger) *Bridge {
	return &Bridge{
		sessions:  sessions,
		languages: languages,
		engine:    engine,
		limits:    limits,
		logger:    logger,
	}
}

// Attach consumes the session descriptor, starts its interactive process and
// forwards bytes until either side finishes. Failures are reported to the
// client as a single line. The process is stopped and the client closed on
// every path.
func (b *Bridge) Attach(ctx context.Context, sessionID string, client Client) error {
	defer client.Close()
	log := b.logger.With().Str("session_id", sessionID).Logger()

	sess, err := b.sessions.ConsumeSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			client.WriteText(msgInvalidSession)
		} else {
			metrics.StoreErrors.WithLabelValues("bridge").Inc()
			client.WriteText("Error: " + err.Error())
		}
		return err
	}
	log = log.With().Str("language", sess.Language).Str("user_id", sess.UserID).Logger()

	profile, err := b.languages.Interactive(sess.Language)
	if err != nil {
		client.WriteText(fmt.Sprintf("Error: Language %s not supported for REPL", sess.Language))
		return err
	}

	if b.engine == nil {
		client.WriteText("Error: " + sandbox.ErrEngineUnavailable.Error())
		return sandbox.ErrEngineUnavailable
	}
	proc, err := b.engine.Start(ctx, sandbox.ProcessSpec{
		Command:  profile.Command,
		Env:      profile.EnvList(),
		Memory:   b.limits.Memory,
		CPUQuota: b.limits.CPUQuota,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to start interactive process")
		client.WriteText("Error: " + err.Error())
		return err
	}
	defer b.stop(ctx, proc, log)

	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()
	log.Info().Str("container", shortID(proc.ID())).Msg("session attached")

	err = Pipe(ctx, client, NewProcessStream(proc.Stream()))
	if err != nil {
		log.Warn().Err(err).Msg("session stream error")
	}
	log.Info().Msg("session terminated")
	return err
}

func (b *Bridge) stop(ctx context.Context, proc sandbox.Process, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.limits.GracePeriod+10*time.Second)
	defer cancel()
	if err := proc.Stop(ctx, b.limits.GracePeriod); err != nil {
		log.Warn().Err(err).Msg("failed to stop interactive process")
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
