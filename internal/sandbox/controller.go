package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/michaelbrown/runbox/internal/language"
)

const (
	inputFile = "input.txt"

	// timeoutExitCode is what coreutils timeout exits with when the limit is hit.
	timeoutExitCode = 124
	// killedExitCode is a SIGKILL death. After the limit it means the program
	// ignored SIGTERM and timeout -k killed it.
	killedExitCode = 137
	// killAfter is the grace between SIGTERM and SIGKILL, in seconds.
	killAfter = 1

	// stepSlack bounds how long a container step may take beyond the run limit
	// before the engine call itself is abandoned.
	stepSlack = time.Minute
)

// errStepDeadline means a container step outlived its deadline and was abandoned.
var errStepDeadline = errors.New("container did not finish in time")

// OutcomeKind classifies how an execution ended.
type OutcomeKind string

const (
	OutcomeSuccess      OutcomeKind = "success"
	OutcomeUnsupported  OutcomeKind = "unsupported_language"
	OutcomeCompileError OutcomeKind = "compile_error"
	OutcomeTimeout      OutcomeKind = "timeout"
	OutcomeRuntimeError OutcomeKind = "runtime_error"
	OutcomeFailure      OutcomeKind = "failure"
)

// Request is one batch execution.
type Request struct {
	JobID    string
	Code     string
	Language string
	Stdin    *string
}

// Outcome is the textual result of an execution together with its kind.
type Outcome struct {
	Kind   OutcomeKind
	Output string
}

// Controller materializes a job's workspace and runs it through the engine.
// It never returns an error: every failure becomes descriptive output text.
type Controller struct {
	engine     Engine
	languages  *language.Registry
	workspaces Workspaces
	policy     Policy
	logger     *zerolog.Logger

	slack time.Duration
	now   func() time.Time
}

// NewController creates a controller. A nil engine yields a failure outcome for every job.
func NewController(engine Engine, languages *language.Registry, workspaces Workspaces, policy Policy, logger *zerolog.Logger) *Controller {
	return &Controller{
		engine:     engine,
		languages:  languages,
		workspaces: workspaces,
		policy:     policy,
		logger:     logger,
		slack:      stepSlack,
		now:        time.Now,
	}
}

// Execute runs code and returns the text stored as the job's output.
func (c *Controller) Execute(ctx context.Context, jobID, code, lang string, stdin *string) string {
	return c.Run(ctx, Request{JobID: jobID, Code: code, Language: lang, Stdin: stdin}).Output
}

// Run executes req and classifies the result.
func (c *Controller) Run(ctx context.Context, req Request) Outcome {
	profile, err := c.languages.Batch(req.Language)
	if err != nil {
		return Outcome{Kind: OutcomeUnsupported, Output: "Unsupported language."}
	}

	out, err := c.run(ctx, req, profile)
	if err != nil {
		c.logger.Error().Err(err).Str("job_id", req.JobID).Str("language", req.Language).Msg("execution failed")
		return Outcome{Kind: OutcomeFailure, Output: "An unexpected error occurred: " + err.Error()}
	}
	return out
}

func (c *Controller) run(ctx context.Context, req Request, profile language.BatchProfile) (Outcome, error) {
	if c.engine == nil {
		return Outcome{}, ErrEngineUnavailable
	}

	ws, err := c.workspaces.Create(req.JobID)
	if err != nil {
		return Outcome{}, err
	}
	defer func() {
		if err := ws.Remove(); err != nil {
			c.logger.Warn().Err(err).Str("job_id", req.JobID).Msg("failed to remove workspace")
		}
	}()

	if err := ws.WriteFile(profile.SourceFile, req.Code); err != nil {
		return Outcome{}, err
	}

	runCmd := fmt.Sprintf("timeout -k %d %d %s", killAfter, c.policy.TimeoutSeconds(), profile.RunCommand)
	if req.Stdin != nil && *req.Stdin != "" {
		if err := ws.WriteFile(inputFile, *req.Stdin); err != nil {
			return Outcome{}, err
		}
		runCmd += " < " + inputFile
	}

	if profile.Kind == language.Compiled {
		res, err := c.step(ctx, RunSpec{HostDir: ws.HostDir, Command: profile.CompileCommand, Memory: c.policy.Memory})
		if err != nil {
			return Outcome{}, fmt.Errorf("compiling: %w", err)
		}
		if res.ExitCode != 0 {
			return Outcome{Kind: OutcomeCompileError, Output: "Compilation Error:\n" + text(res.Stderr)}, nil
		}
	}

	start := c.now()
	res, err := c.step(ctx, RunSpec{HostDir: ws.HostDir, Command: runCmd, Memory: c.policy.Memory})
	if errors.Is(err, errStepDeadline) {
		c.logger.Warn().Err(err).Str("job_id", req.JobID).Msg("run step abandoned at deadline")
		return c.timedOut(), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("running: %w", err)
	}

	switch {
	case res.ExitCode == timeoutExitCode:
		return c.timedOut(), nil
	case res.ExitCode == killedExitCode && c.now().Sub(start) >= c.policy.Timeout:
		return c.timedOut(), nil
	case res.ExitCode != 0:
		return Outcome{Kind: OutcomeRuntimeError, Output: "Execution Error:\n" + text(res.Stderr)}, nil
	default:
		return Outcome{Kind: OutcomeSuccess, Output: text(res.Output)}, nil
	}
}

func (c *Controller) timedOut() Outcome {
	return Outcome{
		Kind:   OutcomeTimeout,
		Output: fmt.Sprintf("Execution Error: Timeout (%ds limit exceeded).", c.policy.TimeoutSeconds()),
	}
}

func (c *Controller) step(ctx context.Context, spec RunSpec) (*RunResult, error) {
	limit := c.policy.Timeout + c.slack
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	res, err := c.engine.Run(ctx, spec)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w (%s): %v", errStepDeadline, limit, err)
	}
	return res, err
}

// text decodes captured output, dropping invalid UTF-8.
func text(s string) string {
	return strings.ToValidUTF8(s, "")
}
