package sandbox

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrEngineUnavailable means the container runtime could not be reached.
	ErrEngineUnavailable = errors.New("isolation engine unavailable")
	// ErrHostPathMisconfigured means workspaces cannot be mapped into containers.
	ErrHostPathMisconfigured = errors.New("host workspace path misconfigured")
)

// RunSpec describes one command run to completion inside a fresh container
// with a workspace directory mounted as its working directory.
type RunSpec struct {
	HostDir string // host path of the workspace
	Command string // shell command, run with /bin/sh -c
	Memory  string // memory ceiling (e.g. "256m")
}

// RunResult is the captured outcome of a RunSpec.
type RunResult struct {
	Output   string // stdout and stderr interleaved in arrival order
	Stderr   string
	ExitCode int
}

// ProcessSpec describes an interactive process with an allocated terminal.
type ProcessSpec struct {
	Command  []string
	Env      []string
	Memory   string
	CPUQuota int64
}

// Process is a running interactive container.
type Process interface {
	ID() string
	// Stream is the duplex byte stream of the process terminal.
	Stream() io.ReadWriteCloser
	// Stop stops the process within grace. A process that is already gone is not an error.
	Stop(ctx context.Context, grace time.Duration) error
}

// Engine runs code in isolated containers.
type Engine interface {
	Run(ctx context.Context, spec RunSpec) (*RunResult, error)
	Start(ctx context.Context, spec ProcessSpec) (Process, error)
}
