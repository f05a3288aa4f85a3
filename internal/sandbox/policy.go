package sandbox

import "time"

// Policy defines the image, user and resource limits for sandboxed execution.
type Policy struct {
	Image       string        // execution image with every supported toolchain
	User        string        // unprivileged user inside the container
	WorkDir     string        // mount point of the workspace inside the container
	Timeout     time.Duration // wall-clock limit of the run step
	GracePeriod time.Duration // shutdown grace when stopping containers
	Memory      string        // batch memory limit (e.g. "256m")
	PidsLimit   int64
}

// DefaultPolicy returns safe defaults for code execution.
func DefaultPolicy() Policy {
	return Policy{
		Image:       "code-executor-sandbox",
		User:        "appuser",
		WorkDir:     "/sandbox",
		Timeout:     10 * time.Second,
		GracePeriod: time.Second,
		Memory:      "256m",
		PidsLimit:   128,
	}
}

// TimeoutSeconds is the run step limit in whole seconds, at least one.
func (p Policy) TimeoutSeconds() int {
	secs := int(p.Timeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
