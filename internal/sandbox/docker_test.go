package sandbox

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/rs/zerolog"

	"github.com/michaelbrown/runbox/internal/language"
)

func TestHostConfigsDisableSwap(t *testing.T) {
	p := DefaultPolicy()
	const mem = 128 << 20

	batch := batchHostConfig(p, "/srv/jobs/a", mem)
	interactive := interactiveHostConfig(p, mem, 25000)

	for name, hc := range map[string]*container.HostConfig{"batch": batch, "interactive": interactive} {
		if hc.Memory != mem || hc.MemorySwap != mem {
			t.Errorf("%s: memory = %d, swap = %d, want both %d", name, hc.Memory, hc.MemorySwap, mem)
		}
		if hc.NetworkMode != "none" {
			t.Errorf("%s: network = %q", name, hc.NetworkMode)
		}
		if hc.PidsLimit == nil || *hc.PidsLimit != p.PidsLimit {
			t.Errorf("%s: pids limit = %v", name, hc.PidsLimit)
		}
	}
	if interactive.CPUQuota != 25000 || !interactive.AutoRemove {
		t.Errorf("interactive: cpu = %d, autoremove = %v", interactive.CPUQuota, interactive.AutoRemove)
	}
	if len(batch.Binds) != 1 || batch.Binds[0] != "/srv/jobs/a:/sandbox:rw" {
		t.Errorf("batch binds = %v", batch.Binds)
	}
}

// These integration tests need a Docker daemon and the execution image.
// Run: RUNBOX_DOCKER_TESTS=1 go test ./internal/sandbox/ -run Docker -v

func dockerController(t *testing.T) *Controller {
	t.Helper()
	if os.Getenv("RUNBOX_DOCKER_TESTS") == "" {
		t.Skip("RUNBOX_DOCKER_TESTS not set")
	}

	logger := zerolog.Nop()
	policy := DefaultPolicy()
	if img := os.Getenv("RUNBOX_SANDBOX_IMAGE"); img != "" {
		policy.Image = img
	}

	engine, err := NewDockerEngine(context.Background(), policy, &logger)
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	return NewController(engine, language.NewRegistry(), Workspaces{Root: t.TempDir()}, policy, &logger)
}

func TestDockerPythonHello(t *testing.T) {
	c := dockerController(t)
	if out := c.Execute(context.Background(), "docker-hello", "print('hello')", "python", nil); out != "hello\n" {
		t.Errorf("output = %q", out)
	}
}

func TestDockerInfiniteLoopTimesOut(t *testing.T) {
	c := dockerController(t)

	start := time.Now()
	out := c.Execute(context.Background(), "docker-loop", "while(1){}", "javascript", nil)
	elapsed := time.Since(start)

	if out != "Execution Error: Timeout (10s limit exceeded)." {
		t.Errorf("output = %q", out)
	}
	if elapsed < 10*time.Second {
		t.Errorf("returned after %v, before the limit", elapsed)
	}
}

func TestDockerLoopIgnoringTermIsKilled(t *testing.T) {
	c := dockerController(t)

	code := "import signal\nsignal.signal(signal.SIGTERM, signal.SIG_IGN)\nwhile True: pass"
	start := time.Now()
	out := c.Execute(context.Background(), "docker-noterm", code, "python", nil)
	elapsed := time.Since(start)

	if out != "Execution Error: Timeout (10s limit exceeded)." {
		t.Errorf("output = %q", out)
	}
	if elapsed < 10*time.Second || elapsed > 20*time.Second {
		t.Errorf("returned after %v, want shortly after the 10s limit", elapsed)
	}
}

func TestDockerCompileError(t *testing.T) {
	c := dockerController(t)
	out := c.Execute(context.Background(), "docker-cpp", "int main(){ return", "cpp", nil)
	if !strings.HasPrefix(out, "Compilation Error:\n") {
		t.Errorf("output = %q", out)
	}
}
