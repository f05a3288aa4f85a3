package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runbox.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("HOST_PROJECT_DIR", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("redis.addr = %q", cfg.Redis.Addr)
	}
	if cfg.Sandbox.Timeout != 10*time.Second || cfg.Sandbox.GracePeriod != time.Second {
		t.Errorf("sandbox timings = %s / %s", cfg.Sandbox.Timeout, cfg.Sandbox.GracePeriod)
	}
	if cfg.Sandbox.Image != "code-executor-sandbox" || cfg.Sandbox.User != "appuser" {
		t.Errorf("sandbox = %+v", cfg.Sandbox)
	}
	if cfg.Session.TTL != time.Minute || cfg.Session.Memory != "128m" || cfg.Session.CPUQuota != 25000 {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Dispatcher.RetryDelay != 5*time.Second || !cfg.Dispatcher.Recover {
		t.Errorf("dispatcher = %+v", cfg.Dispatcher)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("server.port = %d", cfg.Server.Port)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
redis:
  addr: redis:6379
sandbox:
  timeout: 5s
  host_dir: /srv/runbox/temp_jobs
session:
  ttl: 30s
server:
  port: 9000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Redis.Addr != "redis:6379" || cfg.Server.Port != 9000 {
		t.Errorf("cfg = %+v", cfg)
	}

	policy := cfg.Policy()
	if policy.Timeout != 5*time.Second || policy.TimeoutSeconds() != 5 {
		t.Errorf("policy timeout = %s", policy.Timeout)
	}
	if policy.WorkDir != "/sandbox" {
		t.Errorf("mount point = %q", policy.WorkDir)
	}
	if ws := cfg.Workspaces(); ws.Root != "/app/temp_jobs" || ws.HostRoot != "/srv/runbox/temp_jobs" {
		t.Errorf("workspaces = %+v", ws)
	}
	if opts := cfg.RedisOptions(); opts.SessionTTL != 30*time.Second {
		t.Errorf("session ttl = %s", opts.SessionTTL)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\n")
	t.Setenv("RUNBOX_SERVER_PORT", "9100")
	t.Setenv("RUNBOX_REDIS_ADDR", "cache:6380")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9100 || cfg.Redis.Addr != "cache:6380" {
		t.Errorf("server.port = %d redis.addr = %q", cfg.Server.Port, cfg.Redis.Addr)
	}
}

func TestLoadHostProjectDir(t *testing.T) {
	path := writeConfig(t, "log:\n  level: debug\n")
	t.Setenv("HOST_PROJECT_DIR", "/home/me/runbox")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.HostDir != "/home/me/runbox/temp_jobs" {
		t.Errorf("host_dir = %q", cfg.Sandbox.HostDir)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	for name, body := range map[string]string{
		"short timeout":     "sandbox:\n  timeout: 500ms\n",
		"relative host dir": "sandbox:\n  host_dir: temp_jobs\n",
		"bad port":          "server:\n  port: 70000\n",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
