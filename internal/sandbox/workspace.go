package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workspaces creates per-job directories under Root. HostRoot is the same
// directory as seen by the container runtime, which differs when this process
// itself runs in a container with Root bind-mounted from the host.
type Workspaces struct {
	Root     string
	HostRoot string
}

// Workspace is one job's ephemeral directory.
type Workspace struct {
	Dir     string // path in this process
	HostDir string // path handed to the container runtime
}

// Create makes the workspace for jobID, readable and executable by any user.
func (w Workspaces) Create(jobID string) (*Workspace, error) {
	if jobID == "" || jobID == "." || jobID == ".." || strings.ContainsAny(jobID, `/\`) {
		return nil, fmt.Errorf("invalid workspace name %q", jobID)
	}

	hostRoot := w.HostRoot
	if hostRoot == "" {
		hostRoot = w.Root
	}
	if !filepath.IsAbs(hostRoot) {
		return nil, fmt.Errorf("%w: %q is not an absolute path", ErrHostPathMisconfigured, hostRoot)
	}

	dir := filepath.Join(w.Root, jobID)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	// MkdirAll is subject to the umask; the sandbox user needs full access.
	if err := os.Chmod(dir, 0o777); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("setting workspace permissions: %w", err)
	}

	return &Workspace{Dir: dir, HostDir: filepath.Join(hostRoot, jobID)}, nil
}

// WriteFile writes a file into the workspace that the sandbox user can read and execute.
func (ws *Workspace) WriteFile(name, content string) error {
	path := filepath.Join(ws.Dir, name)
	if err := os.WriteFile(path, []byte(content), 0o777); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := os.Chmod(path, 0o777); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", name, err)
	}
	return nil
}

// Remove deletes the workspace and everything in it.
func (ws *Workspace) Remove() error {
	return os.RemoveAll(ws.Dir)
}
