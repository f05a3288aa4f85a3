package language

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnsupported is returned when a language has no profile in the requested table.
var ErrUnsupported = errors.New("unsupported language")

// ProfileKind tags how a batch profile turns source into a running program.
type ProfileKind string

const (
	Interpreted ProfileKind = "interpreted"
	Compiled    ProfileKind = "compiled"
)

// BatchProfile describes how to materialize, optionally compile, and run a program.
type BatchProfile struct {
	Language       string      `yaml:"language"`
	Kind           ProfileKind `yaml:"kind"`
	SourceFile     string      `yaml:"source_file"`
	CompileCommand string      `yaml:"compile_command,omitempty"`
	RunCommand     string      `yaml:"run_command"`
}

// InteractiveProfile describes how to launch a REPL attached to a terminal.
type InteractiveProfile struct {
	Language string            `yaml:"language"`
	Command  []string          `yaml:"command"`
	Env      map[string]string `yaml:"env,omitempty"`
}

// EnvList renders Env as KEY=VALUE pairs in a stable order.
func (p InteractiveProfile) EnvList() []string {
	keys := make([]string, 0, len(p.Env))
	for k := range p.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+p.Env[k])
	}
	return env
}

// Registry is a read-only lookup of batch and interactive profiles keyed by exact language name.
type Registry struct {
	batch       map[string]BatchProfile
	interactive map[string]InteractiveProfile
}

// NewRegistry returns a registry populated with the built-in profiles.
func NewRegistry() *Registry {
	r := &Registry{
		batch:       make(map[string]BatchProfile),
		interactive: make(map[string]InteractiveProfile),
	}

	for _, p := range []BatchProfile{
		{Language: "python", Kind: Interpreted, SourceFile: "main.py", RunCommand: "python3 main.py"},
		{Language: "cpp", Kind: Compiled, SourceFile: "main.cpp", CompileCommand: "g++ main.cpp -o main", RunCommand: "./main"},
		{Language: "c", Kind: Compiled, SourceFile: "main.c", CompileCommand: "gcc main.c -o main", RunCommand: "./main"},
		{Language: "java", Kind: Compiled, SourceFile: "Main.java", CompileCommand: "javac Main.java", RunCommand: "java Main"},
		{Language: "javascript", Kind: Interpreted, SourceFile: "main.js", RunCommand: "node main.js"},
	} {
		r.batch[p.Language] = p
	}

	for _, p := range []InteractiveProfile{
		{Language: "python", Command: []string{"python3", "-i", "-q"}},
		{Language: "javascript", Command: []string{"node", "-i", "--no-warnings"}, Env: map[string]string{"NODE_NO_READLINE": "1"}},
	} {
		r.interactive[p.Language] = p
	}

	return r
}

// Batch returns the batch profile for name.
func (r *Registry) Batch(name string) (BatchProfile, error) {
	p, ok := r.batch[name]
	if !ok {
		return BatchProfile{}, fmt.Errorf("%w: %q", ErrUnsupported, name)
	}
	return p, nil
}

// Interactive returns the interactive profile for name.
func (r *Registry) Interactive(name string) (InteractiveProfile, error) {
	p, ok := r.interactive[name]
	if !ok {
		return InteractiveProfile{}, fmt.Errorf("%w for REPL: %q", ErrUnsupported, name)
	}
	return p, nil
}

// BatchProfiles returns every batch profile sorted by language name.
func (r *Registry) BatchProfiles() []BatchProfile {
	out := make([]BatchProfile, 0, len(r.batch))
	for _, p := range r.batch {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Language < out[j].Language })
	return out
}

// InteractiveProfiles returns every interactive profile sorted by language name.
func (r *Registry) InteractiveProfiles() []InteractiveProfile {
	out := make([]InteractiveProfile, 0, len(r.interactive))
	for _, p := range r.interactive {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Language < out[j].Language })
	return out
}
