package build

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/fengyichui/delta/internal/ctxlog"
	"github.com/fengyichui/delta/internal/target"
)

// Invocation is everything a backend needs to compile one target.
type Invocation struct {
	Triple    string
	Release   bool
	Dir       string   // project directory
	TargetDir string   // cargo --target-dir
	Env       []string // complete environment for the child process
}

// Backend compiles a target. It is an opaque long-running external
// operation: it either leaves a binary at the deterministic path or fails.
type Backend interface {
	Build(ctx context.Context, inv Invocation) error
}

// StripFunc strips symbols from the binary at path using tool.
type StripFunc func(ctx context.Context, tool, path string, env []string) error

// Binary is a successfully built executable.
type Binary struct {
	Path   string `json:"path"`
	Name   string `json:"name"`   // file name, including ".exe" on Windows
	Digest string `json:"sha256"` // hex SHA-256 of the file
}

// BuildError reports a failed compilation. It is terminal for the target
// and not retried.
type BuildError struct {
	Target   string
	Strategy target.Strategy
	Err      error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s: %s build: %v", e.Target, e.Strategy, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------

// Executor dispatches target builds to the native or cross backend.
type Executor struct {
	projectDir string
	targetDir  string
	binName    string
	baseEnv    []string
	extraEnv   map[string]string

	native Backend
	cross  Backend
	strip  StripFunc
}

// Option configures an Executor.
type Option func(*Executor)

// WithBackends overrides the native and cross-compilation backends.
func WithBackends(native, cross Backend) Option {
	return func(e *Executor) {
		if native != nil {
			e.native = native
		}
		if cross != nil {
			e.cross = cross
		}
	}
}

// WithTargetDir sets the directory cargo writes build outputs to.
func WithTargetDir(dir string) Option {
	return func(e *Executor) {
		e.targetDir = dir
	}
}

// WithBaseEnv replaces the process environment snapshot used as the base of
// every invocation.
func WithBaseEnv(env []string) Option {
	return func(e *Executor) {
		e.baseEnv = slices.Clone(env)
	}
}

// WithEnv adds environment variables to every invocation. Per-target
// overrides still win.
func WithEnv(env map[string]string) Option {
	return func(e *Executor) {
		for k, v := range env {
			e.extraEnv[k] = v
		}
	}
}

// WithStrip sets the strip implementation; nil disables stripping.
func WithStrip(fn StripFunc) Option {
	return func(e *Executor) {
		e.strip = fn
	}
}

// NewExecutor creates an executor building binName from projectDir.
func NewExecutor(projectDir, binName string, opts ...Option) *Executor {
	e := &Executor{
		projectDir: projectDir,
		targetDir:  filepath.Join(projectDir, "target"),
		binName:    binName,
		baseEnv:    os.Environ(),
		extraEnv:   make(map[string]string),
		native:     NewCargo(),
		cross:      NewCross(),
		strip:      RunStrip,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BinaryPath returns where the backend leaves the binary of d.
func (e *Executor) BinaryPath(d target.Descriptor, release bool) string {
	profile := "debug"
	if release {
		profile = "release"
	}
	return filepath.Join(e.targetDir, d.Triple, profile, e.binName+d.OS.ExeSuffix())
}

// Build compiles d and returns the resulting binary.
func (e *Executor) Build(ctx context.Context, d target.Descriptor, release bool) (Binary, error) {
	plan := target.PlanFor(d)
	logger := ctxlog.FromContext(ctx)

	backend := e.native
	if plan.Strategy == target.Cross {
		backend = e.cross
	}

	env := e.environ(d)
	inv := Invocation{
		Triple:    d.Triple,
		Release:   release,
		Dir:       e.projectDir,
		TargetDir: e.targetDir,
		Env:       env,
	}
	logger.Info("Building target.", "strategy", plan.Strategy.String(), "release", release)
	if err := backend.Build(ctx, inv); err != nil {
		return Binary{}, &BuildError{Target: d.Triple, Strategy: plan.Strategy, Err: err}
	}

	path := e.BinaryPath(d, release)
	if _, err := os.Stat(path); err != nil {
		return Binary{}, &BuildError{Target: d.Triple, Strategy: plan.Strategy, Err: fmt.Errorf("binary not produced: %w", err)}
	}

	if plan.StripTool != "" && e.strip != nil {
		if err := e.strip(ctx, plan.StripTool, path, env); err != nil {
			logger.Warn("Failed to strip binary; keeping symbols.", "tool", plan.StripTool, "error", err)
		}
	}

	digest, err := fileDigest(path)
	if err != nil {
		return Binary{}, &BuildError{Target: d.Triple, Strategy: plan.Strategy, Err: err}
	}
	return Binary{Path: path, Name: filepath.Base(path), Digest: digest}, nil
}

// environ returns a fresh environment for one invocation: the base snapshot,
// then executor-wide variables, then the target's own overrides. The process
// environment itself is never modified, so concurrent builds cannot observe
// each other's overrides.
func (e *Executor) environ(d target.Descriptor) []string {
	vars := make(map[string]string, len(e.baseEnv)+len(e.extraEnv)+len(d.Env))
	var order []string
	set := func(k, v string) {
		if _, ok := vars[k]; !ok {
			order = append(order, k)
		}
		vars[k] = v
	}
	for _, kv := range e.baseEnv {
		if k, v, ok := strings.Cut(kv, "="); ok {
			set(k, v)
		}
	}
	for _, k := range sortedKeys(e.extraEnv) {
		set(k, e.extraEnv[k])
	}
	for _, k := range sortedKeys(d.Env) {
		set(k, d.Env[k])
	}

	env := make([]string, 0, len(order))
	for _, k := range order {
		env = append(env, k+"="+vars[k])
	}
	return env
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
