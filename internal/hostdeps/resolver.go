// Package hostdeps prepares the build host for a target by installing the
// system packages its toolchain needs.
package hostdeps

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fengyichui/delta/internal/ctxlog"
	"github.com/fengyichui/delta/internal/lockedfile"
	"github.com/fengyichui/delta/internal/target"
)

// PackageManager is the host's package manager.
type PackageManager interface {
	// Installed reports whether pkg is already present on the host.
	Installed(ctx context.Context, pkg string) (bool, error)
	// Refresh updates the host's package index.
	Refresh(ctx context.Context) error
	// Install installs the named packages.
	Install(ctx context.Context, pkgs ...string) error
}

// DependencyError reports a failed host preparation. Refresh and install
// failures are retried by a Resolver configured WithRetry.
type DependencyError struct {
	Target   string
	Op       string // "query", "refresh" or "install"
	Packages []string
	Err      error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", e.Target, e.Op, strings.Join(e.Packages, " "), e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// Resolver installs per-target host packages idempotently. Installs are
// serialized because the host package database is shared by all targets.
type Resolver struct {
	pm       PackageManager
	lock     *lockedfile.Mutex
	attempts int
	backoff  time.Duration

	mu        sync.Mutex
	satisfied map[string]bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHostLock additionally serializes installs with other processes on the
// same host through a lock file.
func WithHostLock(path string) Option {
	return func(r *Resolver) {
		if path != "" {
			r.lock = lockedfile.MutexAt(path)
		}
	}
}

// WithRetry repeats a failed refresh and install up to attempts times in
// total, doubling backoff between attempts. The default is one attempt.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(r *Resolver) {
		if attempts > 0 {
			r.attempts = attempts
		}
		r.backoff = backoff
	}
}

// NewResolver creates a resolver backed by pm.
func NewResolver(pm PackageManager, opts ...Option) *Resolver {
	r := &Resolver{pm: pm, attempts: 1, satisfied: make(map[string]bool)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve makes sure every package d requires is installed. Packages known to
// be present are never queried or installed again.
func (r *Resolver) Resolve(ctx context.Context, d target.Descriptor) error {
	pkgs := target.PlanFor(d).Packages
	if len(pkgs) == 0 {
		return nil
	}
	logger := ctxlog.FromContext(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return &DependencyError{Target: d.Triple, Op: "query", Packages: pkgs, Err: err}
	}

	var missing []string
	for _, pkg := range pkgs {
		if r.satisfied[pkg] {
			continue
		}
		ok, err := r.pm.Installed(ctx, pkg)
		if err != nil {
			return &DependencyError{Target: d.Triple, Op: "query", Packages: []string{pkg}, Err: err}
		}
		if ok {
			r.satisfied[pkg] = true
			continue
		}
		missing = append(missing, pkg)
	}
	if len(missing) == 0 {
		logger.Debug("Host dependencies already satisfied.", "packages", pkgs)
		return nil
	}

	if r.lock != nil {
		unlock, err := r.lock.Lock()
		if err != nil {
			return &DependencyError{Target: d.Triple, Op: "install", Packages: missing, Err: err}
		}
		defer unlock()
	}

	logger.Info("Installing host dependencies.", "packages", missing)
	backoff := r.backoff
	for attempt := 1; ; attempt++ {
		err := r.install(ctx, d, missing)
		if err == nil {
			break
		}
		if attempt >= r.attempts || ctx.Err() != nil {
			return err
		}
		logger.Warn("Retrying host dependency install.", "attempt", attempt, "backoff", backoff, "err", err)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		backoff *= 2
	}
	for _, pkg := range missing {
		r.satisfied[pkg] = true
	}
	return nil
}

func (r *Resolver) install(ctx context.Context, d target.Descriptor, missing []string) error {
	if err := r.pm.Refresh(ctx); err != nil {
		return &DependencyError{Target: d.Triple, Op: "refresh", Packages: missing, Err: err}
	}
	if err := r.pm.Install(ctx, missing...); err != nil {
		return &DependencyError{Target: d.Triple, Op: "install", Packages: missing, Err: err}
	}
	return nil
}
