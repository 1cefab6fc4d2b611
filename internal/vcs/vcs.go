// Package vcs reads release information from the local git checkout.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrNotRepository is returned when dir is not inside a git work tree.
var ErrNotRepository = errors.New("not a git repository")

// Git runs git in a work tree.
type Git struct {
	git string
	dir string
}

// GitOption configures Git.
type GitOption func(*Git)

// WithGitPath sets a custom git executable path.
func WithGitPath(path string) GitOption {
	return func(g *Git) {
		g.git = path
	}
}

// NewGit returns a Git for the work tree containing dir.
func NewGit(dir string, opts ...GitOption) *Git {
	g := &Git{git: "git", dir: dir}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// TagsAtHead returns the tags pointing at HEAD, in git's order.
func (g *Git) TagsAtHead(ctx context.Context) ([]string, error) {
	out, err := g.output(ctx, "tag", "--points-at", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("list tags at HEAD: %w", err)
	}
	return strings.Fields(out), nil
}

func (g *Git) output(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, g.git, args...)
	cmd.Dir = g.dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(msg, "not a git repository") {
			return "", ErrNotRepository
		}
		if msg != "" {
			return "", errors.New(msg)
		}
		return "", err
	}
	return stdout.String(), nil
}
