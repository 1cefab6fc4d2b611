package build

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Cargo runs "<program> build --target <triple>". The same backend serves
// native builds (cargo) and cross builds (cross), which share a CLI.
type Cargo struct {
	Program string
	Args    []string // extra arguments, e.g. "--locked"
	Stdout  io.Writer
	Stderr  io.Writer
}

// NewCargo returns the native toolchain backend.
func NewCargo() *Cargo {
	return &Cargo{Program: "cargo", Args: []string{"--locked"}}
}

// NewCross returns the cross-compilation backend.
func NewCross() *Cargo {
	return &Cargo{Program: "cross", Args: []string{"--locked"}}
}

// CommandArgs returns the arguments passed to Program for inv.
func (c *Cargo) CommandArgs(inv Invocation) []string {
	args := []string{"build", "--target", inv.Triple}
	if inv.Release {
		args = append(args, "--release")
	}
	if inv.TargetDir != "" {
		args = append(args, "--target-dir", inv.TargetDir)
	}
	return append(args, c.Args...)
}

func (c *Cargo) Build(ctx context.Context, inv Invocation) error {
	cmd := exec.CommandContext(ctx, c.Program, c.CommandArgs(inv)...)
	cmd.Dir = inv.Dir
	cmd.Env = inv.Env

	var tail tailBuffer
	cmd.Stdout = c.Stdout
	if c.Stderr != nil {
		cmd.Stderr = io.MultiWriter(c.Stderr, &tail)
	} else {
		cmd.Stderr = &tail
	}

	if err := cmd.Run(); err != nil {
		if msg := tail.String(); msg != "" {
			return fmt.Errorf("%s build: %w\n%s", c.Program, err, msg)
		}
		return fmt.Errorf("%s build: %w", c.Program, err)
	}
	return nil
}

// RunStrip is the default StripFunc.
func RunStrip(ctx context.Context, tool, path string, env []string) error {
	cmd := exec.CommandContext(ctx, tool, path)
	cmd.Env = env
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", tool, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// tailBuffer keeps the last few KiB written to it, enough to show why a
// compiler invocation failed without holding its whole output.
type tailBuffer struct {
	buf bytes.Buffer
}

const tailSize = 4 << 10

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) > tailSize {
		p = p[len(p)-tailSize:]
	}
	t.buf.Write(p)
	if over := t.buf.Len() - tailSize; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(t.buf.String())
}
