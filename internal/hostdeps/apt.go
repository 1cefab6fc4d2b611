package hostdeps

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// runFunc runs a command and returns its standard output.
type runFunc func(ctx context.Context, env []string, name string, args ...string) ([]byte, error)

// Apt implements PackageManager with dpkg-query and apt-get.
type Apt struct {
	sudo bool
	run  runFunc
}

// AptOption configures Apt.
type AptOption func(*Apt)

// WithSudo runs mutating apt-get commands through sudo.
func WithSudo(sudo bool) AptOption {
	return func(a *Apt) {
		a.sudo = sudo
	}
}

// NewApt creates an apt-backed package manager.
func NewApt(opts ...AptOption) *Apt {
	a := &Apt{run: runCommand}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Apt) Installed(ctx context.Context, pkg string) (bool, error) {
	out, err := a.run(ctx, nil, "dpkg-query", "-W", "-f=${Status}", pkg)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// dpkg-query exits non-zero for packages it has never seen.
			return false, nil
		}
		return false, err
	}
	return strings.Contains(string(out), "install ok installed"), nil
}

func (a *Apt) Refresh(ctx context.Context) error {
	return a.aptGet(ctx, "update")
}

func (a *Apt) Install(ctx context.Context, pkgs ...string) error {
	if len(pkgs) == 0 {
		return nil
	}
	return a.aptGet(ctx, append([]string{"install", "-y", "--no-install-recommends"}, pkgs...)...)
}

func (a *Apt) aptGet(ctx context.Context, args ...string) error {
	name := "apt-get"
	env := append(os.Environ(), "DEBIAN_FRONTEND=noninteractive")
	if a.sudo {
		// sudo resets the environment, so pass the frontend through env(1).
		args = append([]string{"env", "DEBIAN_FRONTEND=noninteractive", "apt-get"}, args...)
		name = "sudo"
	}
	_, err := a.run(ctx, env, name, args...)
	return err
}

func runCommand(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if env != nil {
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return stdout.Bytes(), nil
}
