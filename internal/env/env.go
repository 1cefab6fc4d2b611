package env

import (
	"os"
	"path/filepath"
)

// HomeEnv overrides the work directory when set.
const HomeEnv = "DELTA_RELEASE_HOME"

// WorkDir returns the per-user work directory, creating it if needed.
func WorkDir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir, os.MkdirAll(dir, 0700)
	}
	userCacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(userCacheDir, ".delta-release")
	return dir, os.MkdirAll(dir, 0700)
}

// HostLockFile returns the lock file that serializes host package
// installation across concurrent pipelines on one machine.
func HostLockFile() (string, error) {
	dir, err := WorkDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "host-packages.lock"), nil
}
