package pack

import (
	"errors"
	"fmt"
)

// ErrUnsupportedPlatform is a configuration bug: the target's OS has no
// archive convention. Target set validation catches it before a release.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// ErrorKind classifies packaging failures.
type ErrorKind int

const (
	UnsupportedPlatform ErrorKind = iota
	Staging
	Archive
	SystemPackage
)

func (k ErrorKind) String() string {
	switch k {
	case UnsupportedPlatform:
		return "unsupported platform"
	case Staging:
		return "staging"
	case Archive:
		return "archive"
	case SystemPackage:
		return "system package"
	}
	return "unknown"
}

// PackageError reports a failed packaging step for one target.
type PackageError struct {
	Kind   ErrorKind
	Target string
	Err    error
}

func (e *PackageError) Error() string {
	return fmt.Sprintf("%s: package (%s): %v", e.Target, e.Kind, e.Err)
}

func (e *PackageError) Unwrap() error { return e.Err }
