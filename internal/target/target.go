package target

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// OS is the operating system family of a release target.
type OS int

const (
	Unknown OS = iota
	Linux
	MacOS
	Windows
	FreeBSD
)

// ParseOS maps a configuration value onto an OS. Unrecognized names yield
// Unknown, which validation rejects.
func ParseOS(s string) OS {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "linux":
		return Linux
	case "macos", "darwin", "osx":
		return MacOS
	case "windows":
		return Windows
	case "freebsd":
		return FreeBSD
	}
	return Unknown
}

func (o OS) String() string {
	switch o {
	case Linux:
		return "linux"
	case MacOS:
		return "macos"
	case Windows:
		return "windows"
	case FreeBSD:
		return "freebsd"
	}
	return "unknown"
}

func (o OS) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *OS) UnmarshalText(b []byte) error {
	*o = ParseOS(string(b))
	return nil
}

// ExeSuffix returns the executable file suffix used on o.
func (o OS) ExeSuffix() string {
	if o == Windows {
		return ".exe"
	}
	return ""
}

// FromGOOS maps a Go runtime GOOS value onto an OS.
func FromGOOS(goos string) OS {
	return ParseOS(goos)
}

// -----------------------------------------------------------------------------

// Descriptor identifies one build/package variant of the release.
type Descriptor struct {
	OS     OS
	Arch   string // e.g. "x86_64", "aarch64", "arm"
	Triple string // toolchain target triple
	Cross  bool   // build through the cross-compilation backend

	// Env holds environment overrides applied only to this target's build,
	// e.g. MACOSX_DEPLOYMENT_TARGET.
	Env map[string]string

	// Packages lists extra host packages required before building.
	Packages []string
}

// ID returns the unique identity of the descriptor within a set.
func (d Descriptor) ID() string {
	return d.OS.String() + "/" + d.Triple
}

func (d Descriptor) String() string {
	return d.Triple
}

// IsMusl reports whether the target links against musl libc.
func (d Descriptor) IsMusl() bool {
	return strings.Contains(d.Triple, "-musl")
}

func (d Descriptor) clone() Descriptor {
	d.Env = maps.Clone(d.Env)
	d.Packages = slices.Clone(d.Packages)
	return d
}

// -----------------------------------------------------------------------------

var (
	ErrNoTargets         = errors.New("no targets configured")
	ErrEmptyTriple       = errors.New("target triple is empty")
	ErrUnsupportedOS     = errors.New("unsupported operating system")
	ErrDuplicateTarget   = errors.New("duplicate target")
	ErrArtifactCollision = errors.New("artifact filename collision")
	ErrUnknownTarget     = errors.New("unknown target")
)

// Set is the build matrix: an ordered list of descriptors, read once at
// pipeline start and never mutated afterwards.
type Set struct {
	targets []Descriptor
}

// NewSet returns a set holding copies of ds in the given order.
func NewSet(ds ...Descriptor) *Set {
	s := &Set{targets: make([]Descriptor, 0, len(ds))}
	for _, d := range ds {
		s.targets = append(s.targets, d.clone())
	}
	return s
}

// Len returns the number of targets.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.targets)
}

// Targets returns copies of all descriptors in matrix order.
func (s *Set) Targets() []Descriptor {
	if s == nil {
		return nil
	}
	out := make([]Descriptor, len(s.targets))
	for i, d := range s.targets {
		out[i] = d.clone()
	}
	return out
}

// At returns a copy of the i-th descriptor.
func (s *Set) At(i int) Descriptor {
	return s.targets[i].clone()
}

// Triples returns the target triples in matrix order.
func (s *Set) Triples() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.targets))
	for i, d := range s.targets {
		out[i] = d.Triple
	}
	return out
}

// Lookup finds a descriptor by triple.
func (s *Set) Lookup(triple string) (Descriptor, bool) {
	for _, d := range s.targets {
		if d.Triple == triple {
			return d.clone(), true
		}
	}
	return Descriptor{}, false
}

// Filter returns the subset of targets named by triples, preserving matrix
// order. An empty triples list returns s itself.
func (s *Set) Filter(triples []string) (*Set, error) {
	if len(triples) == 0 {
		return s, nil
	}
	want := make(map[string]bool, len(triples))
	for _, t := range triples {
		if _, ok := s.Lookup(t); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, t)
		}
		want[t] = true
	}
	var ds []Descriptor
	for _, d := range s.targets {
		if want[d.Triple] {
			ds = append(ds, d)
		}
	}
	return NewSet(ds...), nil
}

// NamesFunc derives every artifact filename a target would produce.
type NamesFunc func(d Descriptor) ([]string, error)

// Validate checks the matrix for configuration bugs: empty or duplicate
// identities, unsupported operating systems and, when names is non-nil,
// artifact filenames shared by two targets. All problems are reported.
func (s *Set) Validate(names NamesFunc) error {
	if s.Len() == 0 {
		return ErrNoTargets
	}
	var errs []error
	seen := make(map[string]bool)
	owner := make(map[string]string)
	for _, d := range s.targets {
		if d.Triple == "" {
			errs = append(errs, fmt.Errorf("%w (os %s, arch %q)", ErrEmptyTriple, d.OS, d.Arch))
			continue
		}
		if d.OS == Unknown {
			errs = append(errs, fmt.Errorf("%s: %w", d.Triple, ErrUnsupportedOS))
		}
		if seen[d.ID()] {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateTarget, d.ID()))
			continue
		}
		seen[d.ID()] = true

		if names == nil || d.OS == Unknown {
			continue
		}
		files, err := names(d)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Triple, err))
			continue
		}
		for _, f := range files {
			if prev, ok := owner[f]; ok {
				errs = append(errs, fmt.Errorf("%w: %s produced by both %s and %s", ErrArtifactCollision, f, prev, d.Triple))
				continue
			}
			owner[f] = d.Triple
		}
	}
	return errors.Join(errs...)
}
