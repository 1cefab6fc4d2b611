package release

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fengyichui/delta/internal/target"
	"golang.org/x/mod/semver"
)

var (
	ErrNoTag      = errors.New("no release tag")
	ErrInvalidTag = errors.New("tag is not a MAJOR.MINOR.PATCH version")
)

// Tag is the version-control event that triggers a release.
type Tag struct {
	Name    string // tag as pushed, e.g. "0.16.5" or "v0.16.5"
	Version string // semantic version without the "v" prefix
}

func (t Tag) String() string {
	return t.Name
}

// ParseTag validates a pushed tag. A full ref ("refs/tags/1.2.3") is accepted;
// prerelease and build suffixes are not.
func ParseTag(s string) (Tag, error) {
	name := strings.TrimPrefix(strings.TrimSpace(s), "refs/tags/")
	if name == "" {
		return Tag{}, ErrNoTag
	}
	v := name
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	// Canonical rewrites "v1.2" as "v1.2.0" and drops build metadata, so any
	// difference means the tag is not a bare MAJOR.MINOR.PATCH.
	if !semver.IsValid(v) || semver.Canonical(v) != v || semver.Prerelease(v) != "" {
		return Tag{}, fmt.Errorf("%w: %q", ErrInvalidTag, name)
	}
	return Tag{Name: name, Version: strings.TrimPrefix(v, "v")}, nil
}

// TagFromEnv reads the trigger tag from CI environment variables.
func TagFromEnv(getenv func(string) string) (Tag, error) {
	if ref := getenv("GITHUB_REF"); strings.HasPrefix(ref, "refs/tags/") {
		return ParseTag(ref)
	}
	if getenv("GITHUB_REF_TYPE") == "tag" {
		return ParseTag(getenv("GITHUB_REF_NAME"))
	}
	return Tag{}, ErrNoTag
}

// HighestTag returns the highest release tag among names, skipping names
// that are not release tags. It returns ErrNoTag when none qualifies.
func HighestTag(names []string) (Tag, error) {
	var best Tag
	for _, name := range names {
		t, err := ParseTag(name)
		if err != nil {
			continue
		}
		if best.Version == "" || semver.Compare("v"+t.Version, "v"+best.Version) > 0 {
			best = t
		}
	}
	if best.Version == "" {
		return Tag{}, ErrNoTag
	}
	return best, nil
}

// -----------------------------------------------------------------------------

// Metadata is supplied once per pipeline run; every artifact name derives
// from it plus the target descriptor.
type Metadata struct {
	Project string    `json:"project"` // e.g. "delta"
	Package string    `json:"package"` // distribution package name, e.g. "git-delta"
	Version string    `json:"version"` // from the trigger tag
	HostOS  target.OS `json:"host_os"` // operating system of the packaging host
}

// NewMetadata returns release metadata for the given tag.
func NewMetadata(project, pkg string, tag Tag, host target.OS) (Metadata, error) {
	if project == "" {
		return Metadata{}, errors.New("project name is empty")
	}
	if pkg == "" {
		pkg = project
	}
	if tag.Version == "" {
		return Metadata{}, ErrNoTag
	}
	return Metadata{Project: project, Package: pkg, Version: tag.Version, HostOS: host}, nil
}
