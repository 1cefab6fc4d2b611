package publish

import (
	"gopkg.in/yaml.v3"

	"github.com/fengyichui/delta/internal/release"
)

// Manifest describes the state of a release. It is uploaded next to the
// artifacts so that incomplete releases can be detected from the host.
type Manifest struct {
	Project   string        `yaml:"project"`
	Version   string        `yaml:"version"`
	Tag       string        `yaml:"tag"`
	Complete  bool          `yaml:"complete"`
	Artifacts []AssetEntry  `yaml:"artifacts"`
	Failed    []FailedEntry `yaml:"failed,omitempty"`
	Missing   []string      `yaml:"missing,omitempty"`
}

type AssetEntry struct {
	Name   string `yaml:"name"`
	Target string `yaml:"target"`
	Kind   string `yaml:"kind"`
	SHA256 string `yaml:"sha256"`
	Size   int64  `yaml:"size"`
}

type FailedEntry struct {
	Name   string `yaml:"name"`
	Target string `yaml:"target,omitempty"`
	Error  string `yaml:"error"`
}

// NewManifest summarizes report.
func NewManifest(meta release.Metadata, tag release.Tag, report *Report) *Manifest {
	m := &Manifest{
		Project:  meta.Project,
		Version:  meta.Version,
		Tag:      tag.Name,
		Complete: report.Complete(),
		Missing:  report.Missing,
	}
	for _, a := range report.Published {
		m.Artifacts = append(m.Artifacts, AssetEntry{
			Name:   a.Filename,
			Target: a.Target,
			Kind:   a.Kind.String(),
			SHA256: a.Digest,
			Size:   a.Size,
		})
	}
	for _, f := range report.Failed {
		m.Failed = append(m.Failed, FailedEntry{Name: f.Artifact, Target: f.Target, Error: f.Err.Error()})
	}
	return m
}

func (m *Manifest) Marshal() ([]byte, error) {
	return yaml.Marshal(m)
}

// ParseManifest decodes a manifest previously produced by Marshal.
func ParseManifest(data []byte) (*Manifest, error) {
	m := new(Manifest)
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}
