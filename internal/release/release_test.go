package release

import (
	"errors"
	"testing"

	"github.com/fengyichui/delta/internal/target"
)

func TestParseTag(t *testing.T) {
	tests := []struct {
		in          string
		wantName    string
		wantVersion string
		wantErr     error
	}{
		{"1.2.3", "1.2.3", "1.2.3", nil},
		{"v0.16.5", "v0.16.5", "0.16.5", nil},
		{"refs/tags/0.18.2", "0.18.2", "0.18.2", nil},
		{" 2.0.0\n", "2.0.0", "2.0.0", nil},
		{"", "", "", ErrNoTag},
		{"refs/tags/", "", "", ErrNoTag},
		{"1.2", "", "", ErrInvalidTag},
		{"1.2.3-rc.1", "", "", ErrInvalidTag},
		{"1.2.3+build", "", "", ErrInvalidTag},
		{"release-1.2.3", "", "", ErrInvalidTag},
		{"01.2.3", "", "", ErrInvalidTag},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTag(tt.in)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseTag(%q) err = %v, want %v", tt.in, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTag(%q) unexpected error: %v", tt.in, err)
			}
			if got.Name != tt.wantName || got.Version != tt.wantVersion {
				t.Errorf("ParseTag(%q) = %+v, want name %q version %q", tt.in, got, tt.wantName, tt.wantVersion)
			}
		})
	}
}

func TestTagFromEnv(t *testing.T) {
	env := func(kv map[string]string) func(string) string {
		return func(k string) string { return kv[k] }
	}

	tag, err := TagFromEnv(env(map[string]string{"GITHUB_REF": "refs/tags/0.17.0"}))
	if err != nil || tag.Version != "0.17.0" {
		t.Errorf("GITHUB_REF: got %+v, %v", tag, err)
	}

	tag, err = TagFromEnv(env(map[string]string{"GITHUB_REF_TYPE": "tag", "GITHUB_REF_NAME": "0.17.1"}))
	if err != nil || tag.Version != "0.17.1" {
		t.Errorf("GITHUB_REF_NAME: got %+v, %v", tag, err)
	}

	_, err = TagFromEnv(env(map[string]string{"GITHUB_REF": "refs/heads/main", "GITHUB_REF_NAME": "main", "GITHUB_REF_TYPE": "branch"}))
	if !errors.Is(err, ErrNoTag) {
		t.Errorf("branch push: err = %v, want ErrNoTag", err)
	}
}

func TestHighestTag(t *testing.T) {
	tests := []struct {
		names []string
		want  string
	}{
		{[]string{"0.18.2"}, "0.18.2"},
		{[]string{"nightly", "0.9.0", "v0.10.0", "0.18.2-rc1"}, "v0.10.0"},
		{[]string{"1.0.0", "0.99.99"}, "1.0.0"},
	}
	for _, tt := range tests {
		tag, err := HighestTag(tt.names)
		if err != nil || tag.Name != tt.want {
			t.Errorf("HighestTag(%v) = %+v, %v; want %s", tt.names, tag, err, tt.want)
		}
	}

	if _, err := HighestTag([]string{"nightly", "latest"}); !errors.Is(err, ErrNoTag) {
		t.Errorf("no release tags: err = %v, want ErrNoTag", err)
	}
	if _, err := HighestTag(nil); !errors.Is(err, ErrNoTag) {
		t.Errorf("empty: err = %v, want ErrNoTag", err)
	}
}

func TestNewMetadata(t *testing.T) {
	tag, _ := ParseTag("1.2.3")

	m, err := NewMetadata("delta", "", tag, target.Linux)
	if err != nil {
		t.Fatal(err)
	}
	if m.Package != "delta" {
		t.Errorf("Package defaults to project, got %q", m.Package)
	}

	if _, err := NewMetadata("delta", "git-delta", Tag{}, target.Linux); !errors.Is(err, ErrNoTag) {
		t.Errorf("missing tag: err = %v", err)
	}
	if _, err := NewMetadata("", "git-delta", tag, target.Linux); err == nil {
		t.Errorf("missing project: want error")
	}
}
