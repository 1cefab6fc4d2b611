package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fengyichui/delta/internal/pack"
	"github.com/fengyichui/delta/internal/release"
	"github.com/fengyichui/delta/internal/target"
)

// DirSink publishes into <Dir>/<tag>/, for dry runs and local mirrors.
type DirSink struct {
	Dir string
}

func (s *DirSink) EnsureRelease(ctx context.Context, tag release.Tag) (Release, error) {
	dir := filepath.Join(s.Dir, tag.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Release{}, err
	}
	return Release{Tag: tag.Name, URL: dir}, nil
}

func (s *DirSink) Upload(ctx context.Context, rel Release, name, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name != filepath.Base(name) {
		return fmt.Errorf("invalid asset name %q", name)
	}
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	dst := filepath.Join(s.Dir, rel.Tag, name)
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+name+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// Discover finds the artifacts of set already present in dir, as left by
// earlier packaging runs. A target is found only when every artifact it
// produces is present; a target with some of its files missing contributes
// nothing and is reported missing by Publish. Temporary files and unrelated
// names are ignored.
func Discover(dir string, set *target.Set, meta release.Metadata, opts pack.Options) ([]pack.Artifact, error) {
	var artifacts []pack.Artifact
	for _, d := range set.Targets() {
		names, err := pack.Names(meta, d, opts)
		if err != nil {
			return nil, err
		}
		found, err := discoverTarget(dir, d, names)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, found...)
	}
	return artifacts, nil
}

// discoverTarget returns the artifacts of d when all of names exist in dir
// as regular files, and nil otherwise.
func discoverTarget(dir string, d target.Descriptor, names []string) ([]pack.Artifact, error) {
	var found []pack.Artifact
	for _, name := range names {
		p := filepath.Join(dir, name)
		info, err := os.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if !info.Mode().IsRegular() {
			return nil, nil
		}
		digest, size, err := pack.Digest(p)
		if err != nil {
			return nil, err
		}
		kind := pack.KindArchive
		if strings.HasSuffix(name, ".deb") {
			kind = pack.KindSystemPackage
		}
		found = append(found, pack.Artifact{
			Filename: name,
			Path:     p,
			Target:   d.Triple,
			Kind:     kind,
			Digest:   digest,
			Size:     size,
		})
	}
	return found, nil
}
