// Package pack turns built binaries into distributable artifacts: a
// compressed archive per target and, on Linux hosts, a Debian package.
package pack

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"time"

	"github.com/fengyichui/delta/internal/build"
	"github.com/fengyichui/delta/internal/ctxlog"
	"github.com/fengyichui/delta/internal/release"
	"github.com/fengyichui/delta/internal/target"
)

// Kind is the kind of an artifact.
type Kind int

const (
	KindArchive Kind = iota
	KindSystemPackage
)

func (k Kind) String() string {
	if k == KindSystemPackage {
		return "system-package"
	}
	return "archive"
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "archive":
		*k = KindArchive
	case "system-package":
		*k = KindSystemPackage
	default:
		return fmt.Errorf("unknown artifact kind %q", b)
	}
	return nil
}

// Artifact is a distributable file derived from one built binary.
type Artifact struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
	Target   string `json:"target"` // target triple
	Kind     Kind   `json:"kind"`
	Digest   string `json:"sha256"`
	Size     int64  `json:"size"`
}

// Include is an auxiliary file shipped next to the binary.
type Include struct {
	Source  string // relative to Options.SourceDir; may be a directory
	Dest    string // path inside the archive; defaults to the base name of Source
	DebDest string // path inside the Debian package; empty keeps it out
}

// DebInfo is the Debian control metadata. Package name and version always
// come from the release metadata.
type DebInfo struct {
	Enabled     bool
	Maintainer  string
	Description string
	Homepage    string
	Section     string
	Priority    string
	Depends     []string
}

// Options configures a Packager.
type Options struct {
	SourceDir string
	OutputDir string
	Include   []Include
	Deb       DebInfo
	// ModTime is stamped on every archive entry. Zero means 1980-01-01 UTC,
	// the earliest time both tar and zip represent exactly.
	ModTime time.Time
}

// Packager produces artifacts into Options.OutputDir.
type Packager struct {
	opts Options
}

// New creates a Packager.
func New(opts Options) *Packager {
	if opts.ModTime.IsZero() {
		opts.ModTime = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	opts.Include = slices.Clone(opts.Include)
	return &Packager{opts: opts}
}

// stagedFile is one regular file in the staging tree.
type stagedFile struct {
	rel     string // slash-separated path below the archive root
	src     string
	mode    fs.FileMode
	debDest string
}

// Package converts bin into the artifacts for d. Artifact filenames depend
// only on meta and d, so packaging again overwrites rather than duplicates.
func (p *Packager) Package(ctx context.Context, bin build.Binary, d target.Descriptor, meta release.Metadata) ([]Artifact, error) {
	logger := ctxlog.FromContext(ctx)

	format, err := FormatFor(d.OS)
	if err != nil {
		return nil, &PackageError{Kind: UnsupportedPlatform, Target: d.Triple, Err: err}
	}
	if _, err := os.Stat(bin.Path); err != nil {
		return nil, &PackageError{Kind: Staging, Target: d.Triple, Err: err}
	}
	if err := os.MkdirAll(p.opts.OutputDir, 0o755); err != nil {
		return nil, &PackageError{Kind: Staging, Target: d.Triple, Err: err}
	}

	base := BaseName(meta, d)
	tmp, err := os.MkdirTemp("", "delta-release-stage-*")
	if err != nil {
		return nil, &PackageError{Kind: Staging, Target: d.Triple, Err: err}
	}
	defer os.RemoveAll(tmp)

	stageDir := filepath.Join(tmp, base)
	files, err := p.stage(ctx, stageDir, bin)
	if err != nil {
		return nil, &PackageError{Kind: Staging, Target: d.Triple, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &PackageError{Kind: Staging, Target: d.Triple, Err: err}
	}

	// Outputs are written under temporary names and renamed together, so
	// a failed call leaves nothing under a final name.
	var out outputs
	defer out.discard()

	archivePath := filepath.Join(p.opts.OutputDir, base+"."+format.Ext())
	archive, err := out.write(archivePath, d, KindArchive, func(w io.Writer) error {
		if format == Zip {
			return writeZip(w, base, files, p.opts.ModTime)
		}
		return writeTarGz(w, base, files, p.opts.ModTime)
	})
	if err != nil {
		return nil, &PackageError{Kind: Archive, Target: d.Triple, Err: err}
	}
	artifacts := []Artifact{archive}

	if debName, ok := DebName(meta, d, p.opts); ok {
		if err := ctx.Err(); err != nil {
			return nil, &PackageError{Kind: SystemPackage, Target: d.Triple, Err: err}
		}
		debArch, _ := DebArch(d.Arch)
		ctrl := p.debControl(meta, d, debArch)
		deb, err := out.write(filepath.Join(p.opts.OutputDir, debName), d, KindSystemPackage, func(w io.Writer) error {
			return writeDeb(w, ctrl, debFiles(bin, files), p.opts.ModTime)
		})
		if err != nil {
			return nil, &PackageError{Kind: SystemPackage, Target: d.Triple, Err: err}
		}
		artifacts = append(artifacts, deb)
	}

	if err := ctx.Err(); err != nil {
		return nil, &PackageError{Kind: errorKindOf(artifacts[len(artifacts)-1].Kind), Target: d.Triple, Err: err}
	}
	if a, err := out.commit(); err != nil {
		return nil, &PackageError{Kind: errorKindOf(a.Kind), Target: d.Triple, Err: err}
	}
	for _, a := range artifacts {
		logger.Info("Created artifact.", "file", a.Filename, "kind", a.Kind, "sha256", a.Digest)
	}
	return artifacts, nil
}

// stage copies the binary and the auxiliary files into dir. Missing
// auxiliary files are skipped with a warning; the binary alone keeps the
// archive non-empty.
func (p *Packager) stage(ctx context.Context, dir string, bin build.Binary) ([]stagedFile, error) {
	logger := ctxlog.FromContext(ctx)

	binFile := stagedFile{rel: bin.Name, src: filepath.Join(dir, bin.Name), mode: 0o755}
	if err := copyFile(bin.Path, binFile.src, binFile.mode); err != nil {
		return nil, err
	}
	files := []stagedFile{binFile}

	for _, inc := range p.opts.Include {
		src := inc.Source
		if !filepath.IsAbs(src) {
			src = filepath.Join(p.opts.SourceDir, src)
		}
		dest := inc.Dest
		if dest == "" {
			dest = filepath.Base(inc.Source)
		}
		if !filepath.IsLocal(dest) {
			return nil, fmt.Errorf("include %s: destination %q escapes the archive", inc.Source, dest)
		}

		info, err := os.Stat(src)
		if os.IsNotExist(err) {
			logger.Warn("Auxiliary file missing; skipping.", "file", inc.Source)
			continue
		}
		if err != nil {
			return nil, err
		}

		if !info.IsDir() {
			f := stagedFile{rel: filepath.ToSlash(dest), src: filepath.Join(dir, dest), mode: fileMode(info), debDest: inc.DebDest}
			if err := copyFile(src, f.src, f.mode); err != nil {
				return nil, err
			}
			files = append(files, f)
			continue
		}

		err = filepath.WalkDir(src, func(name string, de fs.DirEntry, err error) error {
			if err != nil || de.IsDir() {
				return err
			}
			rel, err := filepath.Rel(src, name)
			if err != nil {
				return err
			}
			info, err := de.Info()
			if err != nil {
				return err
			}
			f := stagedFile{
				rel:  path.Join(filepath.ToSlash(dest), filepath.ToSlash(rel)),
				src:  filepath.Join(dir, dest, rel),
				mode: fileMode(info),
			}
			if inc.DebDest != "" {
				f.debDest = path.Join(inc.DebDest, filepath.ToSlash(rel))
			}
			files = append(files, f)
			return copyFile(name, f.src, f.mode)
		})
		if err != nil {
			return nil, err
		}
	}

	slices.SortFunc(files, func(a, b stagedFile) int {
		switch {
		case a.rel < b.rel:
			return -1
		case a.rel > b.rel:
			return 1
		}
		return 0
	})
	return files, nil
}

func (p *Packager) debControl(meta release.Metadata, d target.Descriptor, arch string) debControl {
	info := p.opts.Deb
	ctrl := debControl{
		Package:      debPackageName(meta, d),
		Version:      meta.Version,
		Architecture: arch,
		Maintainer:   info.Maintainer,
		Section:      info.Section,
		Priority:     info.Priority,
		Homepage:     info.Homepage,
		Description:  info.Description,
		Depends:      info.Depends,
	}
	if ctrl.Maintainer == "" {
		ctrl.Maintainer = meta.Project + " developers"
	}
	if ctrl.Description == "" {
		ctrl.Description = meta.Project
	}
	if ctrl.Section == "" {
		ctrl.Section = "utils"
	}
	if ctrl.Priority == "" {
		ctrl.Priority = "optional"
	}
	if d.IsMusl() && len(ctrl.Depends) > 0 {
		// Statically linked; libc dependencies do not apply.
		ctrl.Depends = nil
	}
	return ctrl
}

// debFiles maps staged files into the Debian filesystem tree.
func debFiles(bin build.Binary, staged []stagedFile) []debFile {
	var files []debFile
	for _, f := range staged {
		switch {
		case f.rel == bin.Name:
			files = append(files, debFile{path: "usr/bin/" + bin.Name, src: f.src, mode: 0o755})
		case f.debDest != "":
			files = append(files, debFile{path: path.Clean(f.debDest), src: f.src, mode: 0o644})
		}
	}
	return files
}

// -----------------------------------------------------------------------------

func fileMode(info fs.FileInfo) fs.FileMode {
	if info.Mode().Perm()&0o111 != 0 {
		return 0o755
	}
	return 0o644
}

func copyFile(src, dst string, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// outputs holds the files of one Package call while they are written.
type outputs struct {
	pending []output
}

type output struct {
	tmp      string
	artifact Artifact
}

// write writes dst through a hidden temporary file in the same directory
// and returns the artifact it will become once committed.
func (o *outputs) write(dst string, d target.Descriptor, kind Kind, write func(w io.Writer) error) (a Artifact, err error) {
	f, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return Artifact{}, err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	bw := bufio.NewWriter(f)
	if err = write(bw); err != nil {
		return Artifact{}, err
	}
	if err = bw.Flush(); err != nil {
		return Artifact{}, err
	}
	if err = f.Chmod(0o644); err != nil {
		return Artifact{}, err
	}
	if err = f.Close(); err != nil {
		return Artifact{}, err
	}

	digest, size, err := Digest(tmp)
	if err != nil {
		return Artifact{}, err
	}
	a = Artifact{
		Filename: filepath.Base(dst),
		Path:     dst,
		Target:   d.Triple,
		Kind:     kind,
		Digest:   digest,
		Size:     size,
	}
	o.pending = append(o.pending, output{tmp: tmp, artifact: a})
	return a, nil
}

// commit renames every written file to its final name. When a rename
// fails, the files already moved are removed again and the artifact that
// could not be placed is returned with the error.
func (o *outputs) commit() (Artifact, error) {
	for i, out := range o.pending {
		if err := os.Rename(out.tmp, out.artifact.Path); err != nil {
			for _, done := range o.pending[:i] {
				os.Remove(done.artifact.Path)
			}
			return out.artifact, err
		}
	}
	o.pending = nil
	return Artifact{}, nil
}

// discard removes the temporary files of an uncommitted call.
func (o *outputs) discard() {
	for _, out := range o.pending {
		os.Remove(out.tmp)
	}
}

func errorKindOf(k Kind) ErrorKind {
	if k == KindSystemPackage {
		return SystemPackage
	}
	return Archive
}

// Digest returns the hex SHA-256 and size of the file at p.
func Digest(p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
