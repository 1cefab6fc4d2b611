package pack

import (
	"fmt"

	"github.com/fengyichui/delta/internal/release"
	"github.com/fengyichui/delta/internal/target"
)

// Format is an archive container format.
type Format int

const (
	TarGz Format = iota
	Zip
)

// Ext returns the filename extension of f, without the leading dot.
func (f Format) Ext() string {
	if f == Zip {
		return "zip"
	}
	return "tar.gz"
}

func (f Format) String() string {
	return f.Ext()
}

// FormatFor is the total mapping from operating system to archive format.
func FormatFor(os target.OS) (Format, error) {
	switch os {
	case target.Linux, target.MacOS, target.FreeBSD:
		return TarGz, nil
	case target.Windows:
		return Zip, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, os)
}

// BaseName returns "{package}-{version}-{triple}", the stem shared by the
// archive and its top-level directory.
func BaseName(meta release.Metadata, d target.Descriptor) string {
	return fmt.Sprintf("%s-%s-%s", meta.Package, meta.Version, d.Triple)
}

// ArchiveName returns the archive filename of d.
func ArchiveName(meta release.Metadata, d target.Descriptor) (string, error) {
	f, err := FormatFor(d.OS)
	if err != nil {
		return "", err
	}
	return BaseName(meta, d) + "." + f.Ext(), nil
}

var debArches = map[string]string{
	"x86_64":  "amd64",
	"i686":    "i386",
	"aarch64": "arm64",
	"arm":     "armhf",
}

// DebArch maps a target architecture to its dpkg architecture name.
func DebArch(arch string) (string, bool) {
	a, ok := debArches[arch]
	return a, ok
}

// debPackageName is the Package field of the control file. musl builds get
// their own package name so they can sit next to the glibc build.
func debPackageName(meta release.Metadata, d target.Descriptor) string {
	if d.IsMusl() {
		return meta.Package + "-musl"
	}
	return meta.Package
}

// DebName returns the Debian package filename of d, or false when no Debian
// package is produced for it.
func DebName(meta release.Metadata, d target.Descriptor, opts Options) (string, bool) {
	if !opts.Deb.Enabled || d.OS != target.Linux || meta.HostOS != target.Linux {
		return "", false
	}
	arch, ok := DebArch(d.Arch)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%s_%s_%s.deb", debPackageName(meta, d), meta.Version, arch), true
}

// Names returns every artifact filename Package would produce for d.
func Names(meta release.Metadata, d target.Descriptor, opts Options) ([]string, error) {
	archive, err := ArchiveName(meta, d)
	if err != nil {
		return nil, err
	}
	names := []string{archive}
	if deb, ok := DebName(meta, d, opts); ok {
		names = append(names, deb)
	}
	return names, nil
}

// NamesFunc adapts Names for target.Set.Validate.
func NamesFunc(meta release.Metadata, opts Options) target.NamesFunc {
	return func(d target.Descriptor) ([]string, error) {
		return Names(meta, d, opts)
	}
}
