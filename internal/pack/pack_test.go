package pack

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/fengyichui/delta/internal/build"
	"github.com/fengyichui/delta/internal/release"
	"github.com/fengyichui/delta/internal/target"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	linuxGNU  = target.Descriptor{OS: target.Linux, Arch: "x86_64", Triple: "x86_64-unknown-linux-gnu"}
	linuxMusl = target.Descriptor{OS: target.Linux, Arch: "x86_64", Triple: "x86_64-unknown-linux-musl", Cross: true}
	windows   = target.Descriptor{OS: target.Windows, Arch: "x86_64", Triple: "x86_64-pc-windows-msvc"}
	macos     = target.Descriptor{OS: target.MacOS, Arch: "aarch64", Triple: "aarch64-apple-darwin"}
)

func testMeta(host target.OS) release.Metadata {
	return release.Metadata{Project: "delta", Package: "git-delta", Version: "1.2.3", HostOS: host}
}

// fixture lays out a source tree with a README, a LICENSE and a built
// binary, and returns the packager options and binary.
func fixture(t *testing.T, binName string) (Options, build.Binary) {
	t.Helper()
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "README.md"), []byte("# delta\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "LICENSE"), []byte("MIT\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "etc", "completion"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "etc", "completion", "completion.bash"), []byte("complete -F _delta delta\n"), 0o644))

	binPath := filepath.Join(src, "target", binName)
	require.NoError(t, os.MkdirAll(filepath.Dir(binPath), 0o755))
	require.NoError(t, os.WriteFile(binPath, []byte("\x7fELF delta"), 0o755))

	opts := Options{
		SourceDir: src,
		OutputDir: filepath.Join(src, "dist"),
		Include: []Include{
			{Source: "README.md"},
			{Source: "LICENSE", DebDest: "usr/share/doc/git-delta/copyright"},
			{Source: "etc/completion", Dest: "completion", DebDest: "usr/share/bash-completion/completions"},
		},
		Deb: DebInfo{
			Enabled:     true,
			Maintainer:  "Dan Davison <dandavison7@gmail.com>",
			Description: "A syntax-highlighting pager for git\n\nSupports side-by-side view.",
			Depends:     []string{"libc6"},
		},
	}
	return opts, build.Binary{Path: binPath, Name: binName}
}

func tarNames(t *testing.T, data []byte) map[string]*tar.Header {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	tr := tar.NewReader(zr)
	names := make(map[string]*tar.Header)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names[hdr.Name] = hdr
	}
	return names
}

func TestPackage_LinuxArchiveAndDeb(t *testing.T) {
	opts, bin := fixture(t, "delta")
	arts, err := New(opts).Package(context.Background(), bin, linuxGNU, testMeta(target.Linux))
	require.NoError(t, err)
	require.Len(t, arts, 2)

	assert.Equal(t, "git-delta-1.2.3-x86_64-unknown-linux-gnu.tar.gz", arts[0].Filename)
	assert.Equal(t, KindArchive, arts[0].Kind)
	assert.Equal(t, "git-delta_1.2.3_amd64.deb", arts[1].Filename)
	assert.Equal(t, KindSystemPackage, arts[1].Kind)
	for _, a := range arts {
		assert.Equal(t, linuxGNU.Triple, a.Target)
		digest, size, err := Digest(a.Path)
		require.NoError(t, err)
		assert.Equal(t, digest, a.Digest)
		assert.Equal(t, size, a.Size)
	}

	data, err := os.ReadFile(arts[0].Path)
	require.NoError(t, err)
	hdrs := tarNames(t, data)
	root := "git-delta-1.2.3-x86_64-unknown-linux-gnu/"
	for _, name := range []string{
		root,
		root + "LICENSE",
		root + "README.md",
		root + "completion/",
		root + "completion/completion.bash",
		root + "delta",
	} {
		assert.Contains(t, hdrs, name)
	}
	assert.EqualValues(t, 0o755, hdrs[root+"delta"].Mode)
	assert.Zero(t, hdrs[root+"delta"].Uid)
}

func TestPackage_Idempotent(t *testing.T) {
	opts, bin := fixture(t, "delta")
	p := New(opts)
	meta := testMeta(target.Linux)

	first, err := p.Package(context.Background(), bin, linuxGNU, meta)
	require.NoError(t, err)
	second, err := p.Package(context.Background(), bin, linuxGNU, meta)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	entries, err := os.ReadDir(opts.OutputDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{
		"git-delta-1.2.3-x86_64-unknown-linux-gnu.tar.gz",
		"git-delta_1.2.3_amd64.deb",
	}, names)
}

func TestPackage_WindowsZip(t *testing.T) {
	opts, bin := fixture(t, "delta.exe")
	arts, err := New(opts).Package(context.Background(), bin, windows, testMeta(target.Linux))
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, "git-delta-1.2.3-x86_64-pc-windows-msvc.zip", arts[0].Filename)

	zr, err := zip.OpenReader(arts[0].Path)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	root := "git-delta-1.2.3-x86_64-pc-windows-msvc/"
	assert.Contains(t, names, root+"delta.exe")
	assert.Contains(t, names, root+"README.md")
}

func TestPackage_DebOnlyOnLinuxHost(t *testing.T) {
	opts, bin := fixture(t, "delta")
	arts, err := New(opts).Package(context.Background(), bin, linuxGNU, testMeta(target.MacOS))
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, KindArchive, arts[0].Kind)

	arts, err = New(opts).Package(context.Background(), bin, macos, testMeta(target.Linux))
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, "git-delta-1.2.3-aarch64-apple-darwin.tar.gz", arts[0].Filename)
}

func TestPackage_MuslDeb(t *testing.T) {
	opts, bin := fixture(t, "delta")
	arts, err := New(opts).Package(context.Background(), bin, linuxMusl, testMeta(target.Linux))
	require.NoError(t, err)
	require.Len(t, arts, 2)
	assert.Equal(t, "git-delta-musl_1.2.3_amd64.deb", arts[1].Filename)

	members := readAr(t, arts[1].Path)
	control := string(untarFile(t, members["control.tar.gz"], "./control"))
	assert.Contains(t, control, "Package: git-delta-musl\n")
	assert.NotContains(t, control, "Depends:")
}

func TestPackage_DebStructure(t *testing.T) {
	opts, bin := fixture(t, "delta")
	arts, err := New(opts).Package(context.Background(), bin, linuxGNU, testMeta(target.Linux))
	require.NoError(t, err)

	members := readAr(t, arts[1].Path)
	assert.Equal(t, "2.0\n", string(members["debian-binary"]))

	control := string(untarFile(t, members["control.tar.gz"], "./control"))
	assert.True(t, strings.HasPrefix(control, "Package: git-delta\nVersion: 1.2.3\nArchitecture: amd64\n"), control)
	assert.Contains(t, control, "Depends: libc6\n")
	assert.Contains(t, control, "Description: A syntax-highlighting pager for git\n .\n Supports side-by-side view.\n")

	sums := string(untarFile(t, members["control.tar.gz"], "./md5sums"))
	assert.Contains(t, sums, "  usr/bin/delta\n")
	assert.Contains(t, sums, "  usr/share/doc/git-delta/copyright\n")

	data := tarNames(t, members["data.tar.gz"])
	assert.Contains(t, data, "./usr/bin/delta")
	assert.Contains(t, data, "./usr/share/bash-completion/completions/completion.bash")
	assert.NotContains(t, data, "./usr/share/doc/git-delta/README.md")
}

func TestPackage_MissingIncludeIsSkipped(t *testing.T) {
	opts, bin := fixture(t, "delta")
	opts.Include = append(opts.Include, Include{Source: "CHANGELOG.md"})
	arts, err := New(opts).Package(context.Background(), bin, linuxGNU, testMeta(target.Linux))
	require.NoError(t, err)

	data, err := os.ReadFile(arts[0].Path)
	require.NoError(t, err)
	assert.NotContains(t, tarNames(t, data), "git-delta-1.2.3-x86_64-unknown-linux-gnu/CHANGELOG.md")
}

func TestPackage_Errors(t *testing.T) {
	opts, bin := fixture(t, "delta")
	p := New(opts)

	_, err := p.Package(context.Background(), bin, target.Descriptor{Triple: "wasm32-unknown-unknown"}, testMeta(target.Linux))
	var pkgErr *PackageError
	require.ErrorAs(t, err, &pkgErr)
	assert.Equal(t, UnsupportedPlatform, pkgErr.Kind)
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)

	_, err = p.Package(context.Background(), build.Binary{Path: filepath.Join(t.TempDir(), "nope"), Name: "delta"}, linuxGNU, testMeta(target.Linux))
	require.ErrorAs(t, err, &pkgErr)
	assert.Equal(t, Staging, pkgErr.Kind)

	bad := opts
	bad.Include = []Include{{Source: "README.md", Dest: "../README.md"}}
	_, err = New(bad).Package(context.Background(), bin, linuxGNU, testMeta(target.Linux))
	require.ErrorAs(t, err, &pkgErr)
	assert.Equal(t, Staging, pkgErr.Kind)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Package(ctx, bin, linuxGNU, testMeta(target.Linux))
	assert.ErrorIs(t, err, context.Canceled)
	_, statErr := os.Stat(filepath.Join(opts.OutputDir, "git-delta-1.2.3-x86_64-unknown-linux-gnu.tar.gz"))
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestNames(t *testing.T) {
	opts := Options{Deb: DebInfo{Enabled: true}}
	tests := []struct {
		d    target.Descriptor
		host target.OS
		want []string
	}{
		{linuxGNU, target.Linux, []string{"git-delta-1.2.3-x86_64-unknown-linux-gnu.tar.gz", "git-delta_1.2.3_amd64.deb"}},
		{linuxGNU, target.MacOS, []string{"git-delta-1.2.3-x86_64-unknown-linux-gnu.tar.gz"}},
		{target.Descriptor{OS: target.Linux, Arch: "arm", Triple: "arm-unknown-linux-gnueabihf"}, target.Linux,
			[]string{"git-delta-1.2.3-arm-unknown-linux-gnueabihf.tar.gz", "git-delta_1.2.3_armhf.deb"}},
		{target.Descriptor{OS: target.Linux, Arch: "riscv64", Triple: "riscv64gc-unknown-linux-gnu"}, target.Linux,
			[]string{"git-delta-1.2.3-riscv64gc-unknown-linux-gnu.tar.gz"}},
		{windows, target.Linux, []string{"git-delta-1.2.3-x86_64-pc-windows-msvc.zip"}},
	}
	for _, tt := range tests {
		t.Run(tt.d.Triple+"/"+tt.host.String(), func(t *testing.T) {
			got, err := Names(testMeta(tt.host), tt.d, opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// readAr parses a common-format ar archive into its members.
func readAr(t *testing.T, name string) map[string][]byte {
	t.Helper()
	data, err := os.ReadFile(name)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(data, []byte("!<arch>\n")))
	data = data[8:]

	members := make(map[string][]byte)
	for len(data) > 0 {
		require.GreaterOrEqual(t, len(data), 60)
		hdr := data[:60]
		require.Equal(t, "`\n", string(hdr[58:60]))
		size, err := strconv.Atoi(strings.TrimSpace(string(hdr[48:58])))
		require.NoError(t, err)
		data = data[60:]
		members[strings.TrimSpace(string(hdr[:16]))] = data[:size]
		data = data[size:]
		if size%2 != 0 {
			data = data[1:]
		}
	}
	return members
}

func untarFile(t *testing.T, tgz []byte, name string) []byte {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(tgz))
	require.NoError(t, err)
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		require.NoError(t, err, "member %s not found", name)
		if hdr.Name == name {
			b, err := io.ReadAll(tr)
			require.NoError(t, err)
			return b
		}
	}
}

func TestPackage_DebFailureLeavesNoArchive(t *testing.T) {
	opts, bin := fixture(t, "delta")
	blocker := filepath.Join(opts.OutputDir, "git-delta_1.2.3_amd64.deb")
	require.NoError(t, os.MkdirAll(filepath.Join(blocker, "keep"), 0o755))

	_, err := New(opts).Package(context.Background(), bin, linuxGNU, testMeta(target.Linux))
	var perr *PackageError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, SystemPackage, perr.Kind)

	entries, err := os.ReadDir(opts.OutputDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"git-delta_1.2.3_amd64.deb"}, names, "only the pre-existing directory may remain")
}

func TestPackage_CommitRollsBack(t *testing.T) {
	dir := t.TempDir()
	var out outputs
	defer out.discard()

	write := func(w io.Writer) error {
		_, err := io.WriteString(w, "data")
		return err
	}
	a, err := out.write(filepath.Join(dir, "a.tar.gz"), linuxGNU, KindArchive, write)
	require.NoError(t, err)
	_, err = os.Stat(a.Path)
	assert.True(t, os.IsNotExist(err), "nothing is visible before commit")

	_, err = out.write(filepath.Join(dir, "missing", "b.deb"), linuxGNU, KindSystemPackage, write)
	require.Error(t, err)

	b, err := out.write(filepath.Join(dir, "b.deb"), linuxGNU, KindSystemPackage, write)
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(b.Path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(b.Path, "x"), nil, 0o644))

	failed, err := out.commit()
	require.Error(t, err)
	assert.Equal(t, "b.deb", failed.Filename)
	_, err = os.Stat(a.Path)
	assert.True(t, os.IsNotExist(err), "committed archive must be rolled back")
}
