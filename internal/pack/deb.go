package pack

import (
	"archive/tar"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// debControl holds the fields of DEBIAN/control.
type debControl struct {
	Package       string
	Version       string
	Architecture  string
	Maintainer    string
	InstalledSize int64 // KiB
	Depends       []string
	Section       string
	Priority      string
	Homepage      string
	Description   string
}

func (c debControl) String() string {
	var b strings.Builder
	field := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, "%s: %s\n", k, v)
		}
	}
	field("Package", c.Package)
	field("Version", c.Version)
	field("Architecture", c.Architecture)
	field("Maintainer", c.Maintainer)
	field("Installed-Size", fmt.Sprint(c.InstalledSize))
	field("Depends", strings.Join(c.Depends, ", "))
	field("Section", c.Section)
	field("Priority", c.Priority)
	field("Homepage", c.Homepage)

	// Continuation lines are indented; blank ones become " .".
	lines := strings.Split(strings.TrimSpace(c.Description), "\n")
	fmt.Fprintf(&b, "Description: %s\n", lines[0])
	for _, l := range lines[1:] {
		if l = strings.TrimSpace(l); l == "" {
			l = "."
		}
		fmt.Fprintf(&b, " %s\n", l)
	}
	return b.String()
}

// debFile is a file installed by the package, at path below the root.
type debFile struct {
	path string
	src  string
	mode fs.FileMode
}

// writeDeb writes a Debian binary package: an ar archive holding
// debian-binary, control.tar.gz and data.tar.gz in that order.
func writeDeb(w io.Writer, ctrl debControl, files []debFile, mtime time.Time) error {
	slices.SortFunc(files, func(a, b debFile) int { return strings.Compare(a.path, b.path) })

	var data bytes.Buffer
	sums, size, err := debData(&data, files, mtime)
	if err != nil {
		return err
	}
	ctrl.InstalledSize = (size + 1023) / 1024

	var control bytes.Buffer
	if err := debControlTar(&control, ctrl, sums, mtime); err != nil {
		return err
	}

	return writeAr(w, mtime, []arMember{
		{name: "debian-binary", data: []byte("2.0\n")},
		{name: "control.tar.gz", data: control.Bytes()},
		{name: "data.tar.gz", data: data.Bytes()},
	})
}

// debData writes data.tar.gz and returns the md5sums file content and the
// total installed size in bytes.
func debData(w io.Writer, files []debFile, mtime time.Time) (string, int64, error) {
	gz, err := gzip.NewWriterLevel(w, gzip.BestCompression)
	if err != nil {
		return "", 0, err
	}

	dirs := map[string]bool{}
	for _, f := range files {
		for d := path.Dir(f.path); d != "."; d = path.Dir(d) {
			dirs[d] = true
		}
	}
	list := []entry{{name: "./", mode: fs.ModeDir | 0o755}}
	for d := range dirs {
		list = append(list, entry{name: "./" + d + "/", mode: fs.ModeDir | 0o755})
	}
	for _, f := range files {
		list = append(list, entry{name: "./" + f.path, src: f.src, mode: f.mode})
	}
	slices.SortFunc(list, func(a, b entry) int { return strings.Compare(a.name, b.name) })

	if err := writeTar(gz, list, mtime); err != nil {
		return "", 0, err
	}
	if err := gz.Close(); err != nil {
		return "", 0, err
	}

	var sums strings.Builder
	var size int64
	for _, f := range files {
		sum, n, err := md5File(f.src)
		if err != nil {
			return "", 0, err
		}
		size += n
		fmt.Fprintf(&sums, "%s  %s\n", sum, f.path)
	}
	return sums.String(), size, nil
}

func debControlTar(w io.Writer, ctrl debControl, sums string, mtime time.Time) error {
	gz, err := gzip.NewWriterLevel(w, gzip.BestCompression)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(gz)
	if err := tw.WriteHeader(&tar.Header{Name: "./", Typeflag: tar.TypeDir, Mode: 0o755, ModTime: mtime, Uname: "root", Gname: "root"}); err != nil {
		return err
	}
	for _, f := range []struct {
		name string
		data string
	}{
		{"./control", ctrl.String()},
		{"./md5sums", sums},
	} {
		hdr := &tar.Header{
			Name:     f.name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(f.data)),
			ModTime:  mtime,
			Uname:    "root",
			Gname:    "root",
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := io.WriteString(tw, f.data); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func md5File(name string) (string, int64, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := md5.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// -----------------------------------------------------------------------------

type arMember struct {
	name string
	data []byte
}

// writeAr writes a common-format ar archive as read by dpkg.
func writeAr(w io.Writer, mtime time.Time, members []arMember) error {
	if _, err := io.WriteString(w, "!<arch>\n"); err != nil {
		return err
	}
	for _, m := range members {
		if len(m.name) > 16 {
			return fmt.Errorf("ar: member name %q too long", m.name)
		}
		hdr := fmt.Sprintf("%-16s%-12d%-6d%-6d%-8o%-10d`\n", m.name, mtime.Unix(), 0, 0, 0o100644, len(m.data))
		if _, err := io.WriteString(w, hdr); err != nil {
			return err
		}
		if _, err := w.Write(m.data); err != nil {
			return err
		}
		if len(m.data)%2 != 0 {
			if _, err := io.WriteString(w, "\n"); err != nil {
				return err
			}
		}
	}
	return nil
}
