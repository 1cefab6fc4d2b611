package pack

import (
	"archive/tar"
	"archive/zip"
	"io"
	"io/fs"
	"os"
	"path"
	"slices"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

// entry is one member of an archive: a directory when src is empty.
type entry struct {
	name string
	src  string
	mode fs.FileMode
}

// entries lists files under root/ together with every parent directory,
// sorted by name so output bytes do not depend on walk order.
func entries(root string, files []stagedFile) []entry {
	dirs := map[string]bool{root + "/": true}
	var out []entry
	for _, f := range files {
		name := path.Join(root, f.rel)
		for d := path.Dir(name); d != "." && d != "/"; d = path.Dir(d) {
			dirs[d+"/"] = true
		}
		out = append(out, entry{name: name, src: f.src, mode: f.mode})
	}
	for d := range dirs {
		out = append(out, entry{name: d, mode: fs.ModeDir | 0o755})
	}
	slices.SortFunc(out, func(a, b entry) int {
		switch {
		case a.name < b.name:
			return -1
		case a.name > b.name:
			return 1
		}
		return 0
	})
	return out
}

func writeTarGz(w io.Writer, root string, files []stagedFile, mtime time.Time) error {
	gz, err := gzip.NewWriterLevel(w, gzip.BestCompression)
	if err != nil {
		return err
	}
	if err := writeTar(gz, entries(root, files), mtime); err != nil {
		return err
	}
	return gz.Close()
}

func writeTar(w io.Writer, list []entry, mtime time.Time) error {
	tw := tar.NewWriter(w)
	for _, e := range list {
		hdr := &tar.Header{
			Name:    e.name,
			Mode:    int64(e.mode.Perm()),
			ModTime: mtime,
			Uname:   "root",
			Gname:   "root",
		}
		if e.src == "" {
			hdr.Typeflag = tar.TypeDir
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			continue
		}
		info, err := os.Stat(e.src)
		if err != nil {
			return err
		}
		hdr.Typeflag = tar.TypeReg
		hdr.Size = info.Size()
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if err := copyInto(tw, e.src); err != nil {
			return err
		}
	}
	return tw.Close()
}

func writeZip(w io.Writer, root string, files []stagedFile, mtime time.Time) error {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})
	for _, e := range entries(root, files) {
		hdr := &zip.FileHeader{
			Name:     e.name,
			Modified: mtime,
		}
		hdr.SetMode(e.mode)
		if e.src == "" {
			if _, err := zw.CreateHeader(hdr); err != nil {
				return err
			}
			continue
		}
		hdr.Method = zip.Deflate
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		if err := copyInto(fw, e.src); err != nil {
			return err
		}
	}
	return zw.Close()
}

func copyInto(w io.Writer, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
