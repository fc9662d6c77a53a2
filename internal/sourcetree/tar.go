package sourcetree

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

var epoch = time.Unix(0, 0).UTC()

// WriteTar writes the tree as a layer tarball rooted at dest (an absolute
// image path). Entries are sorted, owned by root, stamped with the Unix epoch
// and carry normalized modes, so equal trees produce byte-identical output.
func WriteTar(w io.Writer, t Tree, dest string) error {
	tw := tar.NewWriter(w)
	base := strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(dest)), "/")

	emitted := map[string]bool{}
	if base != "" {
		var parents []string
		for dir := base; dir != "." && dir != ""; dir = path.Dir(dir) {
			parents = append([]string{dir}, parents...)
		}
		for _, dir := range parents {
			if err := tw.WriteHeader(dirHeader(dir)); err != nil {
				return err
			}
			emitted[dir] = true
		}
	}
	for _, e := range t.Entries {
		name := path.Join(base, e.Path)
		for _, dir := range missingParents(name, emitted) {
			if err := tw.WriteHeader(dirHeader(dir)); err != nil {
				return err
			}
			emitted[dir] = true
		}
		switch {
		case e.IsDir():
			if emitted[name] {
				continue
			}
			if err := tw.WriteHeader(dirHeader(name)); err != nil {
				return err
			}
			emitted[name] = true
		case e.IsSymlink():
			hdr := baseHeader(name, normalizeMode(e.Mode).Perm())
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = e.Link
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
		default:
			if err := writeFile(tw, filepath.Join(t.Root, filepath.FromSlash(e.Path)), name, e); err != nil {
				return err
			}
		}
	}
	return tw.Close()
}

// Tarball renders WriteTar into memory.
func Tarball(t Tree, dest string) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteTar(&buf, t, dest); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeFile(tw *tar.Writer, src, name string, e Entry) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	hdr := baseHeader(name, normalizeMode(e.Mode).Perm())
	hdr.Typeflag = tar.TypeReg
	hdr.Size = e.Size
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	n, err := io.CopyN(tw, f, e.Size)
	if err != nil {
		return fmt.Errorf("%s changed while archiving (%d of %d bytes): %w", e.Path, n, e.Size, err)
	}
	return nil
}

func missingParents(name string, emitted map[string]bool) []string {
	var out []string
	for dir := path.Dir(name); dir != "." && dir != "/" && !emitted[dir]; dir = path.Dir(dir) {
		out = append([]string{dir}, out...)
	}
	return out
}

func dirHeader(name string) *tar.Header {
	hdr := baseHeader(name+"/", 0o755)
	hdr.Typeflag = tar.TypeDir
	return hdr
}

func baseHeader(name string, perm os.FileMode) *tar.Header {
	return &tar.Header{
		Name:    name,
		Mode:    int64(perm),
		ModTime: epoch,
		Uid:     0,
		Gid:     0,
		Format:  tar.FormatPAX,
	}
}
