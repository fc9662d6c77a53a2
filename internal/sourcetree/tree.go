// File: internal/sourcetree/tree.go
// Brief: Internal sourcetree package implementation for 'tree'.

// Package sourcetree snapshots a build context: a sorted, content-hashed file
// listing that honors .dockerignore and can be written as a reproducible tar.
package sourcetree

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
	digest "github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
)

// IgnoreFile is the conventional ignore file name at the context root.
const IgnoreFile = ".dockerignore"

// Entry is one path of the tree.
type Entry struct {
	Path   string // slash separated, relative to Root
	Mode   fs.FileMode
	Size   int64
	Digest digest.Digest // regular files only
	Link   string        // symlink target
}

func (e Entry) IsDir() bool     { return e.Mode.IsDir() }
func (e Entry) IsSymlink() bool { return e.Mode&fs.ModeSymlink != 0 }

// Tree is a snapshot of a directory.
type Tree struct {
	Root    string
	Entries []Entry
}

// ReadIgnore loads .dockerignore patterns from root. A missing file yields no
// patterns.
func ReadIgnore(root string) ([]string, error) {
	f, err := os.Open(filepath.Join(root, IgnoreFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	patterns, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", IgnoreFile, err)
	}
	return patterns, nil
}

// Walk lists root, skipping paths matched by the ignore patterns, and hashes
// regular files concurrently.
func Walk(ctx context.Context, root string, ignore []string) (Tree, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Tree{}, err
	}
	matcher, err := patternmatcher.New(ignore)
	if err != nil {
		return Tree{}, fmt.Errorf("ignore patterns: %w", err)
	}
	var entries []Entry
	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(abs, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		ignored, err := matcher.MatchesOrParentMatches(rel)
		if err != nil {
			return err
		}
		if ignored {
			if d.IsDir() && !matcher.Exclusions() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		e := Entry{Path: rel, Mode: info.Mode()}
		switch {
		case info.Mode().IsRegular():
			e.Size = info.Size()
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			e.Link = filepath.ToSlash(target)
		case info.IsDir():
		default:
			// Sockets, devices and pipes never enter an image layer.
			return nil
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return Tree{}, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range entries {
		if !entries[i].Mode.IsRegular() {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			dgst, err := hashFile(filepath.Join(abs, filepath.FromSlash(entries[i].Path)))
			if err != nil {
				return err
			}
			entries[i].Digest = dgst
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Tree{}, fmt.Errorf("hash %s: %w", root, err)
	}
	return Tree{Root: abs, Entries: entries}, nil
}

func hashFile(p string) (digest.Digest, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.Canonical.FromReader(f)
}

// Select returns the part of the tree a COPY of p would transfer. A file is
// rebased to its own name; a directory is rebased to its contents.
func (t Tree) Select(p string) (Tree, error) {
	p = path.Clean(filepath.ToSlash(p))
	if p == "." {
		return t, nil
	}
	e, ok := t.Lookup(p)
	if !ok {
		return Tree{}, fmt.Errorf("%s: %w", p, fs.ErrNotExist)
	}
	if !e.IsDir() {
		e.Path = path.Base(p)
		return Tree{Root: filepath.Join(t.Root, filepath.FromSlash(path.Dir(p))), Entries: []Entry{e}}, nil
	}
	out := Tree{Root: filepath.Join(t.Root, filepath.FromSlash(p))}
	for _, e := range t.Entries {
		if rest, ok := strings.CutPrefix(e.Path, p+"/"); ok {
			e.Path = rest
			out.Entries = append(out.Entries, e)
		}
	}
	return out, nil
}

// Filter returns the entries for which keep reports true.
func (t Tree) Filter(keep func(Entry) bool) Tree {
	out := Tree{Root: t.Root}
	for _, e := range t.Entries {
		if keep(e) {
			out.Entries = append(out.Entries, e)
		}
	}
	return out
}

// Lookup returns the entry at p.
func (t Tree) Lookup(p string) (Entry, bool) {
	p = path.Clean(filepath.ToSlash(p))
	i := sort.Search(len(t.Entries), func(i int) bool { return t.Entries[i].Path >= p })
	if i < len(t.Entries) && t.Entries[i].Path == p {
		return t.Entries[i], true
	}
	return Entry{}, false
}

// Digest identifies the tree content. Modification times and ownership are
// not part of it, so a fresh checkout of the same files has the same digest.
func (t Tree) Digest() digest.Digest {
	d := digest.Canonical.Digester()
	h := d.Hash()
	for _, e := range t.Entries {
		fmt.Fprintf(h, "%s\x00%s\x00", e.Path, normalizeMode(e.Mode))
		switch {
		case e.IsSymlink():
			io.WriteString(h, "link:"+e.Link)
		case e.IsDir():
			io.WriteString(h, "dir")
		default:
			io.WriteString(h, e.Digest.String())
		}
		h.Write([]byte{'\n'})
	}
	return d.Digest()
}

// Size is the sum of regular file sizes.
func (t Tree) Size() int64 {
	var n int64
	for _, e := range t.Entries {
		n += e.Size
	}
	return n
}

// Files counts regular files.
func (t Tree) Files() int {
	n := 0
	for _, e := range t.Entries {
		if e.Mode.IsRegular() {
			n++
		}
	}
	return n
}

func normalizeMode(m fs.FileMode) fs.FileMode {
	switch {
	case m.IsDir():
		return fs.ModeDir | 0o755
	case m&fs.ModeSymlink != 0:
		return fs.ModeSymlink | 0o777
	case m&0o111 != 0:
		return 0o755
	default:
		return 0o644
	}
}
