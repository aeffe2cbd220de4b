package fs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
)

func etag(info fs.FileInfo) string {
	return fmt.Sprintf("%d_%d", info.ModTime().UnixNano(), info.Size())
}

// openDir is a directory being walked and the entries not visited yet.
type openDir struct {
	path    string
	entries []fs.DirEntry
}

// bodyWalker yields the regular files below root in lexical depth-first
// order. A directory is read when the walk reaches it. A root that is a
// regular file yields itself. The first error ends the walk.
type bodyWalker struct {
	fsys    fs.FS
	root    string
	started bool
	dirs    []openDir
	err     error
}

func newBodyWalker(fsys fs.FS, root string) *bodyWalker {
	return &bodyWalker{fsys: fsys, root: root}
}

// next returns the path and entry of the next regular file, or io.EOF.
func (w *bodyWalker) next() (string, fs.DirEntry, error) {
	if w.err != nil {
		return "", nil, w.err
	}
	if !w.started {
		w.started = true
		info, err := fs.Stat(w.fsys, w.root)
		if err != nil {
			return w.fail(errors.Join(errors.New("failed to open bodies root"), err))
		}
		if !info.IsDir() {
			if info.Mode().IsRegular() {
				return w.root, fs.FileInfoToDirEntry(info), nil
			}
			return w.fail(io.EOF)
		}
		if err := w.enter(w.root); err != nil {
			return w.fail(err)
		}
	}

	for len(w.dirs) > 0 {
		top := &w.dirs[len(w.dirs)-1]
		if len(top.entries) == 0 {
			w.dirs = w.dirs[:len(w.dirs)-1]
			continue
		}
		entry := top.entries[0]
		top.entries = top.entries[1:]
		p := path.Join(top.path, entry.Name())

		if entry.IsDir() {
			if err := w.enter(p); err != nil {
				return w.fail(err)
			}
			continue
		}
		if entry.Type().IsRegular() {
			return p, entry, nil
		}
	}
	return w.fail(io.EOF)
}

func (w *bodyWalker) enter(dir string) error {
	entries, err := fs.ReadDir(w.fsys, dir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", dir, err)
	}
	w.dirs = append(w.dirs, openDir{path: dir, entries: entries})
	return nil
}

func (w *bodyWalker) fail(err error) (string, fs.DirEntry, error) {
	w.err = err
	w.dirs = nil
	return "", nil, err
}
