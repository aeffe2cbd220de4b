// Package disk stores spool files in a local directory.
package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/opengs/formdecode/storage"
)

var ErrNotDirectory = errors.New("spool path is not a directory")
var ErrNotWritable = errors.New("spool directory is not writable")

type Store struct {
	dir string
}

// New returns a store creating files in dir. The directory must exist and be
// writable.
func New(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Join(errors.New("failed to resolve spool directory"), err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, errors.Join(errors.New("failed to stat spool directory"), err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, abs)
	}
	if err := checkWritable(abs); err != nil {
		return nil, errors.Join(fmt.Errorf("%w: %s", ErrNotWritable, abs), err)
	}

	return &Store{dir: abs}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) Create(hint string) (storage.File, error) {
	fp, err := os.CreateTemp(s.dir, "part-"+sanitize(hint)+"*.spool")
	if err != nil {
		return nil, errors.Join(errors.New("failed to create spool file"), err)
	}
	return &file{fp: fp, path: fp.Name()}, nil
}

// sanitize keeps a short, path-safe prefix of hint.
func sanitize(hint string) string {
	hint = filepath.Base(hint)
	var b strings.Builder
	for _, r := range hint {
		if b.Len() >= 32 {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return b.String() + "-"
}

type file struct {
	lock sync.Mutex
	fp   *os.File
	path string
	size int64

	removed   bool
	persisted bool
}

func (f *file) Path() string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.path
}

func (f *file) Size() int64 {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.size
}

func (f *file) Write(p []byte) (int, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if err := f.state(); err != nil {
		return 0, err
	}
	if f.fp == nil {
		return 0, storage.ErrFileClosed
	}
	n, err := f.fp.Write(p)
	f.size += int64(n)
	return n, err
}

func (f *file) Close() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.closeFile()
}

func (f *file) closeFile() error {
	if f.fp == nil {
		return nil
	}
	err := f.fp.Close()
	f.fp = nil
	return err
}

func (f *file) Open() (io.ReadCloser, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if err := f.state(); err != nil {
		return nil, err
	}
	if f.fp != nil {
		return nil, errors.New("spool file is still being written")
	}
	return os.Open(f.path)
}

func (f *file) Remove() error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.removed || f.persisted {
		return nil
	}
	f.closeFile()
	f.removed = true
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Join(errors.New("failed to remove spool file"), err)
	}
	return nil
}

func (f *file) Persist(dst string) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if err := f.state(); err != nil {
		return err
	}
	if err := f.closeFile(); err != nil {
		return errors.Join(errors.New("failed to close spool file"), err)
	}

	if err := os.Rename(f.path, dst); err != nil {
		// Rename fails across file systems.
		if err := copyFile(f.path, dst); err != nil {
			return err
		}
		os.Remove(f.path)
	}
	f.persisted = true
	f.path = dst
	return nil
}

func (f *file) state() error {
	if f.removed {
		return storage.ErrFileRemoved
	}
	if f.persisted {
		return storage.ErrFilePersisted
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Join(errors.New("failed to open spool file"), err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Join(errors.New("failed to create destination file"), err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return errors.Join(errors.New("failed to copy spool file"), err)
	}
	return out.Close()
}
