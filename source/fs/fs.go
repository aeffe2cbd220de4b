// Package fs delivers request bodies stored as files in an fs.FS, for example
// captured uploads replayed through the decoder.
package fs

import (
	"context"
	"errors"
	"io/fs"
	"sync"

	"github.com/opengs/formdecode/chunk"
	"github.com/opengs/formdecode/source"
)

// File is a Source streaming one file. The file is opened on the first Read
// and closed once the terminal chunk was produced or the source failed.
type File struct {
	fsys      fs.FS
	path      string
	chunkSize int

	lock    sync.Mutex
	fp      fs.File
	reader  *source.Reader
	failure error
}

func New(fsys fs.FS, path string, chunkSize int) *File {
	return &File{
		fsys:      fsys,
		path:      path,
		chunkSize: chunkSize,
	}
}

func (f *File) Path() string {
	return f.path
}

func (f *File) Read() (*chunk.Chunk, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.failure != nil {
		return nil, f.failure
	}
	if f.reader == nil {
		fp, err := f.fsys.Open(f.path)
		if err != nil {
			f.failure = errors.Join(errors.New("failed to open body file"), err)
			return nil, f.failure
		}
		f.fp = fp
		f.reader = source.NewReader(fp, f.chunkSize)
	}

	c, err := f.reader.Read()
	if err != nil {
		f.failure = err
		f.closeFile()
		return nil, err
	}
	if c.Last() {
		f.closeFile()
	}
	return c, nil
}

func (f *File) Demand(fn func()) {
	fn()
}

func (f *File) Fail(cause error) {
	if cause == nil {
		cause = source.ErrFailed
	}

	f.lock.Lock()
	defer f.lock.Unlock()
	if f.failure == nil {
		f.failure = cause
	}
	f.closeFile()
}

func (f *File) closeFile() {
	if f.fp != nil {
		f.fp.Close()
		f.fp = nil
	}
}

// Body is one stored body found by a Walker.
type Body struct {
	Path string
	Size int64
	// Etag identifies the file content version.
	Etag string
}

// Walker iterates over regular files below a root directory.
type Walker struct {
	fsys      fs.FS
	chunkSize int
	walker    *bodyWalker
	locker    sync.Mutex
}

func Walk(fsys fs.FS, root string, chunkSize int) *Walker {
	return &Walker{
		fsys:      fsys,
		chunkSize: chunkSize,
		walker:    newBodyWalker(fsys, root),
	}
}

// Returns the next stored body. If there are no files left, returns [io.EOF].
// Thread safe.
func (w *Walker) Next(ctx context.Context) (*Body, error) {
	w.locker.Lock()
	defer w.locker.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, entry, err := w.walker.next()
	if err != nil {
		return nil, err
	}

	info, err := entry.Info()
	if err != nil {
		return nil, errors.Join(errors.New("error while reading file info"), err)
	}
	return &Body{
		Path: p,
		Size: info.Size(),
		Etag: etag(info),
	}, nil
}

// Open returns a Source streaming body.
func (w *Walker) Open(body *Body) *File {
	return New(w.fsys, body.Path, w.chunkSize)
}
