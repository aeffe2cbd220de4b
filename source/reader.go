package source

import (
	"errors"
	"io"
	"sync"

	"github.com/opengs/formdecode/chunk"
)

const DefaultChunkSize = 16 * 1024

// Reader is a Source over a blocking io.Reader. Read returns whatever one
// read of the underlying reader produced, so it never asks for demand.
type Reader struct {
	reader    io.Reader
	chunkSize int
	scratch   []byte

	lock    sync.Mutex
	failure error
	done    bool
	reading bool
	closed  bool
}

func NewReader(reader io.Reader, chunkSize int) *Reader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	return &Reader{
		reader:    reader,
		chunkSize: chunkSize,
	}
}

// Read blocks in the underlying reader without holding the lock, so Fail can
// interrupt it. Data read after a failure is dropped.
func (r *Reader) Read() (*chunk.Chunk, error) {
	r.lock.Lock()
	if r.failure != nil {
		defer r.lock.Unlock()
		return nil, r.failure
	}
	if r.done {
		r.lock.Unlock()
		return nil, io.EOF
	}
	if r.scratch == nil {
		r.scratch = make([]byte, r.chunkSize)
	}
	scratch := r.scratch
	r.reading = true
	r.lock.Unlock()

	n, err := r.reader.Read(scratch)
	for n == 0 && err == nil {
		n, err = r.reader.Read(scratch)
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	r.reading = false

	switch {
	case r.failure != nil:
		return nil, r.failure
	case err == nil:
		return chunk.New(scratch[:n], false), nil
	case err == io.EOF:
		r.done = true
		return chunk.New(scratch[:n], true), nil
	default:
		r.failure = errors.Join(errors.New("failed to read body"), err)
		return nil, r.failure
	}
}

func (r *Reader) Demand(fn func()) {
	fn()
}

// Fail stops the source and closes the underlying reader when it is an
// io.Closer. A read in progress is unblocked by that close; the close runs on
// its own goroutine then, since some readers serialize Close with Read.
func (r *Reader) Fail(cause error) {
	if cause == nil {
		cause = ErrFailed
	}

	r.lock.Lock()
	if r.failure == nil {
		r.failure = cause
	}
	closer, ok := r.reader.(io.Closer)
	if !ok || r.closed {
		r.lock.Unlock()
		return
	}
	r.closed = true
	reading := r.reading
	r.lock.Unlock()

	if reading {
		go closer.Close()
		return
	}
	closer.Close()
}

// Bytes returns a Source delivering a copy of data in chunks of at most
// chunkSize bytes. All chunks are views over one shared buffer.
func Bytes(data []byte, chunkSize int) *Queue {
	if chunkSize <= 0 {
		chunkSize = len(data)
	}

	queue := NewQueue()
	base := chunk.New(data, true)
	defer base.Release()

	if len(data) == 0 {
		queue.Offer(base.Retain())
		return queue
	}

	for from := 0; from < len(data); from += chunkSize {
		to := min(from+chunkSize, len(data))
		queue.Offer(base.Slice(from, to))
	}
	return queue
}
