// Package chunk provides reference-counted views over body bytes.
//
// A Chunk is a handle. Every handle must be released exactly once, by whoever
// owns it at that moment. Handles created with Retain or Slice share the same
// storage; the storage goes back to the pool when the last handle is released.
package chunk

import (
	"fmt"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

var live atomic.Int64

// Live returns the number of handles that were created but not yet released.
func Live() int64 {
	return live.Load()
}

type storage struct {
	buf  *bytebufferpool.ByteBuffer
	refs atomic.Int32
}

func (s *storage) retain() {
	s.refs.Add(1)
}

func (s *storage) release() {
	refs := s.refs.Add(-1)
	if refs < 0 {
		panic("chunk: storage released below zero")
	}
	if refs == 0 && s.buf != nil {
		bytebufferpool.Put(s.buf)
		s.buf = nil
	}
}

// Chunk is an immutable view over a byte range, flagged as terminal or not.
type Chunk struct {
	storage  *storage
	data     []byte
	last     bool
	released atomic.Bool
}

// New copies p into pooled storage and returns a handle owning it.
func New(p []byte, last bool) *Chunk {
	buf := bytebufferpool.Get()
	buf.Set(p)
	s := &storage{buf: buf}
	return newHandle(s, buf.B, last)
}

// Wrap returns a handle over p without copying. p must not be modified while
// any handle over it is alive.
func Wrap(p []byte, last bool) *Chunk {
	return newHandle(&storage{}, p, last)
}

// Empty returns a handle with no bytes.
func Empty(last bool) *Chunk {
	return Wrap(nil, last)
}

func newHandle(s *storage, data []byte, last bool) *Chunk {
	s.retain()
	live.Add(1)
	return &Chunk{storage: s, data: data, last: last}
}

// Bytes returns the viewed bytes. They are only valid until Release.
func (c *Chunk) Bytes() []byte {
	return c.data
}

func (c *Chunk) Len() int {
	return len(c.data)
}

// Last reports whether this is the terminal chunk of its stream.
func (c *Chunk) Last() bool {
	return c.last
}

// Retain returns a second handle over the same bytes.
func (c *Chunk) Retain() *Chunk {
	c.mustBeAlive()
	return newHandle(c.storage, c.data, c.last)
}

// Slice returns a new handle over c.Bytes()[from:to]. The new handle is
// terminal only if c is terminal and the slice reaches its end.
func (c *Chunk) Slice(from, to int) *Chunk {
	c.mustBeAlive()
	if from < 0 || to > len(c.data) || from > to {
		panic(fmt.Sprintf("chunk: slice [%d:%d] out of range for length %d", from, to, len(c.data)))
	}
	return newHandle(c.storage, c.data[from:to:to], c.last && to == len(c.data))
}

// Release gives the handle back. Releasing a handle twice panics.
func (c *Chunk) Release() {
	if !c.released.CompareAndSwap(false, true) {
		panic("chunk: released twice")
	}
	live.Add(-1)
	c.data = nil
	c.storage.release()
}

func (c *Chunk) mustBeAlive() {
	if c.released.Load() {
		panic("chunk: use after release")
	}
}

func (c *Chunk) String() string {
	return fmt.Sprintf("chunk{len=%d last=%t}", len(c.data), c.last)
}

// ReleaseAll releases every non-nil handle in chunks.
func ReleaseAll(chunks []*Chunk) {
	for _, c := range chunks {
		if c != nil {
			c.Release()
		}
	}
}
