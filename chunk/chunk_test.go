package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCopiesInput(t *testing.T) {
	before := Live()

	input := []byte("hello")
	c := New(input, false)
	input[0] = 'j'

	assert.Equal(t, "hello", string(c.Bytes()))
	assert.Equal(t, 5, c.Len())
	assert.False(t, c.Last())
	assert.Equal(t, before+1, Live())

	c.Release()
	assert.Equal(t, before, Live())
}

func TestSliceSharesStorage(t *testing.T) {
	before := Live()

	c := New([]byte("hello world"), true)
	head := c.Slice(0, 5)
	tail := c.Slice(6, 11)
	assert.Equal(t, before+3, Live())

	c.Release()
	assert.Equal(t, "hello", string(head.Bytes()))
	assert.Equal(t, "world", string(tail.Bytes()))
	assert.False(t, head.Last())
	assert.True(t, tail.Last())

	head.Release()
	tail.Release()
	assert.Equal(t, before, Live())
}

func TestSliceCannotAppendIntoNeighbour(t *testing.T) {
	c := New([]byte("abcdef"), false)
	defer c.Release()

	s := c.Slice(0, 3)
	defer s.Release()

	grown := append(s.Bytes(), 'X')
	assert.Equal(t, "abcX", string(grown))
	assert.Equal(t, "abcdef", string(c.Bytes()))
}

func TestRetain(t *testing.T) {
	before := Live()

	c := Wrap([]byte("data"), true)
	other := c.Retain()
	c.Release()

	assert.Equal(t, "data", string(other.Bytes()))
	assert.True(t, other.Last())
	other.Release()
	assert.Equal(t, before, Live())
}

func TestDoubleReleasePanics(t *testing.T) {
	c := New([]byte("x"), false)
	c.Release()
	assert.Panics(t, func() { c.Release() })
}

func TestUseAfterReleasePanics(t *testing.T) {
	c := New([]byte("xyz"), false)
	c.Release()
	assert.Panics(t, func() { c.Slice(0, 1) })
	assert.Panics(t, func() { c.Retain() })
}

func TestSliceOutOfRangePanics(t *testing.T) {
	c := New([]byte("xyz"), false)
	defer c.Release()
	assert.Panics(t, func() { c.Slice(2, 4) })
	assert.Panics(t, func() { c.Slice(2, 1) })
}

func TestEmpty(t *testing.T) {
	before := Live()
	c := Empty(true)
	require.True(t, c.Last())
	require.Zero(t, c.Len())
	c.Release()
	assert.Equal(t, before, Live())
}

func TestReleaseAll(t *testing.T) {
	before := Live()
	chunks := []*Chunk{New([]byte("a"), false), nil, New([]byte("b"), true)}
	ReleaseAll(chunks)
	assert.Equal(t, before, Live())
}
