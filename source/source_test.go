package source

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/opengs/formdecode/chunk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, src Source) []byte {
	t.Helper()

	var out bytes.Buffer
	for {
		c, err := src.Read()
		require.NoError(t, err)
		require.NotNil(t, c, "source unexpectedly asked for demand")
		out.Write(c.Bytes())
		last := c.Last()
		c.Release()
		if last {
			return out.Bytes()
		}
	}
}

func TestBytesSplitsIntoChunks(t *testing.T) {
	before := chunk.Live()

	src := Bytes([]byte("abcdefghij"), 3)
	assert.Equal(t, 4, src.Len())
	assert.Equal(t, "abcdefghij", string(drain(t, src)))
	assert.Equal(t, before, chunk.Live())
}

func TestBytesEmptyBody(t *testing.T) {
	before := chunk.Live()

	src := Bytes(nil, 4)
	c, err := src.Read()
	require.NoError(t, err)
	require.True(t, c.Last())
	require.Zero(t, c.Len())
	c.Release()
	assert.Equal(t, before, chunk.Live())
}

func TestQueueDemandRunsOnOffer(t *testing.T) {
	before := chunk.Live()
	q := NewQueue()

	c, err := q.Read()
	require.NoError(t, err)
	require.Nil(t, c)

	var woken atomic.Int32
	q.Demand(func() { woken.Add(1) })
	assert.Zero(t, woken.Load())

	require.NoError(t, q.Offer(chunk.New([]byte("x"), true)))
	assert.Equal(t, int32(1), woken.Load())

	require.ErrorIs(t, q.Offer(chunk.New([]byte("y"), false)), ErrQueueClosed)

	c, err = q.Read()
	require.NoError(t, err)
	assert.Equal(t, "x", string(c.Bytes()))
	c.Release()
	assert.Equal(t, before, chunk.Live())
}

func TestQueueDemandWithDataReadyRunsImmediately(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.Offer(chunk.New([]byte("x"), false)))

	called := false
	q.Demand(func() { called = true })
	assert.True(t, called)

	q.Fail(nil)
}

func TestQueueFailReleasesQueuedChunks(t *testing.T) {
	before := chunk.Live()
	q := NewQueue()
	require.NoError(t, q.Offer(chunk.New([]byte("a"), false)))
	require.NoError(t, q.Offer(chunk.New([]byte("b"), false)))

	cause := errors.New("connection reset")
	var woken bool
	q.Demand(func() { woken = true })
	assert.True(t, woken, "data was ready, demand should run at once")

	q.Fail(cause)
	q.Fail(errors.New("second failure is ignored"))
	assert.Equal(t, before, chunk.Live())

	_, err := q.Read()
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, q.Offer(chunk.New([]byte("c"), true)), cause)
	assert.Equal(t, before, chunk.Live())
}

func TestReaderSource(t *testing.T) {
	before := chunk.Live()

	src := NewReader(strings.NewReader("0123456789"), 4)
	var sizes []int
	for {
		c, err := src.Read()
		require.NoError(t, err)
		sizes = append(sizes, c.Len())
		last := c.Last()
		c.Release()
		if last {
			break
		}
	}
	assert.Equal(t, []int{4, 4, 2, 0}, sizes)

	_, err := src.Read()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, before, chunk.Live())
}

func TestReaderSourceReturnsPartialReads(t *testing.T) {
	before := chunk.Live()

	src := NewReader(iotest.OneByteReader(strings.NewReader("abc")), 4)
	var sizes []int
	for {
		c, err := src.Read()
		require.NoError(t, err)
		sizes = append(sizes, c.Len())
		last := c.Last()
		c.Release()
		if last {
			break
		}
	}
	assert.Equal(t, []int{1, 1, 1, 0}, sizes)
	assert.Equal(t, before, chunk.Live())
}

func TestReaderSourceFailInterruptsRead(t *testing.T) {
	before := chunk.Live()
	body, writer := io.Pipe()
	defer writer.Close()

	src := NewReader(body, 4)
	read := make(chan error, 1)
	go func() {
		_, err := src.Read()
		read <- err
	}()

	cause := errors.New("deadline")
	src.Fail(cause)

	select {
	case err := <-read:
		assert.ErrorIs(t, err, cause)
	case <-time.After(2 * time.Second):
		t.Fatal("Read still blocked after Fail")
	}
	assert.Eventually(t, func() bool {
		_, err := writer.Write([]byte("x"))
		return errors.Is(err, io.ErrClosedPipe)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, before, chunk.Live())
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestReaderSourceError(t *testing.T) {
	src := NewReader(brokenReader{}, 0)
	_, err := src.Read()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestReaderSourceFail(t *testing.T) {
	src := NewReader(strings.NewReader("data"), 2)
	cause := errors.New("aborted")
	src.Fail(cause)

	_, err := src.Read()
	assert.ErrorIs(t, err, cause)
}
