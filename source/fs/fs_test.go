package fs

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/opengs/formdecode/chunk"
	"github.com/psanford/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBodiesFS(t *testing.T) *memfs.FS {
	t.Helper()

	rootFS := memfs.New()
	require.NoError(t, rootFS.MkdirAll("bodies/forms", 0o755))
	require.NoError(t, rootFS.WriteFile("bodies/upload.multipart", []byte("--x\r\n\r\nbody\r\n--x--\r\n"), 0o644))
	require.NoError(t, rootFS.WriteFile("bodies/forms/login.urlencoded", []byte("user=a&pass=b"), 0o644))
	return rootFS
}

func TestWalkerListsBodies(t *testing.T) {
	walker := Walk(newBodiesFS(t), "bodies", 4)

	var seen []string
	for {
		body, err := walker.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.NotEmpty(t, body.Etag)
		seen = append(seen, body.Path)
	}

	assert.Equal(t, []string{"bodies/forms/login.urlencoded", "bodies/upload.multipart"}, seen)
}

func TestWalkerFileRoot(t *testing.T) {
	walker := Walk(newBodiesFS(t), "bodies/upload.multipart", 4)

	body, err := walker.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bodies/upload.multipart", body.Path)
	assert.Equal(t, int64(len("--x\r\n\r\nbody\r\n--x--\r\n")), body.Size)

	_, err = walker.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	_, err = walker.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestWalkerSkipsEmptyDirectories(t *testing.T) {
	rootFS := newBodiesFS(t)
	require.NoError(t, rootFS.MkdirAll("bodies/a/empty", 0o755))

	walker := Walk(rootFS, "bodies", 4)
	body, err := walker.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bodies/forms/login.urlencoded", body.Path)
}

func TestWalkerMissingRoot(t *testing.T) {
	walker := Walk(newBodiesFS(t), "missing", 4)
	_, err := walker.Next(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestWalkerHonorsContext(t *testing.T) {
	walker := Walk(newBodiesFS(t), "bodies", 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := walker.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFileStreamsInChunks(t *testing.T) {
	before := chunk.Live()
	rootFS := newBodiesFS(t)

	walker := Walk(rootFS, "bodies/forms", 4)
	body, err := walker.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(13), body.Size)

	src := walker.Open(body)
	assert.Equal(t, "bodies/forms/login.urlencoded", src.Path())

	var out bytes.Buffer
	chunks := 0
	for {
		c, err := src.Read()
		require.NoError(t, err)
		chunks++
		out.Write(c.Bytes())
		last := c.Last()
		c.Release()
		if last {
			break
		}
	}

	assert.Equal(t, "user=a&pass=b", out.String())
	assert.Equal(t, 5, chunks)
	assert.Equal(t, before, chunk.Live())
}

func TestFileOpenError(t *testing.T) {
	src := New(newBodiesFS(t), "bodies/nope", 4)
	_, err := src.Read()
	require.Error(t, err)

	_, again := src.Read()
	assert.Equal(t, err, again)
}

func TestFileFailStopsReading(t *testing.T) {
	src := New(newBodiesFS(t), "bodies/upload.multipart", 4)
	c, err := src.Read()
	require.NoError(t, err)
	c.Release()

	src.Fail(nil)
	_, err = src.Read()
	assert.Error(t, err)
}
