package multipart

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"os"
	"strings"
	"sync"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/gabriel-vasile/mimetype"
	"github.com/opengs/formdecode/chunk"
	"github.com/opengs/formdecode/storage"
)

var ErrPartClosed = errors.New("multipart: part is closed")

// sniffSize is how much content is inspected to guess a missing content type.
const sniffSize = 1024

// Part is one form-data part. Its content is either a list of chunks in memory
// or a spool file, decided while the part was read and never changed after.
// Part is safe for concurrent use.
type Part struct {
	index    int
	name     string
	fileName string
	header   message.Header
	size     int64

	lock           sync.RWMutex
	chunks         []*chunk.Chunk
	file           storage.File
	defaultCharset string
	closed         bool
	err            error
}

func newPart(index int, cur *inflight) *Part {
	return &Part{
		index:    index,
		name:     cur.info.Name,
		fileName: cur.info.FileName,
		header:   cur.info.Header,
		size:     cur.size,
		chunks:   cur.chunks,
		file:     cur.file,
	}
}

// Index is the position of the part in the body.
func (p *Part) Index() int {
	return p.index
}

// Name is the "name" Content-Disposition parameter.
func (p *Part) Name() string {
	return p.name
}

// FileName is the "filename" Content-Disposition parameter, empty for plain
// form values.
func (p *Part) FileName() string {
	return p.fileName
}

func (p *Part) Header() message.Header {
	return p.header
}

// Size is the content length in bytes.
func (p *Part) Size() int64 {
	return p.size
}

// Spooled reports whether the content lives in a spool file.
func (p *Part) Spooled() bool {
	return p.file != nil
}

// Path of the spool file, empty for in-memory parts.
func (p *Part) Path() string {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if p.file == nil || p.closed {
		return ""
	}
	return p.file.Path()
}

// Err returns the failure of the parse this part belongs to. A part whose parse
// failed after it was committed has no content anymore.
func (p *Part) Err() error {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.err
}

// Open returns a reader over the content. The reader stays valid after the
// part is closed, until the reader itself is closed.
func (p *Part) Open() (io.ReadCloser, error) {
	p.lock.RLock()
	defer p.lock.RUnlock()

	if err := p.usable(); err != nil {
		return nil, err
	}
	if p.file != nil {
		r, err := p.file.Open()
		if err != nil {
			return nil, errors.Join(ErrSpool, err)
		}
		return r, nil
	}

	retained := make([]*chunk.Chunk, len(p.chunks))
	for i, c := range p.chunks {
		retained[i] = c.Retain()
	}
	return &chunkReader{chunks: retained}, nil
}

// Bytes returns the whole content.
func (p *Part) Bytes() ([]byte, error) {
	r, err := p.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	buf := bytes.NewBuffer(make([]byte, 0, p.size))
	if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Text returns the content decoded to UTF-8. The charset comes from the
// Content-Type header, then from the form's _charset_ part, and is UTF-8
// otherwise.
func (p *Part) Text() (string, error) {
	r, err := p.Open()
	if err != nil {
		return "", err
	}
	defer r.Close()

	label := p.charset()
	var decoded io.Reader = r
	if label != "" && !isUTF8(label) {
		decoded, err = charset.Reader(label, r)
		if err != nil {
			return "", errors.Join(errors.New("failed to decode part content"), err)
		}
	}

	data, err := io.ReadAll(decoded)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (p *Part) charset() string {
	if _, params, err := mime.ParseMediaType(p.header.Get("Content-Type")); err == nil && params["charset"] != "" {
		return params["charset"]
	}
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.defaultCharset
}

func isUTF8(label string) bool {
	switch strings.ToLower(label) {
	case "utf-8", "utf8", "us-ascii":
		return true
	}
	return false
}

// ContentType returns the Content-Type header. Without one, file parts are
// sniffed from their content and plain values are text/plain.
func (p *Part) ContentType() string {
	if ct := p.header.Get("Content-Type"); ct != "" {
		return ct
	}
	if p.fileName == "" {
		return "text/plain"
	}

	r, err := p.Open()
	if err != nil {
		return "application/octet-stream"
	}
	defer r.Close()

	mimeBlock := make([]byte, sniffSize)
	readed, err := io.ReadFull(r, mimeBlock)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "application/octet-stream"
	}
	return mimetype.Detect(mimeBlock[:readed]).String()
}

// SaveAs stores the content at path. A spooled part moves its file there and
// no longer owns it. An in-memory part writes a new file.
func (p *Part) SaveAs(path string) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if err := p.usable(); err != nil {
		return err
	}
	if p.file != nil {
		if err := p.file.Persist(path); err != nil {
			return errors.Join(ErrSpool, err)
		}
		return nil
	}

	fp, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Join(errors.New("failed to create file"), err)
	}
	for _, c := range p.chunks {
		if _, err := fp.Write(c.Bytes()); err != nil {
			fp.Close()
			return errors.Join(errors.New("failed to write file"), err)
		}
	}
	return fp.Close()
}

// Close releases the content. Calling Close more than once is a no-op.
func (p *Part) Close() error {
	return p.release(nil)
}

func (p *Part) destroy(cause error) {
	p.release(cause)
}

func (p *Part) release(cause error) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if cause != nil && p.err == nil {
		p.err = cause
	}
	if p.closed {
		return nil
	}
	p.closed = true

	chunk.ReleaseAll(p.chunks)
	p.chunks = nil
	if p.file != nil {
		if err := p.file.Remove(); err != nil {
			return errors.Join(ErrSpool, err)
		}
	}
	return nil
}

func (p *Part) usable() error {
	if p.err != nil {
		return p.err
	}
	if p.closed {
		return ErrPartClosed
	}
	return nil
}

func (p *Part) setDefaultCharset(label string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.defaultCharset = label
}

// memoryBytes concatenates in-memory content. Only used before the part is
// shared.
func (p *Part) memoryBytes() []byte {
	var buf bytes.Buffer
	for _, c := range p.chunks {
		buf.Write(c.Bytes())
	}
	return buf.Bytes()
}

// chunkReader reads retained chunks and releases each once consumed.
type chunkReader struct {
	chunks []*chunk.Chunk
	offset int
}

func (r *chunkReader) Read(b []byte) (int, error) {
	for len(r.chunks) > 0 {
		c := r.chunks[0]
		if r.offset < c.Len() {
			n := copy(b, c.Bytes()[r.offset:])
			r.offset += n
			return n, nil
		}
		c.Release()
		r.chunks[0] = nil
		r.chunks = r.chunks[1:]
		r.offset = 0
	}
	return 0, io.EOF
}

func (r *chunkReader) Close() error {
	chunk.ReleaseAll(r.chunks)
	r.chunks = nil
	return nil
}
