// Package multipart assembles scanner events into parts kept in memory or
// spooled to files.
package multipart

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/opengs/formdecode/chunk"
	"github.com/opengs/formdecode/scanner"
	"github.com/opengs/formdecode/storage"
)

var (
	ErrTooManyParts = errors.New("multipart: too many parts")
	ErrPartTooLarge = errors.New("multipart: part too large")
	ErrSpool        = errors.New("multipart: spool file failure")
	ErrNoStore      = errors.New("multipart: part must be spooled but no spool store is configured")
	ErrSequence     = errors.New("multipart: event out of sequence")
)

// charsetPartName names the part carrying the default charset (RFC 7578 4.6).
const charsetPartName = "_charset_"

// Assembler turns scanner events into Parts.
//
// Begin, Content, End and Complete must be called from one goroutine at a
// time, in scanner order. Fail may be called from any goroutine at any time.
// Spool I/O never happens while the internal lock is held.
type Assembler struct {
	config      Config
	store       storage.Store
	logger      *slog.Logger
	onPart      func(*Part)
	onViolation func(scanner.Violation)

	lock    sync.Mutex
	count   int
	current *inflight
	parts   []*Part
	charset string
	failure error
	done    bool
}

// inflight is the part being read. It is buffering while file is nil and
// spooling afterwards; the switch happens once and never back.
type inflight struct {
	info   *scanner.PartInfo
	size   int64
	chunks []*chunk.Chunk
	file   storage.File
}

func NewAssembler(config Config, opts ...Option) *Assembler {
	a := &Assembler{
		config: config,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Err returns the recorded failure, if any.
func (a *Assembler) Err() error {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.failure
}

func (a *Assembler) Begin(info *scanner.PartInfo) error {
	a.lock.Lock()
	if a.failure != nil {
		defer a.lock.Unlock()
		return a.failure
	}
	if a.current != nil {
		return a.failUnlock(fmt.Errorf("%w: part started before previous one ended", ErrSequence))
	}
	if a.config.MaxParts >= 0 && a.count >= a.config.MaxParts {
		return a.failUnlock(fmt.Errorf("%w: limit %d", ErrTooManyParts, a.config.MaxParts))
	}
	a.count++
	a.current = &inflight{info: info}
	a.lock.Unlock()
	return nil
}

// Content takes ownership of c.
func (a *Assembler) Content(c *chunk.Chunk) error {
	a.lock.Lock()
	if a.failure != nil {
		defer a.lock.Unlock()
		c.Release()
		return a.failure
	}
	cur := a.current
	if cur == nil {
		c.Release()
		return a.failUnlock(fmt.Errorf("%w: content outside of a part", ErrSequence))
	}

	cur.size += int64(c.Len())
	if a.config.MaxPartSize >= 0 && cur.size > a.config.MaxPartSize {
		c.Release()
		return a.failUnlock(fmt.Errorf("%w: limit %d bytes", ErrPartTooLarge, a.config.MaxPartSize))
	}

	if cur.file != nil {
		file := cur.file
		a.lock.Unlock()
		return a.write(file, []*chunk.Chunk{c})
	}

	if !a.shouldSpool(cur) {
		cur.chunks = append(cur.chunks, c)
		a.lock.Unlock()
		return nil
	}

	pending := append(cur.chunks, c)
	cur.chunks = nil
	hint := cur.info.FileName
	if hint == "" {
		hint = cur.info.Name
	}
	a.lock.Unlock()

	return a.spill(cur, hint, pending)
}

func (a *Assembler) shouldSpool(cur *inflight) bool {
	if !a.config.CanSpool() || cur.size <= a.config.MaxMemoryPartSize {
		return false
	}
	return cur.info.FileName != "" || a.config.UseFilesForNoNamePart
}

// spill moves a buffering part to a spool file. pending is owned by the caller
// and released here on every path.
func (a *Assembler) spill(cur *inflight, hint string, pending []*chunk.Chunk) error {
	if a.store == nil {
		chunk.ReleaseAll(pending)
		return a.Fail(ErrNoStore)
	}

	file, err := a.store.Create(hint)
	if err != nil {
		chunk.ReleaseAll(pending)
		return a.Fail(errors.Join(ErrSpool, err))
	}

	a.lock.Lock()
	if a.failure != nil {
		failure := a.failure
		a.lock.Unlock()
		chunk.ReleaseAll(pending)
		file.Remove()
		return failure
	}
	cur.file = file
	a.lock.Unlock()

	a.logger.Debug("spooling part to file", "name", cur.info.Name, "fileName", cur.info.FileName, "path", file.Path())
	return a.write(file, pending)
}

// write appends chunks to file in order and releases them.
func (a *Assembler) write(file storage.File, chunks []*chunk.Chunk) error {
	for i, c := range chunks {
		_, err := file.Write(c.Bytes())
		c.Release()
		if err != nil {
			chunk.ReleaseAll(chunks[i+1:])
			return a.Fail(errors.Join(ErrSpool, err))
		}
	}
	return nil
}

func (a *Assembler) End() error {
	a.lock.Lock()
	if a.failure != nil {
		defer a.lock.Unlock()
		return a.failure
	}
	cur := a.current
	if cur == nil {
		return a.failUnlock(fmt.Errorf("%w: part ended before it started", ErrSequence))
	}
	a.current = nil
	index := len(a.parts)
	a.lock.Unlock()

	if cur.file != nil {
		if err := cur.file.Close(); err != nil {
			cur.file.Remove()
			return a.Fail(errors.Join(ErrSpool, err))
		}
	}

	part := newPart(index, cur)
	charset := ""
	if part.name == charsetPartName && !part.Spooled() {
		charset = strings.TrimSpace(string(part.memoryBytes()))
	}

	a.lock.Lock()
	if a.failure != nil {
		failure := a.failure
		a.lock.Unlock()
		part.destroy(failure)
		return failure
	}
	a.parts = append(a.parts, part)
	if charset != "" {
		a.charset = charset
	}
	listener := a.onPart
	a.lock.Unlock()

	if listener != nil {
		listener(part)
	}
	return nil
}

// Handle applies one scanner event. It returns the parts once the event is
// Complete. NeedInput is ignored.
func (a *Assembler) Handle(ev scanner.Event) (*Parts, error) {
	switch ev.Kind {
	case scanner.PartBegin:
		return nil, a.Begin(ev.Part)
	case scanner.PartContent:
		return nil, a.Content(ev.Content)
	case scanner.PartEnd:
		return nil, a.End()
	case scanner.Violated:
		a.Violation(ev.Violation)
	case scanner.Complete:
		return a.Complete()
	case scanner.Failed:
		return nil, a.Fail(ev.Err)
	}
	return nil, nil
}

// Violation forwards a tolerated protocol deviation to the listener.
func (a *Assembler) Violation(v scanner.Violation) {
	a.logger.Debug("multipart compliance violation", "violation", v.String())
	if a.onViolation != nil {
		a.onViolation(v)
	}
}

// Complete hands the committed parts over to the returned Parts.
func (a *Assembler) Complete() (*Parts, error) {
	a.lock.Lock()
	if a.failure != nil {
		defer a.lock.Unlock()
		return nil, a.failure
	}
	if a.current != nil {
		return nil, a.failUnlock(fmt.Errorf("%w: stream completed inside a part", ErrSequence))
	}
	a.done = true
	parts := newParts(a.parts, a.charset)
	a.parts = nil
	a.lock.Unlock()

	return parts, nil
}

// Fail records cause unless a failure was recorded already, then releases
// every resource the assembler owns. Committed parts observe the failure
// through Part.Err. It returns the recorded failure, which is cause for the
// first call. Fail after Complete only records the cause.
func (a *Assembler) Fail(cause error) error {
	a.lock.Lock()
	return a.failUnlock(cause)
}

// failUnlock must be called with the lock held and releases it before doing
// any cleanup.
func (a *Assembler) failUnlock(cause error) error {
	if a.failure != nil {
		failure := a.failure
		a.lock.Unlock()
		return failure
	}
	if cause == nil {
		cause = errors.New("multipart: assembly aborted")
	}
	a.failure = cause

	parts := a.parts
	done := a.done
	var (
		chunks []*chunk.Chunk
		file   storage.File
	)
	if a.current != nil {
		chunks = a.current.chunks
		file = a.current.file
		a.current.chunks = nil
	}
	a.parts = nil
	a.current = nil
	a.lock.Unlock()

	a.logger.Debug("multipart assembly failed", "error", cause, "committedParts", len(parts), "completed", done)

	for _, part := range parts {
		part.destroy(cause)
	}
	chunk.ReleaseAll(chunks)
	if file != nil {
		if err := file.Remove(); err != nil {
			a.logger.Warn("failed to remove spool file", "path", file.Path(), "error", err)
		}
	}
	return cause
}
