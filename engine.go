package formdecode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opengs/formdecode/chunk"
	"github.com/opengs/formdecode/multipart"
	"github.com/opengs/formdecode/scanner"
	"github.com/opengs/formdecode/source"
	"github.com/opengs/formdecode/urlform"
)

// Pending is a decode in progress. It completes exactly once, with a result or
// an error.
type Pending[T any] struct {
	done chan struct{}
	once sync.Once

	result T
	err    error

	// Set before the pull loop starts.
	abort   func(cause error)
	discard func(result T)
}

func newPending[T any](discard func(T)) *Pending[T] {
	return &Pending[T]{
		done:    make(chan struct{}),
		discard: discard,
	}
}

// Done is closed once the decode completed.
func (p *Pending[T]) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome. Only valid after Done is closed.
func (p *Pending[T]) Result() (T, error) {
	select {
	case <-p.done:
		return p.result, p.err
	default:
		var zero T
		return zero, errors.New("formdecode: decode still in progress")
	}
}

// Wait blocks until the decode completes. When ctx ends first the decode is
// aborted with the context cause.
func (p *Pending[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.Abort(context.Cause(ctx))
		<-p.done
	}
	return p.result, p.err
}

// Abort fails the decode with cause and releases everything it holds. It
// returns false when the decode had already completed. May be called from any
// goroutine.
func (p *Pending[T]) Abort(cause error) bool {
	if cause == nil {
		cause = ErrAborted
	}
	var zero T
	if !p.complete(zero, cause) {
		return false
	}
	p.abort(cause)
	return true
}

func (p *Pending[T]) finished() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// complete reports whether this call completed p. A result that lost the race
// is discarded.
func (p *Pending[T]) complete(result T, err error) bool {
	won := false
	p.once.Do(func() {
		p.result = result
		p.err = err
		won = true
		close(p.done)
	})
	if !won && err == nil && p.discard != nil {
		p.discard(result)
	}
	return won
}

// sink consumes chunks for one decode.
type sink[T any] interface {
	// Takes ownership of c. Returns true with the result once the body is done.
	feed(c *chunk.Chunk) (T, bool, error)
	// Releases everything held. Safe to call concurrently with feed.
	abort(cause error)
}

// driver is the pull loop between a source and a sink. It runs on whatever
// goroutine calls it or runs the source demand callback, and never parks one.
type driver[T any] struct {
	src     source.Source
	sink    sink[T]
	pending *Pending[T]
	logger  *slog.Logger
	kind    string

	lock    sync.Mutex
	looping bool
	wakeup  bool
}

func newDriver[T any](src source.Source, s sink[T], pending *Pending[T], logger *slog.Logger, kind string) *driver[T] {
	d := &driver[T]{
		src:     src,
		sink:    s,
		pending: pending,
		logger:  logger,
		kind:    kind,
	}
	pending.abort = func(cause error) {
		s.abort(cause)
		src.Fail(cause)
		logger.Debug("decode aborted", "kind", kind, "error", cause)
	}
	return d
}

// wait drives d and waits for its result. When ctx can end, the loop runs on
// its own goroutine so a source blocked in Read cannot hold off the abort.
func wait[T any](ctx context.Context, d *driver[T]) (T, error) {
	if ctx.Done() == nil {
		d.resume()
	} else {
		go d.resume()
	}
	return d.pending.Wait(ctx)
}

// resume runs the loop unless it is already running, in which case the
// running loop is told to read again.
func (d *driver[T]) resume() {
	d.lock.Lock()
	if d.looping {
		d.wakeup = true
		d.lock.Unlock()
		return
	}
	d.looping = true
	d.lock.Unlock()

	d.loop()
}

func (d *driver[T]) loop() {
	for {
		if d.pending.finished() {
			d.stop()
			return
		}

		c, err := d.src.Read()
		if err != nil {
			d.sink.abort(err)
			d.fail(err)
			return
		}
		if c == nil {
			d.src.Demand(d.resume)
			if d.park() {
				return
			}
			continue
		}

		result, done, err := d.sink.feed(c)
		if err != nil {
			d.src.Fail(err)
			d.fail(err)
			return
		}
		if done {
			d.stop()
			if d.pending.complete(result, nil) {
				d.logger.Debug("body decoded", "kind", d.kind)
			}
			return
		}
	}
}

// park ends the loop unless a demand callback arrived meanwhile.
func (d *driver[T]) park() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.wakeup {
		d.wakeup = false
		return false
	}
	d.looping = false
	return true
}

func (d *driver[T]) stop() {
	d.lock.Lock()
	d.looping = false
	d.wakeup = false
	d.lock.Unlock()
}

func (d *driver[T]) fail(err error) {
	d.stop()
	var zero T
	if d.pending.complete(zero, err) {
		d.logger.Debug("body decoding failed", "kind", d.kind, "error", err)
	}
}

type multipartSink struct {
	maxLength int64
	length    int64
	scanner   *scanner.Scanner
	assembler *multipart.Assembler
}

func (s *multipartSink) feed(c *chunk.Chunk) (*multipart.Parts, bool, error) {
	if err := s.assembler.Err(); err != nil {
		c.Release()
		s.scanner.Close()
		return nil, false, err
	}

	s.length += int64(c.Len())
	if s.maxLength >= 0 && s.length > s.maxLength {
		c.Release()
		s.scanner.Close()
		return nil, false, s.assembler.Fail(fmt.Errorf("%w: limit %d bytes", ErrBodyTooLarge, s.maxLength))
	}

	s.scanner.Feed(c)
	for {
		ev := s.scanner.Next()
		if ev.Kind == scanner.NeedInput {
			return nil, false, nil
		}
		parts, err := s.assembler.Handle(ev)
		if err != nil {
			s.scanner.Close()
			return nil, false, err
		}
		if parts != nil {
			s.scanner.Close()
			return parts, true, nil
		}
	}
}

func (s *multipartSink) abort(cause error) {
	s.assembler.Fail(cause)
}

type formSink struct {
	lock    sync.Mutex
	decoder *urlform.Decoder
}

func (s *formSink) feed(c *chunk.Chunk) (*urlform.Fields, bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	done, err := s.decoder.Feed(c)
	if err != nil || !done {
		return nil, false, err
	}
	return s.decoder.Fields(), true, nil
}

func (s *formSink) abort(cause error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.decoder.Abort(cause)
}

// Multipart starts decoding a multipart/form-data body from src. Decoding
// runs on the calling goroutine until src has no data ready and continues on
// the goroutine that runs the src demand callback.
func (d *Decoder) Multipart(src source.Source, boundary string) (*Pending[*multipart.Parts], error) {
	drv, err := d.multipart(src, boundary)
	if err != nil {
		return nil, err
	}
	drv.resume()
	return drv.pending, nil
}

func (d *Decoder) multipart(src source.Source, boundary string) (*driver[*multipart.Parts], error) {
	s, err := scanner.New(boundary, d.config.scanner())
	if err != nil {
		src.Fail(err)
		return nil, err
	}

	assembler := multipart.NewAssembler(d.config.multipart(),
		multipart.WithStore(d.store),
		multipart.WithLogger(d.logger),
		multipart.WithPartListener(d.onPart),
		multipart.WithViolationListener(d.onViolation),
	)

	pending := newPending(func(parts *multipart.Parts) {
		parts.Close()
	})
	return newDriver(src, &multipartSink{
		maxLength: d.config.MaxLength,
		scanner:   s,
		assembler: assembler,
	}, pending, d.logger, "multipart"), nil
}

// Form starts decoding an application/x-www-form-urlencoded body from src.
// An empty charset selects Config.DefaultCharset.
func (d *Decoder) Form(src source.Source, charset string) (*Pending[*urlform.Fields], error) {
	drv, err := d.form(src, charset)
	if err != nil {
		return nil, err
	}
	drv.resume()
	return drv.pending, nil
}

func (d *Decoder) form(src source.Source, charset string) (*driver[*urlform.Fields], error) {
	if charset == "" {
		charset = d.config.DefaultCharset
	}
	decoder, err := urlform.NewDecoder(charset, d.config.urlform())
	if err != nil {
		src.Fail(err)
		return nil, err
	}

	pending := newPending[*urlform.Fields](nil)
	return newDriver(src, &formSink{decoder: decoder}, pending, d.logger, "urlencoded"), nil
}
