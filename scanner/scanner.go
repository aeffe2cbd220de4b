// Package scanner splits a multipart/form-data stream into parts.
//
// The Scanner is a pull state machine: Feed gives it one chunk, Next returns
// events until it needs more input. It never calls back into its user and
// never blocks.
package scanner

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
	"github.com/opengs/formdecode/chunk"
)

var (
	ErrInvalidBoundary   = errors.New("scanner: invalid boundary")
	ErrMalformedBoundary = errors.New("scanner: malformed boundary line")
	ErrMalformedHeader   = errors.New("scanner: malformed part header")
	ErrHeadersTooLarge   = errors.New("scanner: part headers too large")
	ErrUnexpectedEOF     = errors.New("scanner: unexpected end of multipart body")
)

// MaxBoundaryLength is the longest boundary RFC 2046 allows.
const MaxBoundaryLength = 70

type Config struct {
	// Maximum size of one part header block in bytes. Negative disables the check.
	MaxHeadersSize int
}

func DefaultConfig() Config {
	return Config{MaxHeadersSize: 8 * 1024}
}

type state int

const (
	statePreamble state = iota
	stateDelimiter
	stateCloseDash
	statePadding
	stateLineFeed
	stateHeaders
	stateContent
	stateEpilogue
	stateDone
	stateFailed
)

type Scanner struct {
	config   Config
	boundary string

	// Searched delimiter. Starts as LF + "--" + boundary so that the first
	// delimiter line is found whatever line ending the sender uses, and is
	// fixed once the first delimiter line terminator is seen.
	delimiter []byte
	lineMode  lineMode

	state state
	in    *chunk.Chunk
	pos   int

	// Bytes at the end of the previous input that may start a delimiter.
	carry []byte

	header       bytes.Buffer
	headerLine   int
	headerPrevCR bool
	headerBareLF bool

	queue   []Event
	failure error
}

type lineMode int

const (
	lineUndecided lineMode = iota
	lineCRLF
	lineLF
)

// ValidateBoundary checks a boundary parameter value.
func ValidateBoundary(boundary string) error {
	if len(boundary) == 0 || len(boundary) > MaxBoundaryLength {
		return fmt.Errorf("%w: length %d", ErrInvalidBoundary, len(boundary))
	}
	if strings.ContainsAny(boundary, "\r\n") {
		return fmt.Errorf("%w: contains line break", ErrInvalidBoundary)
	}
	return nil
}

func New(boundary string, config Config) (*Scanner, error) {
	if err := ValidateBoundary(boundary); err != nil {
		return nil, err
	}

	s := &Scanner{
		config:    config,
		boundary:  boundary,
		delimiter: []byte("\n--" + boundary),
		state:     statePreamble,
	}
	// The body may start with the delimiter line itself.
	s.carry = append(s.carry, '\n')
	return s, nil
}

// Feed hands c to the scanner, which becomes its owner. Feed may only be
// called after Next returned NeedInput. Input fed after Complete or Failed is
// released and ignored.
func (s *Scanner) Feed(c *chunk.Chunk) {
	if s.state == stateDone || s.state == stateFailed {
		c.Release()
		return
	}
	if s.in != nil {
		panic("scanner: Feed called before input was consumed")
	}
	s.in = c
	s.pos = 0
}

// Next returns the next event. After Complete or Failed, Next keeps returning
// that event.
func (s *Scanner) Next() Event {
	for {
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			return ev
		}

		switch s.state {
		case stateDone:
			return Event{Kind: Complete}
		case stateFailed:
			return Event{Kind: Failed, Err: s.failure}
		}

		if s.in == nil {
			return Event{Kind: NeedInput}
		}
		if s.pos >= s.in.Len() {
			last := s.in.Last()
			s.in.Release()
			s.in = nil
			s.pos = 0
			if !last {
				return Event{Kind: NeedInput}
			}
			s.finish()
			continue
		}

		s.step()
	}
}

// Close releases input and pending content held by the scanner.
func (s *Scanner) Close() {
	if s.in != nil {
		s.in.Release()
		s.in = nil
	}
	for i, ev := range s.queue {
		if ev.Content != nil {
			ev.Content.Release()
		}
		s.queue[i] = Event{}
	}
	s.queue = nil
	if s.state != stateDone && s.state != stateFailed {
		s.failure = errors.New("scanner: closed")
		s.state = stateFailed
	}
}

func (s *Scanner) finish() {
	if s.state == stateEpilogue {
		s.state = stateDone
		s.emit(Event{Kind: Complete})
		return
	}
	s.fail(ErrUnexpectedEOF)
}

func (s *Scanner) fail(err error) {
	s.failure = err
	s.state = stateFailed
	if s.in != nil {
		s.in.Release()
		s.in = nil
	}
	s.carry = nil
}

func (s *Scanner) emit(ev Event) {
	s.queue = append(s.queue, ev)
}

func (s *Scanner) violation(kind ViolationKind, detail string) {
	s.emit(Event{Kind: Violated, Violation: Violation{Kind: kind, Detail: detail}})
}

func (s *Scanner) step() {
	switch s.state {
	case statePreamble:
		if s.scanBody(true) {
			s.state = stateDelimiter
		}
	case stateContent:
		if s.scanBody(false) {
			s.emit(Event{Kind: PartEnd})
			s.state = stateDelimiter
		}
	case stateDelimiter, stateCloseDash, statePadding, stateLineFeed:
		s.delimiterLine()
	case stateHeaders:
		s.scanHeaders()
	case stateEpilogue:
		s.pos = s.in.Len()
	}
}

// scanBody consumes preamble or content up to the next delimiter. It returns
// true once the delimiter was consumed.
func (s *Scanner) scanBody(discard bool) bool {
	data := s.in.Bytes()

	if len(s.carry) > 0 {
		avail := data[s.pos:]
		probe := make([]byte, 0, len(s.carry)+len(s.delimiter))
		probe = append(probe, s.carry...)
		probe = append(probe, avail[:min(len(avail), len(s.delimiter)-1)]...)

		if i := bytes.Index(probe, s.delimiter); i >= 0 && i < len(s.carry) {
			s.emitCopy(probe[:i], discard)
			s.pos += i + len(s.delimiter) - len(s.carry)
			s.carry = s.carry[:0]
			return true
		}
		if k := partialPrefix(probe, s.delimiter, len(s.carry)); k >= 0 {
			// Input is exhausted and still looks like a delimiter.
			s.emitCopy(probe[:k], discard)
			s.carry = append(s.carry[:0], probe[k:]...)
			s.pos = len(data)
			return false
		}
		s.emitCopy(s.carry, discard)
		s.carry = s.carry[:0]
	}

	avail := data[s.pos:]
	if i := bytes.Index(avail, s.delimiter); i >= 0 {
		s.emitSlice(s.pos, s.pos+i, discard)
		s.pos += i + len(s.delimiter)
		return true
	}
	k := partialSuffix(avail, s.delimiter)
	s.emitSlice(s.pos, s.pos+k, discard)
	s.carry = append(s.carry[:0], avail[k:]...)
	s.pos = len(data)
	return false
}

// partialPrefix returns the first index below limit where the rest of probe
// is a proper prefix of delim, or -1.
func partialPrefix(probe, delim []byte, limit int) int {
	for k := 0; k < limit; k++ {
		if len(probe)-k < len(delim) && bytes.HasPrefix(delim, probe[k:]) {
			return k
		}
	}
	return -1
}

// partialSuffix returns the start of the longest suffix of p that is a proper
// prefix of delim, or len(p).
func partialSuffix(p, delim []byte) int {
	for k := max(0, len(p)-len(delim)+1); k < len(p); k++ {
		if bytes.HasPrefix(delim, p[k:]) {
			return k
		}
	}
	return len(p)
}

func (s *Scanner) emitSlice(from, to int, discard bool) {
	if discard || from == to {
		return
	}
	s.emit(Event{Kind: PartContent, Content: s.in.Slice(from, to)})
}

func (s *Scanner) emitCopy(p []byte, discard bool) {
	if discard || len(p) == 0 {
		return
	}
	s.emit(Event{Kind: PartContent, Content: chunk.New(p, false)})
}

// delimiterLine handles the bytes following "--boundary".
func (s *Scanner) delimiterLine() {
	b := s.in.Bytes()[s.pos]
	s.pos++

	switch s.state {
	case stateDelimiter:
		switch b {
		case '-':
			s.state = stateCloseDash
		case ' ', '\t':
			s.state = statePadding
		case '\r':
			s.state = stateLineFeed
		case '\n':
			s.delimiterLineEnd(false)
		default:
			s.fail(fmt.Errorf("%w: unexpected byte %q after boundary", ErrMalformedBoundary, b))
		}
	case stateCloseDash:
		if b != '-' {
			s.fail(fmt.Errorf("%w: unexpected byte %q in close delimiter", ErrMalformedBoundary, b))
			return
		}
		s.state = stateEpilogue
	case statePadding:
		switch b {
		case ' ', '\t':
		case '\r':
			s.state = stateLineFeed
		case '\n':
			s.delimiterLineEnd(false)
		default:
			s.fail(fmt.Errorf("%w: unexpected byte %q in transport padding", ErrMalformedBoundary, b))
		}
	case stateLineFeed:
		if b != '\n' {
			s.fail(fmt.Errorf("%w: CR not followed by LF", ErrMalformedBoundary))
			return
		}
		s.delimiterLineEnd(true)
	}
}

func (s *Scanner) delimiterLineEnd(crlf bool) {
	switch s.lineMode {
	case lineUndecided:
		if crlf {
			s.lineMode = lineCRLF
			s.delimiter = []byte("\r\n--" + s.boundary)
		} else {
			s.lineMode = lineLF
			s.violation(LFLineTermination, "delimiter line")
		}
	case lineCRLF:
		if !crlf {
			s.violation(LFLineTermination, "delimiter line")
		}
	}

	s.state = stateHeaders
	s.header.Reset()
	s.headerLine = 0
	s.headerPrevCR = false
	s.headerBareLF = false
}

func (s *Scanner) scanHeaders() {
	data := s.in.Bytes()
	for s.pos < len(data) {
		b := data[s.pos]
		s.pos++

		if s.config.MaxHeadersSize >= 0 && s.header.Len() >= s.config.MaxHeadersSize {
			s.fail(fmt.Errorf("%w: limit %d bytes", ErrHeadersTooLarge, s.config.MaxHeadersSize))
			return
		}
		s.header.WriteByte(b)

		switch b {
		case '\n':
			if !s.headerPrevCR {
				s.headerBareLF = true
			}
			s.headerPrevCR = false
			if s.headerLine == 0 {
				s.endHeaders()
				return
			}
			s.headerLine = 0
		case '\r':
			s.headerPrevCR = true
		default:
			s.headerPrevCR = false
			s.headerLine++
		}
	}
}

func (s *Scanner) endHeaders() {
	if s.headerBareLF && s.lineMode != lineLF {
		s.violation(LFLineTermination, "part header")
	}

	raw, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(s.header.Bytes())))
	if err != nil {
		s.fail(errors.Join(ErrMalformedHeader, err))
		return
	}
	header := message.Header{Header: raw}

	info := &PartInfo{Header: header}
	if header.Has("Content-Disposition") {
		disposition, params, err := header.ContentDisposition()
		if err != nil {
			s.violation(ContentDisposition, err.Error())
		} else if !strings.EqualFold(disposition, "form-data") {
			s.violation(ContentDisposition, "disposition type "+disposition)
		}
		info.Name = params["name"]
		info.FileName = params["filename"]
	}

	if cte := strings.ToLower(strings.TrimSpace(header.Get("Content-Transfer-Encoding"))); cte != "" {
		switch cte {
		case "8bit", "binary":
		case "base64":
			s.violation(Base64TransferEncoding, "")
		case "quoted-printable":
			s.violation(QuotedPrintableTransferEncoding, "")
		default:
			s.violation(ContentTransferEncoding, cte)
		}
	}

	s.emit(Event{Kind: PartBegin, Part: info})
	s.state = stateContent
	s.header.Reset()
}
