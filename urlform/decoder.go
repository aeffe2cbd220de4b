// Package urlform decodes application/x-www-form-urlencoded bodies chunk by
// chunk.
package urlform

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/opengs/formdecode/chunk"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

var (
	ErrInvalidEscape    = errors.New("urlform: invalid percent escape")
	ErrIncompleteEscape = errors.New("urlform: incomplete percent escape at end of body")
	ErrTooManyFields    = errors.New("urlform: too many fields")
	ErrFormTooLarge     = errors.New("urlform: form body too large")
	ErrUnknownCharset   = errors.New("urlform: unknown charset")
	ErrFinished         = errors.New("urlform: decoder already finished")
)

// DefaultCharset is used when the request names none.
const DefaultCharset = "utf-8"

type Config struct {
	// Maximum number of fields. Negative means unlimited.
	MaxFields int
	// Maximum body size in bytes. Negative means unlimited.
	MaxLength int
}

func DefaultConfig() Config {
	return Config{
		MaxFields: 1000,
		MaxLength: 200000,
	}
}

type state int

const (
	stateName state = iota
	stateValue
	stateEscape1
	stateEscape2
)

// Decoder is a single pass state machine over the form body. It is not safe
// for concurrent use.
type Decoder struct {
	config  Config
	charset string
	decoder *encoding.Decoder

	state state
	// State to return to after an escape.
	target  state
	pending byte

	name   bytes.Buffer
	value  bytes.Buffer
	length int

	fields  []Field
	done    bool
	failure error
}

// NewDecoder returns a decoder interpreting bytes in charset. An empty
// charset selects DefaultCharset.
func NewDecoder(charset string, config Config) (*Decoder, error) {
	if charset == "" {
		charset = DefaultCharset
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCharset, charset)
	}
	name, err := htmlindex.Name(enc)
	if err != nil {
		name = strings.ToLower(charset)
	}

	return &Decoder{
		config:  config,
		charset: name,
		decoder: enc.NewDecoder(),
	}, nil
}

// Charset returns the canonical name of the charset in use.
func (d *Decoder) Charset() string {
	return d.charset
}

// Feed decodes c and releases it. It returns true once the terminal chunk was
// decoded. After an error every further call returns the same error.
func (d *Decoder) Feed(c *chunk.Chunk) (bool, error) {
	defer c.Release()

	if d.failure != nil {
		return false, d.failure
	}
	if d.done {
		return true, ErrFinished
	}

	d.length += c.Len()
	if d.config.MaxLength >= 0 && d.length > d.config.MaxLength {
		return false, d.fail(fmt.Errorf("%w: limit %d bytes", ErrFormTooLarge, d.config.MaxLength))
	}

	for _, b := range c.Bytes() {
		if err := d.decodeByte(b); err != nil {
			return false, d.fail(err)
		}
	}

	if !c.Last() {
		return false, nil
	}
	if d.state == stateEscape1 || d.state == stateEscape2 {
		return false, d.fail(ErrIncompleteEscape)
	}
	if err := d.commit(); err != nil {
		return false, d.fail(err)
	}
	d.done = true
	return true, nil
}

func (d *Decoder) decodeByte(b byte) error {
	switch d.state {
	case stateName, stateValue:
		switch b {
		case '&':
			if err := d.commit(); err != nil {
				return err
			}
			d.state = stateName
		case '=':
			if d.state == stateName {
				d.state = stateValue
			} else {
				d.value.WriteByte(b)
			}
		case '+':
			d.buffer().WriteByte(' ')
		case '%':
			d.target = d.state
			d.state = stateEscape1
		default:
			d.buffer().WriteByte(b)
		}
	case stateEscape1:
		h, ok := unhex(b)
		if !ok {
			return fmt.Errorf("%w: %q", ErrInvalidEscape, b)
		}
		d.pending = h << 4
		d.state = stateEscape2
	case stateEscape2:
		l, ok := unhex(b)
		if !ok {
			return fmt.Errorf("%w: %q", ErrInvalidEscape, b)
		}
		d.state = d.target
		d.buffer().WriteByte(d.pending | l)
	}
	return nil
}

func (d *Decoder) buffer() *bytes.Buffer {
	if d.state == stateValue {
		return &d.value
	}
	return &d.name
}

// commit appends the current pair. Pairs with an empty name are dropped.
func (d *Decoder) commit() error {
	defer func() {
		d.name.Reset()
		d.value.Reset()
	}()

	if d.name.Len() == 0 {
		return nil
	}
	if d.config.MaxFields >= 0 && len(d.fields) >= d.config.MaxFields {
		return fmt.Errorf("%w: limit %d", ErrTooManyFields, d.config.MaxFields)
	}

	name, err := d.decoder.Bytes(d.name.Bytes())
	if err != nil {
		return errors.Join(errors.New("failed to decode field name"), err)
	}
	value, err := d.decoder.Bytes(d.value.Bytes())
	if err != nil {
		return errors.Join(errors.New("failed to decode field value"), err)
	}
	d.fields = append(d.fields, Field{Name: string(name), Value: string(value)})
	return nil
}

func (d *Decoder) fail(err error) error {
	d.failure = err
	d.fields = nil
	d.name.Reset()
	d.value.Reset()
	return err
}

// Err returns the failure recorded by Feed or Abort.
func (d *Decoder) Err() error {
	return d.failure
}

// Abort records cause as the failure unless one was recorded already.
func (d *Decoder) Abort(cause error) {
	if d.failure == nil && !d.done {
		d.fail(cause)
	}
}

// Fields returns the decoded fields. It is valid once Feed returned true.
func (d *Decoder) Fields() *Fields {
	if !d.done || d.failure != nil {
		return nil
	}
	return newFields(d.fields, d.charset)
}

func unhex(b byte) (byte, bool) {
	switch {
	case '0' <= b && b <= '9':
		return b - '0', true
	case 'a' <= b && b <= 'f':
		return b - 'a' + 10, true
	case 'A' <= b && b <= 'F':
		return b - 'A' + 10, true
	}
	return 0, false
}
