// Package formdecode decodes HTTP form bodies, multipart/form-data and
// application/x-www-form-urlencoded, from streams of chunks without holding
// the whole body in memory.
package formdecode

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/opengs/formdecode/multipart"
	"github.com/opengs/formdecode/scanner"
	"github.com/opengs/formdecode/storage"
	"github.com/opengs/formdecode/storage/disk"
	"github.com/opengs/formdecode/urlform"
)

var (
	ErrBodyTooLarge           = errors.New("formdecode: body too large")
	ErrUnsupportedContentType = errors.New("formdecode: unsupported content type")
	ErrInvalidConfig          = errors.New("formdecode: invalid configuration")
	ErrSpoolDirectoryRequired = errors.New("formdecode: spool directory is required when parts can be spooled")
	ErrAborted                = errors.New("formdecode: decoding aborted")
)

type Config struct {
	// Maximum number of multipart parts. Negative means unlimited.
	MaxParts int
	// Maximum content size of one part. Negative means unlimited.
	MaxPartSize int64
	// Part size above which content is spooled to a file. -1 keeps everything in
	// memory, 0 spools every non-empty eligible part.
	MaxMemoryPartSize int64
	// Maximum multipart body size. Negative means unlimited.
	MaxLength int64
	// Maximum size of one part header block. Negative means unlimited.
	MaxHeadersSize int
	// Spool parts without a file name too.
	UseFilesForNoNamePart bool
	// Directory for spool files. Required when MaxMemoryPartSize >= 0 and no
	// store is given with WithStore.
	SpoolDirectory string

	// Maximum number of url-encoded fields. Negative means unlimited.
	MaxFields int
	// Maximum url-encoded body size. Negative means unlimited.
	MaxFormLength int
	// Charset of url-encoded bodies that do not name one.
	DefaultCharset string
}

func DefaultConfig() Config {
	return Config{
		MaxParts:              1000,
		MaxPartSize:           -1,
		MaxMemoryPartSize:     -1,
		MaxLength:             -1,
		MaxHeadersSize:        8 * 1024,
		UseFilesForNoNamePart: false,
		SpoolDirectory:        "",
		MaxFields:             1000,
		MaxFormLength:         200000,
		DefaultCharset:        urlform.DefaultCharset,
	}
}

func (c Config) multipart() multipart.Config {
	return multipart.Config{
		MaxParts:              c.MaxParts,
		MaxPartSize:           c.MaxPartSize,
		MaxMemoryPartSize:     c.MaxMemoryPartSize,
		UseFilesForNoNamePart: c.UseFilesForNoNamePart,
	}
}

func (c Config) urlform() urlform.Config {
	return urlform.Config{
		MaxFields: c.MaxFields,
		MaxLength: c.MaxFormLength,
	}
}

func (c Config) scanner() scanner.Config {
	return scanner.Config{MaxHeadersSize: c.MaxHeadersSize}
}

type Option func(d *Decoder)

// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(d *Decoder) {
		d.logger = logger
	}
}

// Receives non-fatal protocol violations of multipart bodies. By default they
// are logged at warning level.
func WithViolationListener(listener func(scanner.Violation)) Option {
	return func(d *Decoder) {
		d.onViolation = listener
	}
}

// Receives every multipart part as soon as it is complete, before the whole
// body is decoded.
func WithPartListener(listener func(*multipart.Part)) Option {
	return func(d *Decoder) {
		d.onPart = listener
	}
}

// Store for spooled parts. Takes precedence over Config.SpoolDirectory.
func WithStore(store storage.Store) Option {
	return func(d *Decoder) {
		d.store = store
	}
}

// Decoder holds validated configuration. It is safe for concurrent use and
// every decode call is independent.
type Decoder struct {
	config      Config
	logger      *slog.Logger
	store       storage.Store
	onViolation func(scanner.Violation)
	onPart      func(*multipart.Part)
}

func New(config Config, opts ...Option) (*Decoder, error) {
	d := &Decoder{
		config: config,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := d.validate(); err != nil {
		return nil, err
	}
	if d.onViolation == nil {
		logger := d.logger
		d.onViolation = func(v scanner.Violation) {
			logger.Warn("multipart compliance violation", "kind", v.Kind.String(), "detail", v.Detail)
		}
	}
	return d, nil
}

func (d *Decoder) validate() error {
	c := d.config
	if c.MaxMemoryPartSize < -1 {
		return fmt.Errorf("%w: MaxMemoryPartSize must be -1 or greater, got %d", ErrInvalidConfig, c.MaxMemoryPartSize)
	}
	if c.MaxPartSize >= 0 && c.MaxMemoryPartSize > c.MaxPartSize {
		return fmt.Errorf("%w: MaxMemoryPartSize %d exceeds MaxPartSize %d", ErrInvalidConfig, c.MaxMemoryPartSize, c.MaxPartSize)
	}
	if _, err := urlform.NewDecoder(c.DefaultCharset, c.urlform()); err != nil {
		return errors.Join(ErrInvalidConfig, err)
	}

	if d.store == nil && c.SpoolDirectory != "" {
		store, err := disk.New(c.SpoolDirectory)
		if err != nil {
			return errors.Join(ErrInvalidConfig, err)
		}
		d.store = store
	}
	if c.MaxMemoryPartSize >= 0 && d.store == nil {
		return ErrSpoolDirectoryRequired
	}
	return nil
}

// Config returns the configuration the decoder was built with.
func (d *Decoder) Config() Config {
	return d.config
}

// IsLimit reports whether err is caused by a configured limit.
func IsLimit(err error) bool {
	for _, target := range []error{
		ErrBodyTooLarge,
		multipart.ErrTooManyParts,
		multipart.ErrPartTooLarge,
		urlform.ErrTooManyFields,
		urlform.ErrFormTooLarge,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsProtocol reports whether err is caused by a malformed body.
func IsProtocol(err error) bool {
	for _, target := range []error{
		scanner.ErrInvalidBoundary,
		scanner.ErrMalformedBoundary,
		scanner.ErrMalformedHeader,
		scanner.ErrHeadersTooLarge,
		scanner.ErrUnexpectedEOF,
		urlform.ErrInvalidEscape,
		urlform.ErrIncompleteEscape,
		urlform.ErrUnknownCharset,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
