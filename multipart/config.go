package multipart

import (
	"log/slog"

	"github.com/opengs/formdecode/scanner"
	"github.com/opengs/formdecode/storage"
)

type Config struct {
	// Maximum number of parts. Negative means unlimited.
	MaxParts int
	// Maximum content size of a single part. Negative means unlimited.
	MaxPartSize int64
	// Content size above which a part is spooled to a file. Negative keeps every
	// part in memory, zero spools every non-empty eligible part.
	MaxMemoryPartSize int64
	// Spool parts without a file name too. By default only file uploads are
	// spooled and form values always stay in memory.
	UseFilesForNoNamePart bool
}

func DefaultConfig() Config {
	return Config{
		MaxParts:          1000,
		MaxPartSize:       -1,
		MaxMemoryPartSize: -1,
	}
}

// CanSpool reports whether any part may end up in a spool file.
func (c Config) CanSpool() bool {
	return c.MaxMemoryPartSize >= 0
}

type Option func(a *Assembler)

// Store receiving spooled parts. Required when the configuration can spool.
func WithStore(store storage.Store) Option {
	return func(a *Assembler) {
		a.store = store
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Assembler) {
		a.logger = logger
	}
}

// Called after every committed part. The part stays owned by the assembler and
// reports a later failure through Err.
func WithPartListener(listener func(*Part)) Option {
	return func(a *Assembler) {
		a.onPart = listener
	}
}

func WithViolationListener(listener func(scanner.Violation)) Option {
	return func(a *Assembler) {
		a.onViolation = listener
	}
}
