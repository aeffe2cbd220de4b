package source

import (
	"errors"

	"github.com/opengs/formdecode/chunk"
)

// ErrFailed is returned by sources that were failed without a cause.
var ErrFailed = errors.New("source failed")

// Place where body bytes come from.
//
// Chunks are delivered in stream order and exactly one of them is terminal.
// Every chunk returned by Read is owned by the caller, who must release it.
type Source interface {
	// Returns the next chunk. A nil chunk with a nil error means no data is ready
	// yet and the caller should register interest with Demand.
	Read() (*chunk.Chunk, error)
	// Registers fn to be called once when Read may return a chunk or an error.
	// fn may be invoked on a different goroutine than the caller.
	Demand(fn func())
	// Notifies the source that the consumer failed and will not read anymore.
	Fail(cause error)
}
