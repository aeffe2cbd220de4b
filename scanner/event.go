package scanner

import (
	"fmt"

	"github.com/emersion/go-message"
	"github.com/opengs/formdecode/chunk"
)

// Kind tells what an Event carries.
type Kind int

const (
	// NeedInput means the scanner consumed its input and waits for Feed.
	NeedInput Kind = iota
	// PartBegin carries the headers of a new part.
	PartBegin
	// PartContent carries boundary-stripped content. The receiver owns the chunk.
	PartContent
	// PartEnd closes the current part.
	PartEnd
	// Complete is emitted once, after the close delimiter and the terminal chunk.
	Complete
	// Violated reports non-conforming but tolerated input.
	Violated
	// Failed is emitted once when the stream cannot be parsed.
	Failed
)

func (k Kind) String() string {
	switch k {
	case NeedInput:
		return "need-input"
	case PartBegin:
		return "part-begin"
	case PartContent:
		return "part-content"
	case PartEnd:
		return "part-end"
	case Complete:
		return "complete"
	case Violated:
		return "violation"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// PartInfo describes a part as announced by its header block.
type PartInfo struct {
	// Value of the "name" Content-Disposition parameter, empty if absent.
	Name string
	// Value of the "filename" Content-Disposition parameter, empty if absent.
	FileName string
	Header   message.Header
}

type Event struct {
	Kind Kind

	// Set for PartBegin.
	Part *PartInfo
	// Set for PartContent.
	Content *chunk.Chunk
	// Set for Violated.
	Violation Violation
	// Set for Failed.
	Err error
}

// ViolationKind enumerates tolerated deviations from RFC 7578.
type ViolationKind int

const (
	// Content-Transfer-Encoding with a value other than the ones below.
	ContentTransferEncoding ViolationKind = iota + 1
	// Content-Transfer-Encoding: base64. Content is not decoded.
	Base64TransferEncoding
	// Content-Transfer-Encoding: quoted-printable. Content is not decoded.
	QuotedPrintableTransferEncoding
	// Line terminated by LF instead of CRLF.
	LFLineTermination
	// Content-Disposition that could not be parsed.
	ContentDisposition
)

func (k ViolationKind) String() string {
	switch k {
	case ContentTransferEncoding:
		return "content-transfer-encoding"
	case Base64TransferEncoding:
		return "base64-transfer-encoding"
	case QuotedPrintableTransferEncoding:
		return "quoted-printable-transfer-encoding"
	case LFLineTermination:
		return "lf-line-termination"
	case ContentDisposition:
		return "content-disposition"
	default:
		return fmt.Sprintf("violation(%d)", int(k))
	}
}

type Violation struct {
	Kind   ViolationKind
	Detail string
}

func (v Violation) String() string {
	if v.Detail == "" {
		return v.Kind.String()
	}
	return v.Kind.String() + ": " + v.Detail
}
