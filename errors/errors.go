package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseLinearize   Phase = "linearize"   // sender traversal
	PhaseReconstruct Phase = "reconstruct" // receiver replay
	PhaseTypes       Phase = "types"       // type bridging
	PhaseTransport   Phase = "transport"   // session and link
	PhaseWire        Phase = "wire"        // message encoding
	PhaseHeap        Phase = "heap"        // host object model
	PhaseConfig      Phase = "config"      // configuration
	PhaseNaming      Phase = "naming"      // type naming services
)

// Kind categorizes the error
type Kind string

const (
	KindProtocol       Kind = "protocol_violation"
	KindTruncated      Kind = "truncated"
	KindTypeUnresolved Kind = "type_unresolved"
	KindBackRef        Kind = "backref_mismatch"
	KindCompletion     Kind = "completion_failed"
	KindInvariant      Kind = "invariant"
	KindOutOfBounds    Kind = "out_of_bounds"
	KindInvalidData    Kind = "invalid_data"
	KindInvalidInput   Kind = "invalid_input"
	KindNotFound       Kind = "not_found"
	KindAllocation     Kind = "allocation"
	KindOverflow       Kind = "overflow"
	KindClosed         Kind = "closed"
	KindCanceled       Kind = "canceled"
	KindUnsupported    Kind = "unsupported"
)

// Error is the structured error type used throughout graphwire.
//
// Offset, Visit and Objects locate a divergence in the object stream.
// They are reported only when HasPosition is set.
type Error struct {
	Value       any
	Cause       error
	Phase       Phase
	Kind        Kind
	Detail      string
	Path        []string
	Offset      uint64
	Visit       uint32
	Objects     uint32
	HasPosition bool
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.HasPosition {
		fmt.Fprintf(&b, " (offset=%d visit=%d objects=%d)", e.Offset, e.Visit, e.Objects)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Fatal reports whether the error leaves the session unusable.
// Every kind except invalid input and not found aborts the transfer.
func (e *Error) Fatal() bool {
	switch e.Kind {
	case KindInvalidInput, KindNotFound:
		return false
	}
	return true
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the field path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// At records the stream position where the error was detected.
func (b *Builder) At(offset uint64, visit, objects uint32) *Builder {
	b.err.Offset = offset
	b.err.Visit = visit
	b.err.Objects = objects
	b.err.HasPosition = true
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// AllocationFailed creates an allocation failure error
func AllocationFailed(phase Phase, size uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindAllocation,
		Detail: fmt.Sprintf("failed to allocate %d bytes", size),
	}
}

// OutOfBounds creates an out of bounds error for an address range
func OutOfBounds(phase Phase, addr uint64, length, limit uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("range [%#x, +%d) outside limit %#x", addr, length, limit),
		Value:  addr,
	}
}

// Invariant creates an internal invariant violation error
func Invariant(phase Phase, format string, args ...any) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvariant,
		Detail: fmt.Sprintf(format, args...),
	}
}

// Protocol creates a protocol violation error
func Protocol(phase Phase, format string, args ...any) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindProtocol,
		Detail: fmt.Sprintf(format, args...),
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Detail: detail,
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// NotFound creates a not found error
func NotFound(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: what,
	}
}

// Closed creates an error for use of a closed or broken session
func Closed(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindClosed,
		Detail: what,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// As finds the first *Error in err's chain.
func As(err error, target **Error) bool {
	return stderrors.As(err, target)
}

// IsFatal reports whether err breaks the session that produced it.
func IsFatal(err error) bool {
	var e *Error
	if As(err, &e) {
		return e.Fatal()
	}
	return err != nil
}
