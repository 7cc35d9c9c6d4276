// Package failure defines the closed set of error kinds raised while
// extracting a dump, so callers can pick abort, retry or skip per kind
// instead of matching on error strings.
package failure

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure by the component boundary that raised it
type Kind int

const (
	// KindUnknown is returned by KindOf for errors outside the taxonomy
	KindUnknown Kind = iota
	// KindFraming marks a malformed or truncated input file. Fatal.
	KindFraming
	// KindDecode marks a chunk whose payload could not be decompressed or parsed
	KindDecode
	// KindPool marks a write abandoned because no connection could be acquired
	KindPool
	// KindStore marks a statement rejected by the database
	KindStore
	// KindSerialization marks an entity that could not be encoded for the store
	KindSerialization
)

// Kinds lists every recoverable and fatal kind in report order
var Kinds = []Kind{KindFraming, KindDecode, KindPool, KindStore, KindSerialization}

func (k Kind) String() string {
	switch k {
	case KindFraming:
		return "framing"
	case KindDecode:
		return "decode"
	case KindPool:
		return "pool"
	case KindStore:
		return "store"
	case KindSerialization:
		return "serialization"
	default:
		return "unknown"
	}
}

// Fatal reports whether a failure of this kind must abort the whole run
func (k Kind) Fatal() bool {
	return k == KindFraming
}

// Error is a kinded failure with the operation that produced it
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s error: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err as a failure of the given kind. The cause keeps a stack
// trace so debug logs can point at the origin.
func New(kind Kind, op string, err error) error {
	if err != nil {
		err = errors.WithStack(err)
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a failure whose cause is a formatted message
func Newf(kind Kind, op string, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: errors.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost failure in err's chain
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries a failure of the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
