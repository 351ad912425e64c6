package bufcache

import "errors"

// Kind classifies a cache error.
type Kind int

const (
	KindNone Kind = iota
	KindIO
	KindNoMemory
	KindReadOnly
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "IO"
	case KindNoMemory:
		return "NO_MEMORY"
	case KindReadOnly:
		return "READ_ONLY"
	case KindInvalid:
		return "INVALID"
	default:
		return "NONE"
	}
}

// Error wraps a lower-level cause with the operation and Kind that a
// caller should branch on, mirroring the teacher's BufferPoolError
// (Op/Err + Unwrap).
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(op string, kind Kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// IsIO, IsNoMemory, IsReadOnly and IsInvalid classify an error returned
// from this package.
func IsIO(err error) bool       { return kindOf(err) == KindIO }
func IsNoMemory(err error) bool { return kindOf(err) == KindNoMemory }
func IsReadOnly(err error) bool { return kindOf(err) == KindReadOnly }
func IsInvalid(err error) bool  { return kindOf(err) == KindInvalid }

func kindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindNone
}

// ErrUnknownDevice is reported by BRead when the requested device was
// never registered with the cache's device table, and by the internal
// writeback path for a buffer whose device is unknown: logged, and
// returned without mutating any entry.
var ErrUnknownDevice = errors.New("bufcache: unknown device")
