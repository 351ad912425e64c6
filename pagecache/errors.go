package pagecache

import "errors"

// Kind classifies a cache error, mirroring bufcache.Kind.
type Kind int

const (
	KindNone Kind = iota
	KindIO
	KindNoMemory
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "IO"
	case KindNoMemory:
		return "NO_MEMORY"
	case KindInvalid:
		return "INVALID"
	default:
		return "NONE"
	}
}

// Error wraps a lower-level cause with the operation and Kind a caller
// should branch on (same shape as bufcache.Error).
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

func IsIO(err error) bool       { return kindOf(err) == KindIO }
func IsNoMemory(err error) bool { return kindOf(err) == KindNoMemory }
func IsInvalid(err error) bool  { return kindOf(err) == KindInvalid }

func kindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindNone
}

// ErrOutOfMemory is returned by GetFreePage when the free list is still
// empty after asking the swap daemon to reclaim.
var ErrOutOfMemory = errors.New("pagecache: out of memory")
