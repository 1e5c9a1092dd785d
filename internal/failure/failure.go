// Package failure defines the error kinds that cross component boundaries.
// Provider and database errors are wrapped in an *Error before they leave
// the package that produced them.
package failure

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	QuotaExceeded
	UpstreamUnavailable
	EmbeddingCorrupt
	PersistenceFailure
	ForecastUnavailable
)

func (k Kind) String() string {
	switch k {
	case QuotaExceeded:
		return "quota_exceeded"
	case UpstreamUnavailable:
		return "upstream_unavailable"
	case EmbeddingCorrupt:
		return "embedding_corrupt"
	case PersistenceFailure:
		return "persistence_failure"
	case ForecastUnavailable:
		return "forecast_unavailable"
	}
	return "unknown"
}

// Sentinels match any *Error of the same kind via errors.Is.
var (
	ErrQuotaExceeded       = &Error{Kind: QuotaExceeded}
	ErrUpstreamUnavailable = &Error{Kind: UpstreamUnavailable}
	ErrEmbeddingCorrupt    = &Error{Kind: EmbeddingCorrupt}
	ErrPersistenceFailure  = &Error{Kind: PersistenceFailure}
	ErrForecastUnavailable = &Error{Kind: ForecastUnavailable}
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}
