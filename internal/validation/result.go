// Package validation wraps external lookups behind adapters that normalize
// every outcome into a tri-state result: a well-formed match, a well-formed
// rejection, or a transient failure. Only transient failures are retried.
package validation

// Status classifies a lookup outcome.
type Status int

const (
	// StatusValid means the lookup matched; Value holds the normalized result.
	StatusValid Status = iota
	// StatusInvalid means the service answered but found no match. Retrying
	// the same input will not help; the caller must be asked to correct it.
	StatusInvalid
	// StatusUnavailable means the service could not be reached or timed out.
	// The same input may succeed on retry.
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusInvalid:
		return "invalid"
	case StatusUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Result is the tagged outcome of one external lookup.
type Result[T any] struct {
	Status Status
	Value  T      // set when Status is StatusValid
	Reason string // set when Status is StatusInvalid
	Err    error  // set when Status is StatusUnavailable
}

// Valid builds a successful result carrying the normalized value.
func Valid[T any](value T) Result[T] {
	return Result[T]{Status: StatusValid, Value: value}
}

// Invalid builds a well-formed rejection.
func Invalid[T any](reason string) Result[T] {
	return Result[T]{Status: StatusInvalid, Reason: reason}
}

// Unavailable builds a transient-failure result.
func Unavailable[T any](err error) Result[T] {
	return Result[T]{Status: StatusUnavailable, Err: err}
}
