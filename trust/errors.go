// Package trust implements the admission layer's security core: the
// shared-secret handshake, the hash-chained nonce protocol, and the
// session registry with its role and flag bits.
package trust

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/inkwire/gatehouse/store"
)

// Code classifies a Failure. The class decides both the HTTP status and
// whether the incident is worth an operator's attention.
type Code string

const (
	// Critical marks internal faults: storage breakage, impossible
	// states, exhausted retries. Always logged and deduplicated.
	Critical Code = "CRITICAL"

	// Transient marks contention that a retry is expected to clear.
	Transient Code = "TRANSIENT"

	// InvalidArgument marks malformed or out-of-domain client input.
	InvalidArgument Code = "INVALID_ARGUMENT"

	// Misuse marks well-formed requests the caller is not entitled to
	// make: missing role, paralyzed session, exhausted budget.
	Misuse Code = "MISUSE"

	// IntegrityViolation marks failed cryptographic checks: bad
	// checksum, wrong nonce, undecryptable payload.
	IntegrityViolation Code = "INTEGRITY_VIOLATION"

	// Conflict marks lost races and duplicate registrations.
	Conflict Code = "CONFLICT"
)

// Failure is the error currency of the gatehouse. It records where it
// was raised so diagnostics can deduplicate by site.
type Failure struct {
	Code    Code
	Message string
	File    string
	Line    int

	// Vars carries extra response fields for failures that must hand
	// the client recovery material, such as the current nonce on a
	// registration conflict.
	Vars map[string]any
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s at %s:%d: %s", f.Code, f.File, f.Line, f.Message)
}

// Site identifies the raise location, used as the dedup key.
func (f *Failure) Site() string {
	return fmt.Sprintf("%s:%d", f.File, f.Line)
}

// Failf raises a Failure at the caller's location.
func Failf(code Code, format string, args ...any) *Failure {
	return failAt(2, code, fmt.Sprintf(format, args...))
}

// FailVars raises a Failure carrying extra response fields.
func FailVars(code Code, vars map[string]any, format string, args ...any) *Failure {
	f := failAt(2, code, fmt.Sprintf(format, args...))
	f.Vars = vars
	return f
}

func failAt(skip int, code Code, msg string) *Failure {
	file, line := "?", 0
	if _, f, l, ok := runtime.Caller(skip); ok {
		file, line = filepath.Base(f), l
	}
	return &Failure{Code: code, Message: msg, File: file, Line: line}
}

// As extracts a *Failure from an error chain.
func As(err error) (*Failure, bool) {
	var f *Failure
	ok := errors.As(err, &f)
	return f, ok
}

// IsCode reports whether err is a Failure of the given class.
func IsCode(err error, code Code) bool {
	f, ok := As(err)
	return ok && f.Code == code
}

// FromStore translates a storage error into the taxonomy. Duplicates
// and stale swaps are conflicts, contention is transient, anything else
// is critical.
func FromStore(err error, op string) *Failure {
	switch {
	case errors.Is(err, store.ErrDuplicate), errors.Is(err, store.ErrStale):
		return failAt(2, Conflict, op+": "+err.Error())
	case errors.Is(err, store.ErrContention):
		return failAt(2, Transient, op+": "+err.Error())
	default:
		return failAt(2, Critical, op+": "+err.Error())
	}
}
