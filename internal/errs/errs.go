// Package errs is the error taxonomy for the diligence pipeline.
//
// It re-exports github.com/cockroachdb/errors and adds marker sentinels for each
// failure class the pipeline distinguishes:
//
//	transient  tool timeouts and rate limits, retried with backoff
//	permanent  invalid responses and auth failures, never retried
//	config     bad thesis or plan, fails the execution before any stage runs
//	conflict   interventions that do not apply to the current state
//	integrity  citations that reference evidence that does not exist
//
// Use the Kind constructors to create classified errors and KindOf / Is* to inspect them.
package errs

import (
	"fmt"

	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New           = crdb.New
	Newf          = crdb.Newf
	Wrap          = crdb.Wrap
	Wrapf         = crdb.Wrapf
	WithStack     = crdb.WithStack
	WithHint      = crdb.WithHint
	WithHintf     = crdb.WithHintf
	WithDetail    = crdb.WithDetail
	WithDetailf   = crdb.WithDetailf
	Is            = crdb.Is
	As            = crdb.As
	Mark          = crdb.Mark
	FlattenHints  = crdb.FlattenHints
	GetAllDetails = crdb.GetAllDetails
)

// Kind classifies an error for retry, status and HTTP mapping decisions.
type Kind string

const (
	KindUnknown   Kind = "unknown"
	KindTransient Kind = "transient"
	KindPermanent Kind = "permanent"
	KindConfig    Kind = "config"
	KindConflict  Kind = "conflict"
	KindIntegrity Kind = "integrity"
	KindNotFound  Kind = "not_found"
	KindInvalid   Kind = "invalid"
)

// Marker sentinels. Classified errors are marked with one of these so that
// errors.Is keeps working across wrapping.
var (
	ErrTransient = crdb.New("transient failure")
	ErrPermanent = crdb.New("permanent failure")
	ErrConfig    = crdb.New("configuration error")
	ErrConflict  = crdb.New("conflict")
	ErrIntegrity = crdb.New("data integrity violation")
	ErrNotFound  = crdb.New("not found")
	ErrInvalid   = crdb.New("invalid request")
)

var kindMarkers = []struct {
	kind   Kind
	marker error
}{
	{KindIntegrity, ErrIntegrity},
	{KindConfig, ErrConfig},
	{KindConflict, ErrConflict},
	{KindNotFound, ErrNotFound},
	{KindInvalid, ErrInvalid},
	{KindPermanent, ErrPermanent},
	{KindTransient, ErrTransient},
}

func markerFor(kind Kind) error {
	for _, km := range kindMarkers {
		if km.kind == kind {
			return km.marker
		}
	}
	return nil
}

// Newk creates a new error of the given kind.
func Newk(kind Kind, format string, args ...interface{}) error {
	err := crdb.NewWithDepth(1, fmt.Sprintf(format, args...))
	if m := markerFor(kind); m != nil {
		return crdb.Mark(err, m)
	}
	return err
}

// WrapKind wraps err with a message and classifies it. A nil err yields nil.
func WrapKind(err error, kind Kind, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	wrapped := crdb.WrapWithDepth(1, err, fmt.Sprintf(format, args...))
	if m := markerFor(kind); m != nil {
		return crdb.Mark(wrapped, m)
	}
	return wrapped
}

// Config returns a configuration error.
func Config(format string, args ...interface{}) error {
	return crdb.Mark(crdb.NewWithDepth(1, fmt.Sprintf(format, args...)), ErrConfig)
}

// Conflict returns a conflict error.
func Conflict(format string, args ...interface{}) error {
	return crdb.Mark(crdb.NewWithDepth(1, fmt.Sprintf(format, args...)), ErrConflict)
}

// Integrity returns a data-integrity error.
func Integrity(format string, args ...interface{}) error {
	return crdb.Mark(crdb.NewWithDepth(1, fmt.Sprintf(format, args...)), ErrIntegrity)
}

// NotFound returns a not-found error.
func NotFound(format string, args ...interface{}) error {
	return crdb.Mark(crdb.NewWithDepth(1, fmt.Sprintf(format, args...)), ErrNotFound)
}

// Invalid returns an invalid-request error.
func Invalid(format string, args ...interface{}) error {
	return crdb.Mark(crdb.NewWithDepth(1, fmt.Sprintf(format, args...)), ErrInvalid)
}

// KindOf reports the most specific kind err is marked with.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, km := range kindMarkers {
		if crdb.Is(err, km.marker) {
			return km.kind
		}
	}
	return KindUnknown
}

func IsConfig(err error) bool    { return err != nil && crdb.Is(err, ErrConfig) }
func IsConflict(err error) bool  { return err != nil && crdb.Is(err, ErrConflict) }
func IsIntegrity(err error) bool { return err != nil && crdb.Is(err, ErrIntegrity) }
func IsNotFound(err error) bool  { return err != nil && crdb.Is(err, ErrNotFound) }
func IsInvalid(err error) bool   { return err != nil && crdb.Is(err, ErrInvalid) }
func IsTransient(err error) bool { return err != nil && crdb.Is(err, ErrTransient) }

// Summary renders a user-visible message for err: the kind, the message chain,
// any hints, and the ledger reference. Stack traces are never included.
func Summary(err error, ledgerRef string) string {
	if err == nil {
		return ""
	}
	kind := KindOf(err)
	msg := "internal error"
	if kind != KindUnknown {
		msg = fmt.Sprintf("%s error: %s", kind, err.Error())
	}
	if hints := crdb.FlattenHints(err); hints != "" {
		msg += " (" + hints + ")"
	}
	if ledgerRef != "" {
		msg += " [ref " + ledgerRef + "]"
	}
	return msg
}
