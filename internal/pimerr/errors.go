// Package pimerr implements the typed error kinds from spec.md section 7,
// wrapped so existing errors.Is/As continue to work, and aggregated with
// go.uber.org/multierr where a job must report the worst of several
// per-operation failures.
package pimerr

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// Kind classifies an error the way spec.md section 7 does.
type Kind int

const (
	// KindNone means no error occurred; Severity treats it as the weakest kind.
	KindNone Kind = iota
	KindUserCanceled
	KindNotFound
	KindProtocolError
	KindRevisionConflict
	KindJournalIOError
	KindIntegrityError
	KindTransportFailure
)

// severity orders kinds from least to most severe, used to pick the worst
// error seen across a batch of per-operation failures (spec.md section 7,
// "the job's final status is the worst-severity error seen").
var severity = map[Kind]int{
	KindNone:             0,
	KindUserCanceled:     1,
	KindNotFound:         2,
	KindProtocolError:    3,
	KindRevisionConflict: 4,
	KindJournalIOError:   5,
	KindIntegrityError:   6,
	KindTransportFailure: 7,
}

func (k Kind) String() string {
	switch k {
	case KindUserCanceled:
		return "UserCanceled"
	case KindNotFound:
		return "NotFound"
	case KindProtocolError:
		return "ProtocolError"
	case KindRevisionConflict:
		return "RevisionConflict"
	case KindJournalIOError:
		return "JournalIOError"
	case KindIntegrityError:
		return "IntegrityError"
	case KindTransportFailure:
		return "TransportFailure"
	default:
		return "None"
	}
}

// Error is a Kind-classified error.
type Error struct {
	Kind Kind
	Text string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Text, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Text)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a Kind-classified error.
func New(kind Kind, text string) error {
	return &Error{Kind: kind, Text: text}
}

// Wrap attaches a Kind to an existing error.
func Wrap(kind Kind, text string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Text: text, Err: err}
}

// KindOf extracts the Kind of err, or KindNone if err is nil, or
// KindIntegrityError if err is non-nil but untyped (a defensive default,
// since an unclassified failure in a sync job is still a hard failure).
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindIntegrityError
}

// Aggregator collects per-operation errors inside a sync job and reports
// the worst kind seen at completion (spec.md section 7 propagation
// policy). It wraps go.uber.org/multierr so individual errors remain
// inspectable via errors.Is/As on the combined error.
type Aggregator struct {
	combined error
	worst    Kind
}

// Add records err, which may be nil (a no-op).
func (a *Aggregator) Add(err error) {
	if err == nil {
		return
	}
	a.combined = multierr.Append(a.combined, err)
	if k := KindOf(err); severity[k] > severity[a.worst] {
		a.worst = k
	}
}

// Err returns the combined error, or nil if nothing was added.
func (a *Aggregator) Err() error { return a.combined }

// WorstKind returns the most severe Kind seen, or KindNone if nothing was
// added.
func (a *Aggregator) WorstKind() Kind { return a.worst }

// Empty reports whether no errors were ever added.
func (a *Aggregator) Empty() bool { return a.combined == nil }
