// Package fault classifies failures of the consistency subsystem.
//
// Every error that crosses a protocol boundary (WAL append, participant
// prepare/commit, replication, connection acquisition) is wrapped in an
// *Error carrying a Kind, so callers branch on the kind instead of matching
// error strings:
//
//	if fault.Is(err, fault.KindPrepare) {
//		// a participant vetoed, already-prepared work was rolled back
//	}
package fault

import (
	"errors"
	"fmt"
)

// Kind identifies the class of a failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindDurability means a WAL append did not reach stable storage.
	KindDurability
	// KindPrepare means a participant vetoed the prepare phase.
	KindPrepare
	// KindCommit means a participant failed after the commit decision.
	KindCommit
	// KindSync means asynchronous replication to a secondary failed.
	KindSync
	// KindPoolExhausted means no connection became free within the bound.
	KindPoolExhausted
	// KindPoolClosed means the pool was closed.
	KindPoolClosed
	// KindCapacity means a registration limit was exceeded.
	KindCapacity
	// KindInvalidState means a transaction was asked to make an illegal transition.
	KindInvalidState
)

var kindNames = map[Kind]string{
	KindUnknown:       "unknown",
	KindDurability:    "durability",
	KindPrepare:       "prepare",
	KindCommit:        "commit",
	KindSync:          "sync",
	KindPoolExhausted: "pool_exhausted",
	KindPoolClosed:    "pool_closed",
	KindCapacity:      "capacity",
	KindInvalidState:  "invalid_state",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "wal.append".
	Op string
	// TxID is set when the failure belongs to a transaction.
	TxID string
	Err  error
}

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted message as the cause.
func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithTx returns a copy of e bound to a transaction id.
func (e *Error) WithTx(txID string) *Error {
	c := *e
	c.TxID = txID
	return &c
}

func (e *Error) Error() string {
	msg := e.Op
	if e.TxID != "" {
		msg += " [tx " + e.TxID + "]"
	}
	msg += ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same Kind, so sentinel values such as
// fault.ErrPoolClosed work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// Sentinels for errors.Is comparisons.
var (
	ErrDurability    = &Error{Kind: KindDurability}
	ErrPrepare       = &Error{Kind: KindPrepare}
	ErrCommit        = &Error{Kind: KindCommit}
	ErrSync          = &Error{Kind: KindSync}
	ErrPoolExhausted = &Error{Kind: KindPoolExhausted}
	ErrPoolClosed    = &Error{Kind: KindPoolClosed}
	ErrCapacity      = &Error{Kind: KindCapacity}
	ErrInvalidState  = &Error{Kind: KindInvalidState}
)

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
