// Package acdperr defines the error taxonomy shared by every layer of the
// storage engine (spec §7). Errors are plain values composed with fmt.Errorf
// and %w, not a class hierarchy: callers discriminate with errors.As.
package acdperr

import (
	"errors"
	"fmt"
)

// Sentinel lifecycle errors (spec §6.5).
var (
	ErrShutdown = errors.New("acdp: database is shutting down")
	ErrClosed   = errors.New("acdp: database is closed")
	ErrReadOnly = errors.New("acdp: database is read-only")
)

// RefError reports a reference (RT / A[RT]) that cannot be stored: it names a
// row that doesn't exist, a gap, or would overflow a reference counter.
type RefError struct {
	Table string
	Row   int64
	Msg   string
}

func (e *RefError) Error() string {
	return fmt.Sprintf("acdp: illegal reference into %q at row %d: %s", e.Table, e.Row, e.Msg)
}

func IllegalReference(table string, row int64, msg string) error {
	return &RefError{Table: table, Row: row, Msg: msg}
}

// CapacityError reports that a width-bounded quantity (row count, VL
// pointer, reference counter, array size) would exceed its configured width.
type CapacityError struct {
	What  string
	Value int64
	Max   int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("acdp: %s %d exceeds maximum %d", e.What, e.Value, e.Max)
}

func Capacity(what string, value, max int64) error {
	return &CapacityError{What: what, Value: value, Max: max}
}

// IntegrityError is raised only by the Verify pass (spec §7): it documents a
// violation of one of the invariants in spec §3.2 / §8 that the engine
// otherwise guarantees never to create.
type IntegrityError struct {
	Invariant string
	Detail    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("acdp: integrity violation (%s): %s", e.Invariant, e.Detail)
}

func Integrity(invariant, detail string) error {
	return &IntegrityError{Invariant: invariant, Detail: detail}
}

// ConstraintError reports a delete/truncate blocked by an outstanding
// reference count (spec §4.7 Delete, Truncate).
type ConstraintError struct {
	Table string
	Row   int64
	Count int64
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("acdp: delete-constraint: row %d of %q is referenced %d time(s)", e.Row, e.Table, e.Count)
}

func DeleteConstraint(table string, row, count int64) error {
	return &ConstraintError{Table: table, Row: row, Count: count}
}

// CryptoError wraps a failure from the consumed encrypt/decrypt contract.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string { return fmt.Sprintf("acdp: crypto %s: %v", e.Op, e.Err) }
func (e *CryptoError) Unwrap() error { return e.Err }

func Crypto(op string, err error) error {
	return &CryptoError{Op: op, Err: err}
}

// UnitError reports that a journal Unit failed to record a before-image; the
// unit is considered broken and rollback is attempted by the caller.
type UnitError struct {
	Err error
}

func (e *UnitError) Error() string { return fmt.Sprintf("acdp: unit broken: %v", e.Err) }
func (e *UnitError) Unwrap() error { return e.Err }

func Unit(err error) error {
	return &UnitError{Err: err}
}

// ImplementationRestriction is raised when an implementation-specific limit
// (not a spec invariant) is hit, e.g. more gaps than fit in an int.
type ImplementationRestriction struct {
	Msg string
}

func (e *ImplementationRestriction) Error() string { return "acdp: implementation restriction: " + e.Msg }

func Restriction(msg string) error {
	return &ImplementationRestriction{Msg: msg}
}

// MissingEntry reports a required Layout key (spec §6.1) that is absent.
type MissingEntry struct {
	Key string
}

func (e *MissingEntry) Error() string { return fmt.Sprintf("acdp: missing layout entry %q", e.Key) }

func MissingEntryErr(key string) error {
	return &MissingEntry{Key: key}
}
