// Package tunnelerr defines the error taxonomy shared by the transfer engine.
//
// Data-quality errors (FieldFormatError, SchemaMismatchError) are routed
// through the bad-record policy and never retried. TransientIOError is the
// only kind the block worker retries.
package tunnelerr

import (
	"errors"
	"fmt"
)

// PreviewLen bounds the raw value carried by FieldFormatError.
const PreviewLen = 20

// NotFoundError reports a missing local path, session, table or partition.
type NotFoundError struct {
	Kind string // "path", "session", "table", "partition"
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Name)
}

// SchemaMismatchError reports a column count that differs from the table schema
// while strict schema checking is on.
type SchemaMismatchError struct {
	Expected int
	Actual   int
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("column mismatch, expected %d columns, %d columns found", e.Expected, e.Actual)
}

// FieldFormatError reports a single column that could not be converted.
type FieldFormatError struct {
	Column  int    // 1-based
	Type    string // declared column type, e.g. "BOOLEAN"
	Preview string // at most PreviewLen characters of the raw value
	Err     error
}

// NewFieldFormatError builds a FieldFormatError, truncating the raw value.
func NewFieldFormatError(column int, typ string, raw []byte, err error) *FieldFormatError {
	return &FieldFormatError{Column: column, Type: typ, Preview: Preview(raw), Err: err}
}

func (e *FieldFormatError) Error() string {
	msg := fmt.Sprintf("format error - column %d, type %s, value %q", e.Column, e.Type, e.Preview)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FieldFormatError) Unwrap() error { return e.Err }

// TransientIOError wraps a failure of the remote channel that may succeed on retry.
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// BadRecordLimitExceededError is returned once a session has seen more bad
// records than allowed.
type BadRecordLimitExceededError struct {
	Limit   int64
	Count   int64
	Samples []string
}

func (e *BadRecordLimitExceededError) Error() string {
	return fmt.Sprintf("bad records exceed %d (%d seen)", e.Limit, e.Count)
}

// SessionLockedError reports a session held by another process.
type SessionLockedError struct {
	SessionID string
}

func (e *SessionLockedError) Error() string {
	return fmt.Sprintf("session %s is in use by another process", e.SessionID)
}

// IsDataQuality reports whether err is a record-level conversion failure.
func IsDataQuality(err error) bool {
	var ffe *FieldFormatError
	var sme *SchemaMismatchError
	return errors.As(err, &ffe) || errors.As(err, &sme)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientIOError
	return errors.As(err, &te)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// Preview returns at most PreviewLen characters of raw.
func Preview(raw []byte) string {
	r := []rune(string(raw))
	if len(r) <= PreviewLen {
		return string(r)
	}
	return string(r[:PreviewLen])
}
