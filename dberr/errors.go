// Package dberr defines the structured error domain shared by every layer
// of the engine: storage, transactions, enumeration, and the query planner.
package dberr

import (
	"errors"
	"fmt"
)

// Code identifies the category of a structured error. The set is fixed by
// the public contract; callers are expected to switch on Code rather than
// match on message text.
type Code string

const (
	NotFound             Code = "NotFound"
	Busy                 Code = "Busy"
	NotInTransaction     Code = "NotInTransaction"
	TransactionNotClosed Code = "TransactionNotClosed"
	Unsupported          Code = "Unsupported"
	InvalidQuery         Code = "InvalidQuery"
	NoSuchIndex          Code = "NoSuchIndex"
	CorruptData          Code = "CorruptData"
	NotWriteable         Code = "NotWriteable"
	CryptoError          Code = "CryptoError"
	Storage              Code = "Storage"
)

// Error is the structured {domain, code, message} error every public
// operation in the engine returns. The zero value is not a valid error.
type Error struct {
	Domain  string
	Code    Code
	Message string
	cause   error
}

// New builds a structured error in the "corelite" domain.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Domain: "corelite", Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a structured error that carries an underlying cause, visible
// through errors.Unwrap / errors.Is / errors.As.
func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Domain: "corelite", Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s/%s: %s: %s", e.Domain, e.Code, e.Message, e.cause.Error())
	}

	return fmt.Sprintf("%s/%s: %s", e.Domain, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is lets errors.Is(err, dberr.Sentinel(dberr.NotFound)) work by comparing
// codes: any *Error target with the same Code matches, whatever its message.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}

	return false
}

// Sentinel returns a code-only *Error suitable for use with errors.Is.
func Sentinel(code Code) *Error {
	return &Error{Domain: "corelite", Code: code}
}

// CodeOf extracts the Code from err if it is (or wraps) a *Error, returning
// ok=false if no structured code is present anywhere in the chain.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}

	return "", false
}

var (
	// ErrClosed indicates that the root store was closed.
	ErrClosed = errors.New("root store was closed")
	// ErrNoSuchStore indicates that the store doesn't exist.
	ErrNoSuchStore = errors.New("store does not exist")
	// ErrNoSuchPartition indicates that the partition doesn't exist.
	ErrNoSuchPartition = errors.New("partition does not exist")
)

// FromStorage maps the low-level storage sentinels used by storage/kv into
// the public structured error domain. Any other error is wrapped as Storage.
func FromStorage(wrap string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrClosed):
		return Wrap(NotWriteable, err, "%s", wrap)
	case errors.Is(err, ErrNoSuchStore), errors.Is(err, ErrNoSuchPartition):
		return Wrap(NotFound, err, "%s", wrap)
	default:
		var e *Error
		if errors.As(err, &e) {
			return err
		}

		return Wrap(Storage, err, "%s", wrap)
	}
}
