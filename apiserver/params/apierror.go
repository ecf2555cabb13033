// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package params

import (
	"github.com/juju/errors"
)

// Error is the wire form of an error. It satisfies the error interface
// so the client can return it directly.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Error is part of the error interface.
func (e Error) Error() string {
	return e.Message
}

// ErrorCode exposes the machine-readable code.
func (e Error) ErrorCode() string {
	return e.Code
}

// The machine-readable error codes carried by Error.
const (
	CodeNotFound           = "not-found"
	CodeInvalidArgument    = "invalid-argument"
	CodeConflict           = "conflict"
	CodePreconditionFailed = "precondition-failed"
	CodeMethodNotAllowed   = "method-not-allowed"
	CodeStoreUnavailable   = "store-unavailable"
	CodeInternal           = "internal"
)

// ErrCode returns the error code associated with the given error, or
// the empty string if there is none. It unwraps juju/errors
// annotations on the way.
func ErrCode(err error) string {
	type errorCoder interface {
		ErrorCode() string
	}
	if coder, ok := errors.Cause(err).(errorCoder); ok {
		return coder.ErrorCode()
	}
	return ""
}

// IsCodeNotFound reports whether err carries CodeNotFound.
func IsCodeNotFound(err error) bool {
	return ErrCode(err) == CodeNotFound
}

// IsCodeInvalidArgument reports whether err carries CodeInvalidArgument.
func IsCodeInvalidArgument(err error) bool {
	return ErrCode(err) == CodeInvalidArgument
}

// IsCodeConflict reports whether err carries CodeConflict.
func IsCodeConflict(err error) bool {
	return ErrCode(err) == CodeConflict
}

// IsCodePreconditionFailed reports whether err carries
// CodePreconditionFailed.
func IsCodePreconditionFailed(err error) bool {
	return ErrCode(err) == CodePreconditionFailed
}

// IsCodeStoreUnavailable reports whether err carries
// CodeStoreUnavailable.
func IsCodeStoreUnavailable(err error) bool {
	return ErrCode(err) == CodeStoreUnavailable
}

// TranslateWellKnownError reconstructs a classified juju/errors error
// from a coded wire error where a well-known kind exists, so client
// callers can use errors.IsNotFound and friends instead of matching
// codes. Errors without a well-known kind come back unchanged.
func TranslateWellKnownError(err error) error {
	switch ErrCode(err) {
	case CodeNotFound:
		return errors.NewNotFound(nil, err.Error())
	case CodeInvalidArgument:
		return errors.NewNotValid(nil, err.Error())
	case CodeMethodNotAllowed:
		return errors.NewMethodNotAllowed(nil, err.Error())
	}
	return err
}
