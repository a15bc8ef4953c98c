// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backend

import (
	"fmt"

	"github.com/juju/errors"
)

// MongoDB wire error codes surfaced to clients.
const (
	CodeInternalError     = 1
	CodeBadValue          = 2
	CodeUnauthorized      = 13
	CodeNamespaceNotFound = 26
	CodeCursorNotFound    = 43
	CodeCommandNotFound   = 59
	CodeDuplicateKey      = 11000
)

// CodeName returns the symbolic name MongoDB clients expect alongside
// a numeric error code. Unknown codes map to the empty string.
func CodeName(code int) string {
	switch code {
	case CodeInternalError:
		return "InternalError"
	case CodeBadValue:
		return "BadValue"
	case CodeUnauthorized:
		return "Unauthorized"
	case CodeNamespaceNotFound:
		return "NamespaceNotFound"
	case CodeCursorNotFound:
		return "CursorNotFound"
	case CodeCommandNotFound:
		return "CommandNotFound"
	case CodeDuplicateKey:
		return "DuplicateKey"
	}
	return ""
}

// WireError is an error that already carries a MongoDB-compatible
// code, typically because a remote engine produced it. The code
// survives propagation untouched.
type WireError struct {
	Message string
	Code    int
	Name    string
}

// Error is part of the error interface.
func (e *WireError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Name)
	}
	return e.Message
}

// NewCursorNotFound returns the error surfaced when a client
// references a cursor that was never minted or has been evicted.
func NewCursorNotFound(id int64) error {
	return &WireError{
		Message: fmt.Sprintf("cursor id %d not found", id),
		Code:    CodeCursorNotFound,
		Name:    CodeName(CodeCursorNotFound),
	}
}

// WireCode translates an error into the MongoDB code sent over the
// wire. Errors that already carry a code keep it; juju error kinds map
// to their closest MongoDB equivalent; anything else is internal.
func WireCode(err error) int {
	if err == nil {
		return 0
	}
	var wireErr *WireError
	if errors.As(err, &wireErr) {
		return wireErr.Code
	}
	cause := errors.Cause(err)
	switch {
	case errors.Is(cause, errors.NotValid), errors.Is(cause, errors.BadRequest):
		return CodeBadValue
	case errors.Is(cause, errors.AlreadyExists):
		return CodeDuplicateKey
	case errors.Is(cause, errors.NotFound):
		return CodeNamespaceNotFound
	case errors.Is(cause, errors.Unauthorized), errors.Is(cause, errors.Forbidden):
		return CodeUnauthorized
	case errors.Is(cause, errors.NotImplemented), errors.Is(cause, errors.NotSupported):
		return CodeCommandNotFound
	}
	return CodeInternalError
}
