// Package apierror defines the authorization failure taxonomy shared by the
// token validator, the key validator and the response translator.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an authorization failure.
type Kind int

// Failure kinds.
const (
	GeneralError Kind = iota
	InvalidCredentials
	MissingCredentials
	APIBlocked
	ResourceForbidden
	SubscriptionInactive
	InvalidScope
	EnvironmentMismatch
	RemoteLookupFailure
	ThrottledOut
)

type kindInfo struct {
	name    string
	code    int
	status  int
	message string
}

var kinds = map[Kind]kindInfo{
	GeneralError: {
		"GeneralError", 900900, http.StatusUnauthorized, "Unclassified Authentication Failure",
	},
	InvalidCredentials: {
		"InvalidCredentials", 900901, http.StatusUnauthorized, "Invalid Credentials",
	},
	MissingCredentials: {
		"MissingCredentials", 900902, http.StatusUnauthorized, "Missing Credentials",
	},
	APIBlocked: {
		"APIBlocked", 900907, http.StatusForbidden, "The requested API is temporarily blocked",
	},
	ResourceForbidden: {
		"ResourceForbidden", 900908, http.StatusForbidden, "Resource forbidden",
	},
	SubscriptionInactive: {
		"SubscriptionInactive", 900909, http.StatusForbidden, "The subscription to the API is inactive",
	},
	InvalidScope: {
		"InvalidScope", 900910, http.StatusForbidden,
		"The access token does not allow you to access the requested resource",
	},
	EnvironmentMismatch: {
		"EnvironmentMismatch", 900911, http.StatusForbidden, "Environment mismatch",
	},
	RemoteLookupFailure: {
		"RemoteLookupFailure", 900912, http.StatusServiceUnavailable, "Remote lookup failure",
	},
	ThrottledOut: {
		"ThrottledOut", 900800, http.StatusConflict, "Message throttled out",
	},
}

func (k Kind) info() kindInfo {
	if i, ok := kinds[k]; ok {
		return i
	}
	return kinds[GeneralError]
}

// String returns the kind name.
func (k Kind) String() string { return k.info().name }

// Code returns the stable machine-readable error code.
func (k Kind) Code() int { return k.info().code }

// HTTPStatus returns the HTTP status used in deny responses.
func (k Kind) HTTPStatus() int { return k.info().status }

// Message returns the human-readable message.
func (k Kind) Message() string { return k.info().message }

// Error is an authorization failure carrying its Kind.
type Error struct {
	Kind        Kind
	Description string
	Cause       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.Message()
	if e.Description != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Description)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New creates an Error with a description.
func New(kind Kind, description string) *Error {
	return &Error{Kind: kind, Description: description}
}

// Wrap creates an Error with a description and cause.
func Wrap(kind Kind, description string, cause error) *Error {
	return &Error{Kind: kind, Description: description, Cause: cause}
}

// KindOf returns the Kind of err, or GeneralError when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return GeneralError
}

// DescriptionOf returns the description of err if it is an *Error.
func DescriptionOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Description
	}
	return ""
}
