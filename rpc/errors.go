// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"errors"
	"fmt"
)

// Error classes carried on the wire. The class survives transport so
// that the calling side can distinguish a missing capability or method
// from an application failure without parsing message text.
const (
	// ClassNotFound marks calls that named an unknown capability,
	// method, or promise.
	ClassNotFound = "not-found"

	// ClassBadRequest marks calls whose parameters could not be
	// decoded or failed validation before reaching the handler.
	ClassBadRequest = "bad-request"

	// ClassApp marks errors returned by the handler itself.
	ClassApp = "app"
)

// NotFoundError reports a lookup that failed: a capability name with
// no export, a method a handler does not implement, or a promise that
// resolved to a plain value.
type NotFoundError struct {
	// What names the kind of thing looked up: "capability",
	// "method", "promise", "client", or "handler".
	What string

	// Name is the identifier that was looked up.
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.What, e.Name)
}

// BadRequestError reports parameters that could not be decoded or
// failed validation before the handler ran.
type BadRequestError struct {
	Reason string
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("bad request: %s", e.Reason)
}

// CallError is the calling side's view of an error frame. The class
// is one of the Class constants; the message is the remote error text.
type CallError struct {
	Class   string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("remote error (%s): %s", e.Class, e.Message)
}

// IsNotFound reports whether err is a not-found error, either the
// local NotFoundError or a remote CallError with the not-found class.
func IsNotFound(err error) bool {
	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		return true
	}
	var call *CallError
	return errors.As(err, &call) && call.Class == ClassNotFound
}

// errorClass maps a dispatch error to its wire class.
func errorClass(err error) string {
	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		return ClassNotFound
	}
	var badRequest *BadRequestError
	if errors.As(err, &badRequest) {
		return ClassBadRequest
	}
	return ClassApp
}
