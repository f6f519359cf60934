// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ferrors defines the error taxonomy shared by every component of
// the comparison and clustering core. Callers outside the core (the REST
// adapter) switch on Kind rather than parsing error strings; everything else
// about an error, including its causal chain, goes through pkg/errors.
package ferrors

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies a core error for caller-visible handling.
type Kind int

const (
	// Internal is the zero value so an un-wrapped error defaults to opaque,
	// per spec: "all other errors become opaque Internal to the caller."
	Internal Kind = iota
	InvalidInput
	NotFound
	QualityTooLow
	PersistenceFailure
	ConfigError
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case NotFound:
		return "not_found"
	case QualityTooLow:
		return "quality_too_low"
	case PersistenceFailure:
		return "persistence_failure"
	case ConfigError:
		return "config_error"
	default:
		return "internal"
	}
}

// Error is a kinded, causally-chained error.
type Error struct {
	Kind    Kind
	message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

// Unwrap lets errors.Is/As and pkg/errors.Cause see through to the cause.
func (e *Error) Unwrap() error { return e.cause }

// Cause implements the github.com/pkg/errors causer interface.
func (e *Error) Cause() error { return e.cause }

// New builds a Kind-tagged error with no cause.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, message: message}
}

// Errorf builds a Kind-tagged error from a format string.
func Errorf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and a message to an existing error, preserving cause.
// PersistenceFailure causes are given a stack trace via pkg/errors, since
// those are the errors an operator actually needs to locate in logs.
func Wrap(kind Kind, cause error, message string) error {
	if cause == nil {
		return nil
	}
	if kind == PersistenceFailure {
		cause = pkgerrors.WithStack(cause)
	}
	return &Error{Kind: kind, message: message, cause: cause}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind Kind, cause error, format string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	return Wrap(kind, cause, fmt.Sprintf(format, args...))
}

// KindOf returns the Kind carried by err, or Internal if err does not carry
// one (including err == nil, which callers should not be asking about).
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is reports whether the first *Error in err's chain carries kind. An *Error
// wrapped as the cause of another *Error is not consulted.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
