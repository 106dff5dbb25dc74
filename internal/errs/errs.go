// Prover Coordination is a rollup-style proving coordinator.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package errs defines the structured error kinds the prover worker uses to
// classify the outcome of each round. The registry's HTTP layer maps its
// own sentinel errors to status codes and does not use this package.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way §7 of the coordination design does:
// Transient errors are retried by the caller, ProtocolViolation errors are
// the caller's fault and never crash the server, Internal errors indicate
// a bug or broken invariant, Cancelled is a clean shutdown.
type Kind string

const (
	Transient         Kind = "transient"
	ProtocolViolation Kind = "protocol_violation"
	Internal          Kind = "internal"
	Cancelled         Kind = "cancelled"
)

// Error wraps an underlying error with a Kind so callers across package
// boundaries can classify it without string matching.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind. Returns nil if err is nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Newf is New with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of err if it (or something it wraps) is an
// *Error, and Internal otherwise — an unclassified error is treated as a
// bug until proven otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
