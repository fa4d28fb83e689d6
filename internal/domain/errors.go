// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the entity is in a state that forbids the operation.
var ErrConflict = errors.New("conflict")

// ErrValidation indicates malformed input.
var ErrValidation = errors.New("validation failed")

// ErrInterruptPending is returned when an interrupt is published while another
// one is still waiting for a response.
var ErrInterruptPending = errors.New("an interrupt is already pending")
