package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies terminal failures of a paper generation.
type ErrorKind string

const (
	KindInsufficientCandidates ErrorKind = "insufficient_candidates"
	KindSelectionUnsatisfiable ErrorKind = "selection_unsatisfiable"
	KindGenerationSchema       ErrorKind = "generation_schema"
	KindGenerationUnreachable  ErrorKind = "generation_unreachable"
	KindInvariantViolation     ErrorKind = "invariant_violation"
	KindInvalidRequest         ErrorKind = "invalid_request"
	KindCanceled               ErrorKind = "canceled"
	KindInternal               ErrorKind = "internal"
)

type kinded interface {
	Kind() ErrorKind
}

// KindOf resolves the kind of any (possibly wrapped) error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindInternal
}

// Shortfall describes one marks value the pool cannot cover.
type Shortfall struct {
	SectionID string `json:"section_id"`
	Marks     int    `json:"marks"`
	Needed    int    `json:"needed"`
	Available int    `json:"available"`
}

// InsufficientCandidatesError means the candidate pool is too small for the blueprint.
type InsufficientCandidatesError struct {
	Shortfalls []Shortfall
}

func (e *InsufficientCandidatesError) Kind() ErrorKind { return KindInsufficientCandidates }

func (e *InsufficientCandidatesError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("section %s needs %d questions of %d marks, pool has %d",
			s.SectionID, s.Needed, s.Marks, s.Available))
	}
	return "insufficient candidates: " + strings.Join(parts, "; ")
}

// SelectionUnsatisfiableError means the bounded backtracking search gave up.
type SelectionUnsatisfiableError struct {
	SectionID  string
	SlotIndex  int
	Backtracks int
	Reason     string
}

func (e *SelectionUnsatisfiableError) Kind() ErrorKind { return KindSelectionUnsatisfiable }

func (e *SelectionUnsatisfiableError) Error() string {
	return fmt.Sprintf("selection unsatisfiable at section %s slot %d after %d backtracks: %s",
		e.SectionID, e.SlotIndex+1, e.Backtracks, e.Reason)
}

// GenerationSchemaError means every attempt produced output that failed parsing or validation.
type GenerationSchemaError struct {
	Attempts    int
	Diagnostics []string
	LastRaw     string
}

func (e *GenerationSchemaError) Kind() ErrorKind { return KindGenerationSchema }

func (e *GenerationSchemaError) Error() string {
	return fmt.Sprintf("generated paper failed schema validation after %d attempts: %s",
		e.Attempts, strings.Join(e.Diagnostics, "; "))
}

// GenerationUnreachableError means the provider could not be reached within the retry budget.
type GenerationUnreachableError struct {
	Attempts int
	Err      error
}

func (e *GenerationUnreachableError) Kind() ErrorKind { return KindGenerationUnreachable }

func (e *GenerationUnreachableError) Error() string {
	return fmt.Sprintf("generation provider unreachable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *GenerationUnreachableError) Unwrap() error { return e.Err }

// InvariantViolation signals a defect: a check that correct code never fails.
type InvariantViolation struct {
	Component string
	Detail    string
	Context   map[string]any
}

func (e *InvariantViolation) Kind() ErrorKind { return KindInvariantViolation }

func (e *InvariantViolation) Error() string {
	if len(e.Context) == 0 {
		return fmt.Sprintf("invariant violation in %s: %s", e.Component, e.Detail)
	}
	return fmt.Sprintf("invariant violation in %s: %s %v", e.Component, e.Detail, e.Context)
}

// InvalidRequestError means the request cannot be served as given.
type InvalidRequestError struct {
	Detail string
}

func (e *InvalidRequestError) Kind() ErrorKind { return KindInvalidRequest }

func (e *InvalidRequestError) Error() string {
	return "invalid request: " + e.Detail
}
