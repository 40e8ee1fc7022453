package scrape

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound indicates the requested session does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidTransition indicates a status change out of a terminal state.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrAlreadyExists indicates a session id collision on create.
	ErrAlreadyExists = errors.New("session already exists")
	// ErrUnauthorized indicates the caller presented no valid principal.
	ErrUnauthorized = errors.New("unauthorized")
)

// ValidationError lists rejected input fields.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// BrowserLaunchError reports that no browser could be started for a unit.
type BrowserLaunchError struct {
	Town     string
	Industry string
	Err      error
}

func (e *BrowserLaunchError) Error() string {
	return fmt.Sprintf("launch browser for %s in %s: %v", e.Industry, e.Town, e.Err)
}

func (e *BrowserLaunchError) Unwrap() error { return e.Err }

// NavigationTimeoutError reports that the map search never became ready.
type NavigationTimeoutError struct {
	Town     string
	Industry string
	Err      error
}

func (e *NavigationTimeoutError) Error() string {
	return fmt.Sprintf("navigate %s in %s: %v", e.Industry, e.Town, e.Err)
}

func (e *NavigationTimeoutError) Unwrap() error { return e.Err }

// ProviderLookupError reports a batch or phone whose lookups were exhausted.
type ProviderLookupError struct {
	Batch  int
	Phones []string
	Err    error
}

func (e *ProviderLookupError) Error() string {
	return fmt.Sprintf("lookup batch %d (%d phones): %v", e.Batch, len(e.Phones), e.Err)
}

func (e *ProviderLookupError) Unwrap() error { return e.Err }

// PersistenceError wraps a store failure that aborts a step.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
