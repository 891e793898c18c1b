package history

import (
	"errors"
	"fmt"

	"github.com/vjranagit/histmanager/pkg/types"
)

var (
	// ErrInvalidRequest marks requests rejected before any store call
	ErrInvalidRequest = errors.New("invalid request")
	// ErrStoreUnavailable marks a store call that failed or timed out
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNoData is returned by point queries that matched no rows
	ErrNoData = errors.New("no data")
)

// InvalidRequestError describes why a request was rejected
type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid request: %s", e.Reason)
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

func (e *InvalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func invalid(field, format string, args ...any) error {
	return &InvalidRequestError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// StoreError records a failed call to one tier for one item
type StoreError struct {
	ItemID uint64
	Tier   types.Source
	Err    error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("item %d: %s tier unavailable: %v", e.ItemID, e.Tier, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is makes every StoreError match ErrStoreUnavailable
func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// IsInvalidRequest reports whether err rejects the request itself
func IsInvalidRequest(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}

// IsNoData reports whether err means the store had no matching rows
func IsNoData(err error) bool {
	return errors.Is(err, ErrNoData)
}

// IsStoreUnavailable reports whether err came from a failed store call
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
