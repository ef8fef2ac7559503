package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when the requested status change is not
	// legal from the entity's current status, including lost compare-and-swap races.
	ErrInvalidTransition = errors.New("ledger: invalid state transition")
	ErrNotFound          = errors.New("ledger: not found")
	ErrUnauthorized      = errors.New("ledger: unauthorized")
	// ErrDuplicateDispute signals an OPEN or IN_REVIEW dispute already exists for the purchase.
	ErrDuplicateDispute   = errors.New("ledger: dispute already active for purchase")
	ErrListingUnavailable = errors.New("ledger: listing unavailable")
	ErrValidation         = errors.New("ledger: validation failed")
	// ErrStorage wraps infrastructure failures from the backing store.
	ErrStorage = errors.New("ledger: storage failure")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("ledger: invalid %s transition %s -> %s (id=%s)", e.Entity, e.From, e.To, e.ID)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Invalid builds an ErrValidation with a message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFound builds an ErrNotFound naming the missing entity.
func NotFound(entity, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, entity, id)
}

// Storage wraps a driver error as ErrStorage unless it already carries a
// domain error.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsDomain(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// IsDomain reports whether err is a business-rule error rather than an
// infrastructure failure.
func IsDomain(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrDuplicateDispute),
		errors.Is(err, ErrListingUnavailable),
		errors.Is(err, ErrValidation):
		return true
	}
	return false
}
