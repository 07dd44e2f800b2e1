package domain

import (
	"errors"
	"fmt"
)

var (
	ErrRecordNotFound       = errors.New("record not found")
	ErrJobNotFound          = errors.New("sync job not found")
	ErrJobNotAwaitingReview = errors.New("sync job is not awaiting review")
	ErrJobNotResubmittable  = errors.New("sync job cannot be resubmitted")
	ErrJobTerminal          = errors.New("sync job already reached a terminal state")
	ErrBaselineNotFound     = errors.New("baseline not found")
	ErrLedgerIntegrity      = errors.New("audit ledger integrity failure")
	ErrLeaseHeld            = errors.New("record lease is held by another worker")
	ErrQueueFull            = errors.New("sync queue is full")
	ErrShuttingDown         = errors.New("sync engine is shutting down")
	ErrInvalidRecordID      = errors.New("invalid record id")
	ErrInvalidTrigger       = errors.New("invalid trigger")
	ErrInvalidDecision      = errors.New("invalid review decision")
)

// Category is the error taxonomy used to route failures.
type Category string

const (
	CategoryTransientExternal Category = "transient_external_failure"
	CategoryPermanentExternal Category = "permanent_external_failure"
	CategoryValidation        Category = "validation_failure"
	CategoryConflict          Category = "conflict_unresolved"
	CategoryLedgerIntegrity   Category = "ledger_integrity_failure"
	CategoryConfiguration     Category = "configuration_error"
)

// CategorizedError is an error tagged with its taxonomy category.
type CategorizedError struct {
	Category Category
	Err      error
}

func (e *CategorizedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

func categorize(c Category, err error) error {
	if err == nil {
		return nil
	}
	return &CategorizedError{Category: c, Err: err}
}

func TransientExternalFailure(err error) error { return categorize(CategoryTransientExternal, err) }
func PermanentExternalFailure(err error) error { return categorize(CategoryPermanentExternal, err) }
func ValidationFailure(err error) error        { return categorize(CategoryValidation, err) }
func ConflictUnresolved(err error) error       { return categorize(CategoryConflict, err) }
func ConfigurationError(err error) error       { return categorize(CategoryConfiguration, err) }

// LedgerIntegrityFailure also matches ErrLedgerIntegrity with errors.Is.
func LedgerIntegrityFailure(err error) error {
	return categorize(CategoryLedgerIntegrity, fmt.Errorf("%w: %v", ErrLedgerIntegrity, err))
}

// CategoryOf returns the category of err, or "" when it carries none.
func CategoryOf(err error) Category {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ""
}

// IsCategory reports whether err carries category c.
func IsCategory(err error, c Category) bool {
	return CategoryOf(err) == c
}
