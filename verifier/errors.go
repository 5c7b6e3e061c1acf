package verifier

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyEmail          = errors.New("email address is required")
	ErrInvalidMode         = errors.New("invalid validation mode")
	ErrUserNotFound        = errors.New("user not found")
	ErrInsufficientCredits = errors.New("insufficient verification credits")
	ErrPersistence         = errors.New("persistence failure")
)

// CreditErrorKind tells why a debit was refused.
type CreditErrorKind int

const (
	CreditNotFound CreditErrorKind = iota + 1
	CreditInsufficient
)

// CreditError is returned by ledgers when a debit precondition is not met.
// It matches ErrUserNotFound or ErrInsufficientCredits with errors.Is.
type CreditError struct {
	Kind      CreditErrorKind
	UserID    uint
	Balance   int
	Requested int
}

func (e *CreditError) Error() string {
	if e.Kind == CreditNotFound {
		return fmt.Sprintf("user %d: %s", e.UserID, ErrUserNotFound)
	}
	return fmt.Sprintf("user %d: %s (balance %d, requested %d)", e.UserID, ErrInsufficientCredits, e.Balance, e.Requested)
}

func (e *CreditError) Is(target error) bool {
	switch target {
	case ErrUserNotFound:
		return e.Kind == CreditNotFound
	case ErrInsufficientCredits:
		return e.Kind == CreditInsufficient
	}
	return false
}

// PersistError wraps a ledger or result store failure. When Op is "upsert"
// the report that accompanies it is complete but was not saved.
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrPersistence, e.Op, e.Err)
}

func (e *PersistError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// IsCreditError reports whether err is a debit precondition failure.
func IsCreditError(err error) bool {
	var ce *CreditError
	return errors.As(err, &ce)
}
