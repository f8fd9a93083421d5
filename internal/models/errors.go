package models

import "github.com/pkg/errors"

// Error taxonomy shared by every fallible operation. Callers classify with
// errors.Cause rather than type assertions.
var (
	ErrParameterInvalid    = errors.New("parameter invalid")
	ErrCreditInsufficient  = errors.New("credit is insufficient")
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderAlreadyClosed  = errors.New("order is already closed")
	ErrNoCounterOrder      = errors.New("no order for trade")
	ErrUserNotFound        = errors.New("user not found")
	ErrBankAccountNotFound = errors.New("bank account not found")
	ErrBankAccountConflict = errors.New("bank account is already registered")
	ErrBankUnavailable     = errors.New("bank unavailable")
)
