package ledger

import "errors"

// Check-then-act failures. None of these leave any state mutated.
var (
	ErrInsufficientFunds  = errors.New("ledger: insufficient funds")
	ErrInsufficientMargin = errors.New("ledger: insufficient available margin")
	ErrInvalidInput       = errors.New("ledger: invalid input")
	ErrPositionNotFound   = errors.New("ledger: position not found")
	ErrPositionNotOpen    = errors.New("ledger: position is not open")
	ErrAccountNotFound    = errors.New("ledger: account not found")
)

// ErrSettlement wraps partial failures during exercise/expiration. The
// contract stays in its last-good state and the next sweep retries it.
var ErrSettlement = errors.New("ledger: settlement failed")
