package ledger

// Error is a caller-visible rejection. Code is stable and safe to expose to
// clients; the same *Error value is returned for the same reason, so
// errors.Is works against the exported sentinels.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return "ledger: " + e.Message
}

func newError(code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

var (
	// Policy violations.
	ErrMaxWager      = newError("MaxWager", "wager amount exceeds the allowed maximum limit")
	ErrMinWager      = newError("MinWager", "wager amount is below the allowed minimum limit")
	ErrMaxExpiration = newError("MaxExpiration", "expiration time exceeds the maximum allowed limit")
	ErrMinExpiration = newError("MinExpiration", "expiration time is below the minimum allowed limit")

	ErrInvalidWagerLimits      = newError("InvalidWagerLimits", "wager limits require 0 < min_wager < max_wager")
	ErrInvalidExpirationLimits = newError("InvalidExpirationLimits", "expiration limits require 0 < min_expiration < max_expiration")
	ErrInvalidMultiplier       = newError("InvalidMultiplier", "multiplier must be positive")

	// Capacity violation.
	ErrInsufficientLiquidity = newError("InsufficientLiquidity", "insufficient available liquidity to proceed")

	// State violations.
	ErrBetNotExpired = newError("BetNotExpired", "bet cannot be settled because it is still active")
	ErrBetSettled    = newError("BetSettled", "bet cannot be settled again because it has already been resolved")
	ErrBetPending    = newError("BetPending", "bet cannot be closed because its outcome is still pending")

	// Economic violation.
	ErrNoProfit = newError("NoProfit", "no claimable profit available for the house")

	// Arithmetic violation.
	ErrOverflow = newError("Overflow", "arithmetic overflow")

	ErrInvalidAmount = newError("InvalidAmount", "amount must be positive")
	ErrUnauthorized  = newError("Unauthorized", "caller is not allowed to perform this operation")
)
