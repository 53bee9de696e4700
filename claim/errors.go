package claim

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrRequestUnavailable is terminal: the request is closed or gone.
	ErrRequestUnavailable = errors.New("claim: request unavailable")
	// ErrAlreadyClaimed is terminal for exclusive requests held by another agent.
	ErrAlreadyClaimed = errors.New("claim: request already claimed")
	// ErrDuplicateClaim is terminal: the agent already holds an active claim
	// on this request.
	ErrDuplicateClaim = errors.New("claim: duplicate active claim")
	// ErrConcurrency is transient: the claim transaction lost a conflict race
	// and exhausted its retries. The caller may try again after a delay.
	ErrConcurrency = errors.New("claim: concurrent conflict, try again")
	// ErrTooManyActiveClaims is terminal: the agent is at their active-claim cap.
	ErrTooManyActiveClaims = errors.New("claim: active claim limit reached")
	// ErrRequestCoolingDown is terminal: the request drew too many claims
	// within the cooldown window.
	ErrRequestCoolingDown = errors.New("claim: request cooling down")
	// ErrSharedCapReached is terminal: a shared request is at its configured
	// concurrent-claim cap.
	ErrSharedCapReached = errors.New("claim: shared claim cap reached")

	ErrClaimNotFound = errors.New("claim: not found")
	// ErrNotOwner is returned when a release or completion names a claim the
	// agent does not hold.
	ErrNotOwner = errors.New("claim: not claim owner")
	// ErrClaimNotActive is returned when a release or completion targets a
	// claim already in a terminal status.
	ErrClaimNotActive = errors.New("claim: not active")
)

// Terminal reports whether the error is a business outcome callers should
// not retry.
func Terminal(err error) bool {
	switch {
	case errors.Is(err, ErrRequestUnavailable),
		errors.Is(err, ErrAlreadyClaimed),
		errors.Is(err, ErrDuplicateClaim),
		errors.Is(err, ErrTooManyActiveClaims),
		errors.Is(err, ErrRequestCoolingDown),
		errors.Is(err, ErrSharedCapReached):
		return true
	}
	return false
}

// retryable reports whether the database rejected the transaction for a
// transient reason: serialization failure, deadlock, or lock wait timeout.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return true
	}
	return false
}
