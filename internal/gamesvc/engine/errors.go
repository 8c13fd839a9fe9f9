package engine

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindValidation Kind = iota + 1
	KindPhaseConflict
	KindNotFound
	KindConcurrencyConflict
	KindExternalService
	KindFatalInitialization
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindPhaseConflict:
		return "phase_conflict"
	case KindNotFound:
		return "not_found"
	case KindConcurrencyConflict:
		return "concurrency_conflict"
	case KindExternalService:
		return "external_service_error"
	case KindFatalInitialization:
		return "fatal_initialization"
	default:
		return "internal_error"
	}
}

// rejection reasons sent back to players
const (
	ReasonInvalidAmount     = "invalid_amount"
	ReasonInvalidAddress    = "invalid_address"
	ReasonInvalidMultiplier = "invalid_multiplier"
	ReasonDuplicateBet      = "duplicate_bet"
	ReasonNoRound           = "no_round"
	ReasonNotBetting        = "round_not_betting"
	ReasonNotFlying         = "round_not_flying"
	ReasonRoundInProgress   = "round_in_progress"
	ReasonAlreadyCashedOut  = "already_cashed_out"
	ReasonBetNotFound       = "bet_not_found"
	ReasonCreateExhausted   = "round_creation_exhausted"
	ReasonSeed              = "seed_generation"
	ReasonRecovery          = "recovery"
)

// Error carries a taxonomy kind and a machine readable reason.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func newError(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels below, so errors.Is(err, ErrPhaseConflict)
// holds for every phase conflict whatever its reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Reason != "" && t.Reason != e.Reason {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrPhaseConflict       = &Error{Kind: KindPhaseConflict}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrConcurrencyConflict = &Error{Kind: KindConcurrencyConflict}
	ErrExternalService     = &Error{Kind: KindExternalService}
	ErrFatalInitialization = &Error{Kind: KindFatalInitialization}

	ErrStopped = errors.New("engine stopped")
)

// KindOf returns the taxonomy kind of err, or 0 for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// ReasonOf returns the rejection reason of err, if it has one.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
