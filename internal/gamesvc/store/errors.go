package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("transaction conflict")
	ErrRoundLive        = errors.New("latest round is not crashed")
	ErrPhaseChanged     = errors.New("round phase changed")
	ErrDuplicateBet     = errors.New("address already has a bet in this round")
	ErrAlreadyCashedOut = errors.New("bet already cashed out")
)

// constraint names from db/migrations
const (
	constraintRoundsPK     = "rounds_pkey"
	constraintOneLiveRound = "one_live_round"
	constraintRoundAddress = "unique_round_address"
)

// translate maps postgres failures onto the store sentinels so callers can
// decide what is retryable without looking at SQLSTATE codes.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization failure, deadlock
			return fmt.Errorf("%s: %w: %s", op, ErrConflict, pgErr.Message)
		case "23505":
			switch pgErr.ConstraintName {
			case constraintOneLiveRound:
				return fmt.Errorf("%s: %w", op, ErrRoundLive)
			case constraintRoundAddress:
				return fmt.Errorf("%s: %w", op, ErrDuplicateBet)
			default:
				return fmt.Errorf("%s: %w: %s", op, ErrConflict, pgErr.ConstraintName)
			}
		case "23503":
			return fmt.Errorf("%s: %w: %s", op, ErrNotFound, pgErr.Message)
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
