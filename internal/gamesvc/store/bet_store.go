package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avvvet/crash-services/internal/gamesvc/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type BetStore struct {
	db *pgxpool.Pool
}

func NewBetStore(db *pgxpool.Pool) *BetStore {
	return &BetStore{db: db}
}

const betColumns = `id, round_id, address, amount, cashed_out, cashout_multiplier, payout, tx_hash, placed_at`

func scanBet(row pgx.Row) (*models.Bet, error) {
	b := &models.Bet{}
	err := row.Scan(
		&b.ID,
		&b.RoundID,
		&b.Address,
		&b.Amount,
		&b.CashedOut,
		&b.CashoutMultiplier,
		&b.Payout,
		&b.TxHash,
		&b.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// InsertBet places a bet and bumps the round's total_bets in one statement.
// It fails with:
// - ErrPhaseChanged if the round is not BETTING (or does not exist).
// - ErrDuplicateBet if the address already bet in this round (unique_round_address).
func (s *BetStore) InsertBet(ctx context.Context, roundID int64, address string, amount decimal.Decimal, at time.Time) (*models.Bet, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("invalid bet amount: %s", amount)
	}

	// CTE locks the round row and enforces phase='BETTING'
	const query = `
WITH locked_round AS (
  SELECT round_id
  FROM rounds
  WHERE round_id = $1
    AND phase = 'BETTING'
  FOR UPDATE
), inserted AS (
  INSERT INTO player_bets (round_id, address, amount, placed_at)
  SELECT lr.round_id, $2, $3, $4
  FROM locked_round lr
  RETURNING ` + betColumns + `
), bumped AS (
  UPDATE rounds
  SET total_bets = total_bets + $3, updated_at = now()
  WHERE round_id IN (SELECT round_id FROM inserted)
)
SELECT ` + betColumns + ` FROM inserted;
`
	b, err := scanBet(s.db.QueryRow(ctx, query, roundID, address, amount, at))
	if err != nil {
		// zero rows means the round isn't betting (or doesn't exist)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("cannot bet on round %d: %w", roundID, ErrPhaseChanged)
		}
		return nil, translate("insert bet", err)
	}
	return b, nil
}

// CashOut settles a winning bet at the given multiplier and bumps the round's
// total_payouts. The round row is locked in FLYING for the duration, so a
// cashout can never land after the crash has been recorded.
func (s *BetStore) CashOut(ctx context.Context, betID, roundID int64, multiplier, payout decimal.Decimal) (*models.Bet, error) {
	const query = `
WITH locked_round AS (
  SELECT round_id
  FROM rounds
  WHERE round_id = $2
    AND phase = 'FLYING'
  FOR UPDATE
), updated AS (
  UPDATE player_bets b
  SET cashed_out = true, cashout_multiplier = $3, payout = $4
  FROM locked_round lr
  WHERE b.id = $1
    AND b.round_id = lr.round_id
    AND b.cashed_out = false
  RETURNING b.id, b.round_id, b.address, b.amount, b.cashed_out, b.cashout_multiplier, b.payout, b.tx_hash, b.placed_at
), bumped AS (
  UPDATE rounds
  SET total_payouts = total_payouts + $4, updated_at = now()
  WHERE round_id IN (SELECT round_id FROM updated)
)
SELECT ` + betColumns + ` FROM updated;
`
	b, err := scanBet(s.db.QueryRow(ctx, query, betID, roundID, multiplier, payout))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, translate("cash out bet", err)
	}

	// nothing updated, find out why
	existing, getErr := s.GetBet(ctx, betID)
	if getErr != nil {
		return nil, getErr
	}
	if existing.CashedOut {
		return nil, ErrAlreadyCashedOut
	}
	return nil, fmt.Errorf("cannot cash out bet %d: %w", betID, ErrPhaseChanged)
}

func (s *BetStore) GetBet(ctx context.Context, betID int64) (*models.Bet, error) {
	b, err := scanBet(s.db.QueryRow(ctx, `SELECT `+betColumns+` FROM player_bets WHERE id = $1`, betID))
	if err != nil {
		return nil, translate("get bet", err)
	}
	return b, nil
}

// BetsForRound returns a round's bets in insertion order, which is also the
// Merkle leaf order.
func (s *BetStore) BetsForRound(ctx context.Context, roundID int64) ([]*models.Bet, error) {
	rows, err := s.db.Query(ctx, `SELECT `+betColumns+` FROM player_bets WHERE round_id = $1 ORDER BY id`, roundID)
	if err != nil {
		return nil, translate("list bets", err)
	}
	defer rows.Close()

	var bets []*models.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, translate("scan bet", err)
		}
		bets = append(bets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("list bets", err)
	}
	return bets, nil
}

func (s *BetStore) SetTxHash(ctx context.Context, betID int64, txHash string) error {
	_, err := s.db.Exec(ctx, `UPDATE player_bets SET tx_hash = $2 WHERE id = $1`, betID, txHash)
	return translate("set bet tx hash", err)
}
