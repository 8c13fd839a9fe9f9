package store

import (
	"context"
	"errors"
	"time"

	"github.com/avvvet/crash-services/internal/gamesvc/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type RoundStore struct {
	db *pgxpool.Pool
}

func NewRoundStore(db *pgxpool.Pool) *RoundStore {
	return &RoundStore{db: db}
}

const roundColumns = `round_id, phase, start_time, fly_start_time, crash_multiplier, current_multiplier,
	server_seed, server_seed_hash, total_bets, total_payouts, settled, plane_position, created_at, updated_at`

func scanRound(row pgx.Row) (*models.Round, error) {
	r := &models.Round{}
	var phase string
	err := row.Scan(
		&r.RoundID,
		&phase,
		&r.StartTime,
		&r.FlyStartTime,
		&r.CrashMultiplier,
		&r.CurrentMultiplier,
		&r.ServerSeed,
		&r.ServerSeedHash,
		&r.TotalBets,
		&r.TotalPayouts,
		&r.Settled,
		&r.PlanePosition,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Phase = models.Phase(phase)
	return r, nil
}

// CreateNextRound runs one attempt of the round creation protocol. Inside a
// serializable transaction it locks the latest round row, refuses to open a
// second live round, and inserts round_id = latest + 1 (or 1 on an empty
// table). Lost races come back as ErrConflict and are safe to retry.
func (s *RoundStore) CreateNextRound(ctx context.Context, r *models.Round) (*models.Round, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, translate("begin round tx", err)
	}
	defer tx.Rollback(ctx)

	var (
		lastID    int64
		lastPhase string
	)
	err = tx.QueryRow(ctx, `
		SELECT round_id, phase
		FROM rounds
		ORDER BY round_id DESC
		LIMIT 1
		FOR UPDATE
	`).Scan(&lastID, &lastPhase)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		lastID = 0
	case err != nil:
		return nil, translate("lock latest round", err)
	case models.Phase(lastPhase) != models.PhaseCrashed:
		return nil, ErrRoundLive
	}

	created := *r
	created.RoundID = lastID + 1
	created.Phase = models.PhaseBetting
	created.CrashMultiplier = decimal.NullDecimal{}
	created.Settled = false
	if created.CurrentMultiplier.IsZero() {
		created.CurrentMultiplier = decimal.NewFromInt(1)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO rounds (round_id, phase, start_time, fly_start_time, current_multiplier,
			server_seed, server_seed_hash, total_bets, total_payouts, plane_position)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, $8)
		RETURNING total_bets, total_payouts, created_at, updated_at
	`,
		created.RoundID,
		string(created.Phase),
		created.StartTime,
		created.FlyStartTime,
		created.CurrentMultiplier,
		created.ServerSeed,
		created.ServerSeedHash,
		created.PlanePosition,
	).Scan(&created.TotalBets, &created.TotalPayouts, &created.CreatedAt, &created.UpdatedAt)
	if err != nil {
		return nil, translate("insert round", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, translate("commit round", err)
	}
	return &created, nil
}

func (s *RoundStore) LatestRound(ctx context.Context) (*models.Round, error) {
	row := s.db.QueryRow(ctx, `SELECT `+roundColumns+` FROM rounds ORDER BY round_id DESC LIMIT 1`)
	r, err := scanRound(row)
	if err != nil {
		return nil, translate("get latest round", err)
	}
	return r, nil
}

func (s *RoundStore) GetRound(ctx context.Context, roundID int64) (*models.Round, error) {
	row := s.db.QueryRow(ctx, `SELECT `+roundColumns+` FROM rounds WHERE round_id = $1`, roundID)
	r, err := scanRound(row)
	if err != nil {
		return nil, translate("get round", err)
	}
	return r, nil
}

// MarkFlying moves a BETTING round to FLYING. ErrPhaseChanged means another
// writer already moved it.
func (s *RoundStore) MarkFlying(ctx context.Context, roundID int64, flyStart time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE rounds
		SET phase = 'FLYING', fly_start_time = $2, current_multiplier = 1.00, updated_at = now()
		WHERE round_id = $1 AND phase = 'BETTING'
	`, roundID, flyStart)
	if err != nil {
		return translate("mark round flying", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPhaseChanged
	}
	return nil
}

// UpdateLive persists the live multiplier and plane position of a flying round.
func (s *RoundStore) UpdateLive(ctx context.Context, roundID int64, current decimal.Decimal, pos models.Position) error {
	_, err := s.db.Exec(ctx, `
		UPDATE rounds
		SET current_multiplier = GREATEST(current_multiplier, $2), plane_position = $3, updated_at = now()
		WHERE round_id = $1 AND phase = 'FLYING'
	`, roundID, current, pos)
	return translate("update live round", err)
}

// MarkCrashed records the crash point. It is idempotent so a retried call
// after a lost reply is harmless.
func (s *RoundStore) MarkCrashed(ctx context.Context, roundID int64, crash decimal.Decimal) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE rounds
		SET phase = 'CRASHED', crash_multiplier = $2, current_multiplier = $2, updated_at = now()
		WHERE round_id = $1 AND (phase <> 'CRASHED' OR crash_multiplier = $2)
	`, roundID, crash)
	if err != nil {
		return translate("mark round crashed", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPhaseChanged
	}
	return nil
}

// SettleRound zeroes every bet that was not cashed out, writes the history
// row and flags the round settled, all in one transaction. Running it again
// on a settled round returns the existing history row.
func (s *RoundStore) SettleRound(ctx context.Context, roundID int64) (*models.GameHistory, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, translate("begin settle tx", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE player_bets
		SET payout = 0
		WHERE round_id = $1 AND cashed_out = false AND payout IS NULL
	`, roundID); err != nil {
		return nil, translate("zero losing bets", err)
	}

	h := &models.GameHistory{}
	err = tx.QueryRow(ctx, `
		INSERT INTO game_history (round_id, crash_multiplier, total_bets, total_payouts,
			winners_count, players_count, server_seed, server_seed_hash)
		SELECT r.round_id, r.crash_multiplier, r.total_bets, r.total_payouts,
			(SELECT COUNT(*) FROM player_bets b WHERE b.round_id = r.round_id AND b.cashed_out),
			(SELECT COUNT(*) FROM player_bets b WHERE b.round_id = r.round_id),
			r.server_seed, r.server_seed_hash
		FROM rounds r
		WHERE r.round_id = $1 AND r.phase = 'CRASHED'
		ON CONFLICT (round_id) DO UPDATE SET round_id = EXCLUDED.round_id
		RETURNING id, round_id, crash_multiplier, total_bets, total_payouts,
			winners_count, players_count, server_seed, server_seed_hash, created_at
	`, roundID).Scan(
		&h.ID,
		&h.RoundID,
		&h.CrashMultiplier,
		&h.TotalBets,
		&h.TotalPayouts,
		&h.WinnersCount,
		&h.PlayersCount,
		&h.ServerSeed,
		&h.ServerSeedHash,
		&h.Timestamp,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPhaseChanged // not crashed yet
		}
		return nil, translate("insert game history", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE rounds SET settled = true, updated_at = now() WHERE round_id = $1`, roundID); err != nil {
		return nil, translate("mark round settled", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, translate("commit settle", err)
	}
	return h, nil
}
