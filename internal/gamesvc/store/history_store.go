package store

import (
	"context"

	"github.com/avvvet/crash-services/internal/gamesvc/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

type HistoryStore struct {
	db *pgxpool.Pool
}

func NewHistoryStore(db *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{db: db}
}

// Latest returns the most recent rounds first.
func (s *HistoryStore) Latest(ctx context.Context, limit int) ([]*models.GameHistory, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, round_id, crash_multiplier, total_bets, total_payouts,
			winners_count, players_count, server_seed, server_seed_hash, created_at
		FROM game_history
		ORDER BY created_at DESC, round_id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, translate("list history", err)
	}
	defer rows.Close()

	history := make([]*models.GameHistory, 0, limit)
	for rows.Next() {
		h := &models.GameHistory{}
		if err := rows.Scan(
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
		); err != nil {
			return nil, translate("scan history", err)
		}
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("list history", err)
	}
	return history, nil
}
