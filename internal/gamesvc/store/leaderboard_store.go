package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/avvvet/crash-services/internal/gamesvc/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type LeaderboardStore struct {
	db *pgxpool.Pool
}

func NewLeaderboardStore(db *pgxpool.Pool) *LeaderboardStore {
	return &LeaderboardStore{db: db}
}

const leaderboardColumns = `address, total_wagered, total_won, games_played, biggest_win, biggest_multiplier, last_played`

func scanEntry(row pgx.Row) (*models.LeaderboardEntry, error) {
	e := &models.LeaderboardEntry{}
	err := row.Scan(
		&e.Address,
		&e.TotalWagered,
		&e.TotalWon,
		&e.GamesPlayed,
		&e.BiggestWin,
		&e.BiggestMultiplier,
		&e.LastPlayed,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Apply folds one bet event into the player's row. Every branch is a single
// upsert so concurrent events for the same address never lose an update.
func (s *LeaderboardStore) Apply(ctx context.Context, ev models.BetEvent) (*models.LeaderboardEntry, error) {
	address := strings.ToLower(strings.TrimSpace(ev.Address))
	if address == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}

	var row pgx.Row
	switch ev.Kind {
	case models.BetEventWager:
		row = s.db.QueryRow(ctx, `
			INSERT INTO leaderboard (address, total_wagered, games_played, last_played)
			VALUES ($1, $2, 1, $3)
			ON CONFLICT (address) DO UPDATE SET
				total_wagered = leaderboard.total_wagered + EXCLUDED.total_wagered,
				games_played = leaderboard.games_played + 1,
				last_played = GREATEST(leaderboard.last_played, EXCLUDED.last_played)
			RETURNING `+leaderboardColumns,
			address, ev.Amount, ev.At)
	case models.BetEventCashout:
		row = s.db.QueryRow(ctx, `
			INSERT INTO leaderboard (address, total_won, biggest_win, biggest_multiplier, last_played)
			VALUES ($1, $2, GREATEST($2, 0), $3, $4)
			ON CONFLICT (address) DO UPDATE SET
				total_won = leaderboard.total_won + EXCLUDED.total_won,
				biggest_win = GREATEST(leaderboard.biggest_win, EXCLUDED.biggest_win),
				biggest_multiplier = GREATEST(leaderboard.biggest_multiplier, EXCLUDED.biggest_multiplier),
				last_played = GREATEST(leaderboard.last_played, EXCLUDED.last_played)
			RETURNING `+leaderboardColumns,
			address, ev.Profit(), ev.Multiplier, ev.At)
	case models.BetEventLoss:
		row = s.db.QueryRow(ctx, `
			INSERT INTO leaderboard (address, last_played)
			VALUES ($1, $2)
			ON CONFLICT (address) DO UPDATE SET
				last_played = GREATEST(leaderboard.last_played, EXCLUDED.last_played)
			RETURNING `+leaderboardColumns,
			address, ev.At)
	default:
		return nil, fmt.Errorf("unknown bet event kind: %q", ev.Kind)
	}

	e, err := scanEntry(row)
	if err != nil {
		return nil, translate("apply leaderboard event", err)
	}
	return e, nil
}

func (s *LeaderboardStore) Top(ctx context.Context, limit int) ([]*models.LeaderboardEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+leaderboardColumns+`
		FROM leaderboard
		ORDER BY total_won DESC, address
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, translate("list leaderboard", err)
	}
	defer rows.Close()

	entries := make([]*models.LeaderboardEntry, 0, limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, translate("scan leaderboard", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("list leaderboard", err)
	}
	return entries, nil
}

func (s *LeaderboardStore) Get(ctx context.Context, address string) (*models.LeaderboardEntry, error) {
	row := s.db.QueryRow(ctx, `SELECT `+leaderboardColumns+` FROM leaderboard WHERE address = $1`,
		strings.ToLower(strings.TrimSpace(address)))
	e, err := scanEntry(row)
	if err != nil {
		return nil, translate("get leaderboard entry", err)
	}
	return e, nil
}
