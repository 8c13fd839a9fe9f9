package service

import (
	"context"
	"fmt"

	"github.com/avvvet/crash-services/internal/gamesvc/models"
)

const (
	DefaultLeaderboardLimit = 100
	MaxLeaderboardLimit     = 500
)

type LeaderboardRepository interface {
	Apply(ctx context.Context, ev models.BetEvent) (*models.LeaderboardEntry, error)
	Top(ctx context.Context, limit int) ([]*models.LeaderboardEntry, error)
	Get(ctx context.Context, address string) (*models.LeaderboardEntry, error)
}

type LeaderboardService struct {
	leaderboardStore LeaderboardRepository
}

func NewLeaderboardService(store LeaderboardRepository) *LeaderboardService {
	return &LeaderboardService{leaderboardStore: store}
}

// UpdateFromBet creates the player's row on first sight and folds the event
// into it. Only cashout events move total_won and the biggest-* records.
func (s *LeaderboardService) UpdateFromBet(ctx context.Context, ev models.BetEvent) error {
	if ev.Kind == models.BetEventCashout && ev.Payout.IsNegative() {
		return fmt.Errorf("negative payout for %s", ev.Address)
	}
	_, err := s.leaderboardStore.Apply(ctx, ev)
	return err
}

func (s *LeaderboardService) GetTop(ctx context.Context, limit int) ([]*models.LeaderboardEntry, error) {
	return s.leaderboardStore.Top(ctx, clampLimit(limit, DefaultLeaderboardLimit, MaxLeaderboardLimit))
}

func (s *LeaderboardService) GetEntry(ctx context.Context, address string) (*models.LeaderboardEntry, error) {
	return s.leaderboardStore.Get(ctx, address)
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
