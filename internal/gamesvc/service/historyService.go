package service

import (
	"context"

	"github.com/avvvet/crash-services/internal/gamesvc/models"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 200
)

type HistoryRepository interface {
	Latest(ctx context.Context, limit int) ([]*models.GameHistory, error)
}

type HistoryService struct {
	historyStore HistoryRepository
}

func NewHistoryService(store HistoryRepository) *HistoryService {
	return &HistoryService{historyStore: store}
}

func (s *HistoryService) Latest(ctx context.Context, limit int) ([]*models.GameHistory, error) {
	return s.historyStore.Latest(ctx, clampLimit(limit, DefaultHistoryLimit, MaxHistoryLimit))
}
