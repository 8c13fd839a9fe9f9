package service

import (
	"context"
	"errors"

	"github.com/avvvet/crash-services/internal/gamesvc/fairness"
	"github.com/avvvet/crash-services/internal/gamesvc/models"
	"github.com/shopspring/decimal"
)

type RoundRepository interface {
	GetRound(ctx context.Context, roundID int64) (*models.Round, error)
}

type RoundService struct {
	roundStore   RoundRepository
	houseEdgeBps int64
}

func NewRoundService(store RoundRepository, houseEdgeBps int64) *RoundService {
	return &RoundService{roundStore: store, houseEdgeBps: houseEdgeBps}
}

// Verification is what a player needs to check a finished round by hand.
type Verification struct {
	RoundID         int64           `json:"round_id"`
	ServerSeed      string          `json:"server_seed"`
	ServerSeedHash  string          `json:"server_seed_hash"`
	HashMatches     bool            `json:"hash_matches"`
	CrashMultiplier decimal.Decimal `json:"crash_multiplier"`
	Derived         decimal.Decimal `json:"derived_multiplier"`
	HouseEdgeBps    int64           `json:"house_edge_bps"`
}

var ErrRoundNotFinished = errors.New("round has not crashed yet")

// Verify reveals the seed of a crashed round together with the recomputed
// hash and crash point. Live rounds are refused so the seed stays secret.
func (s *RoundService) Verify(ctx context.Context, roundID int64) (*Verification, error) {
	r, err := s.roundStore.GetRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if r.Phase != models.PhaseCrashed {
		return nil, ErrRoundNotFinished
	}
	return &Verification{
		RoundID:         r.RoundID,
		ServerSeed:      r.ServerSeed,
		ServerSeedHash:  r.ServerSeedHash,
		HashMatches:     fairness.VerifySeed(r.ServerSeed, r.ServerSeedHash),
		CrashMultiplier: r.CrashMultiplier.Decimal,
		Derived:         fairness.DeriveCrashMultiplier(r.ServerSeed, s.houseEdgeBps),
		HouseEdgeBps:    s.houseEdgeBps,
	}, nil
}
