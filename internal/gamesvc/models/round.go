package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Phase string

const (
	PhaseBetting Phase = "BETTING"
	PhaseFlying  Phase = "FLYING"
	PhaseCrashed Phase = "CRASHED"
)

// Position is the cosmetic plane position, in percent of the viewport.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Round struct {
	RoundID           int64               `json:"round_id"` // gapless, assigned under lock
	Phase             Phase               `json:"phase"`
	StartTime         time.Time           `json:"start_time"`
	FlyStartTime      time.Time           `json:"fly_start_time"` // scheduled while BETTING, actual once FLYING
	CrashMultiplier   decimal.NullDecimal `json:"crash_multiplier"`
	CurrentMultiplier decimal.Decimal     `json:"current_multiplier"`
	ServerSeed        string              `json:"-"` // revealed only after crash
	ServerSeedHash    string              `json:"server_seed_hash"`
	TotalBets         decimal.Decimal     `json:"total_bets"`
	TotalPayouts      decimal.Decimal     `json:"total_payouts"`
	Settled           bool                `json:"settled"`
	PlanePosition     Position            `json:"plane_position"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}
