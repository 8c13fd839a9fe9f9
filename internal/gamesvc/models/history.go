package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// GameHistory is written once per round at settlement and never updated.
type GameHistory struct {
	ID              int64           `json:"id"`
	RoundID         int64           `json:"round_id"`
	CrashMultiplier decimal.Decimal `json:"crash_multiplier"`
	TotalBets       decimal.Decimal `json:"total_bets"`
	TotalPayouts    decimal.Decimal `json:"total_payouts"`
	WinnersCount    int             `json:"winners_count"`
	PlayersCount    int             `json:"players_count"`
	ServerSeed      string          `json:"server_seed"`
	ServerSeedHash  string          `json:"server_seed_hash"`
	Timestamp       time.Time       `json:"timestamp"`
}
