package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type LeaderboardEntry struct {
	Address           string          `json:"address"`
	TotalWagered      decimal.Decimal `json:"total_wagered"`
	TotalWon          decimal.Decimal `json:"total_won"` // net profit, not gross payout
	GamesPlayed       int64           `json:"games_played"`
	BiggestWin        decimal.Decimal `json:"biggest_win"`
	BiggestMultiplier decimal.Decimal `json:"biggest_multiplier"`
	LastPlayed        time.Time       `json:"last_played"`
}

type BetEventKind string

const (
	BetEventWager   BetEventKind = "wager"
	BetEventCashout BetEventKind = "cashout"
	BetEventLoss    BetEventKind = "loss"
)

// BetEvent feeds the leaderboard. A wager is counted once when the bet is
// placed; cashouts only touch the profit fields and losses only the timestamp.
type BetEvent struct {
	Kind       BetEventKind
	Address    string
	Amount     decimal.Decimal
	Payout     decimal.Decimal
	Multiplier decimal.Decimal
	At         time.Time
}

// Profit is payout minus amount, zero for anything but a cashout.
func (e BetEvent) Profit() decimal.Decimal {
	if e.Kind != BetEventCashout {
		return decimal.Zero
	}
	return e.Payout.Sub(e.Amount)
}
