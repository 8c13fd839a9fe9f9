package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Bet struct {
	ID                int64               `json:"id"`
	RoundID           int64               `json:"round_id"`
	Address           string              `json:"address"`
	Amount            decimal.Decimal     `json:"amount"`
	CashedOut         bool                `json:"cashed_out"`
	CashoutMultiplier decimal.NullDecimal `json:"cashout_multiplier"`
	Payout            decimal.NullDecimal `json:"payout"`
	TxHash            *string             `json:"tx_hash,omitempty"`
	Timestamp         time.Time           `json:"timestamp"`
}
