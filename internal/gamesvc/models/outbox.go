package models

import (
	"encoding/json"
	"time"
)

const (
	OutboxRoundSnapshot = "round_snapshot"
	OutboxBetPlaced     = "bet_placed"
	OutboxBetCashout    = "bet_cashout"
)

const (
	OutboxPending = "pending"
	OutboxSending = "sending" // claimed by a relay, updated_at is the claim time
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// OutboxItem is a ledger relay persisted before it is attempted.
type OutboxItem struct {
	ID        int64           `json:"id"`
	Kind      string          `json:"kind"`
	RoundID   int64           `json:"round_id"`
	BetID     *int64          `json:"bet_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Status    string          `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	TxHash    string          `json:"tx_hash,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
