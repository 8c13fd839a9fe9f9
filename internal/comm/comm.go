package comm

import (
	"encoding/json"
	"time"

	"github.com/avvvet/crash-services/internal/gamesvc/models"
	"github.com/shopspring/decimal"
)

// NATS subjects
const (
	TopicGameService = "game.service" // state fan-out, game -> sockets
	TopicGameCommand = "game.command" // request/reply, sockets -> game
)

// message types on the wire
const (
	GameStateUpdate = "GAME_STATE_UPDATE"
	HistoryUpdate   = "HISTORY_UPDATE"
	PlaceBet        = "PLACE_BET"
	CashOut         = "CASH_OUT"
	GetState        = "GET_STATE"
	BetPlaced       = "BET_PLACED"
	CashOutSuccess  = "CASH_OUT_SUCCESS"
	Error           = "ERROR"
)

type WSMessage struct {
	Type     string          `json:"type"` // e.g. "PLACE_BET", "GAME_STATE_UPDATE"
	Data     json.RawMessage `json:"data"`
	SocketId string          `json:"socketid,omitempty"`
}

// RoundState is the full snapshot broadcast on every change. ServerSeed is
// only filled in once the round has crashed.
type RoundState struct {
	Round      models.Round `json:"round"`
	Bets       []models.Bet `json:"bets"`
	ServerSeed string       `json:"server_seed,omitempty"`
	Resumed    bool         `json:"resumed,omitempty"` // first state after a restart, there may be a gap
	ServerTime time.Time    `json:"server_time"`
}

type PlaceBetRequest struct {
	Address string          `json:"address"`
	Amount  decimal.Decimal `json:"amount"`
}

type CashOutRequest struct {
	BetId int64 `json:"betId"`
}

type CommandError struct {
	Code    string `json:"code"`   // error kind, e.g. "phase_conflict"
	Reason  string `json:"reason"` // e.g. "duplicate_bet"
	Message string `json:"message"`
}
