package settlement

import (
	"encoding/binary"
	"math/big"

	"github.com/avvvet/crash-services/internal/gamesvc/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// on-chain fixed point scales
const (
	MultiplierDecimals = 2 // crash and cashout multipliers
	TokenDecimals      = 6 // amounts, USDC style
)

// Snapshot is what gets committed for one round.
type Snapshot struct {
	RoundID      int64       `json:"round_id"`
	SeedHash     common.Hash `json:"seed_hash"`
	Crash        *big.Int    `json:"crash"`
	TotalBets    *big.Int    `json:"total_bets"`
	TotalPayouts *big.Int    `json:"total_payouts"`
	PlayersRoot  common.Hash `json:"players_root"`
	NumPlayers   uint32      `json:"num_players"`
	Hash         common.Hash `json:"hash"`
}

// Scale converts d to an integer with the given number of implied decimals.
func Scale(d decimal.Decimal, places int32) *big.Int {
	return d.Shift(places).Round(0).BigInt()
}

func BuildSnapshot(round models.Round, bets []models.Bet) Snapshot {
	s := Snapshot{
		RoundID:      round.RoundID,
		Crash:        big.NewInt(0),
		TotalBets:    Scale(round.TotalBets, TokenDecimals),
		TotalPayouts: Scale(round.TotalPayouts, TokenDecimals),
		PlayersRoot:  PlayersRoot(bets),
		NumPlayers:   uint32(len(bets)),
	}
	if round.ServerSeedHash != "" {
		s.SeedHash = common.HexToHash(round.ServerSeedHash)
	}
	if round.CrashMultiplier.Valid {
		s.Crash = Scale(round.CrashMultiplier.Decimal, MultiplierDecimals)
	}
	s.Hash = crypto.Keccak256Hash(s.Packed())
	return s
}

// Packed is the tightly packed encoding
// uint256 roundId | bytes32 seedHash | uint256 crash | uint256 totalBets | bytes32 root | uint32 players.
func (s Snapshot) Packed() []byte {
	out := make([]byte, 0, 32*5+4)
	out = append(out, common.LeftPadBytes(big.NewInt(s.RoundID).Bytes(), 32)...)
	out = append(out, s.SeedHash.Bytes()...)
	out = append(out, common.LeftPadBytes(s.Crash.Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(s.TotalBets.Bytes(), 32)...)
	out = append(out, s.PlayersRoot.Bytes()...)
	out = binary.BigEndian.AppendUint32(out, s.NumPlayers)
	return out
}
