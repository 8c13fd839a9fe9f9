// Package settlement commits finished rounds to the settlement ledger: a
// Merkle root over the round's bets packed with the round aggregates into a
// single keccak256 commitment.
package settlement

import (
	"encoding/json"
	"strings"

	"github.com/avvvet/crash-services/internal/gamesvc/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// leaf is the canonical form of a bet. Field order is part of the format.
type leaf struct {
	Address           string      `json:"address"`
	Amount            string      `json:"amount"`
	CashedOut         bool        `json:"cashedOut"`
	CashoutMultiplier json.Number `json:"cashoutMultiplier"`
	Payout            json.Number `json:"payout"`
	Timestamp         int64       `json:"timestamp"` // unix ms
}

func number(d decimal.NullDecimal) json.Number {
	if !d.Valid {
		return "0"
	}
	return json.Number(d.Decimal.String())
}

// LeafBytes is the serialization BuildLeaf hashes, exposed for auditors.
func LeafBytes(bet models.Bet) []byte {
	b, _ := json.Marshal(leaf{
		Address:           strings.ToLower(bet.Address),
		Amount:            bet.Amount.String(),
		CashedOut:         bet.CashedOut,
		CashoutMultiplier: number(bet.CashoutMultiplier),
		Payout:            number(bet.Payout),
		Timestamp:         bet.Timestamp.UnixMilli(),
	})
	return b
}

func BuildLeaf(bet models.Bet) common.Hash {
	return crypto.Keccak256Hash(LeafBytes(bet))
}

// ComputeMerkleRoot folds leaves pairwise as keccak256(left || right). An odd
// node at any level is paired with itself. No leaves give the zero hash.
func ComputeMerkleRoot(leaves []common.Hash) common.Hash {
	if len(leaves) == 0 {
		return common.Hash{}
	}
	nodes := make([]common.Hash, len(leaves))
	copy(nodes, leaves)
	for len(nodes) > 1 {
		next := make([]common.Hash, 0, (len(nodes)+1)/2)
		for i := 0; i < len(nodes); i += 2 {
			right := nodes[i]
			if i+1 < len(nodes) {
				right = nodes[i+1]
			}
			next = append(next, crypto.Keccak256Hash(nodes[i].Bytes(), right.Bytes()))
		}
		nodes = next
	}
	return nodes[0]
}

// PlayersRoot is the Merkle root of bets in the given order, which must be
// bet id order.
func PlayersRoot(bets []models.Bet) common.Hash {
	leaves := make([]common.Hash, 0, len(bets))
	for _, b := range bets {
		leaves = append(leaves, BuildLeaf(b))
	}
	return ComputeMerkleRoot(leaves)
}
