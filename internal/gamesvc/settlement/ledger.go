package settlement

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// Ledger is the external settlement contract. Submitting the same round twice
// must be rejected or ignored by the ledger, never recorded twice.
type Ledger interface {
	SubmitSnapshot(ctx context.Context, s Snapshot) (string, error)
	PlaceBetFor(ctx context.Context, player string, amount decimal.Decimal) (string, error)
	CashOutFor(ctx context.Context, player string, multiplier decimal.Decimal) (string, error)
}

// NoopLedger is used when no ledger is configured. It hands back a local
// identifier so outbox rows still close.
type NoopLedger struct{}

func (NoopLedger) SubmitSnapshot(ctx context.Context, s Snapshot) (string, error) {
	log.WithField("round", s.RoundID).Debugf("ledger disabled, snapshot %s kept local", s.Hash.Hex())
	return "local:" + s.Hash.Hex(), nil
}

func (NoopLedger) PlaceBetFor(ctx context.Context, player string, amount decimal.Decimal) (string, error) {
	return fmt.Sprintf("local:bet:%s:%s", player, amount), nil
}

func (NoopLedger) CashOutFor(ctx context.Context, player string, multiplier decimal.Decimal) (string, error) {
	return fmt.Sprintf("local:cashout:%s:%s", player, multiplier), nil
}
