package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avvvet/crash-services/internal/gamesvc/models"
	log "github.com/sirupsen/logrus"
)

type RelayStore interface {
	ClaimDue(ctx context.Context, limit, maxAttempts int, minAge, claimTTL time.Duration) ([]*models.OutboxItem, error)
	MarkSent(ctx context.Context, id int64, txHash string) error
	MarkFailed(ctx context.Context, id int64, cause string) error
}

type BetTxRecorder interface {
	SetTxHash(ctx context.Context, betID int64, txHash string) error
}

// Relay drains the settlement outbox: snapshots whose in-process relay failed
// or never ran, and per-bet relays.
type Relay struct {
	ledger      Ledger
	outbox      RelayStore
	bets        BetTxRecorder
	Batch       int
	MaxAttempts int
	// items younger than MinAge are left to the game service's own relay
	MinAge time.Duration
	// Timeout bounds one item, mining included
	Timeout time.Duration
	// a sending claim older than ClaimTTL is taken over, it must outlast Timeout
	ClaimTTL time.Duration
}

func NewRelay(ledger Ledger, outbox RelayStore, bets BetTxRecorder) *Relay {
	return &Relay{
		ledger:      ledger,
		outbox:      outbox,
		bets:        bets,
		Batch:       20,
		MaxAttempts: 10,
		MinAge:      30 * time.Second,
		Timeout:     relayTimeout,
		ClaimTTL:    2 * relayTimeout,
	}
}

// Run polls the outbox every interval until ctx is done.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := r.RunOnce(ctx); err != nil {
			log.Errorf("outbox pass failed: %v", err)
		} else if n > 0 {
			log.Infof("relayed %d outbox items", n)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims a batch and relays it item by item. Claimed items not
// reached before ctx ends stay claimed until ClaimTTL runs out.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	items, err := r.outbox.ClaimDue(ctx, r.Batch, r.MaxAttempts, r.MinAge, r.ClaimTTL)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		itemCtx, cancel := context.WithTimeout(ctx, r.Timeout)
		txHash, relayErr := r.Dispatch(itemCtx, it)
		cancel()

		markCtx, cancelMark := context.WithTimeout(context.Background(), markTimeout)
		if relayErr != nil {
			err = r.outbox.MarkFailed(markCtx, it.ID, relayErr.Error())
		} else {
			err = r.outbox.MarkSent(markCtx, it.ID, txHash)
			sent++
		}
		cancelMark()
		if err != nil {
			return sent, fmt.Errorf("failed to record outcome of outbox item %d: %w", it.ID, err)
		}
	}
	return sent, nil
}

// Dispatch relays a single outbox item and returns the ledger tx id.
func (r *Relay) Dispatch(ctx context.Context, item *models.OutboxItem) (string, error) {
	logger := log.WithFields(log.Fields{"outbox": item.ID, "kind": item.Kind, "round": item.RoundID})

	switch item.Kind {
	case models.OutboxRoundSnapshot:
		var snap Snapshot
		if err := json.Unmarshal(item.Payload, &snap); err != nil {
			return "", fmt.Errorf("decode snapshot payload: %w", err)
		}
		tx, err := r.ledger.SubmitSnapshot(ctx, snap)
		if err != nil {
			logger.Warnf("snapshot relay failed: %v", err)
			return "", err
		}
		return tx, nil

	case models.OutboxBetPlaced, models.OutboxBetCashout:
		var relay BetRelay
		if err := json.Unmarshal(item.Payload, &relay); err != nil {
			return "", fmt.Errorf("decode bet payload: %w", err)
		}
		var (
			tx  string
			err error
		)
		if item.Kind == models.OutboxBetPlaced {
			tx, err = r.ledger.PlaceBetFor(ctx, relay.Address, relay.Amount)
		} else {
			tx, err = r.ledger.CashOutFor(ctx, relay.Address, relay.Multiplier)
		}
		if err != nil {
			logger.Warnf("bet relay failed: %v", err)
			return "", err
		}
		if item.Kind == models.OutboxBetPlaced && item.BetID != nil && r.bets != nil {
			if err := r.bets.SetTxHash(ctx, *item.BetID, tx); err != nil {
				// the relay itself went through, only the link is missing
				logger.Errorf("unable to record bet tx hash: %v", err)
			}
		}
		return tx, nil
	}
	return "", fmt.Errorf("unknown outbox kind %q", item.Kind)
}
