package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/avvvet/crash-services/internal/gamesvc/config"
	"github.com/avvvet/crash-services/internal/gamesvc/models"
	"github.com/lestrrat-go/backoff/v2"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const (
	// upper bound for one relay, mining included
	relayTimeout = 2 * time.Minute
	// recording a relay's outcome outlives the caller's context
	markTimeout = 10 * time.Second
)

type Outbox interface {
	Enqueue(ctx context.Context, item *models.OutboxItem) (*models.OutboxItem, error)
	Claim(ctx context.Context, id int64) (bool, error)
	MarkSent(ctx context.Context, id int64, txHash string) error
	MarkFailed(ctx context.Context, id int64, cause string) error
}

// BetRelay is the outbox payload of a per-bet relay.
type BetRelay struct {
	Address    string          `json:"address"`
	Amount     decimal.Decimal `json:"amount"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

// Snapshotter persists every settlement before relaying it, so a relay lost
// to a crash or a ledger outage is still found by the outbox worker.
type Snapshotter struct {
	ledger    Ledger
	outbox    Outbox
	policy    backoff.Policy
	attempts  int
	timeout   time.Duration
	relayBets bool

	wg sync.WaitGroup
}

func NewSnapshotter(ledger Ledger, outbox Outbox, cfg config.Config) *Snapshotter {
	attempts := cfg.SettleAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &Snapshotter{
		ledger: ledger,
		outbox: outbox,
		policy: backoff.Exponential(
			backoff.WithMinInterval(cfg.RetryMin),
			backoff.WithMaxInterval(cfg.RetryMax),
			backoff.WithJitterFactor(0.2),
			backoff.WithMaxRetries(attempts),
		),
		attempts:  attempts,
		timeout:   cfg.StoreTimeout,
		relayBets: cfg.LedgerRelayBets,
	}
}

// SubmitSnapshot commits a round to the ledger, retrying transient failures.
// A round without bets has nothing to commit and returns "".
func (s *Snapshotter) SubmitSnapshot(ctx context.Context, round models.Round, bets []models.Bet) (string, error) {
	if len(bets) == 0 {
		return "", nil
	}
	return s.submit(ctx, BuildSnapshot(round, bets))
}

func (s *Snapshotter) submit(ctx context.Context, snap Snapshot) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		txHash string
		err    error
	)
	b := s.policy.Start(ctx)
	for attempt := 1; backoff.Continue(b); attempt++ {
		txHash, err = s.ledger.SubmitSnapshot(ctx, snap)
		if err == nil {
			return txHash, nil
		}
		log.WithFields(log.Fields{"round": snap.RoundID, "attempt": attempt}).Warnf("snapshot submit failed: %v", err)
		if attempt >= s.attempts {
			break
		}
	}
	if err == nil {
		err = ctx.Err()
	}
	return "", fmt.Errorf("failed to submit snapshot of round %d: %w", snap.RoundID, err)
}

// Settle records the round's snapshot in the outbox and relays it in the
// background. It never blocks on the ledger.
func (s *Snapshotter) Settle(round models.Round, bets []models.Bet) {
	logger := log.WithField("round", round.RoundID)
	if len(bets) == 0 {
		logger.Debug("no bets, nothing to snapshot")
		return
	}
	snap := BuildSnapshot(round, bets)
	payload, err := json.Marshal(snap)
	if err != nil {
		logger.Errorf("unable to encode snapshot: %v", err)
		return
	}

	ctx, cancel := s.storeCtx()
	defer cancel()
	item, err := s.outbox.Enqueue(ctx, &models.OutboxItem{
		Kind:    models.OutboxRoundSnapshot,
		RoundID: round.RoundID,
		Payload: payload,
	})
	if err != nil {
		logger.Errorf("unable to record snapshot, needs reconciliation: %v", err)
		return
	}
	if item.Status == models.OutboxSent {
		return
	}
	// the claim keeps the outbox worker off the row while this relay runs
	claimed, err := s.outbox.Claim(ctx, item.ID)
	if err != nil {
		logger.Errorf("unable to claim snapshot, left to the outbox worker: %v", err)
		return
	}
	if !claimed {
		logger.WithField("outbox", item.ID).Debug("snapshot already claimed")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		relayCtx, cancelRelay := context.WithTimeout(context.Background(), relayTimeout)
		txHash, err := s.submit(relayCtx, snap)
		cancelRelay()

		ctx, cancel := s.storeCtx()
		defer cancel()
		if err != nil {
			logger.WithField("outbox", item.ID).Errorf("snapshot left for reconciliation: %v", err)
			if err := s.outbox.MarkFailed(ctx, item.ID, err.Error()); err != nil {
				logger.Errorf("unable to mark outbox item failed: %v", err)
			}
			return
		}
		if err := s.outbox.MarkSent(ctx, item.ID, txHash); err != nil {
			logger.Errorf("unable to mark outbox item sent: %v", err)
			return
		}
		logger.WithField("tx", txHash).Info("snapshot committed")
	}()
}

// RelayBet queues a placed bet for the ledger when per-bet relay is on.
func (s *Snapshotter) RelayBet(bet models.Bet) {
	s.enqueueBet(models.OutboxBetPlaced, bet, BetRelay{Address: bet.Address, Amount: bet.Amount})
}

// RelayCashout queues a cashout for the ledger when per-bet relay is on.
func (s *Snapshotter) RelayCashout(bet models.Bet) {
	s.enqueueBet(models.OutboxBetCashout, bet, BetRelay{
		Address:    bet.Address,
		Amount:     bet.Amount,
		Multiplier: bet.CashoutMultiplier.Decimal,
	})
}

func (s *Snapshotter) enqueueBet(kind string, bet models.Bet, relay BetRelay) {
	if !s.relayBets {
		return
	}
	payload, err := json.Marshal(relay)
	if err != nil {
		log.Errorf("unable to encode %s relay: %v", kind, err)
		return
	}
	betID := bet.ID
	ctx, cancel := s.storeCtx()
	defer cancel()
	if _, err := s.outbox.Enqueue(ctx, &models.OutboxItem{
		Kind:    kind,
		RoundID: bet.RoundID,
		BetID:   &betID,
		Payload: payload,
	}); err != nil {
		log.WithFields(log.Fields{"round": bet.RoundID, "bet": bet.ID}).Errorf("unable to queue %s relay: %v", kind, err)
	}
}

// Wait blocks until background relays have finished.
func (s *Snapshotter) Wait() {
	s.wg.Wait()
}

func (s *Snapshotter) storeCtx() (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), s.timeout)
}
