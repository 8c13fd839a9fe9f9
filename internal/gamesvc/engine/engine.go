// Package engine runs the crash game. A single goroutine owns the current
// round, its bets and every timer; player commands, phase transitions and
// ticks are all executed on that goroutine, one at a time.
package engine

import (
	"context"
	"time"

	"github.com/avvvet/crash-services/internal/comm"
	"github.com/avvvet/crash-services/internal/gamesvc/config"
	"github.com/avvvet/crash-services/internal/gamesvc/models"
	"github.com/lestrrat-go/backoff/v2"
	"github.com/shopspring/decimal"
)

type RoundStore interface {
	CreateNextRound(ctx context.Context, r *models.Round) (*models.Round, error)
	LatestRound(ctx context.Context) (*models.Round, error)
	MarkFlying(ctx context.Context, roundID int64, flyStart time.Time) error
	UpdateLive(ctx context.Context, roundID int64, current decimal.Decimal, pos models.Position) error
	MarkCrashed(ctx context.Context, roundID int64, crash decimal.Decimal) error
	SettleRound(ctx context.Context, roundID int64) (*models.GameHistory, error)
}

type BetStore interface {
	InsertBet(ctx context.Context, roundID int64, address string, amount decimal.Decimal, at time.Time) (*models.Bet, error)
	CashOut(ctx context.Context, betID, roundID int64, multiplier, payout decimal.Decimal) (*models.Bet, error)
	GetBet(ctx context.Context, betID int64) (*models.Bet, error)
	BetsForRound(ctx context.Context, roundID int64) ([]*models.Bet, error)
}

type Leaderboard interface {
	UpdateFromBet(ctx context.Context, ev models.BetEvent) error
}

type History interface {
	Latest(ctx context.Context, limit int) ([]*models.GameHistory, error)
}

// Settlement receives value copies; implementations must not block.
type Settlement interface {
	Settle(round models.Round, bets []models.Bet)
	RelayBet(bet models.Bet)
	RelayCashout(bet models.Bet)
}

type Publisher interface {
	PublishState(state comm.RoundState)
	PublishHistory(history []*models.GameHistory)
}

type Deps struct {
	Rounds      RoundStore
	Bets        BetStore
	Leaderboard Leaderboard
	History     History
	Settlement  Settlement
	Publisher   Publisher
}

type Option func(*Engine)

// WithClock replaces time.Now, tests use it to pin the flight clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type command struct {
	ctx   context.Context
	fn    func(ctx context.Context) error
	reply chan error
}

type Engine struct {
	cfg    config.Config
	deps   Deps
	now    func() time.Time
	policy backoff.Policy

	cmds chan command
	done chan struct{}

	// everything below is owned by the Run goroutine
	round       *models.Round
	bets        []*models.Bet
	target      decimal.Decimal
	flight      time.Duration
	lastPersist time.Time
	resumed     bool

	bettingTimer  *time.Timer
	cooldownTimer *time.Timer
	ticker        *time.Ticker
}

func New(cfg config.Config, deps Deps, opts ...Option) *Engine {
	if deps.Settlement == nil {
		deps.Settlement = nopSettlement{}
	}
	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}
	attempts := cfg.CreateAttempts
	if attempts <= 0 {
		attempts = 1
	}
	e := &Engine{
		cfg:  cfg,
		deps: deps,
		now:  time.Now,
		policy: backoff.Exponential(
			backoff.WithMinInterval(cfg.RetryMin),
			backoff.WithMaxInterval(cfg.RetryMax),
			backoff.WithJitterFactor(0.2),
			backoff.WithMaxRetries(attempts),
		),
		cmds: make(chan command),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run recovers the latest round and then serves commands and timers until
// ctx is cancelled. A recovery failure is returned as a fatal error.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	defer e.stopTimers()

	if err := e.recover(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-e.cmds:
			cmd.reply <- cmd.fn(cmd.ctx)
		case <-timerC(e.bettingTimer):
			e.bettingTimer = nil
			e.onBettingClosed(ctx)
		case <-tickerC(e.ticker):
			e.tick(ctx)
		case <-timerC(e.cooldownTimer):
			e.cooldownTimer = nil
			e.onCooldownElapsed(ctx)
		}
	}
}

// exec runs fn on the Run goroutine and waits for its result.
func (e *Engine) exec(ctx context.Context, fn func(ctx context.Context) error) error {
	cmd := command{ctx: ctx, fn: fn, reply: make(chan error, 1)}
	select {
	case e.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) StartNewRound(ctx context.Context) (*models.Round, error) {
	var r models.Round
	err := e.exec(ctx, func(ctx context.Context) error {
		if err := e.startNewRound(ctx); err != nil {
			return err
		}
		r = *e.round
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (e *Engine) PlaceBet(ctx context.Context, address string, amount decimal.Decimal) (*models.Bet, error) {
	var placed models.Bet
	err := e.exec(ctx, func(ctx context.Context) error {
		b, err := e.placeBet(ctx, address, amount)
		if err != nil {
			return err
		}
		placed = *b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &placed, nil
}

func (e *Engine) CashOut(ctx context.Context, betID int64) (*models.Bet, error) {
	var settled models.Bet
	err := e.exec(ctx, func(ctx context.Context) error {
		b, err := e.cashOut(ctx, betID)
		if err != nil {
			return err
		}
		settled = *b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &settled, nil
}

// CrashRound ends the flying round at the given multiplier.
func (e *Engine) CrashRound(ctx context.Context, multiplier decimal.Decimal) error {
	return e.exec(ctx, func(ctx context.Context) error {
		return e.crashRound(ctx, multiplier)
	})
}

// ForceCrash ends the flying round at its committed crash point.
func (e *Engine) ForceCrash(ctx context.Context) error {
	return e.exec(ctx, func(ctx context.Context) error {
		if e.round == nil || e.round.Phase != models.PhaseFlying {
			return newError(KindPhaseConflict, ReasonNotFlying, nil)
		}
		return e.crashRound(ctx, e.target)
	})
}

// Current returns the snapshot new subscribers start from.
func (e *Engine) Current(ctx context.Context) (comm.RoundState, error) {
	var st comm.RoundState
	err := e.exec(ctx, func(ctx context.Context) error {
		if e.round == nil {
			return newError(KindNotFound, ReasonNoRound, nil)
		}
		st = e.state()
		return nil
	})
	return st, err
}

func (e *Engine) state() comm.RoundState {
	st := comm.RoundState{
		Resumed:    e.resumed,
		ServerTime: e.now(),
		Bets:       e.betValues(),
	}
	if e.round != nil {
		st.Round = *e.round
		if e.round.Phase == models.PhaseCrashed {
			st.ServerSeed = e.round.ServerSeed
		}
	}
	return st
}

func (e *Engine) broadcast() {
	e.deps.Publisher.PublishState(e.state())
	e.resumed = false
}

func (e *Engine) betValues() []models.Bet {
	out := make([]models.Bet, 0, len(e.bets))
	for _, b := range e.bets {
		out = append(out, *b)
	}
	return out
}

func (e *Engine) armBetting(delay time.Duration) {
	e.stopTimers()
	if delay < 0 {
		delay = 0
	}
	e.bettingTimer = time.NewTimer(delay)
}

func (e *Engine) armCooldown(delay time.Duration) {
	e.stopTimers()
	if delay < 0 {
		delay = 0
	}
	e.cooldownTimer = time.NewTimer(delay)
}

func (e *Engine) stopTicker() {
	if e.ticker != nil {
		e.ticker.Stop()
		e.ticker = nil
	}
}

func (e *Engine) stopTimers() {
	if e.bettingTimer != nil {
		e.bettingTimer.Stop()
		e.bettingTimer = nil
	}
	if e.cooldownTimer != nil {
		e.cooldownTimer.Stop()
		e.cooldownTimer = nil
	}
	e.stopTicker()
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

type nopSettlement struct{}

func (nopSettlement) Settle(models.Round, []models.Bet) {}
func (nopSettlement) RelayBet(models.Bet)               {}
func (nopSettlement) RelayCashout(models.Bet)           {}

type nopPublisher struct{}

func (nopPublisher) PublishState(comm.RoundState)           {}
func (nopPublisher) PublishHistory([]*models.GameHistory) {}
