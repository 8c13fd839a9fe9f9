package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avvvet/crash-services/internal/gamesvc/fairness"
	"github.com/avvvet/crash-services/internal/gamesvc/models"
	"github.com/avvvet/crash-services/internal/gamesvc/store"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

var one = decimal.NewFromInt(1)

func (e *Engine) roundLog() *log.Entry {
	if e.round == nil {
		return log.WithField("round", nil)
	}
	return log.WithFields(log.Fields{"round": e.round.RoundID, "phase": e.round.Phase})
}

// startNewRound opens the next round. A crashed round that never finished
// settling is settled first so its history row is not lost.
func (e *Engine) startNewRound(ctx context.Context) error {
	if e.round != nil {
		if e.round.Phase != models.PhaseCrashed {
			return newError(KindPhaseConflict, ReasonRoundInProgress, nil)
		}
		if !e.round.Settled {
			if err := e.settle(ctx); err != nil {
				return err
			}
		}
	}

	seed, err := fairness.GenerateSeed()
	if err != nil {
		return newError(KindFatalInitialization, ReasonSeed, err)
	}
	now := e.now()
	draft := &models.Round{
		StartTime:         now,
		FlyStartTime:      now.Add(e.cfg.BettingDuration),
		ServerSeed:        seed,
		ServerSeedHash:    fairness.HashSeed(seed),
		CurrentMultiplier: one,
		PlanePosition:     fairness.PlanePosition(0),
	}

	var created *models.Round
	err = e.retry(ctx, "create round", isConflict, func(ctx context.Context) error {
		r, err := e.deps.Rounds.CreateNextRound(ctx, draft)
		if err != nil {
			return err
		}
		created = r
		return nil
	})
	switch {
	case errors.Is(err, store.ErrRoundLive):
		e.roundLog().Warn("a live round already exists, adopting it")
		return e.adoptLatest(ctx)
	case err != nil:
		kind := KindConcurrencyConflict
		if e.round == nil {
			kind = KindFatalInitialization
		}
		return newError(kind, ReasonCreateExhausted, err)
	}

	e.round = created
	e.bets = nil
	e.target = decimal.Zero
	e.flight = 0
	e.armBetting(created.FlyStartTime.Sub(e.now()))
	e.roundLog().WithField("seed_hash", created.ServerSeedHash).Info("round opened")
	e.broadcast()
	return nil
}

func (e *Engine) onBettingClosed(ctx context.Context) {
	if err := e.startFlying(ctx); err != nil {
		e.roundLog().Errorf("unable to start flight: %v", err)
		// try again shortly, the round stays BETTING meanwhile
		e.armBetting(e.cfg.RetryMax)
	}
}

func (e *Engine) startFlying(ctx context.Context) error {
	if e.round == nil || e.round.Phase != models.PhaseBetting {
		return nil
	}
	r := e.round
	now := e.now()

	err := e.retry(ctx, "mark flying", isTransient, func(ctx context.Context) error {
		return e.deps.Rounds.MarkFlying(ctx, r.RoundID, now)
	})
	if errors.Is(err, store.ErrPhaseChanged) {
		e.roundLog().Warn("round moved on outside the engine, resyncing")
		return e.adoptLatest(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to mark round %d flying: %w", r.RoundID, err)
	}

	r.Phase = models.PhaseFlying
	r.FlyStartTime = now
	r.CurrentMultiplier = one
	r.PlanePosition = fairness.PlanePosition(0)
	e.target = fairness.DeriveCrashMultiplier(r.ServerSeed, e.cfg.HouseEdgeBps)
	e.flight = fairness.FlightDuration(e.target)
	e.lastPersist = now
	e.startTicker()
	e.roundLog().WithField("flight", e.flight).Info("round flying")
	e.broadcast()
	return nil
}

func (e *Engine) startTicker() {
	e.stopTimers()
	interval := e.cfg.TickInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	e.ticker = time.NewTicker(interval)
}

// liveMultiplier is the multiplier shown at elapsed, truncated to cents and
// never below what was already shown.
func (e *Engine) liveMultiplier(elapsed time.Duration) decimal.Decimal {
	m := decimal.NewFromFloat(fairness.CurrentMultiplier(elapsed)).Truncate(2)
	if e.round != nil && m.LessThan(e.round.CurrentMultiplier) {
		return e.round.CurrentMultiplier
	}
	return m
}

// tick advances the flight. The round crashes at the committed target, on or
// before the tick that would have shown it.
func (e *Engine) tick(ctx context.Context) {
	if e.round == nil || e.round.Phase != models.PhaseFlying {
		e.stopTicker()
		return
	}
	r := e.round
	now := e.now()
	elapsed := now.Sub(r.FlyStartTime)

	live := e.liveMultiplier(elapsed)
	if live.GreaterThanOrEqual(e.target) || elapsed >= e.flight {
		if err := e.crashRound(ctx, e.target); err != nil {
			e.roundLog().Errorf("crash failed: %v", err)
		}
		return
	}

	r.CurrentMultiplier = live
	r.PlanePosition = fairness.PlanePosition(elapsed)

	if now.Sub(e.lastPersist) >= e.cfg.PersistInterval {
		e.lastPersist = now
		err := e.withTimeout(ctx, func(ctx context.Context) error {
			return e.deps.Rounds.UpdateLive(ctx, r.RoundID, live, r.PlanePosition)
		})
		if err != nil {
			// the next persist tick carries the newer value anyway
			e.roundLog().Warnf("unable to persist live multiplier: %v", err)
		}
	}
	e.broadcast()
}

// crashRound ends the flight at multiplier, settles the round and schedules
// the next one. A settlement failure leaves the round unsettled; the next
// startNewRound picks it up again.
func (e *Engine) crashRound(ctx context.Context, multiplier decimal.Decimal) error {
	if e.round == nil {
		return newError(KindNotFound, ReasonNoRound, nil)
	}
	if e.round.Phase != models.PhaseFlying {
		return newError(KindPhaseConflict, ReasonNotFlying, nil)
	}
	multiplier = multiplier.Truncate(2)
	if multiplier.LessThan(e.round.CurrentMultiplier) ||
		multiplier.LessThan(fairness.MinCrash) ||
		multiplier.GreaterThan(decimal.NewFromInt(fairness.MaxMultiplier)) {
		return newError(KindValidation, ReasonInvalidMultiplier, fmt.Errorf("crash at %s with live multiplier %s", multiplier, e.round.CurrentMultiplier))
	}

	e.stopTicker()
	r := e.round
	r.Phase = models.PhaseCrashed
	r.CrashMultiplier = decimal.NewNullDecimal(multiplier)
	r.CurrentMultiplier = multiplier
	r.UpdatedAt = e.now()
	e.roundLog().WithField("crash", multiplier.StringFixed(2)).Info("round crashed")

	if err := e.settle(ctx); err != nil {
		e.roundLog().Errorf("settlement deferred: %v", err)
	}
	e.broadcast()
	e.armCooldown(e.cfg.Cooldown)
	return nil
}

// settle persists the crash, zeroes the losers and writes history, then hands
// the round to the snapshotter. It is safe to run more than once.
func (e *Engine) settle(ctx context.Context) error {
	r := e.round
	crash := r.CrashMultiplier.Decimal

	err := e.retry(ctx, "mark crashed", isTransient, func(ctx context.Context) error {
		return e.deps.Rounds.MarkCrashed(ctx, r.RoundID, crash)
	})
	if err != nil {
		return fmt.Errorf("failed to record crash of round %d: %w", r.RoundID, err)
	}

	var history *models.GameHistory
	err = e.retry(ctx, "settle round", isTransient, func(ctx context.Context) error {
		h, err := e.deps.Rounds.SettleRound(ctx, r.RoundID)
		if err != nil {
			return err
		}
		history = h
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to settle round %d: %w", r.RoundID, err)
	}

	at := e.now()
	for _, b := range e.bets {
		if b.CashedOut {
			continue
		}
		b.Payout = decimal.NewNullDecimal(decimal.Zero)
		e.recordEvent(ctx, models.BetEvent{Kind: models.BetEventLoss, Address: b.Address, Amount: b.Amount, At: at})
	}
	r.Settled = true
	e.roundLog().WithFields(log.Fields{
		"winners": history.WinnersCount,
		"players": history.PlayersCount,
	}).Info("round settled")

	e.deps.Settlement.Settle(*r, e.betValues())
	e.publishHistory(ctx)
	return nil
}

func (e *Engine) publishHistory(ctx context.Context) {
	if e.deps.History == nil {
		return
	}
	var list []*models.GameHistory
	err := e.withTimeout(ctx, func(ctx context.Context) error {
		l, err := e.deps.History.Latest(ctx, e.cfg.HistoryLimit)
		list = l
		return err
	})
	if err != nil {
		log.Warnf("unable to load history: %v", err)
		return
	}
	e.deps.Publisher.PublishHistory(list)
}

func (e *Engine) recordEvent(ctx context.Context, ev models.BetEvent) {
	if e.deps.Leaderboard == nil {
		return
	}
	err := e.withTimeout(ctx, func(ctx context.Context) error {
		return e.deps.Leaderboard.UpdateFromBet(ctx, ev)
	})
	if err != nil {
		log.WithFields(log.Fields{"address": ev.Address, "kind": ev.Kind}).Errorf("leaderboard update failed: %v", err)
	}
}

func (e *Engine) onCooldownElapsed(ctx context.Context) {
	if err := e.startNewRound(ctx); err != nil {
		e.roundLog().Errorf("unable to open next round: %v", err)
		e.armCooldown(e.cfg.RetryMax)
	}
}

// recover restores the engine from the latest persisted round.
func (e *Engine) recover(ctx context.Context) error {
	var latest *models.Round
	err := e.retry(ctx, "load latest round", isTransient, func(ctx context.Context) error {
		r, err := e.deps.Rounds.LatestRound(ctx)
		if err != nil {
			return err
		}
		latest = r
		return nil
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Info("no rounds yet, opening the first one")
		return e.startNewRound(ctx)
	case err != nil:
		return newError(KindFatalInitialization, ReasonRecovery, err)
	}
	if err := e.resume(ctx, latest); err != nil {
		return newError(KindFatalInitialization, ReasonRecovery, err)
	}
	return nil
}

func (e *Engine) adoptLatest(ctx context.Context) error {
	latest, err := e.deps.Rounds.LatestRound(ctx)
	if err != nil {
		return fmt.Errorf("failed to load latest round: %w", err)
	}
	return e.resume(ctx, latest)
}

// resume makes r the current round and re-arms whatever timer its phase
// needs, measured from the persisted timestamps rather than from now.
func (e *Engine) resume(ctx context.Context, r *models.Round) error {
	var bets []*models.Bet
	err := e.retry(ctx, "load bets", isTransient, func(ctx context.Context) error {
		b, err := e.deps.Bets.BetsForRound(ctx, r.RoundID)
		bets = b
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to load bets of round %d: %w", r.RoundID, err)
	}

	e.stopTimers()
	e.round = r
	e.bets = bets
	e.resumed = true
	now := e.now()
	e.roundLog().Info("resuming round")

	switch r.Phase {
	case models.PhaseBetting:
		e.armBetting(r.FlyStartTime.Sub(now))

	case models.PhaseFlying:
		e.target = fairness.DeriveCrashMultiplier(r.ServerSeed, e.cfg.HouseEdgeBps)
		e.flight = fairness.FlightDuration(e.target)
		elapsed := now.Sub(r.FlyStartTime)
		if elapsed >= e.flight || e.liveMultiplier(elapsed).GreaterThanOrEqual(e.target) {
			// the crash point passed while we were down
			return e.crashRound(ctx, e.target)
		}
		e.lastPersist = now
		e.startTicker()

	case models.PhaseCrashed:
		if !r.Settled {
			if err := e.settle(ctx); err != nil {
				e.roundLog().Errorf("settlement deferred: %v", err)
			}
		}
		e.armCooldown(e.cfg.Cooldown - now.Sub(r.UpdatedAt))
	}

	e.broadcast()
	return nil
}
