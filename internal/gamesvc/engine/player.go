package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/avvvet/crash-services/internal/gamesvc/models"
	"github.com/avvvet/crash-services/internal/gamesvc/settlement"
	"github.com/avvvet/crash-services/internal/gamesvc/store"
	"github.com/shopspring/decimal"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{1,62}$`)

// amounts carry the ledger's token scale, so amount * multiplier stays exact
// within the 8 decimals payouts are stored with
const (
	amountPlaces = settlement.TokenDecimals
	payoutPlaces = amountPlaces + settlement.MultiplierDecimals
)

func (e *Engine) validateBet(address string, amount decimal.Decimal) error {
	if !addressPattern.MatchString(address) {
		return newError(KindValidation, ReasonInvalidAddress, fmt.Errorf("bad address %q", address))
	}
	if amount.LessThan(e.cfg.MinBet) || amount.GreaterThan(e.cfg.MaxBet) {
		return newError(KindValidation, ReasonInvalidAmount,
			fmt.Errorf("amount %s outside [%s, %s]", amount, e.cfg.MinBet, e.cfg.MaxBet))
	}
	if !amount.Equal(amount.Truncate(amountPlaces)) {
		return newError(KindValidation, ReasonInvalidAmount, fmt.Errorf("amount %s has too many decimals", amount))
	}
	return nil
}

func (e *Engine) placeBet(ctx context.Context, address string, amount decimal.Decimal) (*models.Bet, error) {
	if e.round == nil {
		return nil, newError(KindPhaseConflict, ReasonNoRound, nil)
	}
	if e.round.Phase != models.PhaseBetting {
		return nil, newError(KindPhaseConflict, ReasonNotBetting, nil)
	}
	address = strings.ToLower(strings.TrimSpace(address))
	if err := e.validateBet(address, amount); err != nil {
		return nil, err
	}
	for _, b := range e.bets {
		if strings.EqualFold(b.Address, address) {
			return nil, newError(KindValidation, ReasonDuplicateBet, nil)
		}
	}

	r := e.round
	var bet *models.Bet
	err := e.withTimeout(ctx, func(ctx context.Context) error {
		b, err := e.deps.Bets.InsertBet(ctx, r.RoundID, address, amount, e.now())
		bet = b
		return err
	})
	switch {
	case errors.Is(err, store.ErrDuplicateBet):
		return nil, newError(KindValidation, ReasonDuplicateBet, nil)
	case errors.Is(err, store.ErrPhaseChanged):
		return nil, newError(KindPhaseConflict, ReasonNotBetting, err)
	case err != nil:
		return nil, fmt.Errorf("failed to place bet: %w", err)
	}

	e.bets = append(e.bets, bet)
	r.TotalBets = r.TotalBets.Add(bet.Amount)
	e.recordEvent(ctx, models.BetEvent{Kind: models.BetEventWager, Address: bet.Address, Amount: bet.Amount, At: bet.Timestamp})
	e.deps.Settlement.RelayBet(*bet)
	e.broadcast()
	return bet, nil
}

func (e *Engine) findBet(betID int64) *models.Bet {
	for _, b := range e.bets {
		if b.ID == betID {
			return b
		}
	}
	return nil
}

// cashOut pays a bet at the live multiplier. If the crash point has already
// been reached the round crashes first and the cashout loses.
func (e *Engine) cashOut(ctx context.Context, betID int64) (*models.Bet, error) {
	bet := e.findBet(betID)
	if bet == nil {
		return nil, e.classifyForeignBet(ctx, betID)
	}
	if bet.CashedOut {
		return nil, newError(KindPhaseConflict, ReasonAlreadyCashedOut, nil)
	}
	r := e.round
	if r.Phase != models.PhaseFlying {
		return nil, newError(KindPhaseConflict, ReasonNotFlying, nil)
	}

	multiplier := e.liveMultiplier(e.now().Sub(r.FlyStartTime))
	if multiplier.GreaterThanOrEqual(e.target) {
		if err := e.crashRound(ctx, e.target); err != nil {
			e.roundLog().Errorf("crash failed: %v", err)
		}
		return nil, newError(KindPhaseConflict, ReasonNotFlying, nil)
	}
	payout := bet.Amount.Mul(multiplier).Truncate(payoutPlaces)

	var settled *models.Bet
	err := e.withTimeout(ctx, func(ctx context.Context) error {
		b, err := e.deps.Bets.CashOut(ctx, bet.ID, r.RoundID, multiplier, payout)
		settled = b
		return err
	})
	switch {
	case errors.Is(err, store.ErrAlreadyCashedOut):
		return nil, newError(KindPhaseConflict, ReasonAlreadyCashedOut, nil)
	case errors.Is(err, store.ErrPhaseChanged):
		return nil, newError(KindPhaseConflict, ReasonNotFlying, err)
	case errors.Is(err, store.ErrNotFound):
		return nil, newError(KindNotFound, ReasonBetNotFound, err)
	case err != nil:
		return nil, fmt.Errorf("failed to cash out bet %d: %w", betID, err)
	}

	*bet = *settled
	r.TotalPayouts = r.TotalPayouts.Add(payout)
	e.recordEvent(ctx, models.BetEvent{
		Kind:       models.BetEventCashout,
		Address:    bet.Address,
		Amount:     bet.Amount,
		Payout:     payout,
		Multiplier: multiplier,
		At:         e.now(),
	})
	e.deps.Settlement.RelayCashout(*bet)
	e.broadcast()
	return bet, nil
}

// classifyForeignBet explains why a bet outside the current round cannot be
// cashed out.
func (e *Engine) classifyForeignBet(ctx context.Context, betID int64) error {
	var stored *models.Bet
	err := e.withTimeout(ctx, func(ctx context.Context) error {
		b, err := e.deps.Bets.GetBet(ctx, betID)
		stored = b
		return err
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return newError(KindNotFound, ReasonBetNotFound, nil)
	case err != nil:
		return fmt.Errorf("failed to look up bet %d: %w", betID, err)
	case stored.CashedOut:
		return newError(KindPhaseConflict, ReasonAlreadyCashedOut, nil)
	}
	return newError(KindPhaseConflict, ReasonNotFlying, nil)
}
