package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/avvvet/crash-services/internal/gamesvc/store"
	"github.com/lestrrat-go/backoff/v2"
	log "github.com/sirupsen/logrus"
)

// retry runs op until it succeeds, fails with an error retryable rejects, or
// CreateAttempts attempts have been spent. Waits between attempts follow the
// engine's exponential policy with jitter.
func (e *Engine) retry(ctx context.Context, op string, retryable func(error) bool, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var err error
	b := e.policy.Start(ctx)
	for attempt := 1; backoff.Continue(b); attempt++ {
		err = e.withTimeout(ctx, fn)
		if err == nil || !retryable(err) {
			return err
		}
		log.WithFields(log.Fields{"op": op, "attempt": attempt}).Warnf("retrying: %v", err)
		if attempt >= e.attempts() {
			break
		}
	}
	if err == nil {
		if err = ctx.Err(); err == nil {
			err = fmt.Errorf("%s: retry budget exhausted", op)
		}
	}
	return err
}

func (e *Engine) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.cfg.StoreTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	return fn(ctx)
}

func (e *Engine) attempts() int {
	if e.cfg.CreateAttempts <= 0 {
		return 1
	}
	return e.cfg.CreateAttempts
}

func isConflict(err error) bool {
	return errors.Is(err, store.ErrConflict)
}

// isTransient is the retry rule for phase transitions: anything except a
// definite answer from the store or a cancelled context.
func isTransient(err error) bool {
	switch {
	case errors.Is(err, store.ErrPhaseChanged),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrRoundLive),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}
