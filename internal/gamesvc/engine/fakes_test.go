package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/avvvet/crash-services/internal/comm"
	"github.com/avvvet/crash-services/internal/gamesvc/models"
	"github.com/avvvet/crash-services/internal/gamesvc/store"
	"github.com/shopspring/decimal"
)

// memStore mimics the postgres stores closely enough for the engine: the
// same phase guards and the same sentinel errors.
type memStore struct {
	mu      sync.Mutex
	rounds  []*models.Round
	bets    []*models.Bet
	history map[int64]*models.GameHistory

	createErrs  []error
	createCalls int
}

func newMemStore() *memStore {
	return &memStore{history: map[int64]*models.GameHistory{}}
}

func (s *memStore) round(id int64) *models.Round {
	if id < 1 || int(id) > len(s.rounds) {
		return nil
	}
	return s.rounds[id-1]
}

func (s *memStore) CreateNextRound(ctx context.Context, r *models.Round) (*models.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	if len(s.createErrs) > 0 {
		err := s.createErrs[0]
		s.createErrs = s.createErrs[1:]
		return nil, err
	}
	if n := len(s.rounds); n > 0 && s.rounds[n-1].Phase != models.PhaseCrashed {
		return nil, store.ErrRoundLive
	}
	created := *r
	created.RoundID = int64(len(s.rounds) + 1)
	created.Phase = models.PhaseBetting
	created.TotalBets = decimal.Zero
	created.TotalPayouts = decimal.Zero
	created.CreatedAt = r.StartTime
	created.UpdatedAt = r.StartTime
	s.rounds = append(s.rounds, &created)
	out := created
	return &out, nil
}

func (s *memStore) LatestRound(ctx context.Context) (*models.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rounds) == 0 {
		return nil, store.ErrNotFound
	}
	out := *s.rounds[len(s.rounds)-1]
	return &out, nil
}

func (s *memStore) MarkFlying(ctx context.Context, roundID int64, flyStart time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.round(roundID)
	if r == nil || r.Phase != models.PhaseBetting {
		return store.ErrPhaseChanged
	}
	r.Phase = models.PhaseFlying
	r.FlyStartTime = flyStart
	r.CurrentMultiplier = decimal.NewFromInt(1)
	return nil
}

func (s *memStore) UpdateLive(ctx context.Context, roundID int64, current decimal.Decimal, pos models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.round(roundID); r != nil && r.Phase == models.PhaseFlying {
		r.CurrentMultiplier = decimal.Max(r.CurrentMultiplier, current)
		r.PlanePosition = pos
	}
	return nil
}

func (s *memStore) MarkCrashed(ctx context.Context, roundID int64, crash decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.round(roundID)
	if r == nil {
		return store.ErrPhaseChanged
	}
	if r.Phase == models.PhaseCrashed && !r.CrashMultiplier.Decimal.Equal(crash) {
		return store.ErrPhaseChanged
	}
	r.Phase = models.PhaseCrashed
	r.CrashMultiplier = decimal.NewNullDecimal(crash)
	r.CurrentMultiplier = crash
	return nil
}

func (s *memStore) SettleRound(ctx context.Context, roundID int64) (*models.GameHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.round(roundID)
	if r == nil || r.Phase != models.PhaseCrashed {
		return nil, store.ErrPhaseChanged
	}
	if h, ok := s.history[roundID]; ok {
		return h, nil
	}
	h := &models.GameHistory{
		ID:              int64(len(s.history) + 1),
		RoundID:         roundID,
		CrashMultiplier: r.CrashMultiplier.Decimal,
		TotalBets:       r.TotalBets,
		TotalPayouts:    r.TotalPayouts,
		ServerSeed:      r.ServerSeed,
		ServerSeedHash:  r.ServerSeedHash,
	}
	for _, b := range s.bets {
		if b.RoundID != roundID {
			continue
		}
		h.PlayersCount++
		if b.CashedOut {
			h.WinnersCount++
		} else if !b.Payout.Valid {
			b.Payout = decimal.NewNullDecimal(decimal.Zero)
		}
	}
	s.history[roundID] = h
	r.Settled = true
	return h, nil
}

func (s *memStore) InsertBet(ctx context.Context, roundID int64, address string, amount decimal.Decimal, at time.Time) (*models.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.round(roundID)
	if r == nil || r.Phase != models.PhaseBetting {
		return nil, store.ErrPhaseChanged
	}
	for _, b := range s.bets {
		if b.RoundID == roundID && strings.EqualFold(b.Address, address) {
			return nil, store.ErrDuplicateBet
		}
	}
	b := &models.Bet{ID: int64(len(s.bets) + 1), RoundID: roundID, Address: address, Amount: amount, Timestamp: at}
	s.bets = append(s.bets, b)
	r.TotalBets = r.TotalBets.Add(amount)
	out := *b
	return &out, nil
}

func (s *memStore) CashOut(ctx context.Context, betID, roundID int64, multiplier, payout decimal.Decimal) (*models.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if betID < 1 || int(betID) > len(s.bets) {
		return nil, store.ErrNotFound
	}
	b := s.bets[betID-1]
	if b.CashedOut {
		return nil, store.ErrAlreadyCashedOut
	}
	r := s.round(roundID)
	if r == nil || r.Phase != models.PhaseFlying || b.RoundID != roundID {
		return nil, store.ErrPhaseChanged
	}
	b.CashedOut = true
	b.CashoutMultiplier = decimal.NewNullDecimal(multiplier)
	b.Payout = decimal.NewNullDecimal(payout)
	r.TotalPayouts = r.TotalPayouts.Add(payout)
	out := *b
	return &out, nil
}

func (s *memStore) GetBet(ctx context.Context, betID int64) (*models.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if betID < 1 || int(betID) > len(s.bets) {
		return nil, store.ErrNotFound
	}
	out := *s.bets[betID-1]
	return &out, nil
}

func (s *memStore) BetsForRound(ctx context.Context, roundID int64) ([]*models.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Bet
	for _, b := range s.bets {
		if b.RoundID == roundID {
			c := *b
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *memStore) snapshot(roundID int64) models.Round {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.round(roundID)
}

func (s *memStore) roundCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rounds)
}

func (s *memStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createCalls
}

func (s *memStore) historyFor(roundID int64) *models.GameHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history[roundID]
}

func (s *memStore) Latest(ctx context.Context, limit int) ([]*models.GameHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.GameHistory
	for i := len(s.rounds); i >= 1 && len(out) < limit; i-- {
		if h, ok := s.history[int64(i)]; ok {
			out = append(out, h)
		}
	}
	return out, nil
}

type fakeBoard struct {
	mu     sync.Mutex
	events []models.BetEvent
}

func (f *fakeBoard) UpdateFromBet(ctx context.Context, ev models.BetEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeBoard) kinds() []models.BetEventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.BetEventKind
	for _, ev := range f.events {
		out = append(out, ev.Kind)
	}
	return out
}

type fakeSettlement struct {
	mu       sync.Mutex
	settled  []models.Round
	bets     [][]models.Bet
	relayed  int
	cashouts int
}

func (f *fakeSettlement) Settle(round models.Round, bets []models.Bet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settled = append(f.settled, round)
	f.bets = append(f.bets, bets)
}

func (f *fakeSettlement) RelayBet(models.Bet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relayed++
}

func (f *fakeSettlement) RelayCashout(models.Bet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cashouts++
}

func (f *fakeSettlement) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.settled)
}

type recorder struct {
	mu        sync.Mutex
	states    []comm.RoundState
	histories int
}

func (r *recorder) PublishState(st comm.RoundState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st)
}

func (r *recorder) PublishHistory([]*models.GameHistory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.histories++
}

func (r *recorder) first() comm.RoundState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[0]
}

func (r *recorder) historyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.histories
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}
