package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/avvvet/crash-services/internal/comm"
	"github.com/avvvet/crash-services/internal/gamesvc/engine"
	"github.com/avvvet/crash-services/internal/gamesvc/models"
	"github.com/avvvet/crash-services/internal/gamesvc/service"
	"github.com/avvvet/crash-services/internal/gamesvc/store"
	"github.com/go-chi/chi"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGame struct {
	state     comm.RoundState
	betErr    error
	cashErr   error
	crashed   bool
	lastBet   comm.PlaceBetRequest
	lastBetID int64
}

func (f *fakeGame) Current(ctx context.Context) (comm.RoundState, error) { return f.state, nil }

func (f *fakeGame) PlaceBet(ctx context.Context, address string, amount decimal.Decimal) (*models.Bet, error) {
	f.lastBet = comm.PlaceBetRequest{Address: address, Amount: amount}
	if f.betErr != nil {
		return nil, f.betErr
	}
	return &models.Bet{ID: 1, RoundID: 1, Address: address, Amount: amount}, nil
}

func (f *fakeGame) CashOut(ctx context.Context, betID int64) (*models.Bet, error) {
	f.lastBetID = betID
	if f.cashErr != nil {
		return nil, f.cashErr
	}
	return &models.Bet{ID: betID, CashedOut: true}, nil
}

func (f *fakeGame) ForceCrash(ctx context.Context) error {
	f.crashed = true
	return nil
}

type fakeBoard struct{ limit int }

func (f *fakeBoard) GetTop(ctx context.Context, limit int) ([]*models.LeaderboardEntry, error) {
	f.limit = limit
	return nil, nil
}

func (f *fakeBoard) GetEntry(ctx context.Context, address string) (*models.LeaderboardEntry, error) {
	if address == "0xmissing" {
		return nil, fmt.Errorf("get entry: %w", store.ErrNotFound)
	}
	return &models.LeaderboardEntry{Address: address}, nil
}

type fakeHistory struct{}

func (fakeHistory) Latest(ctx context.Context, limit int) ([]*models.GameHistory, error) {
	return []*models.GameHistory{{RoundID: 3}}, nil
}

type fakeVerifier struct{}

func (fakeVerifier) Verify(ctx context.Context, roundID int64) (*service.Verification, error) {
	if roundID == 2 {
		return nil, service.ErrRoundNotFinished
	}
	return &service.Verification{RoundID: roundID, HashMatches: true}, nil
}

type fakeOutbox struct{ requeued []int64 }

func (f *fakeOutbox) ListByStatus(ctx context.Context, status string, limit int) ([]*models.OutboxItem, error) {
	return []*models.OutboxItem{{ID: 4, Status: status}}, nil
}

func (f *fakeOutbox) Requeue(ctx context.Context, id int64) error {
	f.requeued = append(f.requeued, id)
	return nil
}

type fixture struct {
	router *chi.Mux
	h      *Handler
	game   *fakeGame
	board  *fakeBoard
	outbox *fakeOutbox
}

func newFixture() *fixture {
	f := &fixture{
		game:   &fakeGame{state: comm.RoundState{Round: models.Round{RoundID: 9, Phase: models.PhaseBetting}}},
		board:  &fakeBoard{},
		outbox: &fakeOutbox{},
	}
	f.h = NewHandler("game", "8080", Deps{
		Game:        f.game,
		Leaderboard: f.board,
		History:     fakeHistory{},
		Verifier:    fakeVerifier{},
		Outbox:      f.outbox,
	})
	f.h.InitAuth("test-secret", false)
	f.router = chi.NewRouter()
	f.h.SetRoutes(f.router)
	return f
}

func (f *fixture) do(method, path, body, token string) (*httptest.ResponseRecorder, Response) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	var rsp Response
	_ = json.Unmarshal(rec.Body.Bytes(), &rsp)
	return rec, rsp
}

func (f *fixture) token(t *testing.T) string {
	_, tok, err := f.h.tokenAuth.Encode(map[string]interface{}{"role": "operator"})
	require.NoError(t, err)
	return tok
}

func TestHealth(t *testing.T) {
	f := newFixture()
	rec, rsp := f.do(http.MethodGet, "/v1/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rsp.Message, "8080")
}

func TestCurrentRound(t *testing.T) {
	f := newFixture()
	rec, _ := f.do(http.MethodGet, "/v1/rounds/current", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data comm.RoundState `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(9), body.Data.Round.RoundID)
}

func TestPlaceBet(t *testing.T) {
	f := newFixture()
	rec, _ := f.do(http.MethodPost, "/v1/rounds/bets", `{"address":"0xabc","amount":"10.5"}`, "")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "0xabc", f.game.lastBet.Address)
	assert.True(t, f.game.lastBet.Amount.Equal(decimal.RequireFromString("10.5")))

	rec, _ = f.do(http.MethodPost, "/v1/rounds/bets", `{not json`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		reason string
	}{
		{"validation", &engine.Error{Kind: engine.KindValidation, Reason: engine.ReasonInvalidAmount}, http.StatusBadRequest, engine.ReasonInvalidAmount},
		{"phase", &engine.Error{Kind: engine.KindPhaseConflict, Reason: engine.ReasonNotBetting}, http.StatusConflict, engine.ReasonNotBetting},
		{"not found", &engine.Error{Kind: engine.KindNotFound, Reason: engine.ReasonBetNotFound}, http.StatusNotFound, engine.ReasonBetNotFound},
		{"stopped", engine.ErrStopped, http.StatusServiceUnavailable, ""},
		{"internal", fmt.Errorf("boom"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			f.game.betErr = tc.err
			rec, rsp := f.do(http.MethodPost, "/v1/rounds/bets", `{"address":"0xabc","amount":"1"}`, "")
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.reason, rsp.Message)
			if tc.status == http.StatusInternalServerError {
				assert.NotContains(t, rsp.Error, "boom", "internal errors stay in the log")
			}
		})
	}
}

func TestCashOut(t *testing.T) {
	f := newFixture()
	rec, _ := f.do(http.MethodPost, "/v1/rounds/bets/42/cashout", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(42), f.game.lastBetID)

	rec, _ = f.do(http.MethodPost, "/v1/rounds/bets/abc/cashout", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.game.cashErr = &engine.Error{Kind: engine.KindPhaseConflict, Reason: engine.ReasonAlreadyCashedOut}
	rec, rsp := f.do(http.MethodPost, "/v1/rounds/bets/42/cashout", "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, engine.ReasonAlreadyCashedOut, rsp.Message)
}

func TestVerifyRound(t *testing.T) {
	f := newFixture()
	rec, _ := f.do(http.MethodGet, "/v1/rounds/5/verify", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(http.MethodGet, "/v1/rounds/2/verify", "", "")
	assert.Equal(t, http.StatusConflict, rec.Code, "live rounds keep their seed")
}

func TestLeaderboardAndHistory(t *testing.T) {
	f := newFixture()
	rec, _ := f.do(http.MethodGet, "/v1/leaderboard?limit=7", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7, f.board.limit)
	assert.Contains(t, rec.Body.String(), `"data":[]`)

	rec, _ = f.do(http.MethodGet, "/v1/leaderboard?limit=x", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(http.MethodGet, "/v1/leaderboard/0xmissing", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(http.MethodGet, "/v1/history", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"round_id":3`)
}

func TestAdminRoutesNeedToken(t *testing.T) {
	f := newFixture()
	rec, _ := f.do(http.MethodPost, "/v1/admin/rounds/crash", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, f.game.crashed)

	tok := f.token(t)
	rec, _ = f.do(http.MethodPost, "/v1/admin/rounds/crash", "", tok)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.game.crashed)

	rec, _ = f.do(http.MethodGet, "/v1/admin/outbox/failed", "", tok)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"failed"`)

	rec, _ = f.do(http.MethodPost, "/v1/admin/outbox/4/retry", "", tok)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{4}, f.outbox.requeued)
}
