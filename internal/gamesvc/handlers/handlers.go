package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/avvvet/crash-services/internal/comm"
	"github.com/avvvet/crash-services/internal/gamesvc/engine"
	"github.com/avvvet/crash-services/internal/gamesvc/models"
	"github.com/avvvet/crash-services/internal/gamesvc/service"
	"github.com/avvvet/crash-services/internal/gamesvc/store"
	"github.com/go-chi/chi"
	"github.com/go-chi/jwtauth"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

type Game interface {
	Current(ctx context.Context) (comm.RoundState, error)
	PlaceBet(ctx context.Context, address string, amount decimal.Decimal) (*models.Bet, error)
	CashOut(ctx context.Context, betID int64) (*models.Bet, error)
	ForceCrash(ctx context.Context) error
}

type Leaderboard interface {
	GetTop(ctx context.Context, limit int) ([]*models.LeaderboardEntry, error)
	GetEntry(ctx context.Context, address string) (*models.LeaderboardEntry, error)
}

type History interface {
	Latest(ctx context.Context, limit int) ([]*models.GameHistory, error)
}

type Verifier interface {
	Verify(ctx context.Context, roundID int64) (*service.Verification, error)
}

type Outbox interface {
	ListByStatus(ctx context.Context, status string, limit int) ([]*models.OutboxItem, error)
	Requeue(ctx context.Context, id int64) error
}

type Handler struct {
	tokenAuth   *jwtauth.JWTAuth
	service     string
	port        string
	game        Game
	leaderboard Leaderboard
	history     History
	verifier    Verifier
	outbox      Outbox
}

type Deps struct {
	Game        Game
	Leaderboard Leaderboard
	History     History
	Verifier    Verifier
	Outbox      Outbox
}

func NewHandler(serviceName, port string, deps Deps) *Handler {
	return &Handler{
		service:     serviceName,
		port:        port,
		game:        deps.Game,
		leaderboard: deps.Leaderboard,
		history:     deps.History,
		verifier:    deps.Verifier,
		outbox:      deps.Outbox,
	}
}

type Response struct {
	Message string      `json:"message"`
	Code    int         `json:"code"`
	Data    interface{} `json:"data"`
	Error   string      `json:"error"`
}

func (rs *Handler) CreateResponse(w http.ResponseWriter, rsp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rsp.Code)

	json.NewEncoder(w).Encode(rsp)
}

// fail maps an error onto a status code. Caller-facing kinds keep their
// reason in Message so clients can branch on it.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	kind := engine.KindOf(err)
	switch {
	case kind == engine.KindValidation:
		code = http.StatusBadRequest
	case kind == engine.KindPhaseConflict, errors.Is(err, service.ErrRoundNotFinished):
		code = http.StatusConflict
	case kind == engine.KindNotFound, errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	case kind == engine.KindExternalService, errors.Is(err, engine.ErrStopped):
		code = http.StatusServiceUnavailable
	}

	rsp := Response{Code: code, Message: engine.ReasonOf(err), Error: kind.String()}
	if code == http.StatusInternalServerError {
		log.WithField("path", r.URL.Path).Errorf("request failed: %v", err)
	} else {
		rsp.Error = err.Error()
	}
	h.CreateResponse(w, rsp)
}

func (h *Handler) badRequest(w http.ResponseWriter, msg string) {
	h.CreateResponse(w, Response{Code: http.StatusBadRequest, Message: msg, Error: engine.KindValidation.String()})
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	rsp := Response{
		Message: h.service + " service is running at port " + h.port,
		Code:    200,
		Data:    nil,
	}
	h.CreateResponse(w, rsp)
}

func (h *Handler) CurrentRoundHandler(w http.ResponseWriter, r *http.Request) {
	st, err := h.game.Current(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.CreateResponse(w, Response{Message: "current round", Code: http.StatusOK, Data: st})
}

func (h *Handler) PlaceBetHandler(w http.ResponseWriter, r *http.Request) {
	var req comm.PlaceBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}
	bet, err := h.game.PlaceBet(r.Context(), req.Address, req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.CreateResponse(w, Response{Message: "bet placed", Code: http.StatusCreated, Data: bet})
}

func (h *Handler) CashOutHandler(w http.ResponseWriter, r *http.Request) {
	betID, err := strconv.ParseInt(chi.URLParam(r, "betId"), 10, 64)
	if err != nil || betID <= 0 {
		h.badRequest(w, "invalid bet id")
		return
	}
	bet, err := h.game.CashOut(r.Context(), betID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.CreateResponse(w, Response{Message: "cashed out", Code: http.StatusOK, Data: bet})
}

func (h *Handler) VerifyRoundHandler(w http.ResponseWriter, r *http.Request) {
	roundID, err := strconv.ParseInt(chi.URLParam(r, "roundId"), 10, 64)
	if err != nil || roundID <= 0 {
		h.badRequest(w, "invalid round id")
		return
	}
	v, err := h.verifier.Verify(r.Context(), roundID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.CreateResponse(w, Response{Message: "round verification", Code: http.StatusOK, Data: v})
}

// queryLimit reads ?limit=, 0 lets the service pick its default.
func queryLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (h *Handler) LeaderboardHandler(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(r)
	if !ok {
		h.badRequest(w, "invalid limit")
		return
	}
	top, err := h.leaderboard.GetTop(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if top == nil {
		top = []*models.LeaderboardEntry{}
	}
	h.CreateResponse(w, Response{Message: "leaderboard", Code: http.StatusOK, Data: top})
}

func (h *Handler) PlayerHandler(w http.ResponseWriter, r *http.Request) {
	entry, err := h.leaderboard.GetEntry(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.CreateResponse(w, Response{Message: "player", Code: http.StatusOK, Data: entry})
}

func (h *Handler) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(r)
	if !ok {
		h.badRequest(w, "invalid limit")
		return
	}
	list, err := h.history.Latest(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*models.GameHistory{}
	}
	h.CreateResponse(w, Response{Message: "history", Code: http.StatusOK, Data: list})
}

func (h *Handler) ForceCrashHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.game.ForceCrash(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	_, claims, _ := jwtauth.FromContext(r.Context())
	log.WithField("claims", claims).Warn("round force crashed by operator")
	h.CreateResponse(w, Response{Message: "round crashed", Code: http.StatusOK})
}

func (h *Handler) FailedOutboxHandler(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(r)
	if !ok {
		h.badRequest(w, "invalid limit")
		return
	}
	if limit == 0 {
		limit = 100
	}
	items, err := h.outbox.ListByStatus(r.Context(), models.OutboxFailed, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if items == nil {
		items = []*models.OutboxItem{}
	}
	h.CreateResponse(w, Response{Message: "failed settlements", Code: http.StatusOK, Data: items})
}

func (h *Handler) RetryOutboxHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.badRequest(w, "invalid outbox id")
		return
	}
	if err := h.outbox.Requeue(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.CreateResponse(w, Response{Message: "requeued", Code: http.StatusOK})
}
