// Package api is the HTTP surface the chat front end talks to.
//
// The front end is a trusted collaborator: it authenticates members with the
// chat platform and forwards who they are in the X-Realm-ID, X-Member-ID,
// X-Member-Name and X-Member-Joined-At headers. Those headers are the trust
// boundary. They are taken as given, and the join date drives the tenure
// credit, so the listener must only be reachable by the front end.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"repbot/internal/apperr"
	"repbot/internal/docstore"
	"repbot/internal/game"
	"repbot/internal/jobs"
	"repbot/internal/ledger"
	"repbot/internal/lottery"
	"repbot/internal/metrics"
)

const (
	HeaderRealmID  = "X-Realm-ID"
	HeaderMemberID = "X-Member-ID"
	HeaderName     = "X-Member-Name"
	HeaderJoinedAt = "X-Member-Joined-At"
)

type contextKey string

const memberContextKey contextKey = "member"

type Server struct {
	log       *slog.Logger
	game      *game.Service
	scheduler *jobs.Scheduler
	metrics   *metrics.Collector
	validate  *validator.Validate
	mux       *chi.Mux
}

func New(logger *slog.Logger, gameSvc *game.Service, scheduler *jobs.Scheduler, m *metrics.Collector) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		log:       logger,
		game:      gameSvc,
		scheduler: scheduler,
		metrics:   m,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		mux:       chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/jobs", s.handleJobs)
		r.Get("/jobs/dead", s.handleDeadJobs)
		r.Post("/jobs/dead/{id}/requeue", s.handleRequeue)

		r.Group(func(r chi.Router) {
			r.Use(s.memberMiddleware)
			r.Get("/me/balance", s.handleBalance)
			r.Post("/transfers", s.handleTransfer)
			r.Post("/guess", s.handleGuess)
			r.Post("/roll", s.handleRoll)

			r.Post("/roulette", s.handleCreateRoulette)
			r.Get("/roulette/{id}", s.handleGame(lottery.KindRoulette))
			r.Post("/roulette/{id}/join", s.handleJoinRoulette)

			r.Post("/sardines", s.handleCreateSardines)
			r.Get("/sardines/{id}", s.handleGame(lottery.KindSardines))
			r.Post("/sardines/{id}/join", s.handleJoinSardines)
		})
	})
}

func (s *Server) memberMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m, err := memberFromHeaders(r.Header)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), memberContextKey, m)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func memberFromHeaders(h http.Header) (ledger.Member, error) {
	realm := strings.TrimSpace(h.Get(HeaderRealmID))
	principal := strings.TrimSpace(h.Get(HeaderMemberID))
	if realm == "" || principal == "" {
		return ledger.Member{}, fmt.Errorf("missing %s or %s header", HeaderRealmID, HeaderMemberID)
	}
	raw := strings.TrimSpace(h.Get(HeaderJoinedAt))
	if raw == "" {
		return ledger.Member{}, fmt.Errorf("missing %s header", HeaderJoinedAt)
	}
	joined, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return ledger.Member{}, fmt.Errorf("invalid %s header: %w", HeaderJoinedAt, err)
	}
	name := strings.TrimSpace(h.Get(HeaderName))
	if name == "" {
		name = principal
	}
	return ledger.Member{
		Account:  ledger.Account{Realm: realm, Principal: principal},
		Name:     name,
		JoinedAt: joined,
	}, nil
}

func memberFromContext(ctx context.Context) (ledger.Member, error) {
	m, ok := ctx.Value(memberContextKey).(ledger.Member)
	if !ok || !m.Valid() {
		return ledger.Member{}, errors.New("missing member context")
	}
	return m, nil
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	m, err := memberFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	balance, err := s.game.Balance(r.Context(), m)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"realm":     m.Realm,
		"principal": m.Principal,
		"balance":   balance,
	})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	m, err := memberFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		ToID   string `json:"to_id" validate:"required"`
		Amount int64  `json:"amount" validate:"gt=0"`
	}
	if !s.decode(w, r, &in) {
		return
	}
	to := ledger.Account{Realm: m.Realm, Principal: strings.TrimSpace(in.ToID)}
	if err := s.game.Transfer(r.Context(), m, to, in.Amount); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "to_id": to.Principal, "amount": in.Amount})
}

func (s *Server) handleGuess(w http.ResponseWriter, r *http.Request) {
	m, err := memberFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		Number int `json:"number" validate:"min=1,max=100"`
	}
	if !s.decode(w, r, &in) {
		return
	}
	res, err := s.game.Guess(r.Context(), m, in.Number)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRoll(w http.ResponseWriter, r *http.Request) {
	m, err := memberFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		Dice    string `json:"dice" validate:"omitempty,max=32"`
		Verbose bool   `json:"verbose"`
	}
	if r.ContentLength != 0 && !s.decode(w, r, &in) {
		return
	}
	res, err := s.game.Roll(in.Dice, in.Verbose)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":  m.Name,
		"dice":  res.Dice,
		"total": res.Total,
		"rolls": res.Rolls,
	})
}

type createGameRequest struct {
	Bet              int64  `json:"bet" validate:"gt=0"`
	InteractionToken string `json:"interaction_token" validate:"omitempty,max=512"`
}

func (s *Server) handleCreateRoulette(w http.ResponseWriter, r *http.Request) {
	m, err := memberFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in createGameRequest
	if !s.decode(w, r, &in) {
		return
	}
	view, err := s.game.CreateRoulette(r.Context(), m, in.Bet, in.InteractionToken)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleCreateSardines(w http.ResponseWriter, r *http.Request) {
	m, err := memberFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in createGameRequest
	if !s.decode(w, r, &in) {
		return
	}
	view, err := s.game.CreateSardines(r.Context(), m, in.Bet, in.InteractionToken)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleGame(kind lottery.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := s.game.Game(r.Context(), kind, chi.URLParam(r, "id"))
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// Joining a game that has already been resolved is silently ignored.
func (s *Server) handleJoinRoulette(w http.ResponseWriter, r *http.Request) {
	m, err := memberFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	view, err := s.game.JoinRoulette(r.Context(), chi.URLParam(r, "id"), m)
	if apperr.IsNotFound(err) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleJoinSardines(w http.ResponseWriter, r *http.Request) {
	m, err := memberFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	res, err := s.game.JoinSardines(r.Context(), chi.URLParam(r, "id"), m)
	if apperr.IsNotFound(err) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	records, err := s.scheduler.Pending(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": records})
}

func (s *Server) handleDeadJobs(w http.ResponseWriter, r *http.Request) {
	dead, err := s.scheduler.DeadLetters(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": dead})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	rec, err := s.scheduler.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := decodeJSON(r, out); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	if err := s.validate.Struct(out); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case apperr.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case apperr.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, docstore.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}
