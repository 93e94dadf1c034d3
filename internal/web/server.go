// Package web serves read-only holdings views over HTTP, including a
// server-sent event stream of snapshots.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/holdings/internal/domain"
	"github.com/vadiminshakov/holdings/internal/engine"
	"github.com/vadiminshakov/holdings/internal/pricing"
)

const heartbeatInterval = 30 * time.Second

// Server exposes the engine's read side.
type Server struct {
	l      *zap.Logger
	addr   string
	engine *engine.Engine
	market pricing.Source
	now    func() time.Time
}

// NewServer creates a server. A nil market source values with cached prices only.
func NewServer(l *zap.Logger, addr string, e *engine.Engine, market pricing.Source) *Server {
	if l == nil {
		l = zap.NewNop()
	}
	if market == nil {
		market = pricing.Static{}
	}
	return &Server{l: l, addr: addr, engine: e, market: market, now: time.Now}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/accounts", s.handleAccounts)
	mux.HandleFunc("/snapshot", s.handleSnapshot)
	mux.HandleFunc("/snapshot/stream", s.handleSnapshotStream)
	mux.HandleFunc("/tax/summary", s.handleTaxSummary)
	mux.HandleFunc("/tax/disposals", s.handleDisposals)
	mux.HandleFunc("/health-factor", s.handleHealthFactor)
	return mux
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.l.Info("http server listening", zap.String("addr", s.addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"currency":  s.engine.Currency(),
		"endpoints": []string{"/accounts", "/snapshot", "/snapshot/stream", "/tax/summary", "/tax/disposals", "/health-factor"},
	})
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	ids, err := s.engine.Accounts(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"accounts": ids})
}

// account resolves the account query parameter to a known account.
func (s *Server) account(r *http.Request) (string, error) {
	id := domain.NormalizeAccount(r.URL.Query().Get("account"))
	if id == "" {
		return "", errors.Wrap(domain.ErrInvalidEvent, "account query parameter is required")
	}
	ids, err := s.engine.Accounts(r.Context())
	if err != nil {
		return "", err
	}
	for _, known := range ids {
		if known == id {
			return id, nil
		}
	}
	return "", errors.Wrapf(domain.ErrNotFound, "account %s", id)
}

func (s *Server) snapshot(ctx context.Context, account, currency string) (domain.PortfolioSnapshot, error) {
	m, err := s.market.Market(ctx)
	if err != nil {
		return domain.PortfolioSnapshot{}, errors.Wrap(err, "load market data")
	}
	if currency != "" {
		m.Currency = currency
	}
	if m.AsOf.IsZero() {
		m.AsOf = s.now().UTC()
	}
	return s.engine.Snapshot(ctx, account, m)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	account, err := s.account(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	snap, err := s.snapshot(r.Context(), account, r.URL.Query().Get("currency"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	if archive, _ := strconv.ParseBool(r.URL.Query().Get("archive")); archive {
		key, err := s.engine.ArchiveSnapshot(r.Context(), snap)
		if err != nil {
			s.writeError(w, err)
			return
		}
		w.Header().Set("X-Snapshot-Archive-Key", key)
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleTaxSummary(w http.ResponseWriter, r *http.Request) {
	account, err := s.account(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	year := s.now().UTC().Year()
	if raw := r.URL.Query().Get("year"); raw != "" {
		if year, err = strconv.Atoi(raw); err != nil || year < 1970 {
			s.writeError(w, errors.Wrapf(domain.ErrInvalidEvent, "bad year %q", raw))
			return
		}
	}
	summary, err := s.engine.AnnualSummary(r.Context(), account, year)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleDisposals(w http.ResponseWriter, r *http.Request) {
	account, err := s.account(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	disposals, err := s.engine.Disposals(r.Context(), account, domain.NormalizeID(r.URL.Query().Get("asset")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if disposals == nil {
		disposals = []domain.DisposalRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"account": account, "disposals": disposals})
}

func (s *Server) handleHealthFactor(w http.ResponseWriter, r *http.Request) {
	account, err := s.account(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	m, err := s.market.Market(r.Context())
	if err != nil {
		s.writeError(w, errors.Wrap(err, "load market data"))
		return
	}
	report, err := s.engine.HealthFactor(r.Context(), account, m.Prices)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// handleSnapshotStream sends the account's snapshot now and again after every
// applied event for that account.
func (s *Server) handleSnapshotStream(w http.ResponseWriter, r *http.Request) {
	notifier := s.engine.Notifier()
	if notifier == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "change notifications not available")
		return
	}
	account, err := s.account(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// subscribe before the first snapshot so no change slips between them
	sub := notifier.Subscribe()
	defer notifier.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	currency := r.URL.Query().Get("currency")
	send := func() error {
		snap, err := s.snapshot(r.Context(), account, currency)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "event: snapshot\n")
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
		return nil
	}

	if err := send(); err != nil {
		s.l.Error("snapshot stream initial load", zap.String("account", account), zap.Error(err))
		fmt.Fprintf(w, "event: error\ndata: %q\n\n", err.Error())
		flusher.Flush()
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case n, ok := <-sub:
			if !ok {
				return
			}
			if n.Account != account {
				continue
			}
			if err := send(); err != nil {
				s.l.Warn("snapshot stream update", zap.String("account", account), zap.Error(err))
			}
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.l.Warn("write response", zap.Error(err))
	}
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case domain.IsDataInconsistency(err):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case domain.IsInvalidInput(err):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrPriceUnavailable):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.l.Error("request failed", zap.Error(err))
	}
	s.writeJSON(w, status, map[string]string{"error": strings.TrimSpace(err.Error())})
}
