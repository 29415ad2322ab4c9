package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stakeportal/connect"
	perrors "stakeportal/core/errors"
	"stakeportal/core/types"
	"stakeportal/gateway/middleware"
	"stakeportal/history"
	"stakeportal/notify"
)

const maxBodyBytes = 1 << 16

// Connector starts the wallet connection.
type Connector interface {
	ConnectWallet(ctx context.Context) (connect.Result, error)
}

// Sessions exposes the current wallet session.
type Sessions interface {
	Snapshot() types.WalletSession
}

// Actions runs contract actions and balance refreshes.
type Actions interface {
	Submit(ctx context.Context, kind types.ActionKind, amount string) (types.PendingAction, error)
	Refresh(ctx context.Context, trigger string) (types.DerivedBalances, error)
	Pending() []types.PendingAction
}

// History lists settled actions.
type History interface {
	Recent(ctx context.Context, account common.Address, limit int) ([]history.Entry, error)
}

// Events is the stream pushed over /events.
type Events interface {
	Subscribe(ctx context.Context, cursor string) (<-chan notify.Envelope, func(), []notify.Envelope)
}

// Config wires the gateway to the portal components. History, Events and
// Gatherer are optional; their routes answer 404 when unset.
type Config struct {
	Connector         Connector
	Sessions          Sessions
	Actions           Actions
	History           History
	Events            Events
	Gatherer          prometheus.Gatherer
	Registerer        prometheus.Registerer
	RequestsPerSecond float64
	Burst             int
	AllowedOrigins    []string
	Logger            *slog.Logger
}

// Server is the local HTTP and websocket surface for a UI layer.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	handler http.Handler
}

// New validates cfg and builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Connector == nil || cfg.Sessions == nil || cfg.Actions == nil {
		return nil, fmt.Errorf("gateway: connector, sessions and actions are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	perSecond := s.cfg.RequestsPerSecond
	if perSecond <= 0 {
		perSecond = 5
	}
	burst := s.cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"read": {RatePerSecond: perSecond, Burst: burst},
		"write": {
			RatePerSecond: perSecond,
			Burst:         burst,
			DefaultTokens: 1,
			Tokens:        map[string]int{"POST /connect": 2},
		},
	}, s.logger)
	obs := middleware.NewObservability(middleware.ObservabilityConfig{}, s.cfg.Registerer, s.logger)

	r := chi.NewRouter()
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: s.cfg.AllowedOrigins}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(read chi.Router) {
		read.Use(limiter.Middleware("read"))
		read.With(obs.Middleware("session")).Get("/session", s.handleSession)
		read.With(obs.Middleware("balances")).Get("/balances", s.handleBalances)
		read.With(obs.Middleware("history")).Get("/history", s.handleHistory)
		read.With(obs.Middleware("events")).Get("/events", s.handleEvents)
	})
	r.Group(func(write chi.Router) {
		write.Use(limiter.Middleware("write"))
		write.With(obs.Middleware("connect")).Post("/connect", s.handleConnect)
		write.With(obs.Middleware("actions")).Post("/actions/{kind}", s.handleAction)
	})
	return r
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", slog.String("addr", listener.Addr().String()))
		errCh <- srv.Serve(listener)
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("gateway: shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type sessionResponse struct {
	Session types.WalletSession   `json:"session"`
	Pending []types.PendingAction `json:"pending"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionResponse{
		Session: s.cfg.Sessions.Snapshot(),
		Pending: s.cfg.Actions.Pending(),
	})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	result, err := s.cfg.Connector.ConnectWallet(r.Context())
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type balancesResponse struct {
	Raw       types.DerivedBalances   `json:"raw"`
	Formatted types.FormattedBalances `json:"formatted"`
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := s.cfg.Actions.Refresh(r.Context(), "request")
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, balancesResponse{Raw: balances, Formatted: balances.Format()})
}

type actionRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	kind, err := types.ParseActionKind(chi.URLParam(r, "kind"))
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %w", perrors.ErrValidation, err), nil)
		return
	}
	var req actionRequest
	if kind.TakesAmount() {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err := dec.Decode(&req); err != nil {
			s.writeError(w, fmt.Errorf("%w: invalid request body: %w", perrors.ErrValidation, err), nil)
			return
		}
	}
	// Submission outlives the request.
	action, err := s.cfg.Actions.Submit(context.WithoutCancel(r.Context()), kind, req.Amount)
	if err != nil {
		s.writeError(w, err, &action)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		http.NotFound(w, r)
		return
	}
	var account common.Address
	if raw := strings.TrimSpace(r.URL.Query().Get("account")); raw != "" {
		if !common.IsHexAddress(raw) {
			s.writeError(w, fmt.Errorf("%w: invalid account %q", perrors.ErrValidation, raw), nil)
			return
		}
		account = common.HexToAddress(raw)
	} else if ws := s.cfg.Sessions.Snapshot(); ws.Connected {
		account = ws.Address
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, fmt.Errorf("%w: invalid limit %q", perrors.ErrValidation, raw), nil)
			return
		}
		limit = parsed
	}
	entries, err := s.cfg.History.Recent(r.Context(), account, limit)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type errorResponse struct {
	Error   perrors.Kind         `json:"error"`
	Message string               `json:"message"`
	Action  *types.PendingAction `json:"action,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error, action *types.PendingAction) {
	kind := perrors.Classify(err)
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("gateway request failed", slog.String("kind", string(kind)), slog.Any("error", err))
	}
	if action != nil && action.ID == uuid.Nil {
		action = nil
	}
	writeJSON(w, status, errorResponse{Error: kind, Message: err.Error(), Action: action})
}

// StatusFor maps an action error onto an HTTP status.
func StatusFor(err error) int {
	switch perrors.Classify(err) {
	case perrors.KindNone:
		return http.StatusOK
	case perrors.KindValidation:
		return http.StatusBadRequest
	case perrors.KindInFlight:
		return http.StatusConflict
	case perrors.KindNoSession, perrors.KindProviderMissing:
		return http.StatusPreconditionFailed
	case perrors.KindUserRejected:
		return http.StatusForbidden
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
