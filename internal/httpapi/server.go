package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/Limen/server/internal/errs"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/service"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/store"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/types"
)

const (
	deviceTokenHeader = "X-Device-Token"
	botTokenHeader    = "X-Bot-Token"
	adminTokenHeader  = "X-Admin-Token"

	defaultLogLimit = 50
	maxLogLimit     = 500
)

type Dependencies struct {
	Logger       *zap.Logger
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string

	// BotToken and AdminToken are shared secrets; empty disables the route.
	BotToken   string
	AdminToken string

	Authenticator *service.DeviceAuthenticator
	Decisions     *service.AccessDecisionEngine
	Binding       *service.BindingService
	Unlocker      *service.UnlockDispatcher
	AccessLogs    store.AccessLogReader
}

type Server struct {
	httpServer *http.Server
	logger     *zap.Logger

	auth      *service.DeviceAuthenticator
	decisions *service.AccessDecisionEngine
	binding   *service.BindingService
	unlocker  *service.UnlockDispatcher
	logs      store.AccessLogReader
}

func NewServer(d Dependencies) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		logger:    logger,
		auth:      d.Authenticator,
		decisions: d.Decisions,
		binding:   d.Binding,
		unlocker:  d.Unlocker,
		logs:      d.AccessLogs,
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(accessLog(logger))
	r.Use(recoverer(logger))
	if len(d.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: d.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", adminTokenHeader},
			ExposedHeaders: []string{requestIDHeader},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/access/verify", s.handleAccessVerify)
		r.With(requireToken(adminTokenHeader, d.AdminToken)).Get("/access/logs", s.handleAccessLogs)

		r.Route("/bot", func(r chi.Router) {
			r.Use(requireToken(botTokenHeader, d.BotToken))
			r.Post("/check-status", s.handleBotCheckStatus)
			r.Post("/request-code", s.handleBotRequestCode)
			r.Post("/verify-code", s.handleBotVerifyCode)
			r.Post("/unlock", s.handleBotUnlock)
			r.Post("/logout", s.handleBotLogout)
		})
	})

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       d.ReadTimeout,
		WriteTimeout:      d.WriteTimeout,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAccessVerify(w http.ResponseWriter, r *http.Request) {
	wantProto := isProtobuf(r)

	var (
		req types.AccessRequest
		err error
	)
	if wantProto {
		req, err = readAccessRequestProto(r)
	} else {
		err = decodeJSON(w, r, &req)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	device, err := s.auth.Authenticate(r.Context(), req.DeviceID, r.Header.Get(deviceTokenHeader))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrDeviceNotFound), errors.Is(err, service.ErrInvalidSecret):
			writeError(w, http.StatusUnauthorized, "unauthorized_device", "invalid device credentials")
		case errors.Is(err, service.ErrDeviceDisabled):
			writeError(w, http.StatusForbidden, "device_disabled", "device is disabled")
		default:
			s.internalError(w, r, "device authentication", err)
		}
		return
	}

	dec, err := s.decisions.Decide(r.Context(), req.CardUID, device)
	if err != nil {
		if errors.Is(err, errs.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "invalid_card_uid", "card_uid is required")
			return
		}
		s.internalError(w, r, "access decision", err)
		return
	}

	resp := accessResponseFromDecision(dec)
	if wantProto {
		writeProto(w, http.StatusOK, encodeAccessResponse(resp))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAccessLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxLogLimit)
	}

	recs, err := s.logs.ListAccessLogs(r.Context(), limit)
	if err != nil {
		s.internalError(w, r, "list access logs", err)
		return
	}
	writeJSON(w, http.StatusOK, accessLogEntries(recs))
}

// internalError logs err and answers with a generic 500. Service errors
// never carry secrets or codes, so err is safe to log.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error(op+" failed",
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
}

// decodeJSON reads a size-capped JSON body and rejects unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, types.ErrorResponse{Error: code, Message: message})
}
