// Package httpx exposes the engine over a JSON REST API with event streams.
package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/CuAuPro/switchyard/internal/domain"
	"github.com/CuAuPro/switchyard/internal/service/auth"
	"github.com/CuAuPro/switchyard/internal/service/registry"
	"github.com/CuAuPro/switchyard/internal/ws"
)

// Engine is the subset of the registry the API drives.
type Engine interface {
	List(ctx context.Context) ([]domain.ServiceDetail, error)
	Get(ctx context.Context, serviceID string) (domain.ServiceDetail, error)
	Register(ctx context.Context, actor domain.Actor, in registry.RegisterInput) (domain.ServiceDetail, error)
	Configure(ctx context.Context, actor domain.Actor, in registry.ConfigureInput) (domain.ServiceDetail, error)
	Start(ctx context.Context, actor domain.Actor, serviceID, label string) (domain.ServiceDetail, error)
	Stop(ctx context.Context, actor domain.Actor, serviceID, label string) (domain.ServiceDetail, error)
	Switch(ctx context.Context, actor domain.Actor, in registry.SwitchInput) (domain.ServiceDetail, error)
	Deploy(ctx context.Context, actor domain.Actor, in registry.DeployInput) (domain.Deployment, error)
	Delete(ctx context.Context, actor domain.Actor, serviceID string) error
}

// Authenticator issues and checks access tokens.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (auth.Session, error)
	Authorize(ctx context.Context, token string) (*domain.User, error)
	Me(ctx context.Context, userID string) (*domain.User, error)
}

// Options carries the router's collaborators.
type Options struct {
	Engine     Engine
	Auth       Authenticator
	Hub        *ws.Hub
	Limiter    RateLimiter
	Metrics    *Metrics
	DBHealth   func(context.Context) error
	RateLimit  int
	RateWindow time.Duration
}

// Router wires HTTP endpoints to the engine.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	engine     Engine
	auth       Authenticator
	hub        *ws.Hub
	upgrader   websocket.Upgrader
	limiter    RateLimiter
	metrics    *Metrics
	dbHealth   func(context.Context) error
	rateLimit  int
	rateWindow time.Duration
	heartbeat  time.Duration
}

const (
	rateLimitLogin     = 12
	rateWindowDefault  = time.Minute
	healthCheckTimeout = 2 * time.Second
	streamHeartbeat    = 25 * time.Second
	maxBodyBytes       = 1 << 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, opts Options) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger.With("component", "http"),
		engine: opts.Engine,
		auth:   opts.Auth,
		hub:    opts.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		limiter:    opts.Limiter,
		metrics:    opts.Metrics,
		dbHealth:   opts.DBHealth,
		rateLimit:  opts.RateLimit,
		rateWindow: opts.RateWindow,
		heartbeat:  streamHeartbeat,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.rateWindow <= 0 {
		r.rateWindow = rateWindowDefault
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	if r.metrics != nil {
		r.mux.Handle("/metrics", r.metrics.Handler())
	}
	r.mux.HandleFunc("/api/auth/login", r.audit("/api/auth/login", r.withRateLimit("/api/auth/login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/api/auth/me", r.audit("/api/auth/me", r.authed("/api/auth/me", r.handleMe)))
	r.mux.HandleFunc("/api/services", r.audit("/api/services", r.authed("/api/services", r.handleServices)))
	r.mux.HandleFunc("/api/services/", r.audit("/api/services/{id}", r.authed("/api/services/{id}", r.handleServiceSubroutes)))
	r.mux.HandleFunc("/api/events/ws", r.audit("/api/events/ws", r.requireStreamAuth(r.handleEventsWS)))
	r.mux.HandleFunc("/api/events/stream", r.audit("/api/events/stream", r.requireStreamAuth(r.handleEventsSSE)))
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeBody(w, req, &payload) {
		return
	}
	session, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		r.logger.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (r *Router) handleMe(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, _ := authInfoFromContext(req.Context())
	user, err := r.auth.Me(req.Context(), info.UserID)
	if err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (r *Router) handleServices(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		services, err := r.engine.List(req.Context())
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, services)
	case http.MethodPost:
		var payload registry.RegisterInput
		if !decodeBody(w, req, &payload) {
			return
		}
		detail, err := r.engine.Register(req.Context(), actorFrom(req), payload)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, detail)
	default:
		r.methodNotAllowed(w)
	}
}

// handleServiceSubroutes dispatches /api/services/{id}[/...].
func (r *Router) handleServiceSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/services/"), "/")
	parts := strings.Split(trimmed, "/")
	serviceID := parts[0]
	if serviceID == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		r.handleService(w, req, serviceID)
	case len(parts) == 2 && parts[1] == "deployments":
		r.handleDeploy(w, req, serviceID)
	case len(parts) == 2 && parts[1] == "switch":
		r.handleSwitch(w, req, serviceID)
	case len(parts) == 4 && parts[1] == "environments" && (parts[3] == "start" || parts[3] == "stop"):
		r.handleLifecycle(w, req, serviceID, parts[2], parts[3])
	default:
		r.notFound(w)
	}
}

func (r *Router) handleService(w http.ResponseWriter, req *http.Request, serviceID string) {
	switch req.Method {
	case http.MethodGet:
		detail, err := r.engine.Get(req.Context(), serviceID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
	case http.MethodPatch:
		var payload registry.ConfigureInput
		if !decodeBody(w, req, &payload) {
			return
		}
		payload.ServiceID = serviceID
		detail, err := r.engine.Configure(req.Context(), actorFrom(req), payload)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
	case http.MethodDelete:
		if err := r.engine.Delete(req.Context(), actorFrom(req), serviceID); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request, serviceID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload registry.DeployInput
	if !decodeBody(w, req, &payload) {
		return
	}
	payload.ServiceID = serviceID
	deployment, err := r.engine.Deploy(req.Context(), actorFrom(req), payload)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, deployment)
}

func (r *Router) handleSwitch(w http.ResponseWriter, req *http.Request, serviceID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload registry.SwitchInput
	if !decodeBody(w, req, &payload) {
		return
	}
	payload.ServiceID = serviceID
	detail, err := r.engine.Switch(req.Context(), actorFrom(req), payload)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (r *Router) handleLifecycle(w http.ResponseWriter, req *http.Request, serviceID, label, action string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var (
		detail domain.ServiceDetail
		err    error
	)
	if action == "start" {
		detail, err = r.engine.Start(req.Context(), actorFrom(req), serviceID, label)
	} else {
		detail, err = r.engine.Stop(req.Context(), actorFrom(req), serviceID, label)
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func actorFrom(req *http.Request) domain.Actor {
	info, _ := authInfoFromContext(req.Context())
	return info.actor()
}

func decodeBody(w http.ResponseWriter, req *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.metrics.recordRequest(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = string(info.Role)
			fields = append(fields, "user_id", info.UserID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		sr.status = http.StatusSwitchingProtocols
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
