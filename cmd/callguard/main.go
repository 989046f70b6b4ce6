package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"callguard/pkg/audit"
	"callguard/pkg/auth"
	"callguard/pkg/gateway"
	"callguard/pkg/httpx"
	"callguard/pkg/identity"
	"callguard/pkg/metrics"
	"callguard/pkg/ratelimit"
	"callguard/pkg/secctx"
	"callguard/pkg/stream"
	"callguard/pkg/telemetry"
	"callguard/pkg/tools"
)

// Server holds the wired security pipeline behind the HTTP surface.
type Server struct {
	Store               gateway.Store
	Contexts            *secctx.Manager
	Executor            *tools.Executor
	Audit               *audit.Logger
	Metrics             *metrics.Registry
	Events              *stream.Hub
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	MaxRequestBodyBytes int64
}

type storeCloser interface {
	Close()
}

type initTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type openDBFunc func(ctx context.Context) (gateway.Store, storeCloser, error)
type openRedisFunc func(ctx context.Context) (*redis.Client, error)
type listenFunc func(server *http.Server) error
type startLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        = openStore
	openRedisFn     = gateway.NewRedis
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFn    = func(s *Server) {
		go s.Contexts.SweepLoop(context.Background(), envDurationSec("SWEEP_INTERVAL_SEC", 300))
		go s.activeContextsLoop(context.Background())
	}
)

func main() {
	if err := runService(initTelemetryFn, openDBFn, openRedisFn, listenFn, startLoopsFn); err != nil {
		logFatalf("callguard: %v", err)
	}
}

func openStore(ctx context.Context) (gateway.Store, storeCloser, error) {
	if env("STORE_BACKEND", "postgres") == "memory" {
		return gateway.NewMemory(), nil, nil
	}
	pool, err := gateway.NewPostgresPool(ctx)
	if err != nil {
		return nil, nil, err
	}
	return gateway.NewPostgres(pool), pool, nil
}

func runService(
	initTelemetry initTelemetryFunc,
	openDB openDBFunc,
	openRedis openRedisFunc,
	listen listenFunc,
	startLoops startLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "callguard")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	store, closer, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, using in-memory registry and limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	hub := stream.NewHub()
	sinks := []audit.Sink{audit.LogSink{}}
	if execer, ok := closer.(interface {
		Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	}); ok {
		sinks = append(sinks, &audit.PostgresSink{DB: execer})
	}
	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		topic := env("KAFKA_AUDIT_TOPIC", "callguard.audit")
		sinks = append(sinks, audit.NewKafkaSink(strings.Split(brokers, ","), topic))
	}
	auditLogger := audit.NewLogger(hub, env("AUDIT_REDACT_PHONE", "true") == "true", sinks...)

	var registry secctx.Registry
	if redisClient != nil {
		registry = secctx.NewRedisRegistry(redisClient)
	} else {
		registry = secctx.NewMemoryRegistry()
	}

	ttl := envDurationSec("CONTEXT_TTL_SEC", 3600)
	manager := secctx.NewManager(store, registry, auditLogger, ttl)

	rateLimitEnabled := env("RATE_LIMIT_ENABLED", "true") == "true"
	rateLimit := envInt("RATE_LIMIT_CALLS_PER_WINDOW", 10)
	rateWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient, rateLimit, rateWindow)
	} else {
		limiter = ratelimit.NewMemory(rateLimit, rateWindow)
	}

	s := &Server{
		Store:               store,
		Contexts:            manager,
		Executor:            tools.NewExecutor(store, manager, tools.NewRegistry(), auditLogger),
		Audit:               auditLogger,
		Metrics:             metrics.NewRegistry(),
		Events:              hub,
		RateLimiter:         limiter,
		RateLimitEnabled:    rateLimitEnabled,
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
	// The hook counts expiries from the background sweep and operator
	// cleanups alike, one per destroyed context.
	manager.ExpiredHook = func(destroyed int) {
		s.Metrics.AddContextEvent("expired", int64(destroyed))
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("callguard"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "callguard"})
	})

	webhookRouter := chi.NewRouter()
	webhookRouter.Use(auth.WebhookSecretMiddleware(env("WEBHOOK_SECRET", "")))
	webhookRouter.Post("/voice", s.handleVoiceWebhook)
	r.Mount("/webhook", webhookRouter)

	operatorRouter := chi.NewRouter()
	operatorRouter.Use(auth.OperatorTokenMiddleware(env("OPERATOR_TOKEN", "")))
	operatorRouter.Get("/metrics", s.Metrics.Handler())
	operatorRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	operatorRouter.Get("/v1/contexts", s.listContexts)
	operatorRouter.Get("/v1/contexts/{call_id}", s.getContext)
	operatorRouter.Post("/v1/cleanup", s.runCleanup)
	operatorRouter.Get("/v1/stream", s.streamEvents)
	r.Mount("/", operatorRouter)

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8090")
	log.Printf("callguard listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

type webhookRequest struct {
	Type string `json:"type"`
	Call struct {
		ID       string            `json:"id"`
		From     string            `json:"from"`
		To       string            `json:"to"`
		Metadata map[string]string `json:"metadata"`
	} `json:"call"`
	Tool struct {
		Name       string         `json:"name"`
		Parameters map[string]any `json:"parameters"`
	} `json:"tool"`
}

// handleVoiceWebhook is the single entry point for the voice platform. The
// platform serializes events per call leg, so per-call ordering holds here.
func (s *Server) handleVoiceWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid webhook payload")
		return
	}
	switch req.Type {
	case "call.started":
		s.handleCallStarted(w, r, req)
	case "tool.called":
		s.handleToolCalled(w, r, req)
	case "call.ended":
		s.handleCallEnded(w, r, req)
	default:
		httpx.Error(w, http.StatusBadRequest, fmt.Sprintf("unknown event type %q", req.Type))
	}
}

func (s *Server) handleCallStarted(w http.ResponseWriter, r *http.Request, req webhookRequest) {
	if req.Call.ID == "" || req.Call.From == "" {
		httpx.Error(w, http.StatusBadRequest, "call id and caller number required")
		return
	}
	metadata := req.Call.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	if req.Call.To != "" && metadata["calledNumber"] == "" {
		metadata["calledNumber"] = req.Call.To
	}

	if s.RateLimitEnabled && s.RateLimiter != nil {
		verdict := s.RateLimiter.AllowCall(identity.NormalizePhone(req.Call.From))
		if !verdict.Allowed {
			s.Metrics.IncContextEvent("rate_limited")
			w.Header().Set("Retry-After", strconv.Itoa(int(verdict.RetryAfter.Seconds())+1))
			httpx.Error(w, http.StatusTooManyRequests, "too many call attempts")
			return
		}
	}

	sc, err := s.Contexts.Create(r.Context(), req.Call.ID, req.Call.From, metadata)
	if err != nil {
		if errors.Is(err, secctx.ErrUnauthorized) {
			s.Metrics.IncContextEvent("rejected")
			// Generic wording; the caller learns nothing about which
			// lookup failed.
			httpx.WriteJSON(w, http.StatusForbidden, map[string]any{
				"authorized": false,
				"error":      "not authorized for this service",
			})
			return
		}
		log.Printf("context creation failed for call %s: %v", req.Call.ID, err)
		httpx.Error(w, http.StatusInternalServerError, "context creation failed")
		return
	}
	s.Metrics.IncContextEvent("created")
	s.Metrics.IncContextLevel(string(sc.SecurityLevel))
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"authorized":     true,
		"call_id":        sc.CallID,
		"security_level": sc.SecurityLevel,
		"expires_at":     sc.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleToolCalled(w http.ResponseWriter, r *http.Request, req webhookRequest) {
	if req.Call.ID == "" || req.Tool.Name == "" {
		httpx.Error(w, http.StatusBadRequest, "call id and tool name required")
		return
	}
	res, err := s.Executor.Execute(r.Context(), req.Tool.Name, req.Tool.Parameters, req.Call.ID)
	s.Metrics.IncToolOutcome(req.Tool.Name, res.Authorized)
	switch {
	case errors.Is(err, secctx.ErrNoContext):
		httpx.Error(w, http.StatusNotFound, "no security context found")
		return
	case errors.Is(err, secctx.ErrContextExpired):
		httpx.WriteJSON(w, http.StatusForbidden, res)
		return
	case errors.Is(err, tools.ErrUnknownTool):
		httpx.WriteJSON(w, http.StatusBadRequest, res)
		return
	case err != nil:
		log.Printf("tool %s failed for call %s: %v", req.Tool.Name, req.Call.ID, err)
		httpx.Error(w, http.StatusInternalServerError, "tool execution failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleCallEnded(w http.ResponseWriter, r *http.Request, req webhookRequest) {
	if req.Call.ID == "" {
		httpx.Error(w, http.StatusBadRequest, "call id required")
		return
	}
	s.Contexts.Destroy(r.Context(), req.Call.ID)
	s.Metrics.IncContextEvent("destroyed")
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ended", "call_id": req.Call.ID})
}

func (s *Server) getContext(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "call_id")
	sc, ok := s.Contexts.Context(r.Context(), callID)
	if !ok {
		httpx.Error(w, http.StatusNotFound, "no security context found")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sc)
}

func (s *Server) listContexts(w http.ResponseWriter, r *http.Request) {
	contexts, err := s.Contexts.Registry.List(r.Context())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "registry list failed")
		return
	}
	summaries := make([]map[string]any, 0, len(contexts))
	for _, sc := range contexts {
		summaries = append(summaries, map[string]any{
			"call_id":        sc.CallID,
			"phone_number":   audit.RedactPhone(sc.PhoneNumber),
			"tenant_id":      sc.TenantID,
			"security_level": sc.SecurityLevel,
			"issued_at":      sc.IssuedAt.Format(time.RFC3339),
			"expires_at":     sc.ExpiresAt.Format(time.RFC3339),
			"trail_length":   len(sc.AuditTrail),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"contexts": summaries, "count": len(summaries)})
}

func (s *Server) runCleanup(w http.ResponseWriter, r *http.Request) {
	n, err := s.Contexts.CleanupExpired(r.Context())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]int{"destroyed": n})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := splitList(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	filter := stream.Filter{
		CallID:   strings.TrimSpace(r.URL.Query().Get("call_id")),
		TenantID: strings.TrimSpace(r.URL.Query().Get("tenant_id")),
	}
	sub := s.Events.Subscribe(64, filter)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub.C:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.Metrics.Observe(r.Method+" "+r.URL.Path, rec.status, time.Since(start))
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// activeContextsLoop refreshes the live-context gauge; the count is advisory
// and a stale reading between ticks is acceptable.
func (s *Server) activeContextsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			contexts, err := s.Contexts.Registry.List(ctx)
			if err != nil {
				continue
			}
			live := 0
			now := time.Now().UTC()
			for _, sc := range contexts {
				if !sc.Expired(now) {
					live++
				}
			}
			s.Metrics.SetActiveContexts(float64(live))
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
