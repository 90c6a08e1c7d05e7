package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"edon/pkg/antibypass"
	"edon/pkg/audit"
	"edon/pkg/authenticator"
	"edon/pkg/connectors"
	"edon/pkg/governor"
	"edon/pkg/hardening"
	"edon/pkg/httpx"
	"edon/pkg/metrics"
	"edon/pkg/ratelimit"
	"edon/pkg/store"
	"edon/pkg/telemetry"
	"edon/pkg/vault"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Server holds everything a request handler needs: the store, the
// governance and audit pipeline, the connector registry and the
// metrics registry. One instance is built in runGateway and shared
// across every request.
type Server struct {
	DB         gatewayDB
	Redis      *redis.Client
	Store      *store.Store
	Audit      *audit.Writer
	Vault      *vault.Vault
	Auth       *authenticator.Authenticator
	Connectors *connectors.Registry

	GovernorConfig       governor.Config
	RateLimiter          *ratelimit.MultiWindow
	AnonymousRateLimiter *ratelimit.MultiWindow
	Metrics              *metrics.Registry
	HTTPClient           *http.Client

	NetworkGatingEnabled        bool
	TokenHardeningOn            bool
	CredentialsStrictOn         bool
	DefaultClawdbotCredentialID string
	SandboxDir                  string

	TrustedProxyCIDRs   []*net.IPNet
	MaxRequestBodyBytes int64
}

// gatewayDB is the subset of *pgxpool.Pool that pkg/store and pkg/audit
// need. Both packages define their own narrower interfaces against the
// same underlying pool; this one is just wide enough to satisfy both.
type gatewayDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (*pgxpool.Pool, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = store.NewPostgresPool
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.counterGCLoop(context.Background())
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory rate limiting: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	apiToken := env("API_TOKEN", "")
	tokenHardening := env("TOKEN_HARDENING", "false") == "true"
	credentialsStrict := env("CREDENTIALS_STRICT", "false") == "true"
	networkGating := env("NETWORK_GATING", "false") == "true"
	auditSalt := env("AUDIT_HASH_SALT", "")
	auditRedact := strings.EqualFold(strings.TrimSpace(env("AUDIT_REDACT", "false")), "true")
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", validatorMaxRequestSize))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = validatorMaxRequestSize
	}
	sandboxDir := env("SANDBOX_DIR", "/var/lib/edon/sandbox")
	trustedProxyCIDRs := parseCIDRs(env("TRUSTED_PROXY_CIDRS", ""))

	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "AUDIT_HASH_SALT", Value: auditSalt},
		},
		APIToken:          apiToken,
		TokenHardening:    env("TOKEN_HARDENING", "false"),
		CredentialsStrict: env("CREDENTIALS_STRICT", "false"),
	}); err != nil {
		return err
	}

	clawdbotBaseURL := env("CLAWDBOT_GATEWAY_URL", "")
	startupCheck := antibypass.ValidateNetworkGating(clawdbotBaseURL, networkGating)
	if !startupCheck.Valid {
		return fmt.Errorf("gateway: network gating startup check failed: %s", startupCheck.Recommendation)
	}

	sqlStore := store.New(pool, redisClient)

	authEnabled := env("AUTH_ENABLED", "true") == "true"
	auth := authenticator.New(sqlStore, authenticator.Config{
		Enabled:             authEnabled,
		APIToken:            apiToken,
		AllowStaticToken:    env("ALLOW_STATIC_TOKEN", strconv.FormatBool(!isProductionLikeEnv(runtimeEnv))) == "true",
		DevTenantID:         env("DEV_TENANT_ID", "dev"),
		TokenBindingEnabled: env("TOKEN_BINDING_ENABLED", strconv.FormatBool(tokenHardening)) == "true",
	})

	httpClient := telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 30000))})

	v := &vault.Vault{
		Store:  sqlStore,
		Strict: credentialsStrict,
		Env:    vault.EnvFallbackFromLookup(os.LookupEnv),
	}
	if key := env("CREDENTIAL_ENCRYPTION_KEY", ""); len(key) == 32 {
		v.EncryptionKey = []byte(key)
	}

	registry := connectors.NewRegistry(
		connectors.NewClawdbotProxy(httpClient),
		connectors.NewFilesystemConnector(sandboxDir),
		connectors.NewEmailConnector(sandboxDir),
	)

	minuteLimit, hourLimit, dayLimit := ratelimit.DefaultAuthenticatedLimits()
	var minuteLimiter, hourLimiter, dayLimiter ratelimit.PeekCommitter
	if redisClient != nil {
		minuteLimiter = ratelimit.NewRedis(redisClient, time.Minute)
		hourLimiter = ratelimit.NewRedis(redisClient, time.Hour)
		dayLimiter = ratelimit.NewRedis(redisClient, 24*time.Hour)
	} else {
		minuteLimiter = ratelimit.NewInMemory(time.Minute)
		hourLimiter = ratelimit.NewInMemory(time.Hour)
		dayLimiter = ratelimit.NewInMemory(24 * time.Hour)
	}
	rl := ratelimit.NewMultiWindow(minuteLimiter, hourLimiter, dayLimiter, minuteLimit, hourLimit, dayLimit)

	anonMinuteLimit, anonHourLimit, anonDayLimit := ratelimit.DefaultAnonymousLimits()
	anonRl := ratelimit.NewMultiWindow(minuteLimiter, hourLimiter, dayLimiter, anonMinuteLimit, anonHourLimit, anonDayLimit)

	govCfg := governor.DefaultConfig()
	if v := envInt("MAX_ACTIONS_PER_MINUTE", 0); v > 0 {
		govCfg.MaxActionsPerMinute = v
	}
	if v := envInt("LOOP_DETECTION_THRESHOLD", 0); v > 0 {
		govCfg.LoopDetectionThreshold = v
	}
	if v := envInt("LOOP_DETECTION_WINDOW_SEC", 0); v > 0 {
		govCfg.LoopDetectionWindow = time.Duration(v) * time.Second
	}

	s := &Server{
		DB:                          pool,
		Redis:                       redisClient,
		Store:                       sqlStore,
		Audit:                       &audit.Writer{DB: pool, HashSalt: []byte(auditSalt), Redact: auditRedact},
		Vault:                       v,
		Auth:                        auth,
		Connectors:                  registry,
		GovernorConfig:              govCfg,
		RateLimiter:                 rl,
		AnonymousRateLimiter:        anonRl,
		Metrics:                     metrics.NewRegistry(),
		HTTPClient:                  httpClient,
		NetworkGatingEnabled:        networkGating,
		TokenHardeningOn:            tokenHardening,
		CredentialsStrictOn:         credentialsStrict,
		DefaultClawdbotCredentialID: env("DEFAULT_CLAWDBOT_CREDENTIAL_ID", ""),
		SandboxDir:                  sandboxDir,
		TrustedProxyCIDRs:           trustedProxyCIDRs,
		MaxRequestBodyBytes:         maxRequestBodyBytes,
	}

	r := chi.NewRouter()
	r.Use(recoverMiddleware)
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)

	authRouter := chi.NewRouter()
	authRouter.Use(s.Auth.Middleware)
	authRouter.Use(s.rateLimitMiddleware)
	authRouter.Post("/intent/set", s.handleIntentSet)
	authRouter.Get("/intent/get", s.handleIntentGet)
	authRouter.Post("/execute", s.handleExecute)
	authRouter.Post("/clawdbot/invoke", s.handleClawdbotInvoke)
	authRouter.Get("/audit/query", s.handleAuditQuery)
	authRouter.Get("/decisions/query", s.handleDecisionsQuery)
	authRouter.Get("/decisions/{id}", s.handleDecisionGet)
	authRouter.Post("/credentials/set", s.handleCredentialsSet)
	authRouter.Delete("/credentials/{id}", s.handleCredentialsDelete)
	authRouter.Get("/policy-packs", s.handlePolicyPacksList)
	authRouter.Post("/policy-packs/{name}/apply", s.handlePolicyPacksApply)
	authRouter.Post("/integrations/clawdbot/connect", s.handleClawdbotConnect)
	authRouter.Get("/account/integrations", s.handleAccountIntegrations)
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	authRouter.Get("/benchmark/trust-spec", s.Metrics.TrustSpecHandler(
		func() bool { return s.NetworkGatingEnabled },
		func() bool { return s.TokenHardeningOn },
		func() bool { return s.CredentialsStrictOn },
	))
	authRouter.Post("/plan", s.handlePlan)
	r.Mount("/", authRouter)

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
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

const validatorMaxRequestSize = 10 * 1024 * 1024

func (s *Server) counterGCLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.DB.Exec(ctx, `DELETE FROM counters WHERE expires_at < now()`); err != nil {
				log.Printf("counter gc: %v", err)
			}
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

// recoverMiddleware is the sole place a handler panic becomes a generic
// 500; every typed error (store.ErrNotFound, vault.ErrCredentialMissing,
// validator.Err*) is mapped to a status explicitly before it ever gets
// here.
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("panic handling %s %s: %v", r.Method, r.URL.Path, rec)
				httpx.Detail(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

// rateLimitMiddleware runs after Authenticator, so every request that
// reaches it already carries a resolved Principal; a request rejected
// here increments only the rate-limited counter, never a verdict one.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := authenticator.PrincipalFromContext(r.Context())
		key := principal.TenantID
		limiter := s.RateLimiter
		if key == "" {
			key = "anon:" + clientIP(r, s.TrustedProxyCIDRs)
			limiter = s.AnonymousRateLimiter
		}
		result := limiter.Evaluate(key)
		if !result.Allowed {
			s.Metrics.IncRateLimited()
			w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
			httpx.Detail(w, http.StatusTooManyRequests, fmt.Sprintf("rate limit exceeded (%s window)", result.ExceededWindow))
			return
		}
		next.ServeHTTP(w, r)
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

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Detail(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Detail(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

func parseCIDRs(raw string) []*net.IPNet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]*net.IPNet, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			if _, cidr, err := net.ParseCIDR(part); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}

// clientIP resolves the caller's address for anonymous rate-limit
// keying and audit context, trusting X-Forwarded-For only when
// RemoteAddr falls inside a configured proxy CIDR.
func clientIP(r *http.Request, trusted []*net.IPNet) string {
	remote := parseIP(r.RemoteAddr)
	if len(trusted) > 0 && remote != "" {
		ip := net.ParseIP(remote)
		for _, cidr := range trusted {
			if ip != nil && cidr.Contains(ip) {
				if fwd := strings.TrimSpace(strings.Split(r.Header.Get("X-Forwarded-For"), ",")[0]); fwd != "" {
					return fwd
				}
			}
		}
	}
	return remote
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
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
