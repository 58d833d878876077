package main

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agentloop/config"
	"github.com/BaSui01/agentloop/internal/metrics"
	"github.com/BaSui01/agentloop/types"
)

// Middleware 类型定义
type Middleware func(http.Handler) http.Handler

// Chain 将多个中间件串联，第一个在最外层
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// statusWriter records the status code and body size of a response.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	written     int64
}

func newStatusWriter(w http.ResponseWriter) *statusWriter {
	return &statusWriter{ResponseWriter: w, status: http.StatusOK}
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Recovery panic 恢复中间件，返回 500
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					requestID, _ := types.RequestID(r.Context())
					logger.Error("panic recovered",
						zap.Any("error", err),
						zap.String("path", r.URL.Path),
						zap.String("request_id", requestID))
					writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID 透传 X-Request-ID，缺失时生成新的
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = "req-" + uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, r.WithContext(types.WithRequestID(r.Context(), id)))
		})
	}
}

// RequestLogger 请求日志中间件，每个请求一行
func RequestLogger(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := newStatusWriter(w)
			next.ServeHTTP(sw, r)
			requestID, _ := types.RequestID(r.Context())
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.status),
				zap.Int64("bytes", sw.written),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("request_id", requestID),
			)
		})
	}
}

// =============================================================================
// Metrics — records HTTP request metrics via metrics.Collector
// =============================================================================

// Metrics records request counts and latency. Paths are normalized to keep
// label cardinality bounded.
func Metrics(collector *metrics.Collector) Middleware {
	return func(next http.Handler) http.Handler {
		if collector == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := newStatusWriter(w)
			next.ServeHTTP(sw, r)
			collector.RecordHTTPRequest(r.Method, normalizePath(r.URL.Path), sw.status, time.Since(start))
		})
	}
}

// =============================================================================
// Tracing — OpenTelemetry HTTP tracing middleware
// =============================================================================

// Tracing opens a server span per request, continuing any incoming trace.
func Tracing() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := otel.Tracer("agentloop/http").Start(ctx, r.Method+" "+normalizePath(r.URL.Path),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			sw := newStatusWriter(w)
			next.ServeHTTP(sw, r.WithContext(ctx))
			span.SetAttributes(attribute.Int("http.response.status_code", sw.status))
		})
	}
}

// =============================================================================
// RateLimiter — per-client rate limiting middleware
// =============================================================================

// RateLimiter limits each client IP to rps requests per second with the
// given burst. Idle clients are forgotten after three minutes; the sweeper
// stops with ctx.
func RateLimiter(ctx context.Context, rps float64, burst int, logger *zap.Logger) Middleware {
	type visitor struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				for ip, v := range visitors {
					if time.Since(v.lastSeen) > 3*time.Minute {
						delete(visitors, ip)
					}
				}
				mu.Unlock()
			}
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			mu.Lock()
			v, ok := visitors[ip]
			if !ok {
				v = &visitor{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
				visitors[ip] = v
			}
			v.lastSeen = time.Now()
			mu.Unlock()

			if !v.limiter.Allow() {
				logger.Debug("rate limited", zap.String("ip", ip), zap.String("path", r.URL.Path))
				writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// Auth — API key and JWT Bearer authentication middleware
// =============================================================================

var (
	errMissingCredential = errors.New("missing credentials")
	errInvalidCredential = errors.New("invalid credentials")
)

// authenticator checks one kind of credential. present is false when the
// request does not carry that kind at all.
type authenticator func(r *http.Request) (principal string, present bool, err error)

// Auth accepts any credential configured in cfg: an API key or a bearer
// JWT. Requests to skipPaths pass through. The caller is stored with
// types.WithPrincipal.
func Auth(cfg config.AuthConfig, skipPaths []string, logger *zap.Logger) Middleware {
	var auths []authenticator
	if len(cfg.APIKeys) > 0 {
		auths = append(auths, apiKeyAuthenticator(cfg.APIKeys, cfg.AllowQueryAPIKey))
	}
	if cfg.JWT.Enabled() {
		auths = append(auths, jwtAuthenticator(cfg.JWT, logger))
	}
	return requireAuth(skipPaths, logger, auths...)
}

// APIKeyAuth requires one of keys in X-API-Key, or in ?api_key= when
// allowQuery is set.
func APIKeyAuth(keys []string, allowQuery bool, skipPaths []string, logger *zap.Logger) Middleware {
	return requireAuth(skipPaths, logger, apiKeyAuthenticator(keys, allowQuery))
}

// JWTAuth requires an Authorization: Bearer token signed with the HMAC
// secret (HS256) or the RSA public key (RS256) of cfg.
func JWTAuth(cfg config.JWTConfig, skipPaths []string, logger *zap.Logger) Middleware {
	return requireAuth(skipPaths, logger, jwtAuthenticator(cfg, logger))
}

func requireAuth(skipPaths []string, logger *zap.Logger, auths ...authenticator) Middleware {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			err := errMissingCredential
			for _, a := range auths {
				principal, present, aerr := a(r)
				if !present {
					continue
				}
				if aerr == nil {
					next.ServeHTTP(w, r.WithContext(types.WithPrincipal(r.Context(), principal)))
					return
				}
				err = aerr
			}
			requestID, _ := types.RequestID(r.Context())
			logger.Debug("request rejected",
				zap.String("path", r.URL.Path),
				zap.String("request_id", requestID),
				zap.Error(err))
			msg := errInvalidCredential.Error()
			if errors.Is(err, errMissingCredential) {
				msg = errMissingCredential.Error()
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="agentloop"`)
			writeError(w, http.StatusUnauthorized, "unauthorized", msg)
		})
	}
}

func apiKeyAuthenticator(keys []string, allowQuery bool) authenticator {
	return func(r *http.Request) (string, bool, error) {
		key := r.Header.Get("X-API-Key")
		if key == "" && allowQuery {
			key = r.URL.Query().Get("api_key")
		}
		if key == "" {
			return "", false, nil
		}
		for i, k := range keys {
			if subtle.ConstantTimeCompare([]byte(key), []byte(k)) == 1 {
				return fmt.Sprintf("api-key:%d", i), true, nil
			}
		}
		return "", true, errInvalidCredential
	}
}

func jwtAuthenticator(cfg config.JWTConfig, logger *zap.Logger) authenticator {
	var rsaKey *rsa.PublicKey
	if cfg.PublicKey != "" {
		if block, _ := pem.Decode([]byte(cfg.PublicKey)); block != nil {
			if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
				rsaKey, _ = pub.(*rsa.PublicKey)
			}
		}
		if rsaKey == nil {
			logger.Warn("failed to parse RSA public key, RS256 tokens will be rejected")
		}
	}
	secret := []byte(cfg.Secret)

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "RS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	keyFunc := func(token *jwt.Token) (any, error) {
		switch token.Method.Alg() {
		case "HS256":
			if len(secret) == 0 {
				return nil, fmt.Errorf("HMAC secret not configured")
			}
			return secret, nil
		case "RS256":
			if rsaKey == nil {
				return nil, fmt.Errorf("RSA public key not configured")
			}
			return rsaKey, nil
		default:
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
	}

	return func(r *http.Request) (string, bool, error) {
		header := r.Header.Get("Authorization")
		if header == "" {
			return "", false, nil
		}
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			return "", true, errInvalidCredential
		}
		claims := jwt.MapClaims{}
		if _, err := parser.ParseWithClaims(raw, claims, keyFunc); err != nil {
			return "", true, fmt.Errorf("%w: %v", errInvalidCredential, err)
		}
		// sub 优先，兼容 user_id 声明
		if sub, _ := claims.GetSubject(); sub != "" {
			return sub, true, nil
		}
		if uid, ok := claims["user_id"].(string); ok && uid != "" {
			return uid, true, nil
		}
		return "jwt", true, nil
	}
}

// SecurityHeaders 设置常用安全响应头
func SecurityHeaders() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Content-Security-Policy", "default-src 'self'")
			next.ServeHTTP(w, r)
		})
	}
}

// idSegment matches segments that look like generated identifiers.
var idSegment = regexp.MustCompile(`^(req-)?[0-9a-fA-F]{8,}(-[0-9a-fA-F]{4,}){0,4}$|^[0-9]+$`)

// normalizePath collapses per-resource segments of the API into
// placeholders:
//
//	/v1/runs/4f1c...e9   -> /v1/runs/:id
//	/v1/workflows/x/runs -> /v1/workflows/:name/runs
//	/v1/events/order     -> /v1/events/:name
func normalizePath(path string) string {
	switch path {
	case "/healthz", "/readyz", "/metrics", "/v1/workflows", "/v1/triggers", "/v1/runs":
		return path
	}

	segments := strings.Split(path, "/")
	if len(segments) >= 4 && segments[1] == "v1" {
		switch segments[2] {
		case "workflows", "events":
			segments[3] = ":name"
		case "triggers", "runs":
			segments[3] = ":id"
		}
		return strings.Join(segments, "/")
	}
	for i, seg := range segments {
		if idSegment.MatchString(seg) {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}
