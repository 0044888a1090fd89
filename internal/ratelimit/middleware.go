package ratelimit

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/kanshi/internal/model"
)

// AgentHeader names the calling agent on callback requests.
const AgentHeader = "X-Kanshi-Agent"

// KeyFunc maps a request to its bucket key. An empty key bypasses the limiter.
type KeyFunc func(r *http.Request) string

// RetryHinter is implemented by limiters that know how long a rejected
// caller should back off.
type RetryHinter interface {
	RetryAfter() time.Duration
}

// MiddlewareConfig configures Middleware. Only Limiter and Key are required
// for limiting; a nil Limiter turns the middleware into a pass-through.
type MiddlewareConfig struct {
	Limiter Limiter
	Key     KeyFunc

	// RequestID fills meta.request_id in the 429 body. The server package
	// passes its context accessor so this package does not import it.
	RequestID func(r *http.Request) string

	Logger *slog.Logger
}

// Middleware rejects requests whose bucket is empty with 429 and the
// standard error envelope. Limiter errors let the request through.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retryAfter := "1"
	if h, ok := cfg.Limiter.(RetryHinter); ok {
		retryAfter = strconv.Itoa(int(math.Ceil(h.RetryAfter().Seconds())))
	}

	return func(next http.Handler) http.Handler {
		if cfg.Limiter == nil || cfg.Key == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := cfg.Key(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			allowed, err := cfg.Limiter.Allow(r.Context(), key)
			switch {
			case err != nil:
				logger.Warn("ratelimit: limiter failed, request allowed", "key", key, "error", err)
			case !allowed:
				var reqID string
				if cfg.RequestID != nil {
					reqID = cfg.RequestID(r)
				}
				reject(w, retryAfter, reqID)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func reject(w http.ResponseWriter, retryAfter, requestID string) {
	w.Header().Set("Retry-After", retryAfter)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{Code: model.ErrCodeRateLimited, Message: "too many requests"},
		Meta:  model.ResponseMeta{RequestID: requestID, Timestamp: time.Now().UTC()},
	})
}

// AgentKeyFunc keys requests by the X-Kanshi-Agent header, falling back to
// the client IP for agents that do not identify themselves.
func AgentKeyFunc(r *http.Request) string {
	if agent := r.Header.Get(AgentHeader); agent != "" && model.ValidateAgentName(agent) == nil {
		return "agent:" + agent
	}
	return "ip:" + IPKeyFunc(r)
}

// IPKeyFunc returns the host part of RemoteAddr. X-Forwarded-For is ignored
// since any client can set it.
func IPKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
