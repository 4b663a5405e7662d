package admission

import (
	"net"
	"net/http"
	"strings"
	"time"

	"cvflow/pkg/logger"
	"cvflow/pkg/metrics"
)

// KeyFunc derives the client key an admission decision is made for.
type KeyFunc func(r *http.Request) string

// ClientKey is the default KeyFunc: the first X-Forwarded-For entry when
// present, else the transport-level remote address.
func ClientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// Options configures the admission middleware. Stats and Metrics are
// optional; KeyFn defaults to ClientKey.
type Options struct {
	Strategy Strategy
	Stats    StatsStore
	Metrics  *metrics.Metrics
	KeyFn    KeyFunc
}

// Middleware returns middleware that consults the configured Strategy and
// short-circuits rejected requests: RateLimited → 429, Blocked → 403. Every
// rejection logs a structured warning with the client key, path and method.
func Middleware(opts Options) func(http.Handler) http.Handler {
	keyFn := opts.KeyFn
	if keyFn == nil {
		keyFn = ClientKey
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			decision := opts.Strategy.Check(key, time.Now())

			if opts.Metrics != nil {
				opts.Metrics.AdmissionDecisionsTotal.WithLabelValues(
					opts.Strategy.Name(), decision.String(),
				).Inc()
			}
			if opts.Stats != nil {
				if err := opts.Stats.Record(r.Context(), key, decision); err != nil {
					logger.FromContext(r.Context()).Warn("admission stats record failed",
						"client_key", key,
						"error", err,
					)
				}
			}

			switch decision {
			case Blocked:
				logger.FromContext(r.Context()).Warn("request rejected: client blocked",
					"client_key", key,
					"path", r.URL.Path,
					"method", r.Method,
				)
				writeReject(w, http.StatusForbidden, "client temporarily blocked due to abuse")
				return
			case RateLimited:
				logger.FromContext(r.Context()).Warn("request rejected: rate limit exceeded",
					"client_key", key,
					"path", r.URL.Path,
					"method", r.Method,
				)
				writeReject(w, http.StatusTooManyRequests, "request rate exceeded, please wait")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeReject(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"status":"error","message":"` + message + `"}`))
}
