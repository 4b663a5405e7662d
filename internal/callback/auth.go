package callback

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"cvflow/internal/admission"
	"cvflow/pkg/config"
	"cvflow/pkg/logger"
)

type contextKey string

const clientIPKey contextKey = "client_ip"

// ClientIP returns the caller IP resolved by the Auth middleware, or ""
// when it is not in the context.
func ClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey).(string)
	return ip
}

// ClientKey is an admission.KeyFunc that prefers the IP resolved by the Auth
// middleware and falls back to header/transport extraction.
func ClientKey(r *http.Request) string {
	if ip := ClientIP(r.Context()); ip != "" {
		return ip
	}
	return admission.ClientKey(r)
}

// Auth returns middleware enforcing the callback's caller checks: the shared
// secret (Authorization: Bearer or X-Callback-Token) and the optional IP
// allow-list. It runs before admission control so an unauthorized caller
// never touches limiter state. The resolved caller IP is stored in the
// request context.
func Auth(cfg config.CallbackConfig) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(cfg.AllowedIPs))
	for _, ip := range cfg.AllowedIPs {
		if ip = strings.TrimSpace(ip); ip != "" {
			allowed[ip] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			remoteIP := admission.ClientKey(r)
			log := logger.FromContext(r.Context())

			if cfg.Secret != "" {
				received := extractToken(r)
				if received == "" || subtle.ConstantTimeCompare([]byte(received), []byte(cfg.Secret)) != 1 {
					log.Warn("callback rejected: invalid or missing token",
						"client_ip", remoteIP,
					)
					writeAuthError(w, http.StatusUnauthorized, "Unauthorized")
					return
				}
			}

			if len(allowed) > 0 {
				if _, ok := allowed[remoteIP]; !ok {
					log.Warn("callback rejected: IP not allow-listed",
						"client_ip", remoteIP,
					)
					writeAuthError(w, http.StatusForbidden, "Forbidden")
					return
				}
			}

			ctx := context.WithValue(r.Context(), clientIPKey, remoteIP)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractToken reads the shared secret from the request: Authorization:
// Bearer first, then the dedicated token header.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get(HeaderToken))
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"status":"error","message":"` + message + `"}`))
}
