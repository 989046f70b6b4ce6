package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"net/http"
	"strings"

	"callguard/pkg/httpx"
)

// WebhookSecretMiddleware gates the voice-platform webhook behind a shared
// secret carried in X-Webhook-Secret. An empty configured secret disables the
// check, which is only acceptable in local development.
func WebhookSecretMiddleware(secret string) func(http.Handler) http.Handler {
	secret = strings.TrimSpace(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			presented := strings.TrimSpace(r.Header.Get("X-Webhook-Secret"))
			if !equalConstantTime(presented, secret) {
				httpx.Error(w, http.StatusUnauthorized, "invalid webhook secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// OperatorTokenMiddleware gates the operator endpoints behind a static bearer
// token. No token configured means the endpoints are disabled outright; that
// is safer than open access.
func OperatorTokenMiddleware(token string) func(http.Handler) http.Handler {
	token = strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				httpx.Error(w, http.StatusForbidden, "operator API disabled")
				return
			}
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			presented, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || !equalConstantTime(strings.TrimSpace(presented), token) {
				httpx.Error(w, http.StatusUnauthorized, "invalid operator token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Hashing before compare keeps the comparison constant time for unequal
// lengths as well.
func equalConstantTime(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return hmac.Equal(ha[:], hb[:])
}
