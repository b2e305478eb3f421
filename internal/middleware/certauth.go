// Package middleware provides HTTP middlewares for authentication and logging.
package middleware

import (
	"context"
	"net/http"
)

type ctxKey string

const loginKey ctxKey = "login"

// RegisterPath is served without a client certificate so new replicas can
// enroll.
const RegisterPath = "/api/register"

// CertAuth requires a verified TLS client certificate on every path except
// RegisterPath and stores the certificate's common name in the request
// context as the login.
func CertAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == RegisterPath {
			next.ServeHTTP(w, r)
			return
		}
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			http.Error(w, "no client certificate provided", http.StatusUnauthorized)
			return
		}
		login := r.TLS.PeerCertificates[0].Subject.CommonName
		if login == "" {
			http.Error(w, "client certificate has no common name", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithLogin(r.Context(), login)))
	})
}

// WithLogin returns a context carrying login.
func WithLogin(ctx context.Context, login string) context.Context {
	return context.WithValue(ctx, loginKey, login)
}

// LoginFromContext returns the authenticated login, or "".
func LoginFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(loginKey).(string); ok {
		return s
	}
	return ""
}
