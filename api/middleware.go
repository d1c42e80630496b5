package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const facilitatorKeyHeader = "X-Facilitator-Key"

// FacilitatorMiddleware guards facilitator routes with the configured shared
// key. With no key configured every request passes.
func (a *API) FacilitatorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.facilitatorKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get(facilitatorKeyHeader)
		if got == "" {
			a.audit.log(AuditFacilitatorDenied, r)
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing "+facilitatorKeyHeader+" header")
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(a.facilitatorKey)) != 1 {
			a.audit.log(AuditFacilitatorDenied, r)
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid facilitator key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
