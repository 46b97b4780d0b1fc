package handler

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	appI18n "github.com/pavelanni/cbsepaper/internal/i18n"
)

// requireToken rejects requests without the configured bearer token.
func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.config.APIToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(h.config.APIToken)) != 1 {
			slog.Warn("rejected request without valid token", "path", r.URL.Path, "remote", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Bearer realm="papergen"`)
			writeJSON(w, http.StatusUnauthorized, errorBody{
				Kind:    "unauthorized",
				Message: appI18n.T(r.Context(), "ErrUnauthorized"),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
