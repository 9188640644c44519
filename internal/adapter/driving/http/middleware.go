package http

import (
	"context"
	"net/http"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// UserIDHeader carries the caller identity set by the upstream auth proxy.
const UserIDHeader = "X-User-ID"

type ctxKey struct{}

// RequireUser rejects requests without an authenticated user id. Browsers
// cannot set headers on a websocket handshake, so allowQuery also accepts
// a user_id query parameter.
func RequireUser(allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(UserIDHeader)
			if id == "" && allowQuery {
				id = r.URL.Query().Get("user_id")
			}
			if id == "" {
				respondError(w, r, http.StatusUnauthorized, "authentication required", nil)
				return
			}
			ctx := context.WithValue(r.Context(), ctxKey{}, domain.UserID(id))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func userFrom(ctx context.Context) domain.UserID {
	id, _ := ctx.Value(ctxKey{}).(domain.UserID)
	return id
}
