package mw

import (
	"encoding/json"
	"errors"
	"net/http"
)

type AuthHandler interface {
	ValidateBearer(r *http.Request) (Identity, error)
}

// ResolveIdentity puts the caller's Identity on the request context. With
// allowAnonymous, a request without a token is keyed by client IP and left
// with an empty plan, which the schedule resolves to its default plan. A
// token that is present but invalid is always a 401.
func ResolveIdentity(auth AuthHandler, ipr IPResolver, allowAnonymous bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.ValidateBearer(r)
		if err != nil {
			if !allowAnonymous || !errors.Is(err, ErrMissingToken) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": "unauthorized",
				})
				return
			}
			id = Identity{CallerID: "ip:" + ipr.ClientIP(r), Anonymous: true}
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}
