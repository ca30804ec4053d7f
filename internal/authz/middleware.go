package authz

import (
	"encoding/json"
	"errors"
	"net/http"
)

// ErrUnauthenticated means the request carries no principal.
var ErrUnauthenticated = errors.New("no principal on request")

// Require returns a middleware guarding a route with one relation check.
// objectRel returns object and relation; if either is empty the check is
// skipped. Requests without a principal get 401 unless c is a NoopClient, a
// failed check gets 503 and a denied one 403. Bodies are JSON.
func Require(c Client, objectRel func(*http.Request) (string, string)) func(http.Handler) http.Handler {
	_, noop := c.(*NoopClient)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			obj, rel := objectRel(r)
			if obj == "" || rel == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !noop && PrincipalFromRequest(r) == anonymous {
				deny(w, http.StatusUnauthorized, ErrUnauthenticated.Error())
				return
			}
			allowed, err := Can(r.Context(), c, r, obj, rel)
			if err != nil {
				deny(w, http.StatusServiceUnavailable, "authorization unavailable")
				return
			}
			if !allowed {
				deny(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func deny(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
