package authz

import (
	"context"
	"log"
	"net/http"
	"strings"
)

const anonymous = "user:anonymous"

// PrincipalFromRequest extracts the effective principal.
// Order of precedence:
// - act_as cookie (if set)
// - X-Principal header
// - X-User header
// - anonymous
func PrincipalFromRequest(r *http.Request) string {
	if c, err := r.Cookie("act_as"); err == nil && c.Value != "" {
		return User(c.Value)
	}
	if v := r.Header.Get("X-Principal"); v != "" {
		return User(v)
	}
	if v := r.Header.Get("X-User"); v != "" {
		return User(v)
	}
	return anonymous
}

// User renders a user id as an OpenFGA user, leaving typed ids untouched.
func User(id string) string {
	id = strings.TrimSpace(id)
	if strings.Contains(id, ":") {
		return id
	}
	return "user:" + id
}

// Can checks authorization using the provided client and request context.
func Can(ctx context.Context, c Client, r *http.Request, object, relation string) (bool, error) {
	principal := PrincipalFromRequest(r)
	allowed, err := c.Check(ctx, principal, object, relation)
	if err != nil {
		// Do not allow on error.
		log.Printf("[Authz] check error user=%s object=%s relation=%s: %v", principal, object, relation, err)
		return false, err
	}
	return allowed, nil
}
