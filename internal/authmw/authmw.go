// Package authmw provides HTTP middleware for bearer token authentication.
package authmw

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type principalKey struct{}

// BearerTokens returns middleware that validates the Authorization header
// carries a Bearer token matching one of the named tokens. Empty tokens never match.
// Every token is compared in constant time so the match position does not
// leak through timing. The matched name is available via Principal.
func BearerTokens(tokens map[string]string) func(http.Handler) http.Handler {
	type named struct {
		name  string
		token []byte
	}
	var expected []named
	for name, tok := range tokens {
		if tok != "" {
			expected = append(expected, named{name: name, token: []byte(tok)})
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}

			got := []byte(auth[len("Bearer "):])

			matched := ""
			for _, e := range expected {
				if subtle.ConstantTimeCompare(got, e.token) == 1 {
					matched = e.name
				}
			}
			if matched == "" {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, matched)))
		})
	}
}

// Principal returns the name of the token that authenticated the request.
func Principal(ctx context.Context) string {
	p, _ := ctx.Value(principalKey{}).(string)
	return p
}
