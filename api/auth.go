package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const actorContextKey contextKey = "adminActor"

// Token roles. Admin tokens are accepted everywhere a role is checked.
const (
	RoleAdmin   = "admin"
	RoleService = "service" // internal payment systems posting settlements
	RoleGate    = "gate"    // toll gate controllers posting charges
)

// RequireRole requires an HS256 bearer token signed with secret whose "role"
// claim is admin or one of roles. The token subject becomes the actor
// recorded on adjustments.
func RequireRole(secret string, roles ...string) func(http.Handler) http.Handler {
	key := []byte(secret)
	allowed := map[string]bool{RoleAdmin: true}
	for _, role := range roles {
		allowed[role] = true
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				writeError(w, http.StatusUnauthorized, "Authorization required", nil)
				return
			}

			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
				return key, nil
			})
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "Invalid token", err)
				return
			}
			if role, _ := claims["role"].(string); !allowed[role] {
				writeError(w, http.StatusForbidden, "Role not permitted", nil)
				return
			}

			subject, _ := claims.GetSubject()
			ctx := context.WithValue(r.Context(), actorContextKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ActorFromContext returns the authenticated token subject, if any.
func ActorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(actorContextKey).(string)
	return actor
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
