// Package middleware holds the HTTP middleware shared by the API routes.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/segyhp/tutoring-contracts/pkg/response"
)

type contextKey struct{}

// Actor is the authenticated caller of an API route.
type Actor struct {
	ID   string
	Role string
}

// Claims are the token claims the API understands.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// WithActor stores the actor in ctx.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, actor)
}

// ActorFrom returns the actor placed in ctx by Auth.
func ActorFrom(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(contextKey{}).(Actor)
	return actor, ok && actor.ID != ""
}

// Auth rejects requests without a valid HS256 bearer token.
func Auth(secret []byte, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr, err := bearerToken(r.Header.Get("Authorization"))
			if err != nil {
				response.Unauthorized(w, err.Error())
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return secret, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid {
				logger.Debug("token rejected", "error", err, "path", r.URL.Path)
				response.Unauthorized(w, "Invalid or expired token")
				return
			}

			if claims.Subject == "" {
				response.Unauthorized(w, "Token has no subject")
				return
			}

			actor := Actor{ID: claims.Subject, Role: claims.Role}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("Authorization token not provided")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", fmt.Errorf("Invalid Authorization header format")
	}
	return parts[1], nil
}

// IssueToken signs a token for subject. Used by tooling and tests.
func IssueToken(secret []byte, subject, role string, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = subject
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Role: role, RegisteredClaims: claims})
	return token.SignedString(secret)
}
