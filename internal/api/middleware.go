/**
 * @description
 * Authentication middleware. Callers present an HS256 token issued by the
 * identity provider; the subject is the user id and the app_role claim grants
 * the arbitrator capacity used by escrow disputes.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: Token parsing and validation.
 */

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ArbitratorRole is the app_role value of platform arbitrators.
const ArbitratorRole = "arbitrator"

// AuthConfig holds the token verification settings. Issuer and Audience are checked when set.
type AuthConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

// Principal is the authenticated caller.
type Principal struct {
	UserID     uuid.UUID
	Arbitrator bool
}

type principalContextKey string

const principalKey principalContextKey = "principal"

type tokenClaims struct {
	Role string `json:"app_role,omitempty"`
	jwt.RegisteredClaims
}

var errMissingToken = errors.New("authorization header required")

func (c AuthConfig) parse(tokenString string) (Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if c.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.Issuer))
	}
	if c.Audience != "" {
		opts = append(opts, jwt.WithAudience(c.Audience))
	}

	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(c.Secret), nil
	}, opts...)
	if err != nil {
		return Principal{}, err
	}
	if !token.Valid {
		return Principal{}, errors.New("token is not valid")
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Principal{}, fmt.Errorf("subject is not a user id: %w", err)
	}
	return Principal{UserID: userID, Arbitrator: claims.Role == ArbitratorRole}, nil
}

func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errMissingToken
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader || tokenString == "" {
		return "", errors.New("invalid Authorization header format")
	}
	return tokenString, nil
}

// AuthMiddleware rejects requests without a valid bearer token.
func AuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Secret == "" {
				http.Error(w, "Authentication is not configured", http.StatusInternalServerError)
				return
			}
			tokenString, err := bearerToken(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			principal, err := cfg.parse(tokenString)
			if err != nil {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, principal)))
		})
	}
}

// OptionalAuthMiddleware attaches the principal when a valid token is sent and
// lets every other request through anonymously.
func OptionalAuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Secret != "" {
				if tokenString, err := bearerToken(r); err == nil {
					if principal, err := cfg.parse(tokenString); err == nil {
						r = r.WithContext(context.WithValue(r.Context(), principalKey, principal))
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PrincipalFromContext returns the caller attached by the auth middleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}
