// Package middleware holds the Connect interceptors shared by all services.
package middleware

import (
	"context"
	"strings"

	"connectrpc.com/connect"

	"github.com/tallyhq/tally/internal/auth"
)

// contextKey keeps our context values from colliding with other packages.
type contextKey string

const (
	userIDKey contextKey = "user_id"
	emailKey  contextKey = "email"
)

// GetUserID returns the authenticated user ID, or "" before authentication.
func GetUserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// GetEmail returns the authenticated user's email, or "" before
// authentication.
func GetEmail(ctx context.Context) string {
	email, _ := ctx.Value(emailKey).(string)
	return email
}

// bearerToken extracts the token from an "Authorization: Bearer ..." header.
func bearerToken(req connect.AnyRequest) (string, error) {
	header := req.Header().Get("Authorization")
	if header == "" {
		return "", auth.ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", auth.ErrInvalidToken
	}
	return parts[1], nil
}

// RequireAuth rejects any request without a valid session token and stores
// the caller's identity in the context for the handler.
func RequireAuth(tokens *auth.JWTManager) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			token, err := bearerToken(req)
			if err != nil {
				return nil, connect.NewError(connect.CodeUnauthenticated, err)
			}
			claims, err := tokens.Validate(token)
			if err != nil {
				return nil, connect.NewError(connect.CodeUnauthenticated, err)
			}
			ctx = context.WithValue(ctx, userIDKey, claims.UserID)
			ctx = context.WithValue(ctx, emailKey, claims.Email)
			return next(ctx, req)
		}
	}
}
