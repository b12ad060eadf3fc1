// Package middleware provides HTTP and Connect-RPC middleware.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"go.uber.org/zap"
)

// ContextKey is the type for context keys.
type ContextKey string

// ClaimsKey is the context key for JWT claims.
const ClaimsKey ContextKey = "claims"

var (
	errMissingHeader = errors.New("missing authorization header")
	errBadFormat     = errors.New("invalid authorization format, expected 'Bearer <token>'")
	errBadToken      = errors.New("invalid or expired token")
)

// Authenticator checks bearer tokens on HTTP routes and Connect-RPC calls.
// A nil manager disables authentication.
type Authenticator struct {
	jwt    *JWTManager
	logger *zap.Logger
}

// NewAuthenticator creates a new authenticator.
func NewAuthenticator(jwt *JWTManager, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		jwt:    jwt,
		logger: logger.With(zap.String("middleware", "auth")),
	}
}

func (a *Authenticator) authenticate(ctx context.Context, header string) (context.Context, error) {
	if a.jwt == nil {
		return ctx, nil
	}
	if header == "" {
		return ctx, errMissingHeader
	}
	tokenString := strings.TrimPrefix(header, "Bearer ")
	if tokenString == header {
		return ctx, errBadFormat
	}
	claims, err := a.jwt.Verify(tokenString)
	if err != nil {
		a.logger.Debug("Token verification failed", zap.Error(err))
		return ctx, errBadToken
	}
	return context.WithValue(ctx, ClaimsKey, claims), nil
}

// Wrap rejects HTTP requests without a valid bearer token.
func (a *Authenticator) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, err := a.authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			a.logger.Debug("Rejected request", zap.String("path", r.URL.Path), zap.Error(err))
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Interceptor returns the Connect-RPC form of the check.
func (a *Authenticator) Interceptor() connect.Interceptor {
	return connect.UnaryInterceptorFunc(func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			ctx, err := a.authenticate(ctx, req.Header().Get("Authorization"))
			if err != nil {
				a.logger.Debug("Rejected call",
					zap.String("procedure", req.Spec().Procedure),
					zap.Error(err),
				)
				return nil, connect.NewError(connect.CodeUnauthenticated, err)
			}
			return next(ctx, req)
		}
	})
}

// GetClaims extracts JWT claims from the context.
func GetClaims(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*Claims)
	return claims, ok
}
