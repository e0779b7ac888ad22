package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"github.com/google/uuid"
)

type contextKey string

const (
	tokenHeader              = "Authorization"
	tokenPrefix              = "Bearer "
	tokenQueryParam          = "access_token"
	UserClaimsKey contextKey = "user_claims"
	UserIDKey     contextKey = "user_id"
)

var (
	errMissingToken = errors.New("missing authorization header")
	errBadFormat    = errors.New("invalid authorization header format")
	errInvalidToken = errors.New("invalid or expired token")
)

// NewAuthInterceptor creates a ConnectRPC interceptor for authentication.
func NewAuthInterceptor(signer *Signer) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			claims, err := authenticate(signer, req.Header().Get(tokenHeader))
			if err != nil {
				return nil, connect.NewError(connect.CodeUnauthenticated, err)
			}
			return next(WithClaims(ctx, claims), req)
		}
	}
}

// Middleware authenticates plain HTTP requests such as websocket upgrades.
// Browsers cannot set headers on a websocket handshake, so the token may also be
// passed as the access_token query parameter.
func Middleware(signer *Signer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get(tokenHeader)
			if header == "" {
				if token := r.URL.Query().Get(tokenQueryParam); token != "" {
					header = tokenPrefix + token
				}
			}

			claims, err := authenticate(signer, header)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func authenticate(signer *Signer, authHeader string) (*Claims, error) {
	if authHeader == "" {
		return nil, errMissingToken
	}
	if !strings.HasPrefix(authHeader, tokenPrefix) {
		return nil, errBadFormat
	}

	claims, err := signer.ValidateToken(strings.TrimPrefix(authHeader, tokenPrefix))
	if err != nil {
		return nil, errInvalidToken
	}
	return claims, nil
}

// WithClaims injects authenticated claims into ctx.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	ctx = context.WithValue(ctx, UserClaimsKey, claims)
	if id, err := claims.UserID(); err == nil {
		ctx = context.WithValue(ctx, UserIDKey, id)
	}
	return ctx
}

// GetUserClaims retrieves the full claims from the context.
func GetUserClaims(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(UserClaimsKey).(*Claims)
	return claims, ok
}

// GetUserID retrieves the user ID from the context.
func GetUserID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(UserIDKey).(uuid.UUID)
	return id, ok
}
