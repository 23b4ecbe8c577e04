// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ContextKey is a type for context keys.
type ContextKey string

// IdentityKey is the context key for the authenticated identity.
const IdentityKey ContextKey = "identity"

// Identity roles. Authentication itself is a collaborator's concern; the
// engine only needs the opaque identity a token carries.
const (
	RoleAgent   = "agent"
	RoleVisitor = "visitor"
)

// Claims represents JWT claims. Agent tokens carry role=agent with the
// agent identity as subject; widget tokens carry role=visitor plus the
// chatbot and session the widget is bound to.
type Claims struct {
	jwt.RegisteredClaims
	Role      string `json:"role"`
	ChatbotID string `json:"chatbot_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Identity is the authenticated caller as seen by the engine.
type Identity struct {
	Role      string
	Subject   string
	ChatbotID string
	SessionID string
}

// IsAgent reports whether the identity is an agent console.
func (id Identity) IsAgent() bool {
	return id.Role == RoleAgent
}

// Auth creates JWT authentication middleware. The token is read from the
// Authorization header, or from the "token" query parameter for websocket
// upgrades where browsers cannot set headers.
func Auth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := bearerToken(r)
			if tokenString == "" {
				tokenString = r.URL.Query().Get("token")
			}
			if tokenString == "" {
				http.Error(w, `{"error":"missing credentials"}`, http.StatusUnauthorized)
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			if claims.Role != RoleAgent && claims.Role != RoleVisitor {
				http.Error(w, `{"error":"unknown role"}`, http.StatusUnauthorized)
				return
			}

			ident := Identity{
				Role:      claims.Role,
				Subject:   claims.Subject,
				ChatbotID: claims.ChatbotID,
				SessionID: claims.SessionID,
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), ident)))
		})
	}
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

// WithIdentity returns a context carrying the identity.
func WithIdentity(ctx context.Context, ident Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, ident)
}

// GetIdentity gets the authenticated identity from context.
func GetIdentity(ctx context.Context) Identity {
	if v := ctx.Value(IdentityKey); v != nil {
		return v.(Identity)
	}
	return Identity{}
}

// RequireAgent rejects non-agent callers.
func RequireAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !GetIdentity(r.Context()).IsAgent() {
			http.Error(w, `{"error":"agent credentials required"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SecurityHeaders sets conservative response headers on every request.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
