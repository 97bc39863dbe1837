package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const ownerIDKey contextKey = "authOwnerID"

var (
	ErrMissingHeader  = errors.New("authorization header required")
	ErrInvalidHeader  = errors.New("invalid authorization header")
	ErrMissingToken   = errors.New("token missing")
	ErrMissingSecret  = errors.New("missing JWT secret")
	ErrInvalidToken   = errors.New("invalid token")
	ErrWrongAudience  = errors.New("invalid audience")
	ErrMissingSubject = errors.New("missing subject")
)

// OwnerID retrieves the authenticated workflow owner from context.
func OwnerID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if value, ok := ctx.Value(ownerIDKey).(string); ok && value != "" {
		return value, true
	}
	return "", false
}

// WithOwnerID stores ownerID in ctx.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey, ownerID)
}

// TokenVerifier validates HMAC signed bearer tokens.
type TokenVerifier struct {
	secret   []byte
	audience string
}

// NewTokenVerifier builds a verifier. An empty audience disables the audience check.
func NewTokenVerifier(secret, audience string) *TokenVerifier {
	return &TokenVerifier{
		secret:   []byte(strings.TrimSpace(secret)),
		audience: strings.TrimSpace(audience),
	}
}

// Subject validates tokenString and returns its subject claim.
func (v *TokenVerifier) Subject(tokenString string) (string, error) {
	if len(v.secret) == 0 {
		return "", ErrMissingSecret
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if errors.Is(err, jwt.ErrTokenInvalidAudience) {
		return "", ErrWrongAudience
	}
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrMissingSubject
	}
	return claims.Subject, nil
}

// JWTMiddleware validates bearer tokens and injects the owner identity.
func JWTMiddleware(verifier *TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := extractBearerToken(c.Request.Header.Get("Authorization"))
		if err != nil {
			unauthorized(c, err)
			return
		}

		subject, err := verifier.Subject(tokenString)
		if err != nil {
			unauthorized(c, err)
			return
		}

		c.Request = c.Request.WithContext(WithOwnerID(c.Request.Context(), subject))
		c.Set(string(ownerIDKey), subject)
		c.Next()
	}
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingHeader
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", ErrInvalidHeader
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

func unauthorized(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
}
