package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Roles recognized in token claims. Role administration itself is external;
// the API only consumes the claim.
const (
	RoleAdmin   = "admin"
	RoleTeacher = "teacher"
	RoleDevice  = "device"
)

const claimsContextKey = "auth_claims"

// Claims scope every request to one institution and one actor.
type Claims struct {
	InstitutionID string `json:"institution_id"`
	Role          string `json:"role"`
	jwt.RegisteredClaims
}

type TokenAuth struct {
	secret []byte
}

func NewTokenAuth(secret string) *TokenAuth {
	return &TokenAuth{secret: []byte(secret)}
}

// Generate mints an HMAC token for an institution-scoped actor.
func (a *TokenAuth) Generate(subject, institutionID, role string, ttl time.Duration) (string, time.Time, error) {
	if subject == "" || institutionID == "" {
		return "", time.Time{}, errors.New("subject and institution id are required")
	}

	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := Claims{
		InstitutionID: institutionID,
		Role:          role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

func (a *TokenAuth) Validate(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("token cannot be empty")
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("token is not valid")
	}
	if claims.InstitutionID == "" {
		return nil, errors.New("token is missing institution scope")
	}
	return claims, nil
}

// Middleware authenticates the request from the Authorization header, falling
// back to a token query parameter for the WebSocket handshake where custom
// headers are unavailable.
func (a *TokenAuth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		raw = strings.TrimPrefix(raw, "Bearer ")
		if raw == "" {
			raw = c.Query("token")
		}
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorEnvelope("unauthorized", "authorization required"))
			return
		}

		claims, err := a.Validate(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorEnvelope("unauthorized", err.Error()))
			return
		}

		c.Set(claimsContextKey, claims)
		c.Next()
	}
}

func claimsFrom(c *gin.Context) *Claims {
	if v, ok := c.Get(claimsContextKey); ok {
		if claims, ok := v.(*Claims); ok {
			return claims
		}
	}
	return nil
}
