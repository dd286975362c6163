package github

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// SessionClaims carry the connected GitHub identity inside the session JWT.
type SessionClaims struct {
	UserID int64  `json:"user_id"`
	Login  string `json:"login"`
	jwt.RegisteredClaims
}

const sessionContextKey = "github_session"

// Sessions issues and validates HS256 session tokens after OAuth sign-in.
type Sessions struct {
	secretKey []byte
	Duration  time.Duration
}

// NewSessions builds a session service around the configured signing secret.
func NewSessions(secret string) *Sessions {
	return &Sessions{
		secretKey: []byte(secret),
		Duration:  24 * time.Hour,
	}
}

// Issue signs a session token for the given GitHub account.
func (s *Sessions) Issue(userID int64, login string) (string, error) {
	now := time.Now()
	claims := &SessionClaims{
		UserID: userID,
		Login:  login,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.Duration)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "codealign",
			Subject:   fmt.Sprintf("user_%d", userID),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// Validate parses a session token and returns its claims.
func (s *Sessions) Validate(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// RequireSession rejects requests without a valid Bearer session token and
// stores the claims on the echo context.
func RequireSession(sessions *Sessions) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Authorization header required")
			}

			tokenParts := strings.Split(authHeader, " ")
			if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid authorization header format")
			}

			claims, err := sessions.Validate(tokenParts[1])
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token")
			}

			c.Set(sessionContextKey, claims)
			return next(c)
		}
	}
}

// CurrentSession returns the claims stored by RequireSession, or nil.
func CurrentSession(c echo.Context) *SessionClaims {
	claims, _ := c.Get(sessionContextKey).(*SessionClaims)
	return claims
}
