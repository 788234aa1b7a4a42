package middleware

import (
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
)

const subjectKey = "subject"

// OperatorClaims identifies whoever triggers an ingestion.
type OperatorClaims struct {
	jwt.RegisteredClaims
}

// JWTAuth creates HS256 JWT authentication middleware. An empty secret
// disables authentication.
func JWTAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if secret == "" {
			return c.Next()
		}

		authHeader := c.Get("Authorization")
		if authHeader == "" {
			log.WithField("path", c.Path()).Warn("[Auth] Missing authorization")
			return fiber.NewError(fiber.StatusUnauthorized, "Missing authorization")
		}
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			log.WithField("path", c.Path()).Warn("[Auth] Invalid authorization format")
			return fiber.NewError(fiber.StatusUnauthorized, "Invalid authorization format")
		}

		claims, err := ValidateJWT(tokenString, secret)
		if err != nil {
			log.WithField("path", c.Path()).Warnf("[Auth] Token rejected: %v", err)
			return fiber.NewError(fiber.StatusUnauthorized, "Invalid token")
		}

		c.Locals(subjectKey, claims.Subject)
		return c.Next()
	}
}

// GetSubject returns the authenticated subject, empty when unauthenticated.
func GetSubject(c *fiber.Ctx) string {
	subject, ok := c.Locals(subjectKey).(string)
	if !ok {
		return ""
	}
	return subject
}

// WebSocketUpgrade rejects plain HTTP requests on websocket routes.
func WebSocketUpgrade() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return c.Next()
	}
}

// ValidateJWT validates a token string and returns its claims.
func ValidateJWT(tokenString, secret string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}

	claims, ok := token.Claims.(*OperatorClaims)
	if !ok {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
