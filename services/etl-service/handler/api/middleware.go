package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

const ctxUserID = "user_id"

var errNoUserClaim = errors.New("token carries no user id")

// Identity 注入调用者 user_id：配置了密钥时校验 HS256 Bearer token，
// 否则信任 X-User-ID 头（仅用于本地开发）
func Identity(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			userID := strings.TrimSpace(c.GetHeader("X-User-ID"))
			if userID == "" {
				unauthorized(c, "missing X-User-ID header")
				return
			}
			c.Set(ctxUserID, userID)
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if header == "" {
			unauthorized(c, "missing Authorization header")
			return
		}
		token := header
		if after, ok := strings.CutPrefix(header, "Bearer "); ok {
			token = after
		}
		if token == "" {
			unauthorized(c, "empty bearer token")
			return
		}
		userID, err := userFromToken(token, secret)
		if err != nil {
			unauthorized(c, "invalid token")
			return
		}
		c.Set(ctxUserID, userID)
		c.Next()
	}
}

// userFromToken prefers the user_id claim and falls back to sub.
func userFromToken(raw, secret string) (string, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if userID, ok := claims["user_id"].(string); ok && userID != "" {
		return userID, nil
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", errNoUserClaim
	}
	return sub, nil
}

func unauthorized(c *gin.Context, msg string) {
	c.JSON(http.StatusUnauthorized, gin.H{"error": msg})
	c.Abort()
}

func callerID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

// RequestLogger writes one structured line per request.
func RequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := logger.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"elapsed_ms": time.Since(start).Milliseconds(),
			"user_id":    callerID(c),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Error("request failed")
			return
		}
		entry.Debug("request served")
	}
}
