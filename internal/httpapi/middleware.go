package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"courierops/internal/auth"
	logx "courierops/pkg/logx"
)

const (
	authCookie      = "auth-token"
	claimsKey       = "courier-claims"
	requestIDKey    = "request-id"
	requestIDHeader = "X-Request-Id"
)

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			logx.String("request_id", c.GetString(requestIDKey)),
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}

// requireAuth validates the session token cookie and stores the claims in the
// request context.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := c.Cookie(authCookie)
		if err != nil || token == "" {
			fail(c, http.StatusUnauthorized, "authentication required")
			c.Abort()
			return
		}
		claims, err := auth.VerifyToken(s.cfg.JWTSecret, token)
		if err != nil {
			fail(c, http.StatusUnauthorized, "invalid or expired session")
			c.Abort()
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

func courierClaims(c *gin.Context) *auth.Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*auth.Claims)
	return claims
}
