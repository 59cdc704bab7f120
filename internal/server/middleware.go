package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
)

const headerAuthorization = "Authorization"

// InternalAuthRequired guards /internal routes with the shared bearer token.
// An unset token leaves the routes open, which is the local/oss default.
func (s *Server) InternalAuthRequired() gin.HandlerFunc {
	expected := []byte(strings.TrimSpace(s.cfg.InternalAPIToken))
	return func(c *gin.Context) {
		if len(expected) == 0 {
			c.Next()
			return
		}
		raw := strings.TrimSpace(c.GetHeader(headerAuthorization))
		token, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), expected) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}
