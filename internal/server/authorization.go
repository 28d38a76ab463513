package server

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// authorize enforces the caller's role policy for object/action. It must run
// after APIKeyRequired.
func (s *Server) authorize(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := principalFromContext(c.Request.Context())
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if s.authzSvc == nil {
			AbortWithError(c, ErrForbidden)
			return
		}
		if err := s.authzSvc.Authorize(
			c.Request.Context(),
			principal.Subject(),
			string(principal.Role),
			strings.TrimSpace(object),
			strings.TrimSpace(action),
		); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}
