package server

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	apikeydomain "github.com/smallbiznis/meterledger/internal/apikey/domain"
	obscontext "github.com/smallbiznis/meterledger/internal/observability/context"
)

type principalKey struct{}

const actorTypeAPIKey = "api_key"

// APIKeyRequired authenticates "Authorization: Bearer mlk_..." and stores
// the key's principal on the request context.
func (s *Server) APIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if header == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		parts := strings.Fields(header)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		principal, err := s.apiKeySvc.Authenticate(c.Request.Context(), parts[1])
		if err != nil {
			AbortWithError(c, err)
			return
		}

		ctx := context.WithValue(c.Request.Context(), principalKey{}, *principal)
		ctx = obscontext.WithActor(ctx, actorTypeAPIKey, principal.KeyID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func principalFromContext(ctx context.Context) (apikeydomain.Principal, bool) {
	if ctx == nil {
		return apikeydomain.Principal{}, false
	}
	p, ok := ctx.Value(principalKey{}).(apikeydomain.Principal)
	return p, ok && p.KeyID != ""
}
