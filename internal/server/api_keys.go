package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	apikeydomain "github.com/smallbiznis/meterledger/internal/apikey/domain"
	"github.com/smallbiznis/meterledger/internal/observability/logger"
	"go.uber.org/zap"
)

type createAPIKeyRequest struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

func (s *Server) ListAPIKeys(c *gin.Context) {
	keys, err := s.apiKeySvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, keys)
}

func (s *Server) CreateAPIKey(c *gin.Context) {
	var req createAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.apiKeySvc.Create(c.Request.Context(), apikeydomain.CreateRequest{
		Name: req.Name,
		Role: apikeydomain.Role(req.Role),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.auditKeyAction(c, "api_key.created", resp.KeyID)
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) RotateAPIKey(c *gin.Context) {
	keyID := strings.TrimSpace(c.Param("key_id"))
	resp, err := s.apiKeySvc.Rotate(c.Request.Context(), keyID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.auditKeyAction(c, "api_key.rotated", keyID, zap.String("new_key_id", resp.KeyID))
	c.JSON(http.StatusOK, resp)
}

func (s *Server) RevokeAPIKey(c *gin.Context) {
	keyID := strings.TrimSpace(c.Param("key_id"))
	if err := s.apiKeySvc.Revoke(c.Request.Context(), keyID); err != nil {
		AbortWithError(c, err)
		return
	}

	s.auditKeyAction(c, "api_key.revoked", keyID)
	c.Status(http.StatusNoContent)
}

func (s *Server) auditKeyAction(c *gin.Context, action, keyID string, fields ...zap.Field) {
	principal, _ := principalFromContext(c.Request.Context())
	fields = append([]zap.Field{
		zap.String("key_id", keyID),
		zap.String("by_key_id", principal.KeyID),
	}, fields...)
	logger.FromContext(c.Request.Context()).Info(action, fields...)
}
