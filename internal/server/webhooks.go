package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/smallbiznis/meterledger/internal/credit/domain"
	obscontext "github.com/smallbiznis/meterledger/internal/observability/context"
	"github.com/smallbiznis/meterledger/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	HeaderLedgerSignature = "X-Ledger-Signature"
	maxWebhookBodyBytes   = 1 << 20
	contextWebhookBodyKey = "webhook_body"
)

type creditWebhookRequest struct {
	ExternalEventID string     `json:"external_event_id"`
	AccountID       string     `json:"account_id"`
	GrantType       string     `json:"grant_type"`
	Seconds         int64      `json:"seconds"`
	ExpiresAt       *time.Time `json:"expires_at"`
	PlanKey         string     `json:"plan_key"`
	PackageKey      string     `json:"package_key"`
}

// WebhookSignatureRequired verifies the hex HMAC-SHA256 of the raw body in
// X-Ledger-Signature against the shared webhook secret.
func (s *Server) WebhookSignatureRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := strings.TrimSpace(s.cfg.Webhook.Secret)
		if secret == "" {
			logger.FromContext(c.Request.Context()).Error("http.webhook.secret_missing")
			AbortWithError(c, ErrServiceUnavailable)
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes+1))
		if err != nil || len(body) > maxWebhookBodyBytes {
			AbortWithError(c, invalidRequestError())
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		if !validSignature(secret, body, c.GetHeader(HeaderLedgerSignature)) {
			AbortWithError(c, ErrInvalidSignature)
			return
		}

		c.Set(contextWebhookBodyKey, body)
		c.Request = c.Request.WithContext(obscontext.WithActor(c.Request.Context(), "webhook", c.ClientIP()))
		c.Next()
	}
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func validSignature(secret string, body []byte, header string) bool {
	header = strings.TrimSpace(header)
	header = strings.TrimPrefix(header, "sha256=")
	got, err := hex.DecodeString(header)
	if err != nil || len(got) == 0 {
		return false
	}
	want, _ := hex.DecodeString(signBody(secret, body))
	return hmac.Equal(got, want)
}

// CreditWebhook applies a payment provider credit. Redelivery of an already
// applied event answers 200 with status "duplicate".
func (s *Server) CreditWebhook(c *gin.Context) {
	body, _ := c.Get(contextWebhookBodyKey)
	raw, _ := body.([]byte)

	var req creditWebhookRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	result, err := s.creditSvc.ApplyExternalCredit(ctx, creditdomain.ExternalCreditRequest{
		ExternalEventID: strings.TrimSpace(req.ExternalEventID),
		AccountID:       strings.TrimSpace(req.AccountID),
		GrantType:       creditdomain.GrantType(strings.ToLower(strings.TrimSpace(req.GrantType))),
		Seconds:         req.Seconds,
		ExpiresAt:       req.ExpiresAt,
		PlanKey:         strings.TrimSpace(req.PlanKey),
		PackageKey:      strings.TrimSpace(req.PackageKey),
	})
	if err != nil {
		logger.FromContext(ctx).Warn("http.webhook.credit_failed",
			zap.String("external_event_id", req.ExternalEventID),
			zap.Error(err),
		)
		AbortWithError(c, err)
		return
	}

	if result.Duplicate {
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "applied", "credit": result})
}
