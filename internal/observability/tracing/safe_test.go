package tracing

import (
	"errors"
	"fmt"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsCredentials(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/v1/webhooks/credits"),
		attribute.String("webhook.signature", "abc"),
		attribute.String("api_token", "xyz"),
	)
	if len(attrs) != 1 || attrs[0].Key != "http.route" {
		t.Fatalf("expected only http.route to survive, got %v", attrs)
	}
}

func TestSafeErrorKeepsOutermostMessage(t *testing.T) {
	err := fmt.Errorf("lock_timeout: %w", errors.New("SELECT * FROM account_balances"))
	if got := SafeError(err).Error(); got != "lock_timeout" {
		t.Fatalf("expected lock_timeout, got %q", got)
	}
	if SafeError(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}
