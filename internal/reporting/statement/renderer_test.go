package statement

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestRenderProducesPDF(t *testing.T) {
	expires := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	out, err := NewRenderer().Render(context.Background(), Data{
		AccountID:       "acct_1",
		PlanKey:         "pro",
		PeriodLabel:     "month",
		From:            time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		To:              time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC),
		GeneratedAt:     time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC),
		CatalogVersion:  "builtin-1",
		BalanceSeconds:  5400,
		PaidSeconds:     4500,
		BonusSeconds:    900,
		UsedSeconds:     7260,
		ByOperationType: map[string]int64{"image-generation": 7000, "chat": 260},
		Daily:           []DayLine{{Date: "2026-03-14", Seconds: 260}, {Date: "2026-03-15", Seconds: 7000}},
		Buckets:         []BucketLine{{Source: "subscription", Remaining: 4500, ExpiresAt: &expires}},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !bytes.HasPrefix(out, []byte("%PDF")) {
		t.Fatalf("expected a PDF document, got %q", out[:min(len(out), 8)])
	}
}

func TestRenderHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewRenderer().Render(ctx, Data{}); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestFormatSeconds(t *testing.T) {
	cases := map[int64]string{
		0:     "0s",
		59:    "59s",
		61:    "1m 01s",
		3723:  "1h 02m 03s",
		-3600: "-1h 00m 00s",
	}
	for in, want := range cases {
		if got := FormatSeconds(in); got != want {
			t.Fatalf("FormatSeconds(%d) = %q, want %q", in, got, want)
		}
	}
}
