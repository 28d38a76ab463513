// Package statement lays out a usage statement as a PDF.
package statement

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/core"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

type Data struct {
	AccountID      string
	PlanKey        string
	PeriodLabel    string
	From           time.Time
	To             time.Time
	GeneratedAt    time.Time
	CatalogVersion string

	BalanceSeconds int64
	BonusSeconds   int64
	PaidSeconds    int64

	UsedSeconds     int64
	ByOperationType map[string]int64
	Daily           []DayLine
	Buckets         []BucketLine
}

type DayLine struct {
	Date    string
	Seconds int64
}

type BucketLine struct {
	Source    string
	Remaining int64
	ExpiresAt *time.Time
}

type Renderer interface {
	Render(ctx context.Context, data Data) ([]byte, error)
}

type PDFRenderer struct{}

func NewRenderer() Renderer {
	return &PDFRenderer{}
}

func (r *PDFRenderer) Render(ctx context.Context, data Data) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(12,
		text.NewCol(12, "Usage statement", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	m.AddRow(24,
		col.New(6).Add(
			text.New("Account: "+data.AccountID, props.Text{Top: 0}),
			text.New("Plan: "+data.PlanKey, props.Text{Top: 5}),
			text.New("Period: "+data.PeriodLabel, props.Text{Top: 10}),
			text.New(fmt.Sprintf("%s to %s", formatDate(data.From), formatDate(data.To.AddDate(0, 0, -1))), props.Text{Top: 15}),
		),
		col.New(6).Add(
			text.New("Generated: "+data.GeneratedAt.UTC().Format(time.RFC3339), props.Text{Top: 0, Align: align.Right}),
			text.New("Catalog: "+data.CatalogVersion, props.Text{Top: 5, Align: align.Right}),
		),
	)

	m.AddRow(15,
		text.NewCol(12, fmt.Sprintf("Used %s this period", FormatSeconds(data.UsedSeconds)), props.Text{
			Size:  14,
			Style: fontstyle.Bold,
			Top:   5,
		}),
	)
	m.AddRow(10,
		text.NewCol(4, "Balance "+FormatSeconds(data.BalanceSeconds), props.Text{Size: 9}),
		text.NewCol(4, "Paid "+FormatSeconds(data.PaidSeconds), props.Text{Size: 9}),
		text.NewCol(4, "Bonus "+FormatSeconds(data.BonusSeconds), props.Text{Size: 9}),
	)

	section(m, "By operation", "Operation", "Used")
	for _, op := range sortedKeys(data.ByOperationType) {
		m.AddRow(7,
			text.NewCol(8, op, props.Text{Size: 9}),
			text.NewCol(4, FormatSeconds(data.ByOperationType[op]), props.Text{Size: 9, Align: align.Right}),
		)
	}

	section(m, "Daily usage", "Date", "Used")
	for _, day := range data.Daily {
		m.AddRow(6,
			text.NewCol(8, day.Date, props.Text{Size: 9}),
			text.NewCol(4, FormatSeconds(day.Seconds), props.Text{Size: 9, Align: align.Right}),
		)
	}

	section(m, "Open balances", "Source", "Remaining")
	for _, b := range data.Buckets {
		label := b.Source
		if b.ExpiresAt != nil {
			label += ", expires " + b.ExpiresAt.UTC().Format(time.RFC3339)
		}
		m.AddRow(6,
			text.NewCol(8, label, props.Text{Size: 9}),
			text.NewCol(4, FormatSeconds(b.Remaining), props.Text{Size: 9, Align: align.Right}),
		)
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return doc.GetBytes(), nil
}

func section(m core.Maroto, title, left, right string) {
	m.AddRow(14,
		text.NewCol(12, title, props.Text{Size: 12, Style: fontstyle.Bold, Top: 6}),
	)
	m.AddRow(7,
		text.NewCol(8, left, props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(4, right, props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
}

// FormatSeconds renders whole seconds as "1h 02m 03s".
func FormatSeconds(seconds int64) string {
	sign := ""
	if seconds < 0 {
		sign = "-"
		seconds = -seconds
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%s%dh %02dm %02ds", sign, h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%s%dm %02ds", sign, m, s)
	}
	return fmt.Sprintf("%s%ds", sign, s)
}

func formatDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func sortedKeys(in map[string]int64) []string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if in[keys[i]] != in[keys[j]] {
			return in[keys[i]] > in[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}
