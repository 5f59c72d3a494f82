package tier

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCadenceNext(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("IST", 5*3600+1800)
	cases := []struct {
		name  string
		cad   Cadence
		after time.Time
		want  time.Time
	}{
		{
			name:  "daily rolls to next midnight",
			cad:   Cadence{Kind: Daily},
			after: time.Date(2026, 3, 10, 23, 59, 0, 0, loc),
			want:  time.Date(2026, 3, 11, 0, 0, 0, 0, loc),
		},
		{
			name:  "daily exact boundary is not repeated",
			cad:   Cadence{Kind: Daily},
			after: time.Date(2026, 3, 10, 0, 0, 0, 0, loc),
			want:  time.Date(2026, 3, 11, 0, 0, 0, 0, loc),
		},
		{
			name:  "every 3 days follows day of month",
			cad:   Cadence{Kind: EveryNDays, EveryDays: 3},
			after: time.Date(2026, 3, 2, 12, 0, 0, 0, loc),
			want:  time.Date(2026, 3, 4, 0, 0, 0, 0, loc),
		},
		{
			name:  "every 3 days wraps month",
			cad:   Cadence{Kind: EveryNDays, EveryDays: 3},
			after: time.Date(2026, 4, 28, 1, 0, 0, 0, loc),
			want:  time.Date(2026, 5, 1, 0, 0, 0, 0, loc),
		},
		{
			name:  "weekly sunday",
			cad:   Cadence{Kind: Weekly, Weekday: time.Sunday},
			after: time.Date(2026, 10, 14, 8, 0, 0, 0, loc), // Wednesday
			want:  time.Date(2026, 10, 18, 0, 0, 0, 0, loc),
		},
		{
			name:  "open_at offset same day",
			cad:   Cadence{Kind: Daily, OpenAt: 9 * time.Hour},
			after: time.Date(2026, 3, 10, 8, 0, 0, 0, loc),
			want:  time.Date(2026, 3, 10, 9, 0, 0, 0, loc),
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := tc.cad.next(tc.after.UTC(), loc)
			if !got.Equal(tc.want) {
				t.Fatalf("next(%v)=%v want=%v", tc.after, got, tc.want)
			}
		})
	}
}

func TestDefaultCatalogue(t *testing.T) {
	t.Parallel()

	c := Default(time.UTC)
	if got := c.Names(); len(got) != 3 || got[0] != "bronze" || got[2] != "gold" {
		t.Fatalf("names=%v", got)
	}
	gold, err := c.Get("GOLD")
	if err != nil {
		t.Fatalf("get gold: %v", err)
	}
	if !gold.EntryFee.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("gold fee=%s", gold.EntryFee)
	}
	if _, err := c.Get("platinum"); !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("expected ErrUnknownTier, got %v", err)
	}
}

func TestParseCatalogue(t *testing.T) {
	t.Parallel()

	src := []byte(`
timezone: Asia/Kolkata
tiers:
  - name: bronze
    entry_fee: "10.00"
    cadence: daily
  - name: gold
    title: Gold Pool
    entry_fee: "50"
    cadence: weekly
    weekday: sun
    open_at: "06:30"
    window: 12h
`)
	c, err := Parse(src, "UTC")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Location.String() != "Asia/Kolkata" {
		t.Fatalf("location=%s", c.Location)
	}
	bronze, _ := c.Get("bronze")
	if bronze.Title != "Bronze Pool" {
		t.Fatalf("default title=%q", bronze.Title)
	}
	if bronze.Window != 23*time.Hour+59*time.Minute {
		t.Fatalf("default window=%s", bronze.Window)
	}
	gold, _ := c.Get("gold")
	if gold.Cadence.Weekday != time.Sunday || gold.Cadence.OpenAt != 6*time.Hour+30*time.Minute || gold.Window != 12*time.Hour {
		t.Fatalf("gold=%+v", gold)
	}
}

func TestParseCatalogue_Invalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		src  string
	}{
		{name: "no tiers", src: "tiers: []"},
		{name: "bad fee", src: "tiers:\n  - name: a\n    entry_fee: abc\n    cadence: daily"},
		{name: "zero fee", src: "tiers:\n  - name: a\n    entry_fee: '0'\n    cadence: daily"},
		{name: "unknown cadence", src: "tiers:\n  - name: a\n    entry_fee: '1'\n    cadence: hourly"},
		{name: "every_n_days without n", src: "tiers:\n  - name: a\n    entry_fee: '1'\n    cadence: every_n_days"},
		{name: "duplicate", src: "tiers:\n  - name: a\n    entry_fee: '1'\n    cadence: daily\n  - name: A\n    entry_fee: '1'\n    cadence: daily"},
	}
	for _, tc := range cases {
		if _, err := Parse([]byte(tc.src), "UTC"); !errors.Is(err, ErrInvalidCatalogue) {
			t.Fatalf("%s: expected ErrInvalidCatalogue, got %v", tc.name, err)
		}
	}
}
