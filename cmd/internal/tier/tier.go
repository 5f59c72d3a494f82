// Package tier describes the pool tiers: entry fee, cadence and window length.
package tier

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownTier is returned when a tier name is not in the catalogue.
	ErrUnknownTier = errors.New("unknown tier")

	// ErrInvalidCatalogue is returned for malformed tier definitions.
	ErrInvalidCatalogue = errors.New("invalid tier catalogue")
)

// Tier is one independently scheduled pool configuration.
type Tier struct {
	Name     string
	Title    string
	EntryFee decimal.Decimal
	Cadence  Cadence
	// Window is how long a cycle stays open after its open event.
	Window time.Duration
}

// Catalogue is the ordered set of configured tiers plus the timezone their cadence is evaluated in.
type Catalogue struct {
	Location *time.Location
	tiers    []Tier
	byName   map[string]int
}

// NewCatalogue validates tiers and builds a Catalogue.
func NewCatalogue(loc *time.Location, tiers []Tier) (*Catalogue, error) {
	if loc == nil {
		loc = time.UTC
	}
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: no tiers", ErrInvalidCatalogue)
	}

	c := &Catalogue{Location: loc, byName: make(map[string]int, len(tiers))}
	for _, t := range tiers {
		t.Name = strings.ToLower(strings.TrimSpace(t.Name))
		if t.Name == "" {
			return nil, fmt.Errorf("%w: empty tier name", ErrInvalidCatalogue)
		}
		if _, dup := c.byName[t.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate tier %q", ErrInvalidCatalogue, t.Name)
		}
		if !t.EntryFee.IsPositive() {
			return nil, fmt.Errorf("%w: tier %q entry fee must be positive", ErrInvalidCatalogue, t.Name)
		}
		if t.Window <= 0 {
			return nil, fmt.Errorf("%w: tier %q window must be positive", ErrInvalidCatalogue, t.Name)
		}
		if err := t.Cadence.validate(); err != nil {
			return nil, fmt.Errorf("%w: tier %q: %v", ErrInvalidCatalogue, t.Name, err)
		}
		if t.Title == "" {
			t.Title = titleCase(t.Name) + " Pool"
		}
		c.byName[t.Name] = len(c.tiers)
		c.tiers = append(c.tiers, t)
	}
	return c, nil
}

// Get looks up a tier by name (case-insensitive).
func (c *Catalogue) Get(name string) (Tier, error) {
	if c == nil {
		return Tier{}, ErrUnknownTier
	}
	i, ok := c.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Tier{}, fmt.Errorf("%w: %q", ErrUnknownTier, name)
	}
	return c.tiers[i], nil
}

// All returns the tiers in configuration order.
func (c *Catalogue) All() []Tier {
	if c == nil {
		return nil
	}
	return append([]Tier(nil), c.tiers...)
}

// Names returns tier names in configuration order.
func (c *Catalogue) Names() []string {
	out := make([]string, 0, len(c.tiers))
	for _, t := range c.tiers {
		out = append(out, t.Name)
	}
	return out
}

// NextOpen returns the first open boundary of t strictly after "after".
func (c *Catalogue) NextOpen(t Tier, after time.Time) time.Time {
	return t.Cadence.next(after, c.Location)
}

// Default returns the reference catalogue: bronze daily, silver every 3 days, gold weekly on Sunday.
func Default(loc *time.Location) *Catalogue {
	window := 23*time.Hour + 59*time.Minute
	c, err := NewCatalogue(loc, []Tier{
		{Name: "bronze", Title: "Bronze Pool", EntryFee: decimal.NewFromInt(10), Cadence: Cadence{Kind: Daily}, Window: window},
		{Name: "silver", Title: "Silver Pool", EntryFee: decimal.NewFromInt(25), Cadence: Cadence{Kind: EveryNDays, EveryDays: 3}, Window: window},
		{Name: "gold", Title: "Gold Pool", EntryFee: decimal.NewFromInt(50), Cadence: Cadence{Kind: Weekly, Weekday: time.Sunday}, Window: window},
	})
	if err != nil {
		panic(err)
	}
	return c
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
