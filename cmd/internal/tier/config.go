package tier

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type fileCatalogue struct {
	Timezone string     `yaml:"timezone"`
	Tiers    []fileTier `yaml:"tiers"`
}

type fileTier struct {
	Name      string `yaml:"name"`
	Title     string `yaml:"title"`
	EntryFee  string `yaml:"entry_fee"`
	Cadence   string `yaml:"cadence"`
	EveryDays int    `yaml:"every_days"`
	Weekday   string `yaml:"weekday"`
	OpenAt    string `yaml:"open_at"`
	Window    string `yaml:"window"`
}

// LoadFile reads a YAML tier catalogue. defaultTZ is used when the file has no timezone.
func LoadFile(path, defaultTZ string) (*Catalogue, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b, defaultTZ)
}

// Parse decodes a YAML tier catalogue.
func Parse(b []byte, defaultTZ string) (*Catalogue, error) {
	var fc fileCatalogue
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalogue, err)
	}

	tz := strings.TrimSpace(fc.Timezone)
	if tz == "" {
		tz = defaultTZ
	}
	loc, err := LoadLocation(tz)
	if err != nil {
		return nil, err
	}

	tiers := make([]Tier, 0, len(fc.Tiers))
	for _, ft := range fc.Tiers {
		t, err := ft.toTier()
		if err != nil {
			return nil, fmt.Errorf("%w: tier %q: %v", ErrInvalidCatalogue, ft.Name, err)
		}
		tiers = append(tiers, t)
	}
	return NewCatalogue(loc, tiers)
}

// LoadLocation resolves an IANA zone name; empty means UTC.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidCatalogue, name, err)
	}
	return loc, nil
}

func (ft fileTier) toTier() (Tier, error) {
	fee, err := decimal.NewFromString(strings.TrimSpace(ft.EntryFee))
	if err != nil {
		return Tier{}, fmt.Errorf("entry_fee: %v", err)
	}

	window := 23*time.Hour + 59*time.Minute
	if s := strings.TrimSpace(ft.Window); s != "" {
		window, err = time.ParseDuration(s)
		if err != nil {
			return Tier{}, fmt.Errorf("window: %v", err)
		}
	}

	openAt, err := parseClock(ft.OpenAt)
	if err != nil {
		return Tier{}, err
	}

	cad := Cadence{Kind: CadenceKind(strings.ToLower(strings.TrimSpace(ft.Cadence))), EveryDays: ft.EveryDays, OpenAt: openAt}
	if cad.Kind == Weekly {
		wd, err := parseWeekday(ft.Weekday)
		if err != nil {
			return Tier{}, err
		}
		cad.Weekday = wd
	}

	return Tier{Name: ft.Name, Title: ft.Title, EntryFee: fee, Cadence: cad, Window: window}, nil
}

func parseClock(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("open_at %q: want HH:MM", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("weekday %q", s)
}
