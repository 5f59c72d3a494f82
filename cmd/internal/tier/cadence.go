package tier

import (
	"errors"
	"fmt"
	"time"
)

// CadenceKind selects which calendar days a tier opens on.
type CadenceKind string

const (
	// Daily opens every day.
	Daily CadenceKind = "daily"
	// EveryNDays opens on days of month 1, 1+N, 1+2N, ... (cron "*/N" day-of-month semantics).
	EveryNDays CadenceKind = "every_n_days"
	// Weekly opens once a week on Weekday.
	Weekly CadenceKind = "weekly"
)

// Cadence is a wall-clock open schedule evaluated in the catalogue timezone.
type Cadence struct {
	Kind      CadenceKind
	EveryDays int
	Weekday   time.Weekday
	// OpenAt is the offset from local midnight of the open event.
	OpenAt time.Duration
}

func (c Cadence) validate() error {
	if c.OpenAt < 0 || c.OpenAt >= 24*time.Hour {
		return fmt.Errorf("open_at out of range: %s", c.OpenAt)
	}
	switch c.Kind {
	case Daily, Weekly:
		return nil
	case EveryNDays:
		if c.EveryDays <= 0 || c.EveryDays > 31 {
			return fmt.Errorf("every_days out of range: %d", c.EveryDays)
		}
		return nil
	case "":
		return errors.New("missing cadence")
	default:
		return fmt.Errorf("unknown cadence %q", c.Kind)
	}
}

func (c Cadence) matches(day time.Time) bool {
	switch c.Kind {
	case Daily:
		return true
	case EveryNDays:
		return (day.Day()-1)%c.EveryDays == 0
	case Weekly:
		return day.Weekday() == c.Weekday
	}
	return false
}

// next scans forward day by day; a month plus a week always contains a match for every valid cadence.
func (c Cadence) next(after time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := after.In(loc)
	y, m, d := local.Date()
	for i := 0; i < 40; i++ {
		day := time.Date(y, m, d+i, 0, 0, 0, 0, loc)
		if !c.matches(day) {
			continue
		}
		at := day.Add(c.OpenAt)
		if at.After(after) {
			return at
		}
	}
	return time.Time{}
}
