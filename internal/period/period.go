// Package period maps a recurring period kind to the UTC window a threshold
// is measured against.
package period

import (
	"strings"
	"time"
)

// Kind is the recurring measurement window a rule threshold resets on.
type Kind string

const (
	Hour  Kind = "hour"
	Day   Kind = "day"
	Week  Kind = "week"
	Month Kind = "month"
)

// LabelLayout is the second-precision layout used for period labels. The
// start label is part of the notification dedup key, so it must stay stable.
const LabelLayout = "2006-01-02 15:04:05"

// Boundaries is a half-open [Start, End) window. End is always "now", so the
// window grows until the next evaluation.
type Boundaries struct {
	Start      time.Time
	End        time.Time
	StartLabel string
	EndLabel   string
}

// Valid reports whether k is one of the known period kinds.
func (k Kind) Valid() bool {
	switch k {
	case Hour, Day, Week, Month:
		return true
	default:
		return false
	}
}

// Normalize lower-cases and trims raw, falling back to Hour for unknown kinds.
func Normalize(raw string) Kind {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	if !k.Valid() {
		return Hour
	}
	return k
}

// Compute returns the window for kind anchored at now. Unknown kinds use the
// hour rule.
func Compute(kind Kind, now time.Time) Boundaries {
	end := now.UTC().Truncate(time.Second)

	var start time.Time
	switch kind {
	case Day:
		start = midnight(end)
	case Week:
		// ISO weekday: Monday = 1 ... Sunday = 7.
		offset := (int(end.Weekday()) + 6) % 7
		start = midnight(end).AddDate(0, 0, -offset)
	case Month:
		start = time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		start = end.Truncate(time.Hour).Add(-time.Hour)
	}

	return Boundaries{
		Start:      start,
		End:        end,
		StartLabel: start.Format(LabelLayout),
		EndLabel:   end.Format(LabelLayout),
	}
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
