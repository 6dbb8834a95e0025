package schedule

import (
	"fmt"

	"octopusspain/internal/kraken"
)

// Merge returns the full weekly schedule obtained by applying at and soc to
// day on top of current. Days missing from current take the default target
// of kraken.DefaultDayTime and kraken.DefaultDayMax, and so does any stored
// time or target the server would reject. A nil at or soc keeps the day's
// current value. The result always has one entry per weekday in
// canonical order, and Merge is idempotent for identical inputs.
func Merge(current kraken.Schedule, day kraken.Weekday, at *string, soc *int) kraken.Schedule {
	out := make(kraken.Schedule, 0, len(kraken.Weekdays))
	for _, d := range kraken.Weekdays {
		entry, ok := current.Day(d)
		if !ok {
			entry = kraken.DaySchedule{
				DayOfWeek: d,
				Time:      kraken.DefaultDayTime,
				Max:       kraken.DefaultDayMax,
			}
		}
		if kraken.ValidateTime(entry.Time) != nil {
			entry.Time = kraken.DefaultDayTime
		}
		if kraken.ValidateSoc(entry.Max) != nil {
			entry.Max = kraken.DefaultDayMax
		}
		if d == day {
			if at != nil {
				entry.Time = *at
			}
			if soc != nil {
				entry.Max = *soc
			}
		}
		out = append(out, entry)
	}
	return out
}

const (
	socOptionMin  = 20
	socOptionMax  = 100
	socOptionStep = 5
	timeStep      = 30
)

// SocOptions lists the state-of-charge targets offered to the user.
func SocOptions() []int {
	opts := make([]int, 0, (socOptionMax-socOptionMin)/socOptionStep+1)
	for soc := socOptionMin; soc <= socOptionMax; soc += socOptionStep {
		opts = append(opts, soc)
	}
	return opts
}

// TimeOptions lists the departure times offered to the user, every half hour.
func TimeOptions() []string {
	opts := make([]string, 0, 24*60/timeStep)
	for m := 0; m < 24*60; m += timeStep {
		opts = append(opts, fmt.Sprintf("%02d:%02d", m/60, m%60))
	}
	return opts
}
