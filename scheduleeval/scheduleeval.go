// Package scheduleeval evaluates named time-of-week schedules against an
// instant, resolving "dawn"/"dusk" symbolic endpoints via the Clock &
// Ephemeris component and wrap-midnight windows.
package scheduleeval

import (
	"time"

	"github.com/nickelseyspelloc/powercontroller/clock"
	"github.com/nickelseyspelloc/powercontroller/config"
)

// Evaluator answers schedule membership queries for a fixed ephemeris.
type Evaluator struct {
	ephemeris *clock.Ephemeris
}

// NewEvaluator returns an Evaluator resolving symbolic endpoints via ephemeris.
func NewEvaluator(ephemeris *clock.Ephemeris) *Evaluator {
	return &Evaluator{ephemeris: ephemeris}
}

// InWindow reports whether instant falls inside any window of schedule, and
// if so, the lowest nominal price among the windows it matches (ties across
// overlapping windows resolve to the cheapest).
func (e *Evaluator) InWindow(schedule config.Schedule, instant time.Time) (bool, *float64) {
	var best *float64
	hit := false

	for _, w := range schedule.Windows {
		if !e.weekdayMatches(w, instant) {
			continue
		}
		if !e.timeInWindow(w, instant) {
			continue
		}
		hit = true
		if w.Price != nil && (best == nil || *w.Price < *best) {
			best = w.Price
		}
	}

	return hit, best
}

func (e *Evaluator) weekdayMatches(w config.Window, instant time.Time) bool {
	bit := uint8(1) << uint(instant.Weekday())
	return w.Weekdays&bit != 0
}

// timeInWindow evaluates membership for the time-of-day component only,
// handling windows that wrap midnight (end <= start means "until start time
// the following day").
func (e *Evaluator) timeInWindow(w config.Window, instant time.Time) bool {
	start := e.resolve(w.Start, instant)
	end := e.resolve(w.End, instant)

	startTOD := timeOfDay(start)
	endTOD := timeOfDay(end)
	nowTOD := timeOfDay(instant)

	if endTOD <= startTOD {
		// Wraps midnight: membership holds from start through 24:00 and
		// from 00:00 through end.
		return nowTOD >= startTOD || nowTOD < endTOD
	}
	return nowTOD >= startTOD && nowTOD < endTOD
}

// resolve turns an Endpoint into a concrete instant on the same calendar day
// as instant: a fixed time-of-day offset, or a symbolic dawn/dusk lookup plus
// its configured offset.
func (e *Evaluator) resolve(ep config.Endpoint, instant time.Time) time.Time {
	midnight := time.Date(instant.Year(), instant.Month(), instant.Day(), 0, 0, 0, 0, instant.Location())

	switch ep.Symbolic {
	case "dawn":
		return e.ephemeris.Dawn(instant).Add(ep.Offset)
	case "dusk":
		return e.ephemeris.Dusk(instant).Add(ep.Offset)
	default:
		return midnight.Add(ep.Time)
	}
}

// timeOfDay returns the duration since local midnight, used for wrap-aware
// comparisons that stay correct across DST transitions since we only ever
// compare offsets computed on the same calendar day.
func timeOfDay(t time.Time) time.Duration {
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return t.Sub(midnight)
}
