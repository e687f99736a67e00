// Package clock provides monotonic/wall time helpers and dawn/dusk ephemeris
// lookups for a fixed latitude/longitude, used by the Schedule Evaluator to
// resolve symbolic schedule endpoints.
package clock

import (
	"time"

	"github.com/sixdouglas/suncalc"
)

// Position is the sun's azimuth/altitude at an instant, in radians.
type Position struct {
	Azimuth  float64
	Altitude float64
}

// Ephemeris resolves dawn/dusk instants for a fixed location.
type Ephemeris struct {
	latitude  float64
	longitude float64
}

// NewEphemeris returns an Ephemeris fixed at the given coordinates.
func NewEphemeris(latitude, longitude float64) *Ephemeris {
	return &Ephemeris{latitude: latitude, longitude: longitude}
}

// Sunrise returns the sunrise instant for the calendar day containing t.
func (e *Ephemeris) Sunrise(t time.Time) time.Time {
	times := suncalc.GetTimes(t, e.latitude, e.longitude)
	return times["sunrise"].Value
}

// Sunset returns the sunset instant for the calendar day containing t.
func (e *Ephemeris) Sunset(t time.Time) time.Time {
	times := suncalc.GetTimes(t, e.latitude, e.longitude)
	return times["sunset"].Value
}

// Dawn resolves the "dawn" symbolic schedule endpoint for the day containing t.
func (e *Ephemeris) Dawn(t time.Time) time.Time {
	times := suncalc.GetTimes(t, e.latitude, e.longitude)
	return times["dawn"].Value
}

// Dusk resolves the "dusk" symbolic schedule endpoint for the day containing t.
func (e *Ephemeris) Dusk(t time.Time) time.Time {
	times := suncalc.GetTimes(t, e.latitude, e.longitude)
	return times["dusk"].Value
}

// Position returns the sun's azimuth/altitude at instant t, used only by
// the Sequence Runner's GET_LOCATION step.
func (e *Ephemeris) Position(t time.Time) Position {
	p := suncalc.GetPosition(t, e.latitude, e.longitude)
	return Position{Azimuth: p.Azimuth, Altitude: p.Altitude}
}

// AlignToHalfHour rounds t down to the nearest wall-clock half-hour boundary
// in UTC, the grid the Price Cache and Run-Plan Builder partition into slots.
func AlignToHalfHour(t time.Time) time.Time {
	u := t.UTC()
	minute := 0
	if u.Minute() >= 30 {
		minute = 30
	}
	return time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), minute, 0, 0, time.UTC)
}

// SlotDuration is the fixed width of a Plan Slot / Price Point.
const SlotDuration = 30 * time.Minute

// InitialDelay returns the wait until the next boundary of interval, aligned
// to the top of the hour, so periodic tasks stagger against a fixed clock
// instead of whatever moment the process happened to start.
func InitialDelay(now time.Time, interval time.Duration) time.Duration {
	top := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location())
	delay := now.Sub(top)
	for delay > 0 {
		delay -= interval
	}
	return -delay
}
