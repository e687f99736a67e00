package outputctl

import "time"

// RunState is a meter-kind output's classified running/stopped state.
type RunState string

const (
	RunStateStopped RunState = "stopped"
	RunStateRunning RunState = "running"
)

// ClassifyMeter applies hysteresis to a meter reading: it only switches to
// running once powerW reaches onThreshold, and only back to stopped once
// powerW falls to offThreshold or below; readings between the two
// thresholds leave the current classification unchanged.
func ClassifyMeter(current RunState, powerW, onThreshold, offThreshold float64) RunState {
	switch current {
	case RunStateRunning:
		if powerW <= offThreshold {
			return RunStateStopped
		}
		return RunStateRunning
	default:
		if powerW >= onThreshold {
			return RunStateRunning
		}
		return RunStateStopped
	}
}

// Session is one completed run of a meter-kind output, used for logging and
// cost attribution.
type Session struct {
	Start    time.Time
	End      time.Time
	EnergyWh float64
}

// ShouldLog reports whether a completed session is worth recording, per the
// configured minimum-energy-to-log threshold.
func (s Session) ShouldLog(minEnergyWh float64) bool {
	return s.EnergyWh >= minEnergyWh
}

// Cost attributes a session's energy to the price in effect at its start,
// per the imported-output cost-attribution rule.
func (s Session) Cost(perKWhAtStart float64) float64 {
	return (s.EnergyWh / 1000) * perKWhAtStart
}
