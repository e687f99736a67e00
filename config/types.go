package config

import "time"

// OutputKind is the tagged-variant discriminator for an Output's capability set.
type OutputKind string

const (
	KindSwitched OutputKind = "switched"
	KindMeter    OutputKind = "meter"
	KindImported OutputKind = "imported"
)

// OutputMode selects whether the Run-Plan Builder drives an output by price or by schedule.
type OutputMode string

const (
	ModeBestPrice OutputMode = "best_price"
	ModeSchedule  OutputMode = "schedule"
)

// InputPinMode describes how an output's input pin participates in the state machine.
type InputPinMode string

const (
	InputPinIgnore  InputPinMode = "ignore"
	InputPinTurnOn  InputPinMode = "turn_on"
	InputPinTurnOff InputPinMode = "turn_off"
)

// UnhealthyAction is what the Output Controller does when its linked UPS is unhealthy.
type UnhealthyAction string

const (
	UnhealthyActionNone    UnhealthyAction = "none"
	UnhealthyActionTurnOff UnhealthyAction = "turn_off"
)

// DailyBudget expresses an output's daily run-time target with shortfall carry-over.
// TargetHours of -1 means "every eligible slot".
type DailyBudget struct {
	MinHours          float64         `yaml:"min_hours"`
	MaxHours          float64         `yaml:"max_hours"`
	TargetHours       float64         `yaml:"target_hours"`
	MonthOverrides    map[int]float64 `yaml:"month_overrides,omitempty"`
	MaxShortfallHours float64         `yaml:"max_shortfall_hours"`
}

// TargetForMonth resolves the month override if one is configured for m (1-12).
func (b DailyBudget) TargetForMonth(m int) float64 {
	if v, ok := b.MonthOverrides[m]; ok {
		return v
	}
	return b.TargetHours
}

// PriceCeilings are the two price thresholds that gate BestPrice slot selection.
type PriceCeilings struct {
	MaxBestPrice     float64 `yaml:"max_best_price"`
	MaxPriorityPrice float64 `yaml:"max_priority_price"`
}

// AntiChatter holds the minimum-on/off and max-off timers. MinOffMinutes and
// MaxOffMinutes are mutually exclusive, enforced in Validate.
type AntiChatter struct {
	MinOnMinutes  int `yaml:"min_on_minutes"`
	MinOffMinutes int `yaml:"min_off_minutes"`
	MaxOffMinutes int `yaml:"max_off_minutes"`
}

// DateRange is an inclusive calendar-date interval used for DatesOff exclusions.
type DateRange struct {
	From time.Time `yaml:"from"`
	To   time.Time `yaml:"to"`
}

// Contains reports whether d (truncated to a calendar day) falls within the range.
func (r DateRange) Contains(d time.Time) bool {
	day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, d.Location())
	from := time.Date(r.From.Year(), r.From.Month(), r.From.Day(), 0, 0, 0, 0, d.Location())
	to := time.Date(r.To.Year(), r.To.Month(), r.To.Day(), 0, 0, 0, 0, d.Location())
	return !day.Before(from) && !day.After(to)
}

// TempProbeConstraint gates output eligibility on a temperature-probe reading.
type TempProbeConstraint struct {
	Probe     string  `yaml:"probe"`
	Operator  string  `yaml:"operator"` // ">" or "<"
	Threshold float64 `yaml:"threshold_c"`
}

// UPSLink ties an output's eligibility to the health of a named UPS.
type UPSLink struct {
	UPSName           string          `yaml:"ups_name"`
	ActionIfUnhealthy UnhealthyAction `yaml:"action_if_unhealthy"`
}

// MeterThresholds classify a meter-kind output's "running" state by power draw.
type MeterThresholds struct {
	PowerOnW       float64 `yaml:"power_on_w"`
	PowerOffW      float64 `yaml:"power_off_w"`
	MinEnergyToLog float64 `yaml:"min_energy_to_log_wh"`
}

// Output is one configured load, identified by a unique Name.
type Output struct {
	Name   string     `yaml:"name"`
	Kind   OutputKind `yaml:"kind"`
	Mode   OutputMode `yaml:"mode"`
	Index  int        `yaml:"-"` // resolved at load, stable for process lifetime

	RelayDevice string `yaml:"relay_device,omitempty"`
	RelayIndex  int    `yaml:"relay_index,omitempty"`
	MeterDevice string `yaml:"meter_device,omitempty"`
	MeterIndex  int    `yaml:"meter_index,omitempty"`
	InputPin    string `yaml:"input_pin,omitempty"`

	InputPinMode InputPinMode `yaml:"input_pin_mode,omitempty"`

	ScheduleName           string `yaml:"schedule,omitempty"`
	ConstraintScheduleName string `yaml:"constraint_schedule,omitempty"`
	PriceChannel           string `yaml:"price_channel,omitempty"`

	Budget   DailyBudget   `yaml:"budget"`
	Ceilings PriceCeilings `yaml:"ceilings"`
	Chatter  AntiChatter   `yaml:"anti_chatter"`

	DatesOff []DateRange `yaml:"dates_off,omitempty"`

	StopOnExit bool `yaml:"stop_on_exit"`

	ParentName string `yaml:"parent,omitempty"`
	ParentIdx  int    `yaml:"-"`
	HasParent  bool   `yaml:"-"`

	TurnOnSequenceName  string `yaml:"turn_on_sequence,omitempty"`
	TurnOffSequenceName string `yaml:"turn_off_sequence,omitempty"`

	MaxAppOnTime time.Duration `yaml:"max_app_on_time,omitempty"`

	TempProbe *TempProbeConstraint `yaml:"temp_probe,omitempty"`
	UPS       *UPSLink             `yaml:"ups,omitempty"`
	Meter     *MeterThresholds     `yaml:"meter_thresholds,omitempty"`
}

// Endpoint is a schedule window boundary: either a fixed time-of-day or a
// symbolic "dawn"/"dusk" instant resolved via the Clock & Ephemeris component,
// with an optional offset applied afterwards.
type Endpoint struct {
	Symbolic string        `yaml:"symbolic,omitempty"` // "", "dawn", "dusk"
	Time     time.Duration `yaml:"time,omitempty"`     // offset since local midnight, when Symbolic == ""
	Offset   time.Duration `yaml:"offset,omitempty"`   // applied to the resolved symbolic instant
}

// Window is one (start, end, weekday-mask, optional price) entry in a Schedule.
// A Window wraps midnight when End <= Start in time-of-day terms.
type Window struct {
	Start    Endpoint `yaml:"start"`
	End      Endpoint `yaml:"end"`
	Weekdays uint8    `yaml:"weekdays"` // bit i set => time.Weekday(i) included
	Price    *float64 `yaml:"price,omitempty"`
}

// Schedule is a named list of windows, evaluated by the Schedule Evaluator.
type Schedule struct {
	Name    string   `yaml:"name"`
	Windows []Window `yaml:"windows"`
}

// SequenceStepKind discriminates Sequence Runner step types.
type SequenceStepKind string

const (
	StepChangeOutput SequenceStepKind = "change_output"
	StepSleep        SequenceStepKind = "sleep"
	StepGetLocation  SequenceStepKind = "get_location"
	StepRefreshStatus SequenceStepKind = "refresh_status"
)

// SequenceStep is one step of an ordered turn-on/turn-off recipe.
type SequenceStep struct {
	Kind            SequenceStepKind `yaml:"kind"`
	OutputName      string           `yaml:"output,omitempty"`
	TargetState     bool             `yaml:"state,omitempty"`
	Retries         int              `yaml:"retries,omitempty"`
	RetryBackoffSec int              `yaml:"retry_backoff_sec,omitempty"`
	SleepSeconds    int              `yaml:"sleep_seconds,omitempty"`
	Device          string           `yaml:"device,omitempty"`
}

// Sequence is a named, ordered list of steps with an overall timeout.
type Sequence struct {
	Name    string         `yaml:"name"`
	Steps   []SequenceStep `yaml:"steps"`
	Timeout time.Duration  `yaml:"timeout"`
}
