// Package planner implements the Run-Plan Builder: given an output's
// configuration, price forecast (or schedule fallback) and today's
// accumulated runtime, it produces an ordered sequence of half-hour plan
// slots over a forward horizon, with reason codes attached.
package planner

import (
	"math"
	"sort"
	"time"

	"github.com/nickelseyspelloc/powercontroller/clock"
	"github.com/nickelseyspelloc/powercontroller/config"
	"github.com/nickelseyspelloc/powercontroller/pricecache"
	"github.com/nickelseyspelloc/powercontroller/scheduleeval"
)

// ReasonCode annotates why a PlanSlot was decided ON or OFF.
type ReasonCode string

const (
	ReasonScheduleHit        ReasonCode = "schedule-hit"
	ReasonPriceBelowCeiling  ReasonCode = "price-below-ceiling"
	ReasonPriceAboveCeiling  ReasonCode = "price-above-ceiling"
	ReasonPriority           ReasonCode = "priority"
	ReasonParentGated        ReasonCode = "parent-gated"
	ReasonConstrainedOff     ReasonCode = "constrained-off"
	ReasonDateOff            ReasonCode = "date-off"
	ReasonForcedOff          ReasonCode = "forced-off"
	ReasonAppOverride        ReasonCode = "app-override"
)

// PlanSlot is one decided half-hour interval.
type PlanSlot struct {
	Start  time.Time
	End    time.Time
	On     bool
	Reason ReasonCode
}

// AppOverride is a user-pushed forced state with expiry.
type AppOverride struct {
	On        bool
	ExpiresAt time.Time // zero value disables expiry
}

// Active reports whether the override is still in force at instant; an
// expired override is equivalent to absent (invariant e).
func (o *AppOverride) Active(instant time.Time) bool {
	if o == nil {
		return false
	}
	if o.ExpiresAt.IsZero() {
		return true
	}
	return instant.Before(o.ExpiresAt)
}

// Input gathers everything the Run-Plan Builder needs for one output.
type Input struct {
	Output config.Output
	Now    time.Time

	Horizon  time.Duration
	Lookback time.Duration

	AccumulatedHours float64 // A: today's accumulated ON hours so far
	CarriedShortfall float64 // S: carried-forward shortfall hours

	Forecast  *pricecache.Cache
	Evaluator *scheduleeval.Evaluator

	PrimarySchedule    *config.Schedule
	ConstraintSchedule *config.Schedule

	UPSHealthy *bool // nil: no UPS link for this output

	Override *AppOverride

	// ParentOn maps a slot's start-unix to the parent output's ON decision
	// for that slot; nil when the output has no parent.
	ParentOn map[int64]bool

	// TempReading is the last-known probe reading; TempStale marks it as
	// not fresh, in which case it gates nothing (unknown => eligible unless
	// another constraint already fails).
	TempReading *float64
	TempStale   bool
}

// Build runs the Run-Plan Builder algorithm and returns the ordered slot
// sequence over [Now-Lookback, Now+Horizon).
func Build(in Input) []PlanSlot {
	slots := generateSlots(in.Now, in.Lookback, in.Horizon)

	eligible := make([]bool, len(slots))
	reason := make([]ReasonCode, len(slots))
	hardBlocked := make([]bool, len(slots))

	for i, s := range slots {
		eligible[i], reason[i], hardBlocked[i] = evaluateEligibility(in, s.Start)
	}

	decided := make([]PlanSlot, len(slots))
	for i, s := range slots {
		decided[i] = PlanSlot{Start: s.Start, End: s.End}
	}

	// Past/lookback slots are descriptive only: classify without budget
	// accounting, since "need" is a today-forward concept.
	for i, s := range slots {
		if !s.Start.Before(in.Now) {
			continue
		}
		decided[i].On, decided[i].Reason = classifyDescriptive(in, s.Start, eligible[i], reason[i])
	}

	// Group the forward slots (>= Now) by calendar day and run the
	// target/need/selection algorithm independently per day. Today's
	// bucket uses the caller's AccumulatedHours/CarriedShortfall; future
	// days start fresh (shortfall is only known once that day rolls over).
	buckets := bucketByDay(slots, in.Now)
	for _, bucket := range buckets {
		isToday := sameDay(slots[bucket[0]].Start, in.Now)
		a := 0.0
		s := 0.0
		if isToday {
			a = in.AccumulatedHours
			s = in.CarriedShortfall
		}
		month := int(slots[bucket[0]].Start.Month())
		target := in.Output.Budget.TargetForMonth(month)

		selected := selectForDay(in, slots, bucket, eligible, reason, target, a, s)
		for idx, r := range selected {
			decided[idx].On = true
			decided[idx].Reason = r
		}
		for _, idx := range bucket {
			if _, picked := selected[idx]; !picked {
				decided[idx].On = false
				if reason[idx] != "" {
					decided[idx].Reason = reason[idx]
				} else {
					decided[idx].Reason = ReasonPriceAboveCeiling
				}
			}
		}
	}

	// Parent gating: a child slot stays ON only if the parent's plan also
	// has that slot ON.
	if in.ParentOn != nil {
		for i := range decided {
			if decided[i].On && !in.ParentOn[decided[i].Start.Unix()] {
				decided[i].On = false
				decided[i].Reason = ReasonParentGated
			}
		}
	}

	// App override: forces ON/OFF regardless of eligibility, except
	// DatesOff and UPS=TurnOff (hardBlocked), which always win.
	if in.Override.Active(in.Now) {
		for i := range decided {
			if hardBlocked[i] {
				continue
			}
			decided[i].On = in.Override.On
			decided[i].Reason = ReasonAppOverride
		}
	}

	return decided
}

type slotSpec struct {
	Start time.Time
	End   time.Time
}

func generateSlots(now time.Time, lookback, horizon time.Duration) []slotSpec {
	start := clock.AlignToHalfHour(now.Add(-lookback))
	end := clock.AlignToHalfHour(now.Add(horizon))

	var slots []slotSpec
	for s := start; s.Before(end); s = s.Add(clock.SlotDuration) {
		slots = append(slots, slotSpec{Start: s, End: s.Add(clock.SlotDuration)})
	}
	return slots
}

// evaluateEligibility implements step 1 of the algorithm: a slot is eligible
// unless any of the listed constraints fire. hardBlocked marks the subset
// (DatesOff, UPS=TurnOff) that overrides even an active app-override.
func evaluateEligibility(in Input, instant time.Time) (bool, ReasonCode, bool) {
	for _, r := range in.Output.DatesOff {
		if r.Contains(instant) {
			return false, ReasonDateOff, true
		}
	}

	if in.ConstraintSchedule != nil {
		if hit, _ := in.Evaluator.InWindow(*in.ConstraintSchedule, instant); !hit {
			return false, ReasonConstrainedOff, false
		}
	}

	if in.Output.Mode == config.ModeSchedule && in.PrimarySchedule != nil {
		if hit, _ := in.Evaluator.InWindow(*in.PrimarySchedule, instant); !hit {
			return false, ReasonPriceAboveCeiling, false
		}
	}

	if in.UPSHealthy != nil && !*in.UPSHealthy && in.Output.UPS != nil &&
		in.Output.UPS.ActionIfUnhealthy == config.UnhealthyActionTurnOff {
		return false, ReasonConstrainedOff, true
	}

	if in.Output.TempProbe != nil && !in.TempStale && in.TempReading != nil {
		violated := false
		switch in.Output.TempProbe.Operator {
		case ">":
			violated = *in.TempReading > in.Output.TempProbe.Threshold
		case "<":
			violated = *in.TempReading < in.Output.TempProbe.Threshold
		}
		if violated {
			return false, ReasonConstrainedOff, false
		}
	}

	return true, "", false
}

func classifyDescriptive(in Input, instant time.Time, eligible bool, reason ReasonCode) (bool, ReasonCode) {
	if !eligible {
		return false, reason
	}
	if in.Output.Mode == config.ModeSchedule {
		return true, ReasonScheduleHit
	}
	p := in.Forecast.PriceAt(in.Output.PriceChannel, instant)
	if p.PerKWh <= in.Output.Ceilings.MaxBestPrice {
		return true, ReasonPriceBelowCeiling
	}
	return false, ReasonPriceAboveCeiling
}

// selectForDay runs steps 2-5 of the algorithm for one calendar-day bucket
// and returns the chosen slot indices with their reason codes.
func selectForDay(in Input, slots []slotSpec, bucket []int, eligible []bool, reason []ReasonCode, target, accumulated, shortfall float64) map[int]ReasonCode {
	selected := make(map[int]ReasonCode)

	if in.Output.Mode == config.ModeSchedule {
		count := 0.0
		maxHalfHours := in.Output.Budget.MaxHours * 2
		for _, idx := range bucket {
			if !eligible[idx] {
				continue
			}
			if target != -1 && in.Output.Budget.MaxHours > 0 && count >= maxHalfHours {
				break
			}
			selected[idx] = ReasonScheduleHit
			count++
		}
		return selected
	}

	// BestPrice mode.
	if target == -1 {
		for _, idx := range bucket {
			if !eligible[idx] {
				continue
			}
			p := in.Forecast.PriceAt(in.Output.PriceChannel, slots[idx].Start)
			if p.PerKWh <= in.Output.Ceilings.MaxBestPrice {
				selected[idx] = ReasonPriceBelowCeiling
			}
		}
		return selected
	}

	need := math.Max(0, target-accumulated) + math.Min(shortfall, in.Output.Budget.MaxShortfallHours)
	if in.Output.Budget.MaxHours > 0 {
		need = math.Min(need, math.Max(0, in.Output.Budget.MaxHours-accumulated))
	}
	needHalfHours := int(math.Round(need * 2))

	type candidate struct {
		idx   int
		price float64
		start time.Time
	}
	var candidates []candidate
	for _, idx := range bucket {
		if !eligible[idx] {
			continue
		}
		p := in.Forecast.PriceAt(in.Output.PriceChannel, slots[idx].Start)
		candidates = append(candidates, candidate{idx: idx, price: p.PerKWh, start: slots[idx].Start})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].price != candidates[j].price {
			return candidates[i].price < candidates[j].price
		}
		if !candidates[i].start.Equal(candidates[j].start) {
			return candidates[i].start.Before(candidates[j].start)
		}
		// Tie-break: a slot where the parent is planned ON wins.
		iParent := in.ParentOn != nil && in.ParentOn[candidates[i].start.Unix()]
		jParent := in.ParentOn != nil && in.ParentOn[candidates[j].start.Unix()]
		return iParent && !jParent
	})

	picked := 0
	for _, c := range candidates {
		if picked >= needHalfHours {
			break
		}
		if c.price > in.Output.Ceilings.MaxBestPrice {
			continue
		}
		selected[c.idx] = ReasonPriceBelowCeiling
		picked++
	}

	minHalfHours := int(math.Ceil(in.Output.Budget.MinHours * 2))
	if len(selected) < minHalfHours {
		for _, c := range candidates {
			if len(selected) >= minHalfHours {
				break
			}
			if _, already := selected[c.idx]; already {
				continue
			}
			if c.price > in.Output.Ceilings.MaxPriorityPrice {
				continue
			}
			selected[c.idx] = ReasonPriority
		}
	}

	return selected
}

func bucketByDay(slots []slotSpec, now time.Time) [][]int {
	buckets := make(map[string][]int)
	var order []string
	for i, s := range slots {
		if s.Start.Before(now) {
			continue
		}
		key := s.Start.Format("2006-01-02")
		if _, ok := buckets[key]; !ok {
			order = append(order, key)
		}
		buckets[key] = append(buckets[key], i)
	}

	out := make([][]int, 0, len(order))
	for _, k := range order {
		out = append(out, buckets[k])
	}
	return out
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

// RolloverShortfall computes the new carried shortfall at local midnight,
// per spec: newShortfall = clamp(yesterdayTarget - yesterdayActual +
// oldShortfall, 0, maxShortfallHours); a targetHours of -1 resets it to 0.
func RolloverShortfall(yesterdayTarget, yesterdayActualHours, oldShortfall, maxShortfallHours float64) float64 {
	if yesterdayTarget == -1 {
		return 0
	}
	v := yesterdayTarget - yesterdayActualHours + oldShortfall
	if v < 0 {
		return 0
	}
	if v > maxShortfallHours {
		return maxShortfallHours
	}
	return v
}
