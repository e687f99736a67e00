package planner

import (
	"testing"
	"time"

	"github.com/nickelseyspelloc/powercontroller/clock"
	"github.com/nickelseyspelloc/powercontroller/config"
	"github.com/nickelseyspelloc/powercontroller/priceapi"
	"github.com/nickelseyspelloc/powercontroller/pricecache"
	"github.com/nickelseyspelloc/powercontroller/scheduleeval"
)

func TestBuildBestPriceSelectsCheapestSlotsForTarget(t *testing.T) {
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	out := config.Output{
		Name:         "hot-water",
		Kind:         config.KindSwitched,
		Mode:         config.ModeBestPrice,
		PriceChannel: "general",
		Budget:       config.DailyBudget{TargetHours: 2, MaxHours: 24, MaxShortfallHours: 1},
		Ceilings:     config.PriceCeilings{MaxBestPrice: 100, MaxPriorityPrice: 200},
	}

	eval := scheduleeval.NewEvaluator(clock.NewEphemeris(0, 0))
	cache := pricecache.NewCache(priceapi.NewClient("http://example.invalid", "", time.Second), "", time.Hour, 3, 10, nil)

	in := Input{
		Output:    out,
		Now:       now,
		Horizon:   6 * time.Hour,
		Lookback:  0,
		Forecast:  cache,
		Evaluator: eval,
	}

	slots := Build(in)

	onCount := 0
	for _, s := range slots {
		if s.On {
			onCount++
		}
	}
	// With a flat default price every eligible slot ties on price, so the
	// cheapest-first selection should still pick exactly the half-hours
	// needed to reach the 2-hour target.
	if onCount != 4 {
		t.Fatalf("expected 4 half-hour slots selected for a 2h target, got %d", onCount)
	}
}

func TestBuildDatesOffAlwaysWinsOverAppOverride(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	out := config.Output{
		Name:         "pool-pump",
		Kind:         config.KindSwitched,
		Mode:         config.ModeBestPrice,
		PriceChannel: "general",
		Budget:       config.DailyBudget{TargetHours: -1, MaxHours: 24},
		Ceilings:     config.PriceCeilings{MaxBestPrice: 1000, MaxPriorityPrice: 1000},
		DatesOff: []config.DateRange{
			{From: now, To: now},
		},
	}

	eval := scheduleeval.NewEvaluator(clock.NewEphemeris(0, 0))
	cache := pricecache.NewCache(priceapi.NewClient("http://example.invalid", "", time.Second), "", time.Hour, 3, 10, nil)

	in := Input{
		Output:    out,
		Now:       now,
		Horizon:   2 * time.Hour,
		Forecast:  cache,
		Evaluator: eval,
		Override:  &AppOverride{On: true},
	}

	slots := Build(in)
	for _, s := range slots {
		if s.On {
			t.Fatalf("expected DatesOff to win over an active ON override, got slot %v ON", s.Start)
		}
		if s.Reason != ReasonDateOff {
			t.Fatalf("expected reason %s, got %s", ReasonDateOff, s.Reason)
		}
	}
}

func TestBuildAppOverrideForcesOnOutsideBudget(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	out := config.Output{
		Name:         "ev-charger",
		Kind:         config.KindSwitched,
		Mode:         config.ModeBestPrice,
		PriceChannel: "general",
		Budget:       config.DailyBudget{TargetHours: 0, MaxHours: 24},
		Ceilings:     config.PriceCeilings{MaxBestPrice: 1, MaxPriorityPrice: 1},
	}

	eval := scheduleeval.NewEvaluator(clock.NewEphemeris(0, 0))
	cache := pricecache.NewCache(priceapi.NewClient("http://example.invalid", "", time.Second), "", time.Hour, 3, 500, nil)

	in := Input{
		Output:    out,
		Now:       now,
		Horizon:   time.Hour,
		Forecast:  cache,
		Evaluator: eval,
		Override:  &AppOverride{On: true, ExpiresAt: now.Add(2 * time.Hour)},
	}

	slots := Build(in)
	for _, s := range slots {
		if !s.On {
			t.Fatalf("expected an active ON override to force every slot ON, got slot %v OFF", s.Start)
		}
		if s.Reason != ReasonAppOverride {
			t.Fatalf("expected reason %s, got %s", ReasonAppOverride, s.Reason)
		}
	}
}

func TestBuildExpiredOverrideIsIgnored(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	out := config.Output{
		Name:         "ev-charger",
		Kind:         config.KindSwitched,
		Mode:         config.ModeBestPrice,
		PriceChannel: "general",
		Budget:       config.DailyBudget{TargetHours: 0, MaxHours: 24},
		Ceilings:     config.PriceCeilings{MaxBestPrice: 1, MaxPriorityPrice: 1},
	}

	eval := scheduleeval.NewEvaluator(clock.NewEphemeris(0, 0))
	cache := pricecache.NewCache(priceapi.NewClient("http://example.invalid", "", time.Second), "", time.Hour, 3, 500, nil)

	in := Input{
		Output:    out,
		Now:       now,
		Horizon:   time.Hour,
		Forecast:  cache,
		Evaluator: eval,
		Override:  &AppOverride{On: true, ExpiresAt: now.Add(-time.Minute)},
	}

	slots := Build(in)
	for _, s := range slots {
		if s.On {
			t.Fatalf("expected an expired override to be ignored, got slot %v ON", s.Start)
		}
	}
}

func TestBuildParentGatingBlocksChildWhenParentOff(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	out := config.Output{
		Name:         "child",
		Kind:         config.KindSwitched,
		Mode:         config.ModeBestPrice,
		PriceChannel: "general",
		Budget:       config.DailyBudget{TargetHours: -1, MaxHours: 24},
		Ceilings:     config.PriceCeilings{MaxBestPrice: 1000, MaxPriorityPrice: 1000},
		HasParent:    true,
		ParentName:   "parent",
	}

	eval := scheduleeval.NewEvaluator(clock.NewEphemeris(0, 0))
	cache := pricecache.NewCache(priceapi.NewClient("http://example.invalid", "", time.Second), "", time.Hour, 3, 10, nil)

	in := Input{
		Output:    out,
		Now:       now,
		Horizon:   time.Hour,
		Forecast:  cache,
		Evaluator: eval,
		ParentOn:  map[int64]bool{}, // parent plan has nothing ON
	}

	slots := Build(in)
	for _, s := range slots {
		if s.On {
			t.Fatalf("expected parent gating to block every slot when the parent plan is all OFF")
		}
		if s.Reason != ReasonParentGated {
			t.Fatalf("expected reason %s, got %s", ReasonParentGated, s.Reason)
		}
	}
}

func TestRolloverShortfallClampsAndResetsOnUnbudgeted(t *testing.T) {
	if got := RolloverShortfall(-1, 0, 5, 3); got != 0 {
		t.Fatalf("expected an unbudgeted (-1 target) output to reset shortfall to 0, got %f", got)
	}
	if got := RolloverShortfall(4, 1, 0.5, 3); got != 3 {
		t.Fatalf("expected shortfall to clamp at maxShortfallHours=3, got %f", got)
	}
	if got := RolloverShortfall(2, 2.5, 0, 3); got != 0 {
		t.Fatalf("expected a day that met its target to not go negative, got %f", got)
	}
}
