package pricecache

import (
	"testing"
	"time"

	"github.com/nickelseyspelloc/powercontroller/priceapi"
)

func TestMergeNeverDowngradesActual(t *testing.T) {
	c := &Cache{
		slots:        make(map[string]map[int64]PricePoint),
		defaultPrice: 30,
	}

	start := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)

	c.mergeIntervals("general", []priceapi.Interval{
		{Start: start, DurationSec: 1800, PerKWh: 12.5, Quality: "actual"},
	})
	c.mergeIntervals("general", []priceapi.Interval{
		{Start: start, DurationSec: 1800, PerKWh: 99.0, Quality: "forecast"},
	})

	p := c.PriceAt("general", start)
	if p.Quality != QualityActual {
		t.Fatalf("expected actual quality to survive, got %s", p.Quality)
	}
	if p.PerKWh != 12.5 {
		t.Fatalf("expected actual price 12.5 to survive a forecast merge, got %f", p.PerKWh)
	}
}

func TestMergeUpgradesForecastToCurrent(t *testing.T) {
	c := &Cache{
		slots:        make(map[string]map[int64]PricePoint),
		defaultPrice: 30,
	}
	start := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)

	c.mergeIntervals("general", []priceapi.Interval{
		{Start: start, DurationSec: 1800, PerKWh: 20, Quality: "forecast"},
	})
	c.mergeIntervals("general", []priceapi.Interval{
		{Start: start, DurationSec: 1800, PerKWh: 18, Quality: "current"},
	})

	p := c.PriceAt("general", start)
	if p.Quality != QualityCurrent || p.PerKWh != 18 {
		t.Fatalf("expected current quality 18, got %s %f", p.Quality, p.PerKWh)
	}
}

func TestMergeRoutesEachIntervalByItsOwnChannelType(t *testing.T) {
	c := &Cache{
		slots:        make(map[string]map[int64]PricePoint),
		defaultPrice: 30,
	}
	start := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)

	// A single fetch answering "general" comes back with a mixed batch
	// covering both channels; each interval must land in its own channel's
	// slot ring rather than all collapsing onto the requested one.
	c.mergeIntervals("general", []priceapi.Interval{
		{Start: start, DurationSec: 1800, ChannelType: "general", PerKWh: 15, Quality: "actual"},
		{Start: start, DurationSec: 1800, ChannelType: "controlled_load", PerKWh: 8, Quality: "actual"},
	})

	general := c.PriceAt("general", start)
	if general.PerKWh != 15 {
		t.Fatalf("expected general channel price 15, got %f", general.PerKWh)
	}
	controlled := c.PriceAt("controlled_load", start)
	if controlled.PerKWh != 8 {
		t.Fatalf("expected controlled_load channel price 8, got %f", controlled.PerKWh)
	}
}

func TestPriceAtDefaultsWhenUncached(t *testing.T) {
	c := &Cache{
		slots:        make(map[string]map[int64]PricePoint),
		defaultPrice: 42,
	}
	p := c.PriceAt("unknown-channel", time.Now())
	if p.Quality != QualityDefault || p.PerKWh != 42 {
		t.Fatalf("expected default price 42, got %s %f", p.Quality, p.PerKWh)
	}
}
