package outputctl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nickelseyspelloc/powercontroller/config"
)

func TestTickTurnsOnThenLocksOn(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	var ran []bool
	c := NewController("hot-water", StateOff, config.AntiChatter{MinOnMinutes: 5}, func(ctx context.Context, on bool) error {
		ran = append(ran, on)
		return nil
	}, nil)

	if err := c.Tick(context.Background(), now, true, true, true, nil); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if c.State() != StateLockedOn {
		t.Fatalf("expected LOCKED_ON after a successful turn-on, got %s", c.State())
	}
	if len(ran) != 1 || !ran[0] {
		t.Fatalf("expected the turn-on sequence to run once, got %v", ran)
	}

	// Before MinOn elapses, the controller stays locked even though the plan agrees.
	if err := c.Tick(context.Background(), now.Add(time.Minute), true, true, true, nil); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if c.State() != StateLockedOn {
		t.Fatalf("expected to remain LOCKED_ON before MinOn elapses, got %s", c.State())
	}

	if err := c.Tick(context.Background(), now.Add(6*time.Minute), true, true, true, nil); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if c.State() != StateOn {
		t.Fatalf("expected ON once MinOn has elapsed, got %s", c.State())
	}
}

func TestTickFailedSequenceEntersFault(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	c := NewController("hot-water", StateOff, config.AntiChatter{}, func(ctx context.Context, on bool) error {
		return errors.New("relay unreachable")
	}, nil)

	if err := c.Tick(context.Background(), now, true, true, true, nil); err == nil {
		t.Fatalf("expected Tick to surface the sequence error")
	}
	if c.State() != StateFault {
		t.Fatalf("expected FAULT after a failed turn-on sequence, got %s", c.State())
	}
}

func TestSetOverrideForcesOnThenExpires(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	var ran []bool
	c := NewController("ev-charger", StateOff, config.AntiChatter{}, func(ctx context.Context, on bool) error {
		ran = append(ran, on)
		return nil
	}, nil)

	c.SetOverride(&OverrideState{On: true, ExpiresAt: now.Add(time.Minute)})
	if err := c.Tick(context.Background(), now, false, true, true, nil); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if c.State() != StateLockedOn {
		t.Fatalf("expected the override to force LOCKED_ON despite a plan-OFF slot, got %s", c.State())
	}

	// With MinOnMinutes unset, LOCKED_ON releases to ON immediately once the
	// override expires and is no longer forcing anything.
	if err := c.Tick(context.Background(), now.Add(2*time.Minute), false, true, true, nil); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if c.State() != StateOn {
		t.Fatalf("expected LOCKED_ON to release to ON, got %s", c.State())
	}

	// The plan (OFF) then takes back over on the next tick.
	if err := c.Tick(context.Background(), now.Add(3*time.Minute), false, true, true, nil); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if c.State() != StateLockedOff {
		t.Fatalf("expected the OFF plan to turn it off, got %s", c.State())
	}
	if len(ran) != 2 || ran[0] != true || ran[1] != false {
		t.Fatalf("expected turn-on then turn-off, got %v", ran)
	}
}
