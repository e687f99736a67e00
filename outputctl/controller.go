package outputctl

import (
	"context"
	"log"
	"time"

	"github.com/nickelseyspelloc/powercontroller/config"
)

// SequenceFunc runs a named turn-on/turn-off sequence for an output, or
// (when the output has no configured sequence) applies the relay state
// directly; either way it returns nil on success.
type SequenceFunc func(ctx context.Context, direction bool) error

// OverrideState is the controller's in-memory view of an app override.
type OverrideState struct {
	On        bool
	ExpiresAt time.Time // zero disables expiry
}

// Active reports whether the override is still in force at instant.
func (o *OverrideState) Active(instant time.Time) bool {
	if o == nil {
		return false
	}
	if o.ExpiresAt.IsZero() {
		return true
	}
	return instant.Before(o.ExpiresAt)
}

// Controller owns one switched output's state machine and drives it forward
// one tick at a time.
type Controller struct {
	Name string

	state       State
	enteredAt   time.Time
	override    *OverrideState
	runSequence SequenceFunc
	logger      *log.Logger

	minOn  time.Duration
	minOff time.Duration
	maxOff time.Duration
}

// NewController returns a Controller starting in initialState (typically
// restored from the Persistent State Store), driving transitions via
// runSequence.
func NewController(name string, initialState State, chatter config.AntiChatter, runSequence SequenceFunc, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.Default()
	}
	return &Controller{
		Name:        name,
		state:       initialState,
		enteredAt:   time.Now(),
		runSequence: runSequence,
		logger:      logger,
		minOn:       time.Duration(chatter.MinOnMinutes) * time.Minute,
		minOff:      time.Duration(chatter.MinOffMinutes) * time.Minute,
		maxOff:      time.Duration(chatter.MaxOffMinutes) * time.Minute,
	}
}

// State returns the controller's current state.
func (c *Controller) State() State {
	return c.state
}

// SetOverride records an app-pushed forced state, expiring at expiresAt (the
// zero value disables expiry). Passing nil clears any active override.
func (c *Controller) SetOverride(o *OverrideState) {
	c.override = o
}

// ForceFault drives the controller directly into StateFault, bypassing any
// turn-on/turn-off sequence. Used when an external signal (a device reporting
// itself down) invalidates the output's relay state rather than a sequence
// failure observed by Tick itself. The next Tick attempts recovery exactly
// as it would after a sequence-triggered fault.
func (c *Controller) ForceFault(now time.Time, reason string) {
	c.logger.Printf("output %s: forced to FAULT: %s", c.Name, reason)
	c.transition(StateFault, now)
}

// Tick evaluates one controller step against the supplied inputs, running a
// turn-on/turn-off sequence synchronously when the state machine calls for
// one. now is injected so callers can test stable timers, and is also the
// instant at which an expired override is dropped.
func (c *Controller) Tick(ctx context.Context, now time.Time, planOn, parentOn, upsOk bool, inputForce *bool) error {
	if c.override != nil && !c.override.Active(now) {
		c.override = nil
	}

	override := Override{}
	if c.override != nil {
		override = Override{Active: true, On: c.override.On}
	}

	guards := Guards{
		PlanOn:      planOn,
		ParentOn:    parentOn,
		UPSOk:       upsOk,
		InputForce:  inputForce,
		Override:    override,
		TimeInState: now.Sub(c.enteredAt),
		MinOn:       c.minOn,
		MinOff:      c.minOff,
		MaxOff:      c.maxOff,
	}

	next, action := Decide(c.state, guards)

	switch action {
	case ActionRunTurnOnSequence:
		if err := c.runSequence(ctx, true); err != nil {
			c.logger.Printf("output %s: turn-on sequence failed: %v", c.Name, err)
			c.transition(StateFault, now)
			return err
		}
		c.transition(StateLockedOn, now)
		return nil

	case ActionRunTurnOffSequence:
		if err := c.runSequence(ctx, false); err != nil {
			c.logger.Printf("output %s: turn-off sequence failed: %v", c.Name, err)
			c.transition(StateFault, now)
			return err
		}
		c.transition(StateLockedOff, now)
		return nil

	default:
		if next != c.state {
			c.transition(next, now)
		}
		return nil
	}
}

func (c *Controller) transition(next State, now time.Time) {
	if next == c.state {
		return
	}
	c.logger.Printf("output %s: %s -> %s", c.Name, c.state, next)
	c.state = next
	c.enteredAt = now
}
