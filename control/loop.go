// Package control is the Control Loop: the single owner of every Output
// Controller's state, driven by a polling ticker plus a coalesced wake
// channel fed by the Device Workers, the HTTP Command Surface, the price
// refresh poller and the UPS pollers (on a health change); temperature-probe
// polls do not wake the loop, and their readings are picked up by the next
// tick. Narrowed from several independent periodic
// tasks to one serialized re-plan/reconcile tick so that no two goroutines
// ever touch controller state at once.
package control

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nickelseyspelloc/powercontroller/clock"
	"github.com/nickelseyspelloc/powercontroller/config"
	"github.com/nickelseyspelloc/powercontroller/deviceworker"
	"github.com/nickelseyspelloc/powercontroller/httpapi"
	"github.com/nickelseyspelloc/powercontroller/outputctl"
	"github.com/nickelseyspelloc/powercontroller/planner"
	"github.com/nickelseyspelloc/powercontroller/pricecache"
	"github.com/nickelseyspelloc/powercontroller/relay"
	"github.com/nickelseyspelloc/powercontroller/scheduleeval"
	"github.com/nickelseyspelloc/powercontroller/sequence"
	"github.com/nickelseyspelloc/powercontroller/statestore"
	"github.com/nickelseyspelloc/powercontroller/ups"
)

// Loop owns every Output Controller and advances them all on each wake.
type Loop struct {
	cfg        *config.Config
	store      *statestore.Store
	priceCache *pricecache.Cache
	evaluator  *scheduleeval.Evaluator
	ephemeris  *clock.Ephemeris
	logger     *log.Logger

	devices     map[string]*deviceworker.Worker
	controllers map[string]*outputctl.Controller
	runner      *sequence.Runner
	upsMonitors map[string]*ups.Monitor
	probes      map[string]*tempProbe // keyed by Output.TempProbe.Probe device name

	httpServer     *httpapi.Server
	importedSource ImportedSource

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	overrideMu sync.Mutex

	lastPlan   map[string][]planner.PlanSlot // last Build() result per output, for the HTTP status snapshot
	lastTickAt time.Time
}

// New wires a Loop from a loaded configuration and its already-built
// collaborators (price cache, schedule evaluator, ephemeris, state store).
// It constructs one Device Worker per configured relay device, one UPS
// Monitor per configured script and one temperature-probe poller per probe
// device actually referenced by an output.
func New(cfg *config.Config, store *statestore.Store, priceCache *pricecache.Cache, evaluator *scheduleeval.Evaluator, ephemeris *clock.Ephemeris, logger *log.Logger) *Loop {
	if logger == nil {
		logger = log.Default()
	}

	l := &Loop{
		cfg:         cfg,
		store:       store,
		priceCache:  priceCache,
		evaluator:   evaluator,
		ephemeris:   ephemeris,
		logger:      logger,
		devices:     make(map[string]*deviceworker.Worker),
		controllers: make(map[string]*outputctl.Controller),
		upsMonitors: make(map[string]*ups.Monitor),
		probes:      make(map[string]*tempProbe),
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		lastPlan:    make(map[string][]planner.PlanSlot),
	}

	for _, dev := range cfg.ShellyDevices {
		client := relay.NewClient(dev.Address, dev.ResponseTimeout, dev.RetryCount, dev.RetryDelay)
		maxConcurrentErrors := dev.MaxConcurrentErrors
		if maxConcurrentErrors <= 0 {
			maxConcurrentErrors = 5
		}
		l.devices[dev.Name] = deviceworker.New(dev.Name, client, maxConcurrentErrors, cfg.OutputMetering.Staleness, logger, l.onDeviceDown)
	}

	l.runner = sequence.New(ephemeris, l.setOutputDirect, l.workerFor, logger)

	for _, sc := range cfg.UPSIntegration.Scripts {
		l.upsMonitors[sc.Name] = ups.NewMonitor(sc.Name, sc.Path, sc.Timeout, sc.LowChargePct, sc.LowRuntimeSec, logger)
	}

	for _, out := range cfg.Outputs {
		if out.TempProbe == nil {
			continue
		}
		if _, ok := l.probes[out.TempProbe.Probe]; ok {
			continue
		}
		if w, ok := l.devices[out.TempProbe.Probe]; ok {
			l.probes[out.TempProbe.Probe] = newTempProbe(w, cfg.TempProbeLogging.PollInterval, logger)
		}
	}

	// Only a switched output is driven through the relay state machine; a
	// meter- or imported-kind output is never energized by the Control Loop
	// itself, so it gets no Output Controller at all.
	for _, out := range cfg.Outputs {
		if out.Kind != config.KindSwitched {
			continue
		}
		initial := outputctl.StateOff
		if st, ok := store.Get(out.Name); ok && st.RelayOn {
			initial = outputctl.StateOn
		}
		name := out.Name
		l.controllers[out.Name] = outputctl.NewController(out.Name, initial, out.Chatter, func(ctx context.Context, on bool) error {
			return l.runOutputSequence(ctx, name, on)
		}, logger)
	}

	return l
}

// AttachHTTP wires an already-constructed HTTP Command Surface so the
// Control Loop can push websocket broadcasts after each tick. Optional: a
// nil server means no HTTP surface is running.
func (l *Loop) AttachHTTP(s *httpapi.Server) {
	l.httpServer = s
}

func (l *Loop) workerFor(deviceName string) (*deviceworker.Worker, bool) {
	w, ok := l.devices[deviceName]
	return w, ok
}

// onDeviceDown is the Device Worker's down-callback: it marks every output
// that depends on the failed device FAULT, so the Control Loop stops
// treating its last-known relay state as trustworthy, then wakes the loop
// for an early re-plan (the next tick's Decide call attempts recovery).
func (l *Loop) onDeviceDown(name string) {
	l.logger.Printf("control: device %s marked down, faulting dependent outputs", name)
	now := time.Now()
	for _, out := range l.cfg.Outputs {
		if out.RelayDevice != name && out.MeterDevice != name && (out.TempProbe == nil || out.TempProbe.Probe != name) {
			continue
		}
		if c, ok := l.controllers[out.Name]; ok {
			c.ForceFault(now, fmt.Sprintf("device %s reported down", name))
		}
	}
	l.Wake()
}

// setOutputDirect drives an output's relay directly: it is the Sequence
// Runner's OutputSetter for change-output steps, and the path
// runOutputSequence takes for an output with no configured sequence. In dry
// run mode it only logs the command.
func (l *Loop) setOutputDirect(ctx context.Context, outputName string, on bool) error {
	out, ok := l.cfg.OutputByName(outputName)
	if !ok {
		return fmt.Errorf("control: unknown output %q in sequence step", outputName)
	}
	if l.cfg.General.DryRun {
		l.logger.Printf("control: dry run: would set output %s (relay %s index %d) on=%v", outputName, out.RelayDevice, out.RelayIndex, on)
		return nil
	}
	w, ok := l.devices[out.RelayDevice]
	if !ok {
		return fmt.Errorf("control: output %q has no relay device %q", outputName, out.RelayDevice)
	}
	return w.SetOutput(ctx, out.RelayIndex, on)
}

// runOutputSequence is the SequenceFunc bound into every output's
// Controller: it runs the configured turn-on/turn-off sequence, or drives
// the relay directly when the output names none.
func (l *Loop) runOutputSequence(ctx context.Context, outputName string, on bool) error {
	out, ok := l.cfg.OutputByName(outputName)
	if !ok {
		return fmt.Errorf("control: unknown output %q", outputName)
	}
	seqName := out.TurnOnSequenceName
	if !on {
		seqName = out.TurnOffSequenceName
	}
	if seqName == "" {
		return l.setOutputDirect(ctx, outputName, on)
	}
	seq, ok := l.cfg.SequenceByName(seqName)
	if !ok {
		return fmt.Errorf("control: output %q references unknown sequence %q", outputName, seqName)
	}
	return l.runner.Run(ctx, seq)
}

// Wake requests an early tick, coalescing with any already-pending wake.
// Safe to call from any goroutine: the HTTP Command Surface's override and
// refresh handlers, a Device Worker marking itself down, the price refresh
// poller, or a UPS poller observing a health change.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// SetOverride applies a user-pushed forced state to outputName, persists it
// to the state store and wakes the loop so the change is observed promptly.
// ttl of zero disables expiry.
func (l *Loop) SetOverride(outputName string, on bool, ttl time.Duration) error {
	l.overrideMu.Lock()
	defer l.overrideMu.Unlock()

	c, ok := l.controllers[outputName]
	if !ok {
		return fmt.Errorf("control: unknown output %q", outputName)
	}

	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	c.SetOverride(&outputctl.OverrideState{On: on, ExpiresAt: expires})

	st, _ := l.store.Get(outputName)
	st.Override = &statestore.AppOverride{On: on, ExpiresAt: expires}
	l.store.Set(outputName, st)

	l.Wake()
	return nil
}

// Refresh triggers an out-of-band price cache refresh and wakes the loop.
func (l *Loop) Refresh(ctx context.Context) error {
	channels := make([]string, 0, len(l.cfg.Outputs))
	seen := make(map[string]bool)
	for _, out := range l.cfg.Outputs {
		if out.PriceChannel == "" || seen[out.PriceChannel] {
			continue
		}
		seen[out.PriceChannel] = true
		channels = append(channels, out.PriceChannel)
	}
	now := time.Now()
	err := l.priceCache.Refresh(ctx, channels, now.Add(-l.cfg.General.PlanLookback), now.Add(l.cfg.General.PlanHorizon))
	l.Wake()
	return err
}

// Start begins the ticker, every periodic poller goroutine and the HTTP
// server, then runs the tick loop until ctx is cancelled or Stop is called.
// It blocks until graceful shutdown has completed.
func (l *Loop) Start(ctx context.Context) {
	for _, w := range l.devices {
		w.Start(ctx)
	}
	go l.runPoller(ctx, "price-refresh", l.cfg.AmberAPI.RefreshEvery, func(ctx context.Context) { _ = l.Refresh(ctx) })
	for _, m := range l.upsMonitors {
		m := m
		go l.runPoller(ctx, m.Name(), l.pollIntervalFor(m.Name()), func(ctx context.Context) {
			before := m.Healthy()
			m.Poll(ctx)
			if m.Healthy() != before {
				l.Wake()
			}
		})
	}
	for device, p := range l.probes {
		device := device
		p := p
		go l.runPoller(ctx, "probe:"+device, p.interval, func(ctx context.Context) { p.poll(ctx) })
	}
	if l.httpServer != nil {
		l.httpServer.Start()
	}

	l.run(ctx)
	close(l.done)
}

// Stop requests a graceful shutdown and blocks until Start's run loop has
// finished commanding stopOnExit outputs off and flushing the state store.
func (l *Loop) Stop() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
	<-l.done
}

func (l *Loop) pollIntervalFor(upsName string) time.Duration {
	for _, sc := range l.cfg.UPSIntegration.Scripts {
		if sc.Name == upsName {
			return sc.PollInterval
		}
	}
	return 30 * time.Second
}

// runPoller runs fn on interval until ctx is cancelled or the loop stops,
// the shape used for every periodic background worker (price refresh, UPS
// scripts, probe reads).
func (l *Loop) runPoller(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (l *Loop) run(ctx context.Context) {
	interval := l.cfg.General.PollingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	initial := clock.InitialDelay(time.Now(), interval)
	select {
	case <-time.After(initial):
	case <-ctx.Done():
		l.shutdown(context.Background())
		return
	case <-l.stop:
		l.shutdown(context.Background())
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			l.shutdown(context.Background())
			return
		case <-l.stop:
			l.shutdown(context.Background())
			return
		case <-ticker.C:
			l.tick(ctx)
		case <-l.wake:
			l.tick(ctx)
		}
	}
}

// shutdown commands every stopOnExit output off and flushes the state store,
// run with a fresh background context since ctx may already be cancelled.
func (l *Loop) shutdown(ctx context.Context) {
	grace, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, out := range l.cfg.Outputs {
		if !out.StopOnExit {
			continue
		}
		if _, ok := l.controllers[out.Name]; !ok {
			continue
		}
		if err := l.runOutputSequence(grace, out.Name, false); err != nil {
			l.logger.Printf("control: shutdown: failed to stop %s: %v", out.Name, err)
		}
	}

	if err := l.store.Save(); err != nil {
		l.logger.Printf("control: shutdown: failed to save state store: %v", err)
	}

	if l.httpServer != nil {
		if err := l.httpServer.Stop(grace); err != nil {
			l.logger.Printf("control: shutdown: failed to stop http command surface: %v", err)
		}
	}
}

// tick is the one serialized re-plan/reconcile step: it rebuilds every
// output's plan in topological order (so a parent's plan is available
// before its children are built), advances every controller exactly once,
// and flushes the state store. No other goroutine reads or writes
// controller state.
func (l *Loop) tick(ctx context.Context) {
	now := time.Now()
	if l.lastTickAt.IsZero() {
		l.lastTickAt = now
	}
	elapsed := now.Sub(l.lastTickAt)

	ordered := l.cfg.OutputsInTopologicalOrder()
	parentPlans := make(map[string][]planner.PlanSlot, len(ordered))

	for _, out := range ordered {
		switch out.Kind {
		case config.KindMeter:
			l.recordMeterState(ctx, out, now, elapsed)
			continue
		case config.KindImported:
			l.recordImportedState(ctx, out, now, elapsed)
			continue
		}

		plan := l.buildPlan(out, now, parentPlans)
		parentPlans[out.Name] = plan
		l.lastPlan[out.Name] = plan

		planOn := planOnAt(plan, now)
		parentOn := true
		if out.HasParent {
			if pc, ok := l.controllers[out.ParentName]; ok {
				parentOn = pc.State() == outputctl.StateOn || pc.State() == outputctl.StateLockedOn || pc.State() == outputctl.StateTurningOn
			}
		}

		upsOk := true
		if out.UPS != nil {
			if m, ok := l.upsMonitors[out.UPS.UPSName]; ok {
				upsOk = m.Healthy()
			}
		}

		c, ok := l.controllers[out.Name]
		if !ok {
			continue
		}
		if err := c.Tick(ctx, now, planOn, parentOn, upsOk, nil); err != nil {
			l.logger.Printf("control: output %s: tick error: %v", out.Name, err)
		}

		l.recordSwitchedState(out, c, now, elapsed)
	}
	l.lastTickAt = now

	if err := l.store.Save(); err != nil {
		l.logger.Printf("control: failed to flush state store: %v", err)
	}

	if l.httpServer != nil {
		l.httpServer.Broadcast()
	}
}

func (l *Loop) buildPlan(out config.Output, now time.Time, parentPlans map[string][]planner.PlanSlot) []planner.PlanSlot {
	st, _ := l.store.Get(out.Name)

	var primary, constraint *config.Schedule
	if out.ScheduleName != "" {
		if s, ok := l.cfg.ScheduleByName(out.ScheduleName); ok {
			primary = &s
		}
	}
	if out.ConstraintScheduleName != "" {
		if s, ok := l.cfg.ScheduleByName(out.ConstraintScheduleName); ok {
			constraint = &s
		}
	}

	var upsHealthy *bool
	if out.UPS != nil {
		if m, ok := l.upsMonitors[out.UPS.UPSName]; ok {
			h := m.Healthy()
			upsHealthy = &h
		}
	}

	var tempReading *float64
	tempStale := true
	if out.TempProbe != nil {
		if p, ok := l.probes[out.TempProbe.Probe]; ok {
			tempReading, tempStale = p.reading()
		}
	}

	var override *planner.AppOverride
	if st.Override != nil {
		override = &planner.AppOverride{On: st.Override.On, ExpiresAt: st.Override.ExpiresAt}
	}

	var parentOn map[int64]bool
	if out.HasParent {
		if parentPlan, ok := parentPlans[out.ParentName]; ok {
			parentOn = make(map[int64]bool, len(parentPlan))
			for _, s := range parentPlan {
				parentOn[s.Start.Unix()] = s.On
			}
		}
	}

	in := planner.Input{
		Output:             out,
		Now:                now,
		Horizon:            l.cfg.General.PlanHorizon,
		Lookback:           l.cfg.General.PlanLookback,
		AccumulatedHours:   st.TodayHours,
		CarriedShortfall:   st.CarriedShortfall,
		Forecast:           l.priceCache,
		Evaluator:          l.evaluator,
		PrimarySchedule:    primary,
		ConstraintSchedule: constraint,
		UPSHealthy:         upsHealthy,
		Override:           override,
		ParentOn:           parentOn,
		TempReading:        tempReading,
		TempStale:          tempStale,
	}

	return planner.Build(in)
}

// rolloverDayIfNeeded rolls yesterday's accounting into History the first
// time a tick observes a new calendar day since the output's last recorded
// change, resetting the running daily accumulators. Shared by all three
// output kinds; EnergyWh/Cost are simply zero for a switched output, which
// never accrues them.
func rolloverDayIfNeeded(st *statestore.OutputState, out config.Output, now time.Time) {
	if st.LastChangeAt.IsZero() || sameDay(st.LastChangeAt, now) {
		return
	}
	target := out.Budget.TargetForMonth(int(st.LastChangeAt.Month()))
	shortfall := planner.RolloverShortfall(target, st.TodayHours, st.CarriedShortfall, out.Budget.MaxShortfallHours)
	st.History = append(st.History, statestore.DayRecord{
		Date:        st.LastChangeAt.Format("2006-01-02"),
		TargetHours: target,
		ActualHours: st.TodayHours,
		Shortfall:   shortfall,
		EnergyWh:    st.TodayEnergyWh,
		Cost:        st.TodayCost,
	})
	st.CarriedShortfall = shortfall
	st.TodayHours = 0
	st.TodayEnergyWh = 0
	st.TodayCost = 0
}

// recordSwitchedState folds a switched output controller's new relay state
// back into the state store, crediting the just-elapsed tick interval to
// TodayHours while the output was ON.
func (l *Loop) recordSwitchedState(out config.Output, c *outputctl.Controller, now time.Time, elapsed time.Duration) {
	st, _ := l.store.Get(out.Name)
	rolloverDayIfNeeded(&st, out, now)

	wasOn := st.RelayOn
	isOn := c.State() == outputctl.StateOn || c.State() == outputctl.StateLockedOn || c.State() == outputctl.StateTurningOn
	if wasOn {
		st.TodayHours += elapsed.Hours()
	}
	if isOn != wasOn {
		st.LastChangeAt = now
	}
	st.RelayOn = isOn

	if st.Override != nil && !st.Override.ExpiresAt.IsZero() && !now.Before(st.Override.ExpiresAt) {
		st.Override = nil
	}

	l.store.Set(out.Name, st)
}

// recordMeterState drives a meter-kind output's running/stopped
// classification off its own meter reading, with no relay command of any
// kind: RelayOn is repurposed to mean "currently classified running".
// Completed sessions reaching MinEnergyToLog are attributed to the price in
// effect at the session's start and folded into today's energy/cost totals.
func (l *Loop) recordMeterState(ctx context.Context, out config.Output, now time.Time, elapsed time.Duration) {
	st, _ := l.store.Get(out.Name)
	rolloverDayIfNeeded(&st, out, now)

	w, ok := l.devices[out.MeterDevice]
	if !ok {
		l.store.Set(out.Name, st)
		return
	}
	status, err := w.ReadMeter(ctx, out.MeterIndex)
	if err != nil {
		st.LastContactOK = false
		l.store.Set(out.Name, st)
		return
	}
	st.LastMeter = &statestore.MeterReading{At: now, PowerW: status.PowerW, EnergyWh: status.EnergyWh}
	st.LastContactAt = now
	st.LastContactOK = true

	var onThreshold, offThreshold, minEnergyToLog float64
	if out.Meter != nil {
		onThreshold = out.Meter.PowerOnW
		offThreshold = out.Meter.PowerOffW
		minEnergyToLog = out.Meter.MinEnergyToLog
	}

	current := outputctl.RunStateStopped
	if st.RelayOn {
		current = outputctl.RunStateRunning
	}
	next := outputctl.ClassifyMeter(current, status.PowerW, onThreshold, offThreshold)

	switch {
	case next == outputctl.RunStateRunning && current == outputctl.RunStateStopped:
		st.SessionStartAt = now
		st.SessionStartEnergyWh = status.EnergyWh

	case next == outputctl.RunStateStopped && current == outputctl.RunStateRunning:
		session := outputctl.Session{
			Start:    st.SessionStartAt,
			End:      now,
			EnergyWh: status.EnergyWh - st.SessionStartEnergyWh,
		}
		if session.ShouldLog(minEnergyToLog) {
			price := l.priceCache.PriceAt(out.PriceChannel, session.Start).PerKWh
			st.TodayEnergyWh += session.EnergyWh
			st.TodayCost += session.Cost(price)
		}
	}

	if next == outputctl.RunStateRunning {
		st.TodayHours += elapsed.Hours()
	}
	if (next == outputctl.RunStateRunning) != st.RelayOn {
		st.LastChangeAt = now
	}
	st.RelayOn = next == outputctl.RunStateRunning

	l.store.Set(out.Name, st)
}

// recordImportedState pulls completed external energy sessions for an
// imported-kind output on the configured metering cadence, attributing each
// one to the price in effect at its start. It never touches a relay or
// meter device: an imported output has no on-LAN device at all, only an
// external session source.
func (l *Loop) recordImportedState(ctx context.Context, out config.Output, now time.Time, elapsed time.Duration) {
	st, _ := l.store.Get(out.Name)
	rolloverDayIfNeeded(&st, out, now)

	interval := l.cfg.OutputMetering.PollInterval
	if interval <= 0 {
		interval = time.Minute
	}
	if !st.LastContactAt.IsZero() && now.Sub(st.LastContactAt) < interval {
		l.store.Set(out.Name, st)
		return
	}

	since := st.LastContactAt
	if since.IsZero() {
		since = now.Add(-interval)
	}

	if l.importedSource != nil {
		sessions, err := l.importedSource.PullSessions(ctx, out.Name, since)
		if err != nil {
			l.logger.Printf("control: output %s: imported session pull failed: %v", out.Name, err)
			st.LastContactOK = false
		} else {
			st.LastContactOK = true
			for _, session := range sessions {
				price := l.priceCache.PriceAt(out.PriceChannel, session.Start).PerKWh
				cost := (session.EnergyWh / 1000) * price
				st.TodayEnergyWh += session.EnergyWh
				st.TodayCost += cost
				st.TodayHours += session.End.Sub(session.Start).Hours()
				if st.LastMeter == nil || session.End.After(st.LastMeter.At) {
					st.LastMeter = &statestore.MeterReading{At: session.End, EnergyWh: session.EnergyWh}
				}
			}
		}
	}
	st.LastContactAt = now

	l.store.Set(out.Name, st)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// planOnAt finds the plan slot containing instant and reports its decision,
// defaulting to off when instant falls outside every returned slot.
func planOnAt(plan []planner.PlanSlot, instant time.Time) bool {
	for _, s := range plan {
		if !instant.Before(s.Start) && instant.Before(s.End) {
			return s.On
		}
	}
	return false
}

// Status is the snapshot the HTTP Command Surface serves at GET / and
// pushes over the websocket.
type Status struct {
	Outputs map[string]OutputStatus `json:"outputs"`
}

// OutputStatus is one output's live view: controller state (or, for a
// meter/imported output, its running/stopped classification), current plan
// decision and the persisted accounting fields relevant to an operator.
type OutputStatus struct {
	State            string                  `json:"state"`
	PlanOn           bool                    `json:"planOn"`
	TodayHours       float64                 `json:"todayHours"`
	CarriedShortfall float64                 `json:"carriedShortfall"`
	TodayEnergyWh    float64                 `json:"todayEnergyWh,omitempty"`
	TodayCost        float64                 `json:"todayCost,omitempty"`
	Override         *statestore.AppOverride `json:"override,omitempty"`
}

// BuildStatus assembles the current Status snapshot; bound into the HTTP
// Command Surface as its StatusFunc.
func (l *Loop) BuildStatus() any {
	now := time.Now()
	out := Status{Outputs: make(map[string]OutputStatus, len(l.cfg.Outputs))}
	for _, o := range l.cfg.Outputs {
		st, _ := l.store.Get(o.Name)

		state := string(outputctl.RunStateStopped)
		planOn := false
		if c, ok := l.controllers[o.Name]; ok {
			state = string(c.State())
			planOn = planOnAt(l.lastPlan[o.Name], now)
		} else if st.RelayOn {
			state = string(outputctl.RunStateRunning)
		}

		out.Outputs[o.Name] = OutputStatus{
			State:            state,
			PlanOn:           planOn,
			TodayHours:       st.TodayHours,
			CarriedShortfall: st.CarriedShortfall,
			TodayEnergyWh:    st.TodayEnergyWh,
			TodayCost:        st.TodayCost,
			Override:         st.Override,
		}
	}
	return out
}
