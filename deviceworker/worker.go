// Package deviceworker serializes all RPC traffic to one physical device
// through a single goroutine, so concurrent planner/controller ticks never
// race two commands against the same relay. It also caches meter reads for
// a short TTL so a burst of callers coalesces into one device round trip;
// temperature reads are not cached: one writer goroutine per device.
package deviceworker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/nickelseyspelloc/powercontroller/relay"
)

type commandKind int

const (
	cmdSetOutput commandKind = iota
	cmdGetStatus
	cmdReadMeter
	cmdReadTemp
)

type command struct {
	kind   commandKind
	index  int
	on     bool
	result chan<- result
}

type result struct {
	status relay.Status
	temp   relay.TempReading
	err    error
}

type cachedReading struct {
	status relay.Status
	at     time.Time
}

// Worker owns the command queue and client for one physical device.
type Worker struct {
	name   string
	client *relay.Client
	logger *log.Logger

	maxConcurrentErrors int
	meterCacheTTL       time.Duration

	queue chan command

	mu                sync.Mutex
	consecutiveErrors int
	down              bool
	meterCache        map[int]cachedReading

	onDown func(device string)

	stop chan struct{}
	done chan struct{}
}

// New returns a Worker for device name, talking to client. onDown (optional)
// is called once when consecutiveErrors reaches maxConcurrentErrors.
func New(name string, client *relay.Client, maxConcurrentErrors int, meterCacheTTL time.Duration, logger *log.Logger, onDown func(device string)) *Worker {
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{
		name:                name,
		client:              client,
		logger:              logger,
		maxConcurrentErrors: maxConcurrentErrors,
		meterCacheTTL:       meterCacheTTL,
		queue:               make(chan command, 32),
		meterCache:          make(map[int]cachedReading),
		onDown:              onDown,
		stop:                make(chan struct{}),
		done:                make(chan struct{}),
	}
}

// Start runs the single-writer loop until ctx is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case cmd := <-w.queue:
				w.process(ctx, cmd)
			}
		}
	}()
}

// Stop signals the loop to exit and waits for it to do so.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Worker) process(ctx context.Context, cmd command) {
	var r result
	switch cmd.kind {
	case cmdSetOutput:
		err := w.client.SetOutput(ctx, cmd.index, cmd.on)
		r = result{err: err}
		w.recordOutcome(err)
	case cmdGetStatus, cmdReadMeter:
		st, err := w.client.GetStatus(ctx, cmd.index)
		r = result{status: st, err: err}
		w.recordOutcome(err)
		if err == nil {
			w.mu.Lock()
			w.meterCache[cmd.index] = cachedReading{status: st, at: time.Now()}
			w.mu.Unlock()
		}
	case cmdReadTemp:
		t, err := w.client.ReadTemp(ctx, cmd.index)
		r = result{temp: t, err: err}
		w.recordOutcome(err)
	}
	cmd.result <- r
}

func (w *Worker) recordOutcome(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err == nil {
		w.consecutiveErrors = 0
		w.down = false
		return
	}
	w.consecutiveErrors++
	if !w.down && w.consecutiveErrors >= w.maxConcurrentErrors {
		w.down = true
		w.logger.Printf("device worker %s: marking device down after %d consecutive errors: %v", w.name, w.consecutiveErrors, err)
		if w.onDown != nil {
			w.onDown(w.name)
		}
	}
}

// Down reports whether the device has been marked down.
func (w *Worker) Down() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.down
}

func (w *Worker) submit(ctx context.Context, cmd command) (result, error) {
	ch := make(chan result, 1)
	cmd.result = ch
	select {
	case w.queue <- cmd:
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

// SetOutput commands the relay at index to on/off, serialized with every
// other command for this device.
func (w *Worker) SetOutput(ctx context.Context, index int, on bool) error {
	r, err := w.submit(ctx, command{kind: cmdSetOutput, index: index, on: on})
	if err != nil {
		return err
	}
	return r.err
}

// GetStatus fetches the relay's current status, bypassing the meter cache.
func (w *Worker) GetStatus(ctx context.Context, index int) (relay.Status, error) {
	r, err := w.submit(ctx, command{kind: cmdGetStatus, index: index})
	if err != nil {
		return relay.Status{}, err
	}
	return r.status, r.err
}

// ReadMeter returns the meter reading for index, serving a cached value if
// one was read within meterCacheTTL instead of issuing a fresh device call.
func (w *Worker) ReadMeter(ctx context.Context, index int) (relay.Status, error) {
	w.mu.Lock()
	cached, ok := w.meterCache[index]
	w.mu.Unlock()
	if ok && time.Since(cached.at) < w.meterCacheTTL {
		return cached.status, nil
	}

	r, err := w.submit(ctx, command{kind: cmdReadMeter, index: index})
	if err != nil {
		return relay.Status{}, err
	}
	return r.status, r.err
}

// ReadTemp fetches the current probe reading for index.
func (w *Worker) ReadTemp(ctx context.Context, index int) (relay.TempReading, error) {
	r, err := w.submit(ctx, command{kind: cmdReadTemp, index: index})
	if err != nil {
		return relay.TempReading{}, err
	}
	return r.temp, r.err
}

// Name returns the device's configured name, for logging and event routing.
func (w *Worker) Name() string {
	return w.name
}
