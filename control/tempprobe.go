package control

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/nickelseyspelloc/powercontroller/deviceworker"
)

// tempProbe polls one device's temperature channel on a cadence and caches
// the last reading, the same last-known-snapshot shape as ups.Monitor, since
// a probe and a UPS script are both "poll occasionally, never block a tick
// on the read" collaborators.
type tempProbe struct {
	worker   *deviceworker.Worker
	index    int
	interval time.Duration
	logger   *log.Logger

	mu   sync.RWMutex
	last *float64
	at   time.Time
}

func newTempProbe(worker *deviceworker.Worker, interval time.Duration, logger *log.Logger) *tempProbe {
	if logger == nil {
		logger = log.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &tempProbe{worker: worker, index: 0, interval: interval, logger: logger}
}

func (p *tempProbe) poll(ctx context.Context) {
	r, err := p.worker.ReadTemp(ctx, p.index)
	if err != nil {
		p.logger.Printf("control: probe %s: read failed: %v", p.worker.Name(), err)
		return
	}
	p.mu.Lock()
	c := r.Celsius
	p.last = &c
	p.at = time.Now()
	p.mu.Unlock()
}

// reading returns the last cached temperature and whether it is stale
// (older than three poll intervals, or never read at all).
func (p *tempProbe) reading() (*float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return nil, true
	}
	stale := time.Since(p.at) > 3*p.interval
	v := *p.last
	return &v, stale
}
