package pricecache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nickelseyspelloc/powercontroller/clock"
	"github.com/nickelseyspelloc/powercontroller/priceapi"
)

// Status is the Price Cache's health, mirroring the "source DOWN after
// MaxConcurrentErrors" rule in the design.
type Status int

const (
	StatusUp Status = iota
	StatusDown
)

// Cache holds the merged per-channel slot ring and refreshes it on a timer
// from the external price API, persisting to a cache file so a restart does
// not lose recent history.
type Cache struct {
	mu sync.RWMutex

	slots map[string]map[int64]PricePoint // channel -> slot-start-unix -> point

	client              *priceapi.Client
	cacheFile           string
	staleAfter          time.Duration
	maxConcurrentErrors int
	defaultPrice        float64

	consecutiveErrors int
	status            Status
	lastRefresh       time.Time

	logger *log.Logger
}

// NewCache constructs a Cache backed by client, persisting to cacheFile.
func NewCache(client *priceapi.Client, cacheFile string, staleAfter time.Duration, maxConcurrentErrors int, defaultPrice float64, logger *log.Logger) *Cache {
	if logger == nil {
		logger = log.Default()
	}
	c := &Cache{
		slots:               make(map[string]map[int64]PricePoint),
		client:               client,
		cacheFile:            cacheFile,
		staleAfter:           staleAfter,
		maxConcurrentErrors:  maxConcurrentErrors,
		defaultPrice:         defaultPrice,
		logger:               logger,
	}
	if err := c.loadFromDisk(); err != nil {
		logger.Printf("price cache: no usable on-disk cache at %s: %v", cacheFile, err)
	}
	return c
}

// PriceAt returns the best-known PricePoint for channel at instant, aligned
// to the enclosing half-hour slot. If nothing is cached, quality is
// QualityDefault and PerKWh is the configured default.
func (c *Cache) PriceAt(channel string, instant time.Time) PricePoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	slotStart := clock.AlignToHalfHour(instant)
	if ch, ok := c.slots[channel]; ok {
		if p, ok := ch[slotStart.Unix()]; ok {
			if c.status == StatusDown && time.Since(c.lastRefresh) > c.staleAfter && p.Quality != QualityActual {
				p.Quality = QualityCachedStale
			}
			return p
		}
	}
	return PricePoint{Start: slotStart, Duration: clock.SlotDuration, Channel: channel, PerKWh: c.defaultPrice, Quality: QualityDefault}
}

// Forecast returns the ordered PricePoints for channel covering [from, to).
func (c *Cache) Forecast(channel string, from, to time.Time) []PricePoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []PricePoint
	ch := c.slots[channel]
	for s := clock.AlignToHalfHour(from); s.Before(to); s = s.Add(clock.SlotDuration) {
		if p, ok := ch[s.Unix()]; ok {
			out = append(out, p)
		} else {
			out = append(out, PricePoint{Start: s, Duration: clock.SlotDuration, Channel: channel, PerKWh: c.defaultPrice, Quality: QualityDefault})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// Status reports whether the price source is currently considered DOWN.
func (c *Cache) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Refresh fetches fresh intervals from the external API, merges them with
// the in-memory cache under the last-writer-wins-by-quality policy, and
// persists the result atomically. Refresh is idempotent and safe to call on
// demand (e.g. from the HTTP Command Surface's POST /refresh).
func (c *Cache) Refresh(ctx context.Context, channels []string, from, to time.Time) error {
	var firstErr error
	for _, channel := range channels {
		intervals, err := c.client.FetchIntervals(ctx, channel, from, to)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		c.mergeIntervals(channel, intervals)
	}

	c.mu.Lock()
	if firstErr != nil {
		c.consecutiveErrors++
		if c.consecutiveErrors >= c.maxConcurrentErrors {
			c.status = StatusDown
		}
	} else {
		c.consecutiveErrors = 0
		c.status = StatusUp
		c.lastRefresh = time.Now()
	}
	c.mu.Unlock()

	if firstErr != nil {
		c.logger.Printf("price cache: refresh failed: %v", firstErr)
	}

	if err := c.saveToDisk(); err != nil {
		c.logger.Printf("price cache: failed to persist cache file: %v", err)
	}

	return firstErr
}

// mergeIntervals applies the never-downgrade merge policy: actual outranks
// current outranks forecast, and an existing point is replaced by an incoming
// one for the same slot unless the existing point ranks higher. requestedChannel was the channel
// asked for, used as a fallback only for an interval that carries no
// ChannelType of its own; each interval otherwise routes to the slot ring
// named by its own ChannelType, so a source that answers a multi-channel
// request with a mixed batch still lands every interval in the right place.
func (c *Cache) mergeIntervals(requestedChannel string, intervals []priceapi.Interval) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, iv := range intervals {
		channel := iv.ChannelType
		if channel == "" {
			channel = requestedChannel
		}

		ch, ok := c.slots[channel]
		if !ok {
			ch = make(map[int64]PricePoint)
			c.slots[channel] = ch
		}

		q := qualityOf(iv.Quality)
		slotStart := clock.AlignToHalfHour(iv.Start)
		key := slotStart.Unix()

		existing, present := ch[key]
		if present && rank(existing.Quality) > rank(q) {
			continue
		}

		ch[key] = PricePoint{
			Start:    slotStart,
			Duration: time.Duration(iv.DurationSec) * time.Second,
			Channel:  channel,
			PerKWh:   iv.PerKWh,
			Quality:  q,
		}
	}
}

func qualityOf(s string) Quality {
	switch s {
	case "actual":
		return QualityActual
	case "current":
		return QualityCurrent
	case "forecast":
		return QualityForecast
	default:
		return QualityForecast
	}
}

// persistedCache is the on-disk shape of the price cache file: one JSON
// document holding every channel's points, rewritten via
// temp-file-then-rename after every refresh (failed ones included),
// mirroring the Persistent State Store's write path.
type persistedCache struct {
	Channels map[string][]PricePoint `json:"channels"`
}

func (c *Cache) saveToDisk() error {
	if c.cacheFile == "" {
		return nil
	}

	c.mu.RLock()
	doc := persistedCache{Channels: make(map[string][]PricePoint, len(c.slots))}
	for channel, ch := range c.slots {
		points := make([]PricePoint, 0, len(ch))
		for _, p := range ch {
			points = append(points, p)
		}
		sort.Slice(points, func(i, j int) bool { return points[i].Start.Before(points[j].Start) })
		doc.Channels[channel] = points
	}
	c.mu.RUnlock()

	bs, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal price cache: %w", err)
	}

	if dir := filepath.Dir(c.cacheFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create price cache directory: %w", err)
		}
	}

	tmp := c.cacheFile + ".tmp"
	if err := os.WriteFile(tmp, bs, 0o644); err != nil {
		return fmt.Errorf("failed to write price cache temp file: %w", err)
	}
	return os.Rename(tmp, c.cacheFile)
}

func (c *Cache) loadFromDisk() error {
	if c.cacheFile == "" {
		return fmt.Errorf("no cache file configured")
	}

	data, err := os.ReadFile(c.cacheFile)
	if err != nil {
		return err
	}

	var doc persistedCache
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to decode price cache: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for channel, points := range doc.Channels {
		ch := make(map[int64]PricePoint, len(points))
		for _, p := range points {
			ch[p.Start.Unix()] = p
		}
		c.slots[channel] = ch
	}
	return nil
}
