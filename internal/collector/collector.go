package collector

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"ups-monitor/internal/notify"
	"ups-monitor/internal/nut"
	"ups-monitor/internal/shutdown"
	"ups-monitor/internal/stats"
	"ups-monitor/internal/storage"
	"ups-monitor/internal/ups"
)

// pruneEvery bounds how often retention enforcement runs.
const pruneEvery = time.Minute

// Publisher is the notification sink the collector feeds after each cycle.
// *notify.Publisher satisfies it.
type Publisher interface {
	PublishReading(r *ups.Reading) error
	PublishEvent(event string, payload notify.EventPayload) error
	Close()
}

// Collector owns the poll loop: it is the only writer to the sample store.
// Aggregation, notifications and the shutdown controller are driven
// synchronously after each append, so their reaction latency is bounded by
// one poll interval.
type Collector struct {
	client       *nut.Client
	db           *storage.Database
	engine       *stats.Engine
	controller   *shutdown.Controller
	publisher    Publisher
	interval     time.Duration
	retention    time.Duration
	lowThreshold float64
	enabled      bool

	mu           sync.RWMutex
	latest       *ups.Reading
	isCollecting bool

	prevOnWall  *bool
	lowNotified bool
	lastPrune   time.Time
}

type CollectorConfig struct {
	Client     *nut.Client
	Database   *storage.Database
	Engine     *stats.Engine
	Controller *shutdown.Controller
	Publisher  Publisher
	Interval   time.Duration
	Retention  time.Duration

	// LowBatteryThresholdPct gates the low-battery notification; normally
	// the same value that arms the shutdown controller.
	LowBatteryThresholdPct float64

	Enabled bool
}

func NewCollector(cfg CollectorConfig) *Collector {
	return &Collector{
		client:       cfg.Client,
		db:           cfg.Database,
		engine:       cfg.Engine,
		controller:   cfg.Controller,
		publisher:    cfg.Publisher,
		interval:     cfg.Interval,
		retention:    cfg.Retention,
		lowThreshold: cfg.LowBatteryThresholdPct,
		enabled:      cfg.Enabled,
	}
}

func (c *Collector) Start(ctx context.Context) error {
	if !c.enabled {
		log.Println("Collector is disabled")
		return nil
	}

	c.mu.Lock()
	c.isCollecting = true
	c.mu.Unlock()

	log.Printf("Starting collector with interval %s", c.interval)

	// Initial collection
	c.Collect(time.Now())

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Collector stopped")
			c.mu.Lock()
			c.isCollecting = false
			c.mu.Unlock()
			return nil
		case now := <-ticker.C:
			c.Collect(now)
		}
	}
}

// Collect runs one poll cycle. A failed poll leaves a gap in history; that
// is the correct record of an outage, so nothing is fabricated.
func (c *Collector) Collect(now time.Time) {
	vars, err := c.client.Poll()
	if err != nil {
		log.Printf("Poll failed, skipping cycle: %v", err)
		return
	}

	reading, err := ups.ParseReading(vars, now)
	if err != nil {
		log.Printf("Poll returned malformed data, skipping cycle: %v", err)
		return
	}

	if err := c.db.Append(storage.NewSample(reading)); err != nil {
		if errors.Is(err, storage.ErrNonMonotonic) {
			log.Printf("STORE VIOLATION: rejected sample: %v", err)
		} else {
			log.Printf("Error appending sample: %v", err)
		}
		return
	}

	if c.engine != nil {
		c.engine.Invalidate()
	}

	c.mu.Lock()
	c.latest = reading
	c.mu.Unlock()

	c.trackTransitions(reading)

	if c.controller != nil {
		c.controller.Evaluate(reading)
	}

	if c.publisher != nil {
		if err := c.publisher.PublishReading(reading); err != nil {
			log.Printf("Error publishing reading: %v", err)
		}
	}

	if now.Sub(c.lastPrune) >= pruneEvery {
		c.lastPrune = now
		// One extra poll interval of slack keeps the sample straddling the
		// longest window's left edge available for uptime attribution.
		if err := c.db.Prune(now, c.retention+c.interval); err != nil {
			log.Printf("Error pruning old samples: %v", err)
		}
	}
}

// trackTransitions publishes power events when the wall-power state flips
// and the one-shot low-battery notice. Its failures never touch the sample
// path.
func (c *Collector) trackTransitions(r *ups.Reading) {
	if r.Status == ups.StatusUnknown {
		return
	}

	onWall := r.Status.OnWallPower()
	if c.prevOnWall != nil && *c.prevOnWall != onWall {
		if onWall {
			log.Printf("Back to WALL power (charge %.1f%%)", r.ChargePct)
			c.publishEvent(notify.EventPowerRestored, r)
		} else {
			log.Printf("Switched to BATTERY power (charge %.1f%%)", r.ChargePct)
			c.publishEvent(notify.EventPowerCut, r)
		}
		c.lowNotified = false
	}
	c.prevOnWall = &onWall

	if !onWall && r.ChargePct <= c.lowThreshold && !c.lowNotified {
		log.Printf("LOW BATTERY: charge %.1f%% at or below %.1f%%", r.ChargePct, c.lowThreshold)
		c.publishEvent(notify.EventLowBattery, r)
		c.lowNotified = true
	}
}

func (c *Collector) publishEvent(event string, r *ups.Reading) {
	if c.publisher == nil {
		return
	}

	payload := notify.EventPayload{
		Timestamp: r.Timestamp,
		ChargePct: r.ChargePct,
	}
	if c.engine != nil {
		if agg, err := c.engine.Compute(time.Hour); err == nil {
			payload.AvgLoad1h = agg.AvgLoadPct
		}
	}

	if err := c.publisher.PublishEvent(event, payload); err != nil {
		log.Printf("Error publishing %s event: %v", event, err)
	}
}

// GetLatestReading returns the newest parsed reading, or nil before the
// first successful poll.
func (c *Collector) GetLatestReading() *ups.Reading {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

func (c *Collector) IsCollecting() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isCollecting
}

// CollectOnce polls a single time without touching the store. Used by the
// read and test subcommands.
func (c *Collector) CollectOnce() (*ups.Reading, error) {
	vars, err := c.client.Poll()
	if err != nil {
		return nil, err
	}
	return ups.ParseReading(vars, time.Now())
}

func (c *Collector) Stop() {
	if c.controller != nil {
		c.controller.Wait()
	}
	if c.client != nil {
		c.client.Close()
	}
	if c.publisher != nil {
		c.publisher.Close()
	}
	if c.db != nil {
		c.db.Close()
	}
}
