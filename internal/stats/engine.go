package stats

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"ups-monitor/internal/storage"
	"ups-monitor/internal/ups"
)

// ErrInsufficientData means a result is undefined for the data at hand
// (empty window, not on battery, no completed charge drop). It is an absent
// value, not a failure.
var ErrInsufficientData = errors.New("insufficient data")

// Windows are the five fixed lookback horizons, shortest first.
var Windows = []time.Duration{
	time.Minute,
	time.Hour,
	24 * time.Hour,
	7 * 24 * time.Hour,
	30 * 24 * time.Hour,
}

var windowNames = map[time.Duration]string{
	time.Minute:         "1m",
	time.Hour:           "1h",
	24 * time.Hour:      "24h",
	7 * 24 * time.Hour:  "7d",
	30 * 24 * time.Hour: "30d",
}

func WindowName(w time.Duration) string {
	if name, ok := windowNames[w]; ok {
		return name
	}
	return w.String()
}

// ParseWindow resolves a window name ("1m", "24h", ...) to its duration.
func ParseWindow(name string) (time.Duration, error) {
	for w, n := range windowNames {
		if n == name {
			return w, nil
		}
	}
	return 0, fmt.Errorf("unknown window %q", name)
}

// Aggregate is a derived statistic over one window. It is recomputable from
// sample history at any time and never persisted.
type Aggregate struct {
	Window             string    `json:"window"`
	AvgLoadPct         *float64  `json:"avg_load_pct"` // nil: no samples in window
	SampleCount        int       `json:"sample_count"`
	SystemUptimePct    float64   `json:"system_uptime_pct"`
	WallPowerUptimePct float64   `json:"wall_power_uptime_pct"`
	ComputedAt         time.Time `json:"computed_at"`
}

type cacheEntry struct {
	agg Aggregate
	at  time.Time
}

type Engine struct {
	db       *storage.Database
	downGap  time.Duration
	cacheTTL time.Duration
	now      func() time.Time

	mu    sync.Mutex
	cache map[time.Duration]cacheEntry
}

type EngineConfig struct {
	Database *storage.Database

	// DownGap is how long after the last sample the service is still
	// presumed running. Anything beyond it counts as down time.
	DownGap time.Duration

	// CacheTTL bounds staleness of cached aggregates. Keep it at or below
	// the poll interval.
	CacheTTL time.Duration
}

func NewEngine(cfg EngineConfig) *Engine {
	return &Engine{
		db:       cfg.Database,
		downGap:  cfg.DownGap,
		cacheTTL: cfg.CacheTTL,
		now:      time.Now,
		cache:    make(map[time.Duration]cacheEntry),
	}
}

// Invalidate drops all cached aggregates. The collector calls it after every
// successful append.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[time.Duration]cacheEntry)
}

// Compute returns the aggregate for one window, from cache when fresh.
func (e *Engine) Compute(window time.Duration) (Aggregate, error) {
	now := e.now()

	e.mu.Lock()
	if entry, ok := e.cache[window]; ok && now.Sub(entry.at) < e.cacheTTL {
		e.mu.Unlock()
		return entry.agg, nil
	}
	e.mu.Unlock()

	agg, err := e.compute(window, now)
	if err != nil {
		return Aggregate{}, err
	}

	e.mu.Lock()
	e.cache[window] = cacheEntry{agg: agg, at: now}
	e.mu.Unlock()

	return agg, nil
}

// ComputeAll returns aggregates for every supported window, shortest first.
func (e *Engine) ComputeAll() ([]Aggregate, error) {
	aggs := make([]Aggregate, 0, len(Windows))
	for _, w := range Windows {
		agg, err := e.Compute(w)
		if err != nil {
			return nil, err
		}
		aggs = append(aggs, agg)
	}
	return aggs, nil
}

// point is one status observation contributing to uptime integration.
// ts may be clipped to the window's left edge; orig keeps the real sample
// time so gap detection measures the true inter-sample distance.
type point struct {
	ts     time.Time
	orig   time.Time
	status ups.Status
}

func (e *Engine) compute(window time.Duration, now time.Time) (Aggregate, error) {
	from := now.Add(-window)

	samples, err := e.db.Range(from, now)
	if err != nil {
		return Aggregate{}, err
	}

	agg := Aggregate{
		Window:      WindowName(window),
		SampleCount: len(samples),
		ComputedAt:  now,
	}

	// Average load is sample-weighted; absent, not zero, for an empty window.
	if len(samples) > 0 {
		var sum float64
		for _, s := range samples {
			sum += s.LoadPct
		}
		avg := sum / float64(len(samples))
		agg.AvgLoadPct = &avg
	}

	points := make([]point, 0, len(samples)+1)

	// The sample straddling the left edge covers [from, firstInWindow).
	prev, err := e.db.SampleAtOrBefore(from)
	switch {
	case err == nil:
		points = append(points, point{ts: from, orig: prev.Timestamp, status: prev.Status})
	case errors.Is(err, storage.ErrNoSamples):
	default:
		return Aggregate{}, err
	}

	for _, s := range samples {
		if len(points) > 0 && !s.Timestamp.After(points[len(points)-1].ts) {
			continue
		}
		points = append(points, point{ts: s.Timestamp, orig: s.Timestamp, status: s.Status})
	}

	if len(points) == 0 {
		// Nothing known anywhere near this window. Report full uptime
		// rather than phantom downtime from before tracking began.
		agg.SystemUptimePct = 100
		agg.WallPowerUptimePct = 100
		return agg, nil
	}

	// Time-weighted integration: each interval carries the status of the
	// sample opening it; the open tail carries the latest sample's.
	start := points[0].ts
	total := now.Sub(start)
	if total <= 0 {
		agg.SystemUptimePct = 100
		agg.WallPowerUptimePct = 100
		return agg, nil
	}

	var upTime, wallTime time.Duration
	for i, p := range points {
		segEnd := now
		if i+1 < len(points) {
			segEnd = points[i+1].ts
		}
		dt := segEnd.Sub(p.ts)
		if dt <= 0 {
			continue
		}

		// System uptime: a stretch longer than downGap past the real
		// sample time means the collector was not running; the excess is
		// down time, not silently excluded.
		runDt := dt
		if gap := segEnd.Sub(p.orig); gap > e.downGap {
			runDt -= gap - e.downGap
			if runDt < 0 {
				runDt = 0
			}
		}
		if p.status != ups.StatusUnknown {
			upTime += runDt
		}

		// Wall power attribution uses the full interval: the UPS keeps its
		// reported state until observed otherwise.
		if p.status.OnWallPower() {
			wallTime += dt
		}
	}

	agg.SystemUptimePct = clampPct(float64(upTime) / float64(total) * 100)
	agg.WallPowerUptimePct = clampPct(float64(wallTime) / float64(total) * 100)
	return agg, nil
}

func clampPct(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
