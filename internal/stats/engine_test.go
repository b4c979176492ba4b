package stats

import (
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"ups-monitor/internal/storage"
	"ups-monitor/internal/ups"
)

func newTestEngine(t *testing.T, now time.Time, downGap time.Duration) (*Engine, *storage.Database) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "stats.db")
	db, err := storage.NewDatabase(path)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	e := NewEngine(EngineConfig{
		Database: db,
		DownGap:  downGap,
		CacheTTL: time.Second,
	})
	e.now = func() time.Time { return now }
	return e, db
}

func mustAppend(t *testing.T, db *storage.Database, ts time.Time, status ups.Status, charge, load float64) {
	t.Helper()
	err := db.Append(&storage.Sample{Timestamp: ts, Status: status, ChargePct: charge, LoadPct: load})
	if err != nil {
		t.Fatalf("append at %v: %v", ts, err)
	}
}

func TestAvgLoadAbsentForEmptyWindow(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e, db := newTestEngine(t, now, 2*time.Second)

	// A sample well outside the 1m window must not produce a zero average.
	mustAppend(t, db, now.Add(-2*time.Hour), ups.StatusOnline, 100, 55)

	agg, err := e.Compute(time.Minute)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if agg.AvgLoadPct != nil {
		t.Errorf("avg load = %v, want absent", *agg.AvgLoadPct)
	}
	if agg.SampleCount != 0 {
		t.Errorf("sample count = %d, want 0", agg.SampleCount)
	}
}

func TestAvgLoadMean(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e, db := newTestEngine(t, now, 2*time.Second)

	for i, load := range []float64{10, 20, 30} {
		mustAppend(t, db, now.Add(time.Duration(i-3)*time.Second), ups.StatusOnline, 100, load)
	}

	agg, err := e.Compute(time.Minute)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if agg.AvgLoadPct == nil {
		t.Fatal("avg load absent")
	}
	if *agg.AvgLoadPct != 20 {
		t.Errorf("avg load = %v, want 20", *agg.AvgLoadPct)
	}
	if agg.SampleCount != 3 {
		t.Errorf("sample count = %d, want 3", agg.SampleCount)
	}
}

func TestUptimeFullCoverageExact(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 1, 0, 0, time.UTC)
	e, db := newTestEngine(t, now, 2*time.Second)

	// Regular 1s sampling covering the whole window, no status changes.
	for i := 0; i <= 60; i++ {
		mustAppend(t, db, now.Add(time.Duration(i-60)*time.Second), ups.StatusOnline, 100, 10)
	}

	agg, err := e.Compute(time.Minute)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if agg.SystemUptimePct != 100 {
		t.Errorf("system uptime = %v, want exactly 100", agg.SystemUptimePct)
	}
	if agg.WallPowerUptimePct != 100 {
		t.Errorf("wall power uptime = %v, want exactly 100", agg.WallPowerUptimePct)
	}
}

func TestWallPowerIntervalAttribution(t *testing.T) {
	// Samples at t=0 (ON_LINE) and t=10 (ON_BATTERY), evaluated at now=10
	// over [0,10]: the whole interval carries the first sample's status.
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := t0.Add(10 * time.Second)
	e, db := newTestEngine(t, now, 2*time.Second)

	mustAppend(t, db, t0, ups.StatusOnline, 100, 10)
	mustAppend(t, db, now, ups.StatusOnBattery, 95, 10)

	agg, err := e.Compute(10 * time.Second)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if agg.WallPowerUptimePct != 100 {
		t.Errorf("wall power uptime = %v, want exactly 100", agg.WallPowerUptimePct)
	}
}

func TestLongGapCountsAsDowntime(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := t0.Add(60 * time.Second)
	e, db := newTestEngine(t, now, 2*time.Second)

	mustAppend(t, db, t0, ups.StatusOnline, 100, 10)
	mustAppend(t, db, t0.Add(30*time.Second), ups.StatusOnline, 100, 10)

	agg, err := e.Compute(60 * time.Second)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}

	// Each of the two 30s stretches contributes only the 2s down-gap
	// allowance of uptime: 4s of 60s.
	want := 4.0 / 60.0 * 100
	if math.Abs(agg.SystemUptimePct-want) > 1e-9 {
		t.Errorf("system uptime = %v, want %v", agg.SystemUptimePct, want)
	}

	// Wall power keeps the full attribution: the UPS itself never left
	// mains as far as anyone observed.
	if agg.WallPowerUptimePct != 100 {
		t.Errorf("wall power uptime = %v, want 100", agg.WallPowerUptimePct)
	}
}

func TestOnBatteryStretchReducesWallPower(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := t0.Add(100 * time.Second)
	e, db := newTestEngine(t, now, 5*time.Minute)

	mustAppend(t, db, t0, ups.StatusOnline, 100, 10)
	mustAppend(t, db, t0.Add(40*time.Second), ups.StatusOnBattery, 90, 10)
	mustAppend(t, db, t0.Add(70*time.Second), ups.StatusOnline, 85, 10)

	agg, err := e.Compute(100 * time.Second)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}

	// 40s OL + 30s OB + 30s OL: 70% on wall power, fully up.
	if math.Abs(agg.WallPowerUptimePct-70) > 1e-9 {
		t.Errorf("wall power uptime = %v, want 70", agg.WallPowerUptimePct)
	}
	if agg.SystemUptimePct != 100 {
		t.Errorf("system uptime = %v, want 100", agg.SystemUptimePct)
	}
}

func TestCacheInvalidation(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e, db := newTestEngine(t, now, 2*time.Second)
	e.cacheTTL = time.Hour

	mustAppend(t, db, now.Add(-10*time.Second), ups.StatusOnline, 100, 10)

	agg, err := e.Compute(time.Minute)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if agg.SampleCount != 1 {
		t.Fatalf("sample count = %d, want 1", agg.SampleCount)
	}

	mustAppend(t, db, now.Add(-5*time.Second), ups.StatusOnline, 100, 30)

	// Cached: the engine has not been told about the new sample.
	agg, err = e.Compute(time.Minute)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if agg.SampleCount != 1 {
		t.Errorf("sample count = %d, want cached 1", agg.SampleCount)
	}

	e.Invalidate()

	agg, err = e.Compute(time.Minute)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if agg.SampleCount != 2 {
		t.Errorf("sample count after invalidate = %d, want 2", agg.SampleCount)
	}
}

func TestPruningDoesNotChangeShorterWindows(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e, db := newTestEngine(t, now, time.Hour)
	retention := 30 * 24 * time.Hour

	mustAppend(t, db, now.Add(-retention-24*time.Hour), ups.StatusOnBattery, 50, 90)
	mustAppend(t, db, now.Add(-10*24*time.Hour), ups.StatusOnline, 100, 20)
	for i := 0; i < 5; i++ {
		mustAppend(t, db, now.Add(-time.Duration(5-i)*24*time.Hour), ups.StatusOnline, 100, 20)
	}

	before, err := e.Compute(7 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("compute before prune: %v", err)
	}

	if err := db.Prune(now, retention); err != nil {
		t.Fatalf("prune: %v", err)
	}
	e.Invalidate()

	after, err := e.Compute(7 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("compute after prune: %v", err)
	}

	if *before.AvgLoadPct != *after.AvgLoadPct ||
		before.SystemUptimePct != after.SystemUptimePct ||
		before.WallPowerUptimePct != after.WallPowerUptimePct {
		t.Errorf("7d aggregate changed by pruning: before %+v, after %+v", before, after)
	}
}

func TestPredictRuntime(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := t0.Add(50 * time.Second)
	e, db := newTestEngine(t, now, 2*time.Second)

	mustAppend(t, db, t0, ups.StatusOnline, 51, 10)
	mustAppend(t, db, t0.Add(10*time.Second), ups.StatusOnBattery, 50, 10)
	mustAppend(t, db, t0.Add(20*time.Second), ups.StatusOnBattery, 50, 10)
	mustAppend(t, db, t0.Add(30*time.Second), ups.StatusOnBattery, 49, 10)
	mustAppend(t, db, t0.Add(40*time.Second), ups.StatusOnBattery, 49, 10)
	mustAppend(t, db, t0.Add(50*time.Second), ups.StatusOnBattery, 48, 10)

	// 2 points dropped over 40s = 20s per point; 28 points to the 20%
	// threshold = 560s.
	est, err := e.PredictRuntime(20)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if est != 560*time.Second {
		t.Errorf("estimate = %v, want 560s", est)
	}
}

func TestPredictRuntimeRequiresBattery(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e, db := newTestEngine(t, now, 2*time.Second)

	mustAppend(t, db, now.Add(-time.Second), ups.StatusOnline, 100, 10)

	if _, err := e.PredictRuntime(20); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("err = %v, want ErrInsufficientData", err)
	}
}

func TestPredictRuntimeNeedsCompletedDrop(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := t0.Add(20 * time.Second)
	e, db := newTestEngine(t, now, 2*time.Second)

	// Constant charge: no percentage drop has completed yet.
	mustAppend(t, db, t0, ups.StatusOnBattery, 50, 10)
	mustAppend(t, db, t0.Add(10*time.Second), ups.StatusOnBattery, 50, 10)
	mustAppend(t, db, t0.Add(20*time.Second), ups.StatusOnBattery, 50, 10)

	if _, err := e.PredictRuntime(20); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("err = %v, want ErrInsufficientData", err)
	}
}

func TestParseWindow(t *testing.T) {
	for _, w := range Windows {
		got, err := ParseWindow(WindowName(w))
		if err != nil {
			t.Errorf("ParseWindow(%s): %v", WindowName(w), err)
		}
		if got != w {
			t.Errorf("ParseWindow(%s) = %v, want %v", WindowName(w), got, w)
		}
	}

	if _, err := ParseWindow("45s"); err == nil {
		t.Error("expected error for unsupported window")
	}
}
