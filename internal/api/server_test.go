package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ups-monitor/internal/collector"
	"ups-monitor/internal/stats"
	"ups-monitor/internal/storage"
	"ups-monitor/internal/ups"
)

func newTestServer(t *testing.T) (*Server, *storage.Database) {
	t.Helper()

	db, err := storage.NewDatabase(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	engine := stats.NewEngine(stats.EngineConfig{
		Database: db,
		DownGap:  2 * time.Second,
		CacheTTL: time.Second,
	})

	coll := collector.NewCollector(collector.CollectorConfig{
		Database: db,
		Engine:   engine,
	})

	s := NewServer(ServerConfig{
		Port:                 0,
		Collector:            coll,
		Database:             db,
		Engine:               engine,
		ShutdownThresholdPct: 20,
	})
	return s, db
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestSummaryReturnsAllWindows(t *testing.T) {
	s, db := newTestServer(t)

	now := time.Now()
	for i := 0; i < 5; i++ {
		err := db.Append(&storage.Sample{
			Timestamp: now.Add(time.Duration(i-5) * time.Second),
			Status:    ups.StatusOnline,
			ChargePct: 100,
			LoadPct:   20,
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	w := get(t, s, "/api/v1/summary")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp struct {
		Latest     *storage.Sample   `json:"latest"`
		Aggregates []stats.Aggregate `json:"aggregates"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if resp.Latest == nil {
		t.Error("latest missing from summary")
	}
	if len(resp.Aggregates) != 5 {
		t.Fatalf("aggregates = %d, want 5", len(resp.Aggregates))
	}
	wantWindows := []string{"1m", "1h", "24h", "7d", "30d"}
	for i, agg := range resp.Aggregates {
		if agg.Window != wantWindows[i] {
			t.Errorf("window[%d] = %s, want %s", i, agg.Window, wantWindows[i])
		}
	}
}

func TestSummaryDoesNotLeakTargetDetails(t *testing.T) {
	s, db := newTestServer(t)

	ev := &storage.ShutdownEvent{
		TriggeredAt:     time.Now().Add(-time.Hour),
		ChargeAtTrigger: 18,
		TargetHost:      "secret-internal-host",
	}
	if err := db.RecordShutdownEvent(ev); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := db.FinalizeShutdownEvent(ev.ID, storage.OutcomeSuccess, 1, time.Now()); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	w := get(t, s, "/api/v1/summary")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	body := w.Body.String()
	if strings.Contains(body, "secret-internal-host") {
		t.Error("summary leaks target host")
	}
	if !strings.Contains(body, `"outcome":"success"`) {
		t.Errorf("summary missing shutdown outcome: %s", body)
	}
}

func TestStatusUnavailableBeforeFirstSample(t *testing.T) {
	s, _ := newTestServer(t)

	w := get(t, s, "/api/v1/status")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestStatusFallsBackToStore(t *testing.T) {
	s, db := newTestServer(t)

	err := db.Append(&storage.Sample{
		Timestamp: time.Now().Add(-time.Minute),
		Status:    ups.StatusOnBattery,
		ChargePct: 77,
		LoadPct:   12,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	// No poll has happened in this process; the persisted sample answers.
	w := get(t, s, "/api/v1/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"charge_pct":77`) {
		t.Errorf("unexpected body: %s", w.Body.String())
	}
}

func TestSamplesRangeValidation(t *testing.T) {
	s, _ := newTestServer(t)

	if w := get(t, s, "/api/v1/samples"); w.Code != http.StatusBadRequest {
		t.Errorf("missing params: status = %d, want 400", w.Code)
	}
	if w := get(t, s, "/api/v1/samples?from=yesterday&to=today"); w.Code != http.StatusBadRequest {
		t.Errorf("bad dates: status = %d, want 400", w.Code)
	}

	from := time.Now().Add(-time.Hour).Format(time.RFC3339)
	to := time.Now().Format(time.RFC3339)
	if w := get(t, s, "/api/v1/samples?from="+from+"&to="+to); w.Code != http.StatusOK {
		t.Errorf("valid range: status = %d, want 200", w.Code)
	}
}

func TestSamplesLimitCapsResponse(t *testing.T) {
	s, db := newTestServer(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		err := db.Append(&storage.Sample{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Status:    ups.StatusOnline,
			ChargePct: 100,
			LoadPct:   float64(i),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	query := "/api/v1/samples?from=" + base.Format(time.RFC3339) +
		"&to=" + base.Add(time.Minute).Format(time.RFC3339)

	w := get(t, s, query+"&limit=3")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var samples []storage.Sample
	if err := json.Unmarshal(w.Body.Bytes(), &samples); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("len = %d, want 3", len(samples))
	}
	if samples[0].LoadPct != 0 || samples[2].LoadPct != 2 {
		t.Errorf("got loads %v..%v, want 0..2", samples[0].LoadPct, samples[2].LoadPct)
	}

	// Out-of-range and garbage limits fall back to the default of 100.
	for _, limit := range []string{"0", "-5", "5000", "lots"} {
		w := get(t, s, query+"&limit="+limit)
		if w.Code != http.StatusOK {
			t.Fatalf("limit=%s: status = %d, want 200", limit, w.Code)
		}
		samples = nil
		if err := json.Unmarshal(w.Body.Bytes(), &samples); err != nil {
			t.Fatalf("limit=%s: unmarshal: %v", limit, err)
		}
		if len(samples) != 10 {
			t.Errorf("limit=%s: len = %d, want 10", limit, len(samples))
		}
	}
}

func TestAggregateUnknownWindow(t *testing.T) {
	s, _ := newTestServer(t)

	if w := get(t, s, "/api/v1/aggregates/2h"); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if w := get(t, s, "/api/v1/aggregates/24h"); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestRuntimeUnavailableOnWallPower(t *testing.T) {
	s, db := newTestServer(t)

	err := db.Append(&storage.Sample{
		Timestamp: time.Now().Add(-time.Second),
		Status:    ups.StatusOnline,
		ChargePct: 100,
		LoadPct:   10,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	w := get(t, s, "/api/v1/runtime")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"available":false`) {
		t.Errorf("unexpected body: %s", w.Body.String())
	}
}

func TestStopShutsDownServer(t *testing.T) {
	s, _ := newTestServer(t)

	done := make(chan error, 1)
	go func() { done <- s.Start() }()

	// Give the listener a moment to come up; port 0 picks a free one.
	time.Sleep(50 * time.Millisecond)

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("start returned %v, want ErrServerClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
