package storage

import (
	"time"

	"ups-monitor/internal/ups"
)

// Sample is one appended UPS reading. Rows are immutable; the store only
// appends and prunes, never rewrites.
type Sample struct {
	ID        uint       `gorm:"primarykey" json:"-"`
	Timestamp time.Time  `gorm:"index" json:"timestamp"`
	Status    ups.Status `json:"status"`
	StatusRaw string     `json:"status_raw"`
	ChargePct float64    `json:"charge_pct"`
	LoadPct   float64    `json:"load_pct"`

	// Seconds of estimated battery runtime; nil unless on battery.
	RuntimeEstimateSec *int64 `json:"runtime_estimate_sec,omitempty"`
}

// ShutdownEvent records one remote-shutdown episode for one target.
type ShutdownEvent struct {
	ID              uint       `gorm:"primarykey" json:"-"`
	TriggeredAt     time.Time  `gorm:"index" json:"triggered_at"`
	ChargeAtTrigger float64    `json:"charge_at_trigger"`
	TargetHost      string     `json:"target_host"`
	Outcome         string     `json:"outcome"`
	Attempts        int        `json:"attempts"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// ShutdownEvent outcomes.
const (
	OutcomePending   = "pending"
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeCancelled = "cancelled"
)

// NewSample converts a parsed reading into its stored form.
func NewSample(r *ups.Reading) *Sample {
	s := &Sample{
		Timestamp: r.Timestamp,
		Status:    r.Status,
		StatusRaw: r.StatusRaw,
		ChargePct: r.ChargePct,
		LoadPct:   r.LoadPct,
	}
	if r.RuntimeEstimate != nil {
		secs := int64(r.RuntimeEstimate.Seconds())
		s.RuntimeEstimateSec = &secs
	}
	return s
}
