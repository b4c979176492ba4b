package ups

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"ups-monitor/internal/nut"
)

// Status is the normalized UPS power state.
type Status string

const (
	StatusOnline     Status = "ON_LINE"
	StatusOnBattery  Status = "ON_BATTERY"
	StatusOverloaded Status = "OVERLOADED"
	StatusUnknown    Status = "UNKNOWN"
)

// ParseStatus maps a raw ups.status token list ("OL", "OB DISCHRG",
// "OL OVER CHRG", ...) onto the normalized state. OB wins over OVER: an
// overloaded UPS that is also on battery is draining, which is the state
// the shutdown logic cares about.
func ParseStatus(raw string) Status {
	tokens := strings.Fields(raw)
	has := func(t string) bool {
		for _, tok := range tokens {
			if tok == t {
				return true
			}
		}
		return false
	}

	switch {
	case has("OB"):
		return StatusOnBattery
	case has("OVER"):
		return StatusOverloaded
	case has("OL"):
		return StatusOnline
	default:
		return StatusUnknown
	}
}

// OnWallPower reports whether the UPS is drawing from mains. An overloaded
// UPS is still on mains unless it also reported OB.
func (s Status) OnWallPower() bool {
	return s == StatusOnline || s == StatusOverloaded
}

// Reading is one typed UPS sample, parsed from the daemon's key/value
// response at the boundary.
type Reading struct {
	Timestamp       time.Time      `json:"timestamp"`
	Status          Status         `json:"status"`
	StatusRaw       string         `json:"status_raw"`
	ChargePct       float64        `json:"charge_pct"`
	LoadPct         float64        `json:"load_pct"`
	RuntimeEstimate *time.Duration `json:"runtime_estimate,omitempty"`
}

// ParseReading converts the raw variable map into a Reading. A missing or
// malformed required field is an error (the cycle is skipped), never a
// zero-valued sample.
func ParseReading(vars map[string]string, now time.Time) (*Reading, error) {
	statusRaw, ok := vars[nut.VarStatus]
	if !ok {
		return nil, fmt.Errorf("missing %s", nut.VarStatus)
	}

	charge, err := parseFloat(vars, nut.VarCharge)
	if err != nil {
		return nil, err
	}
	load, err := parseFloat(vars, nut.VarLoad)
	if err != nil {
		return nil, err
	}

	r := &Reading{
		Timestamp: now,
		Status:    ParseStatus(statusRaw),
		StatusRaw: statusRaw,
		ChargePct: charge,
		LoadPct:   load,
	}

	// Runtime estimate only means anything while draining.
	if r.Status == StatusOnBattery {
		if raw, ok := vars[nut.VarRuntime]; ok {
			secs, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed %s value %q: %w", nut.VarRuntime, raw, err)
			}
			d := time.Duration(secs * float64(time.Second))
			r.RuntimeEstimate = &d
		}
	}

	return r, nil
}

func parseFloat(vars map[string]string, name string) (float64, error) {
	raw, ok := vars[name]
	if !ok {
		return 0, fmt.Errorf("missing %s", name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed %s value %q: %w", name, raw, err)
	}
	return v, nil
}
