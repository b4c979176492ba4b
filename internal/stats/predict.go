package stats

import (
	"errors"
	"time"

	"ups-monitor/internal/storage"
	"ups-monitor/internal/ups"
)

// maxPrediction caps runtime estimates; beyond a day the battery is not
// meaningfully draining.
const maxPrediction = 24 * time.Hour

// PredictRuntime estimates how long until battery charge reaches threshold,
// from the observed drain rate during the current on-battery stretch. Battery
// charge moves in discrete steps, so the estimate uses the average time per
// percentage-point drop between the first timestamps of distinct charge
// levels. Returns ErrInsufficientData when not on battery or when no full
// percentage drop has completed yet.
func (e *Engine) PredictRuntime(threshold float64) (time.Duration, error) {
	latest, err := e.db.Latest()
	if err != nil {
		if errors.Is(err, storage.ErrNoSamples) {
			return 0, ErrInsufficientData
		}
		return 0, err
	}
	if latest.Status != ups.StatusOnBattery {
		return 0, ErrInsufficientData
	}

	now := e.now()
	samples, err := e.db.Range(now.Add(-maxPrediction), now)
	if err != nil {
		return 0, err
	}

	// Walk back to where the current on-battery stretch began.
	episodeStart := 0
	for i := len(samples) - 1; i >= 0; i-- {
		if samples[i].Status != ups.StatusOnBattery {
			episodeStart = i + 1
			break
		}
	}
	episode := samples[episodeStart:]
	if len(episode) < 2 {
		return 0, ErrInsufficientData
	}

	type transition struct {
		ts     time.Time
		charge float64
	}
	var transitions []transition
	for _, s := range episode {
		if len(transitions) == 0 || s.ChargePct < transitions[len(transitions)-1].charge {
			transitions = append(transitions, transition{ts: s.Timestamp, charge: s.ChargePct})
		}
	}
	if len(transitions) < 2 {
		return 0, ErrInsufficientData
	}

	first := transitions[0]
	last := transitions[len(transitions)-1]
	totalDrop := first.charge - last.charge
	if totalDrop <= 0 {
		return maxPrediction, nil
	}

	remaining := last.charge - threshold
	if remaining <= 0 {
		return 0, nil
	}

	secondsPerPoint := last.ts.Sub(first.ts).Seconds() / totalDrop
	est := time.Duration(remaining * secondsPerPoint * float64(time.Second))
	if est > maxPrediction {
		est = maxPrediction
	}
	return est, nil
}
