package shutdown

import (
	"context"
	"log"
	"sync"
	"time"

	"ups-monitor/internal/storage"
	"ups-monitor/internal/ups"
)

// State of one target's low-charge episode machine.
type State string

const (
	StateNormal     State = "NORMAL"
	StateTriggering State = "TRIGGERING"
	StateCooldown   State = "COOLDOWN"
)

// Target is one host to shut down when the battery runs low.
type Target struct {
	Host    string
	Port    int
	User    string
	KeyPath string
	Command string
}

// Executor runs the graceful-shutdown command against a target. The command
// must be safe to issue more than once; attempts are retried.
type Executor interface {
	Execute(ctx context.Context, target Target) error
}

type ControllerConfig struct {
	Database       *storage.Database
	Executor       Executor
	Targets        []Target
	ThresholdPct   float64
	HysteresisPct  float64
	Attempts       int
	Backoff        time.Duration
	AttemptTimeout time.Duration

	// OnOutcome, when set, is called once per finished episode per target.
	OnOutcome func(host, outcome string, attempts int)
}

type targetState struct {
	state  State
	cancel chan struct{}
}

// Controller watches battery charge and drives at most one remote shutdown
// per low-charge episode per target. Targets proceed independently; a stuck
// host never blocks another.
type Controller struct {
	db             *storage.Database
	exec           Executor
	targets        []Target
	threshold      float64
	hysteresis     float64
	attempts       int
	backoff        time.Duration
	attemptTimeout time.Duration
	onOutcome      func(host, outcome string, attempts int)

	mu     sync.Mutex
	states map[string]*targetState
	wg     sync.WaitGroup
}

func NewController(cfg ControllerConfig) *Controller {
	c := &Controller{
		db:             cfg.Database,
		exec:           cfg.Executor,
		targets:        cfg.Targets,
		threshold:      cfg.ThresholdPct,
		hysteresis:     cfg.HysteresisPct,
		attempts:       cfg.Attempts,
		backoff:        cfg.Backoff,
		attemptTimeout: cfg.AttemptTimeout,
		onOutcome:      cfg.OnOutcome,
		states:         make(map[string]*targetState),
	}
	for _, t := range cfg.Targets {
		c.states[t.Host] = &targetState{state: StateNormal}
	}
	return c
}

// Evaluate advances every target's state machine against the newest reading.
// Called by the collector after each successful append; never blocks on the
// remote action.
func (c *Controller) Evaluate(r *ups.Reading) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, target := range c.targets {
		st := c.states[target.Host]
		switch st.state {
		case StateNormal:
			if r.Status == ups.StatusOnBattery && r.ChargePct <= c.threshold {
				// ARMED is transient: arming triggers immediately and
				// exactly once for this episode.
				log.Printf("Shutdown armed for %s: charge %.1f%% <= %.1f%% on battery",
					target.Host, r.ChargePct, c.threshold)
				c.trigger(target, st, r)
			}
		case StateTriggering:
			if c.recovered(r) {
				// Commands already in flight cannot be unsent; stop
				// issuing new attempts and cool down.
				log.Printf("Charge recovered while triggering %s, cancelling further attempts", target.Host)
				select {
				case <-st.cancel:
				default:
					close(st.cancel)
				}
				st.state = StateCooldown
			}
		case StateCooldown:
			if c.recovered(r) {
				log.Printf("Shutdown controller for %s back to normal", target.Host)
				st.state = StateNormal
			}
		}
	}
}

// recovered reports the episode-ending condition: back on wall power, or
// charge above threshold plus hysteresis so a noisy reading hovering at the
// threshold cannot re-arm immediately.
func (c *Controller) recovered(r *ups.Reading) bool {
	return r.Status.OnWallPower() || r.ChargePct > c.threshold+c.hysteresis
}

func (c *Controller) trigger(target Target, st *targetState, r *ups.Reading) {
	ev := &storage.ShutdownEvent{
		TriggeredAt:     r.Timestamp,
		ChargeAtTrigger: r.ChargePct,
		TargetHost:      target.Host,
	}
	if err := c.db.RecordShutdownEvent(ev); err != nil {
		log.Printf("Error recording shutdown event for %s: %v", target.Host, err)
	}

	st.state = StateTriggering
	st.cancel = make(chan struct{})

	c.wg.Add(1)
	go c.run(target, st, ev.ID)
}

// run is the per-episode attempt loop. Bounded attempts with fixed backoff;
// exhaustion is a reported failure, never a retry storm.
func (c *Controller) run(target Target, st *targetState, eventID uint) {
	defer c.wg.Done()

	attempts := 0
	outcome := storage.OutcomeFailure

	for attempts < c.attempts {
		if isClosed(st.cancel) {
			outcome = storage.OutcomeCancelled
			break
		}

		attempts++
		ctx, cancel := context.WithTimeout(context.Background(), c.attemptTimeout)
		err := c.exec.Execute(ctx, target)
		cancel()

		if err == nil {
			log.Printf("Remote shutdown command sent to %s (attempt %d)", target.Host, attempts)
			outcome = storage.OutcomeSuccess
			break
		}
		log.Printf("Remote shutdown attempt %d/%d for %s failed: %v",
			attempts, c.attempts, target.Host, err)

		if attempts < c.attempts {
			select {
			case <-time.After(c.backoff):
			case <-st.cancel:
			}
		}
	}

	if outcome == storage.OutcomeFailure {
		log.Printf("ALERT: all %d shutdown attempts for %s failed; manual intervention may be needed before battery exhaustion",
			c.attempts, target.Host)
	}

	if eventID != 0 {
		if err := c.db.FinalizeShutdownEvent(eventID, outcome, attempts, time.Now()); err != nil {
			log.Printf("Error finalizing shutdown event for %s: %v", target.Host, err)
		}
	}

	c.mu.Lock()
	if st.state == StateTriggering {
		st.state = StateCooldown
	}
	c.mu.Unlock()

	if c.onOutcome != nil {
		c.onOutcome(target.Host, outcome, attempts)
	}
}

// StateOf returns the current machine state for a target host.
func (c *Controller) StateOf(host string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[host]; ok {
		return st.state
	}
	return StateNormal
}

// Wait blocks until all in-flight episodes finish. Used on shutdown and in
// tests.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
