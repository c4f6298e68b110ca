package charge

import (
	"errors"
	"sync"
	"time"
)

// ErrAlreadyRunning is returned by Controller.Start when a cycle is already
// in progress.
var ErrAlreadyRunning = errors.New("charge: cycle already running")

// ErrNotRunning is returned by Controller.Stop when no cycle is active.
var ErrNotRunning = errors.New("charge: no cycle running")

// remoteButtons decorates the real Buttons with a software-injected reset,
// letting an external caller (the REST API's charge-mode-state endpoint)
// exit a running cycle the same way a physical button press would.
type remoteButtons struct {
	real        Buttons
	mu          sync.Mutex
	remoteReset bool
}

func (b *remoteButtons) ResetPressed() bool {
	b.mu.Lock()
	forced := b.remoteReset
	b.remoteReset = false
	b.mu.Unlock()
	return forced || b.real.ResetPressed()
}

func (b *remoteButtons) EncoderPressed() bool { return b.real.EncoderPressed() }

func (b *remoteButtons) requestReset() {
	b.mu.Lock()
	b.remoteReset = true
	b.mu.Unlock()
}

// Controller runs a StateMachine on a background goroutine and exposes the
// start/exit/status surface the §6.3 charge-mode-state REST endpoint needs,
// without the HTTP layer touching StateMachine internals directly.
type Controller struct {
	drv     Drivers
	cfg     Config
	profile ProfileSource
	tuner   TuningSource
	rec     Recorder
	ota     OTAStateSource

	mu      sync.Mutex
	sm      *StateMachine
	buttons *remoteButtons
	running bool
	started time.Time
}

// NewController builds a Controller. tuner and rec may be nil.
func NewController(drv Drivers, cfg Config, profile ProfileSource, tuner TuningSource, rec Recorder) *Controller {
	return &Controller{drv: drv, cfg: cfg, profile: profile, tuner: tuner, rec: rec}
}

// SetOTAStateSource wires in the query each new cycle's StateMachine uses
// to refuse overlapping with an in-progress firmware update. Called once
// during startup wiring, after both subsystems exist.
func (c *Controller) SetOTAStateSource(src OTAStateSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ota = src
}

// Start launches a charge cycle toward target on a new goroutine. It
// returns ErrAlreadyRunning if one is already active.
func (c *Controller) Start(target float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrAlreadyRunning
	}

	buttons := &remoteButtons{real: c.drv.Buttons}
	drv := c.drv
	drv.Buttons = buttons
	sm := NewStateMachine(drv, c.cfg, c.profile, c.tuner, c.rec, c.ota)

	c.sm = sm
	c.buttons = buttons
	c.running = true
	c.started = time.Now()

	go func() {
		sm.Run(target)
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()
	return nil
}

// Stop requests the running cycle exit at its next button poll, the
// software equivalent of a reset-button press.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return ErrNotRunning
	}
	c.buttons.requestReset()
	return nil
}

// Running reports whether a cycle is currently active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Phase reports the current state, or PhaseExit if nothing is running.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sm == nil {
		return PhaseExit
	}
	return c.sm.Phase()
}

// Elapsed reports time since the current cycle started, valid only while
// Running.
func (c *Controller) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return 0
	}
	return time.Since(c.started)
}

// CurrentWeight takes one live scale reading for status reporting. ok is
// false if no sample arrived within the timeout.
func (c *Controller) CurrentWeight(timeout time.Duration) (weight float64, ok bool) {
	return c.drv.Scale.WaitForSample(timeout)
}

// ProfileName returns the name of the profile driving this controller.
func (c *Controller) ProfileName() string { return c.profile.Name() }
