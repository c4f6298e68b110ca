package charge

import "time"

// Phase is one of the five C7 charge-cycle states.
type Phase int

const (
	PhaseWaitForZero Phase = iota
	PhaseWaitForComplete
	PhaseWaitForCupRemoval
	PhaseWaitForCupReturn
	PhaseExit
)

func (p Phase) String() string {
	switch p {
	case PhaseWaitForZero:
		return "wait_for_zero"
	case PhaseWaitForComplete:
		return "wait_for_complete"
	case PhaseWaitForCupRemoval:
		return "wait_for_cup_removal"
	case PhaseWaitForCupReturn:
		return "wait_for_cup_return"
	case PhaseExit:
		return "exit"
	default:
		return "unknown"
	}
}

const (
	zeroSampleInterval    = 300 * time.Millisecond
	zeroSampleCapacity    = 10
	cupSampleInterval     = 300 * time.Millisecond
	cupSampleCapacity     = 5
	cupRemovalWait        = 1 * time.Second
	cupReturnPollInterval = 20 * time.Millisecond

	// cupRemovedBias offsets the "platform empty" mean test: the original
	// firmware requires the running mean to sit at least this far below
	// zero before it calls the cup removed, so a partially-settled scale
	// fresh off a drop doesn't trigger a false removal.
	cupRemovedBias = 10.0
)

// Recorder receives a completed drop for scoring (§3.4) and, when a tuning
// session is active, for its next-parameter calculation (§4.9).
type Recorder interface {
	RecordDrop(outcome DropOutcome)
}

// OTAStateSource reports whether a firmware update is in progress.
// StateMachine consults it before entering wait-for-complete: spec.md
// requires a firmware update and a charge cycle never overlap. Satisfied
// structurally by *ota.Manager without this package importing ota.
type OTAStateSource interface {
	UpdateInProgress() bool
}

// StateMachine runs the C7 charge cycle: tare, dispense, wait for the cup
// to be lifted, wait for it to be returned, repeat.
type StateMachine struct {
	drv     Drivers
	cfg     Config
	profile ProfileSource
	tuner   TuningSource
	rec     Recorder
	ota     OTAStateSource

	phase  Phase
	target float64
}

// NewStateMachine builds a StateMachine. tuner, rec, and ota may be nil
// when no tuning session, telemetry sink, or OTA mutual-exclusion check is
// wired.
func NewStateMachine(drv Drivers, cfg Config, profile ProfileSource, tuner TuningSource, rec Recorder, ota OTAStateSource) *StateMachine {
	return &StateMachine{drv: drv, cfg: cfg, profile: profile, tuner: tuner, rec: rec, ota: ota, phase: PhaseWaitForZero}
}

// Phase reports the current state.
func (sm *StateMachine) Phase() Phase { return sm.phase }

// Run drives one full charge cycle to a target weight, looping through
// wait-for-zero -> wait-for-complete -> wait-for-cup-removal ->
// wait-for-cup-return and back, until the reset button exits it. It
// returns normally only on PhaseExit.
func (sm *StateMachine) Run(target float64) {
	sm.target = target
	sm.phase = PhaseWaitForZero
	for sm.phase != PhaseExit {
		switch sm.phase {
		case PhaseWaitForZero:
			sm.phase = sm.waitForZero()
		case PhaseWaitForComplete:
			sm.phase = sm.waitForComplete()
		case PhaseWaitForCupRemoval:
			sm.phase = sm.waitForCupRemoval()
		case PhaseWaitForCupReturn:
			sm.phase = sm.waitForCupReturn()
		default:
			sm.phase = PhaseExit
		}
	}
}

// waitForZero tares the scale: samples settle into a ring buffer until
// their standard deviation and mean both fall inside the configured
// margins, or the encoder forces an immediate zero. The reset button
// exits the whole cycle.
func (sm *StateMachine) waitForZero() Phase {
	sm.drv.LED.SetColor(sm.cfg.NotReadyColor)
	buf := newRingBuffer(zeroSampleCapacity)

	for {
		if sm.drv.Buttons.ResetPressed() {
			return PhaseExit
		}
		if sm.drv.Buttons.EncoderPressed() {
			sm.drv.Scale.ForceZero()
			return PhaseWaitForComplete
		}

		weight, ok := sm.drv.Scale.WaitForSample(zeroSampleInterval)
		if !ok {
			continue
		}
		buf.enqueue(weight)

		if buf.Count() >= zeroSampleCapacity &&
			buf.StdDev() < sm.cfg.SetPointSDMargin &&
			absf(buf.Mean()) < sm.cfg.SetPointMeanMargin {
			return PhaseWaitForComplete
		}
	}
}

// waitForComplete runs the PID dispense to target, then an optional
// precharge of the coarse motor, then scores and records the drop. If a
// firmware update is in progress it refuses to start dispensing and drops
// back to wait-for-zero instead, however the phase was entered.
func (sm *StateMachine) waitForComplete() Phase {
	if sm.ota != nil && sm.ota.UpdateInProgress() {
		return PhaseWaitForZero
	}

	sm.drv.LED.SetColor(sm.cfg.UnderChargeColor)
	if sm.drv.Gate.Present() {
		sm.drv.Gate.Open()
	}

	outcome, completed := runDispense(sm.drv, sm.cfg, sm.profile, sm.tuner, sm.target)
	if !completed {
		return PhaseExit
	}

	if sm.drv.Gate.Present() {
		sm.drv.Gate.Close()
		time.Sleep(precloseDelay)
	}

	if sm.cfg.PrechargeEnable {
		sm.drv.Coarse.SetSpeed(sm.cfg.PrechargeSpeedRPS)
		time.Sleep(time.Duration(sm.cfg.PrechargeTimeMs) * time.Millisecond)
		sm.drv.Coarse.SetSpeed(0)
	}

	if sm.rec != nil {
		sm.rec.RecordDrop(outcome)
	}

	switch {
	case outcome.FinalWeight > sm.target+sm.cfg.FineStopThreshold:
		sm.drv.LED.SetColor(sm.cfg.OverChargeColor)
	case outcome.FinalWeight < sm.target-sm.cfg.FineStopThreshold:
		sm.drv.LED.SetColor(sm.cfg.UnderChargeColor)
	default:
		sm.drv.LED.SetColor(sm.cfg.NormalChargeColor)
	}

	return PhaseWaitForCupRemoval
}

// waitForCupRemoval waits out a fixed settle delay, then samples until
// the running mean reads as an empty platform (biased well below zero),
// signalling the cup has been lifted away.
func (sm *StateMachine) waitForCupRemoval() Phase {
	time.Sleep(cupRemovalWait)

	buf := newRingBuffer(cupSampleCapacity)
	for {
		if sm.drv.Buttons.ResetPressed() {
			return PhaseExit
		}

		weight, ok := sm.drv.Scale.WaitForSample(cupSampleInterval)
		if !ok {
			continue
		}
		buf.enqueue(weight)

		if buf.Count() >= cupSampleCapacity &&
			buf.StdDev() < sm.cfg.SetPointSDMargin &&
			buf.Mean()+cupRemovedBias < sm.cfg.SetPointMeanMargin {
			return PhaseWaitForCupReturn
		}
	}
}

// waitForCupReturn polls until a cup is back on the platform (a
// non-negative reading), or the encoder forces a zero and exits.
func (sm *StateMachine) waitForCupReturn() Phase {
	for {
		if sm.drv.Buttons.ResetPressed() {
			return PhaseExit
		}
		if sm.drv.Buttons.EncoderPressed() {
			sm.drv.Scale.ForceZero()
			return PhaseExit
		}

		weight, ok := sm.drv.Scale.WaitForSample(cupReturnPollInterval)
		if ok && weight >= 0 {
			return PhaseWaitForZero
		}
	}
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
