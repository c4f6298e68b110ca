package charge

import (
	"math"
	"time"
)

// Gains is a Kp/Ki/Kd triple for one motor.
type Gains struct {
	Kp, Ki, Kd float64
}

// SpeedLimits bounds the commanded speed (revolutions per second) sent to
// a motor driver.
type SpeedLimits struct {
	Min, Max float64
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// ProfileSource is the subset of a stored Profile (§3.5) the PID
// controller needs. Kept as an interface, not a concrete struct
// dependency, so charge never imports the profile package directly (§9
// capability-interface pattern).
type ProfileSource interface {
	CoarseGains() Gains
	FineGains() Gains
	CoarseSpeedLimits() SpeedLimits
	FineSpeedLimits() SpeedLimits
	AITuningEnabled() bool
	Name() string
}

// TuningSource is the subset of a tuning session the PID controller reads
// from when a session is active and the profile opts in.
type TuningSource interface {
	Active() bool
	NextParams() (coarseKp, coarseKd, fineKp, fineKd float64)
}

// DropOutcome summarizes one completed dispense, the raw material for a
// §3.4 telemetry record.
type DropOutcome struct {
	CoarseTimeMs float64
	FineTimeMs   float64
	TotalTimeMs  float64

	FinalWeight  float64
	TargetWeight float64

	Overthrow        float64
	OverthrowPercent float64

	CoarseKpUsed, CoarseKdUsed float64
	FineKpUsed, FineKdUsed     float64
}

// sampleTimeout bounds how long runDispense waits for one scale reading
// before re-polling the cancel button (§4.8).
const sampleTimeout = 200 * time.Millisecond

// runDispense drives both motors under the C8 PID law until the error
// falls below fineStopThreshold, or the reset button is pressed. cfg
// supplies the hardware speed envelope and the two stop thresholds.
func runDispense(drv Drivers, cfg Config, profile ProfileSource, tuner TuningSource, target float64) (DropOutcome, bool) {
	coarseKp, coarseKd := profile.CoarseGains().Kp, profile.CoarseGains().Kd
	fineKp, fineKd := profile.FineGains().Kp, profile.FineGains().Kd
	if tuner != nil && tuner.Active() && profile.AITuningEnabled() {
		coarseKp, coarseKd, fineKp, fineKd = tuner.NextParams()
	}

	coarseKi := profile.CoarseGains().Ki
	fineKi := profile.FineGains().Ki

	coarseLimits := effectiveLimits(cfg.CoarseHardwareLimits, profile.CoarseSpeedLimits())
	fineLimits := effectiveLimits(cfg.FineHardwareLimits, profile.FineSpeedLimits())

	var integral, lastError float64
	cycleStart := time.Now()
	lastSampleTick := cycleStart
	var coarseStopTick time.Time
	coarseMoving := true
	coarseRan := false

	for {
		if drv.Buttons.ResetPressed() {
			return DropOutcome{}, false
		}

		weight, ok := drv.Scale.WaitForSample(sampleTimeout)
		if !ok {
			continue
		}
		currentTick := time.Now()
		wtErr := target - weight

		if wtErr < cfg.FineStopThreshold {
			drv.Fine.SetSpeed(0)
			drv.Coarse.SetSpeed(0)
			break
		}

		if coarseMoving && wtErr < cfg.CoarseStopThreshold {
			coarseMoving = false
			drv.Coarse.SetSpeed(0)
			if coarseRan {
				coarseStopTick = currentTick
			}
		}

		dtMs := currentTick.Sub(lastSampleTick).Seconds() * 1000
		integral += wtErr
		var derivative float64
		if dtMs > 0 {
			derivative = (wtErr - lastError) / dtMs
		}

		fineSpeed := clamp(fineKp*wtErr+fineKi*integral+fineKd*derivative, fineLimits.Min, fineLimits.Max)
		drv.Fine.SetSpeed(fineSpeed)

		if coarseMoving {
			coarseSpeed := clamp(coarseKp*wtErr+coarseKi*integral+coarseKd*derivative, coarseLimits.Min, coarseLimits.Max)
			drv.Coarse.SetSpeed(coarseSpeed)
			coarseRan = true
		}

		lastSampleTick = currentTick
		lastError = wtErr
	}

	finishTick := time.Now()
	totalTimeMs := finishTick.Sub(cycleStart).Seconds() * 1000

	var coarseTimeMs, fineTimeMs float64
	if !coarseStopTick.IsZero() {
		coarseTimeMs = coarseStopTick.Sub(cycleStart).Seconds() * 1000
		fineTimeMs = finishTick.Sub(coarseStopTick).Seconds() * 1000
	} else {
		coarseTimeMs = 0
		fineTimeMs = totalTimeMs
	}

	finalWeight := currentWeightAfterStop(drv, target)
	overthrow := finalWeight - target
	overthrowPercent := 0.0
	if target != 0 {
		overthrowPercent = 100 * overthrow / target
	}

	return DropOutcome{
		CoarseTimeMs:     coarseTimeMs,
		FineTimeMs:       fineTimeMs,
		TotalTimeMs:      totalTimeMs,
		FinalWeight:      finalWeight,
		TargetWeight:     target,
		Overthrow:        overthrow,
		OverthrowPercent: overthrowPercent,
		CoarseKpUsed:     coarseKp,
		CoarseKdUsed:     coarseKd,
		FineKpUsed:       fineKp,
		FineKdUsed:       fineKd,
	}, true
}

// effectiveLimits narrows hardware to whichever is tighter between the
// motor's own envelope and the profile's configured envelope (§4.8).
func effectiveLimits(hw, profile SpeedLimits) SpeedLimits {
	return SpeedLimits{
		Min: math.Max(hw.Min, profile.Min),
		Max: math.Min(hw.Max, profile.Max),
	}
}

// currentWeightAfterStop takes one final reading for the telemetry record;
// a timeout here is treated as "no change" (last commanded weight target
// stands in), since motors are already stopped and a single missed sample
// must not abort an otherwise-complete cycle.
func currentWeightAfterStop(drv Drivers, target float64) float64 {
	w, ok := drv.Scale.WaitForSample(sampleTimeout)
	if !ok {
		return target
	}
	return w
}
