// Package charge implements the charge-cycle state machine (C7) and the
// dual-motor PID dispenser controller (C8) that drives it.
package charge

import "time"

// Motor selects which of the two trickler motors an operation targets.
type Motor int

const (
	MotorCoarse Motor = iota
	MotorFine
)

// Scale is the capability set a weighing cell must provide (§9:
// "polymorphism over scale/motor/gate drivers" modeled as an interface so
// test suites can substitute scripted sample streams).
type Scale interface {
	// WaitForSample blocks up to timeout for the next reading. ok is false
	// on timeout, in which case weight is meaningless.
	WaitForSample(timeout time.Duration) (weight float64, ok bool)
	// ForceZero re-tares the scale immediately (encoder press).
	ForceZero()
}

// MotorDriver programs one physical trickler motor.
type MotorDriver interface {
	SetSpeed(rps float64)
	Enable(on bool)
}

// Gate is a servo-actuated hopper gate. A system without one reports
// Present() == false and Open/Close are no-ops.
type Gate interface {
	Present() bool
	Open()
	Close()
}

// Color is an RGB LED setting; components are raw PWM/brightness levels,
// not gamma-corrected.
type Color struct {
	R, G, B uint8
}

// LED is the operator status indicator.
type LED interface {
	SetColor(c Color)
}

// Buttons reports the two physical inputs the state machine reacts to.
// Reads are non-blocking: each call reports whether the corresponding
// edge fired since the last call.
type Buttons interface {
	ResetPressed() bool
	EncoderPressed() bool
}

// Drivers bundles every capability the state machine needs, so
// constructing a StateMachine takes one argument instead of six.
type Drivers struct {
	Scale   Scale
	Coarse  MotorDriver
	Fine    MotorDriver
	Gate    Gate
	LED     LED
	Buttons Buttons
}
