//go:build tinygo

package hwdrv

import "machine"

// Motor drives one trickler motor via a PWM speed pin and a digital
// direction pin. Both trickler motors only ever run forward, so Enable
// just gates the PWM channel rather than toggling direction.
type Motor struct {
	pwm    machine.PWM
	dirPin machine.Pin
	ch     uint8
	maxRPS float64

	disabled bool
}

// NewCoarseMotor and NewFineMotor configure the two physical motor
// channels. maxRPS calibrates the PWM duty cycle to the fastest speed
// SetSpeed will ever be asked to produce.
func NewCoarseMotor(maxRPS float64) *Motor {
	return newMotor(machine.PWM3, pinCoarsePWM, pinCoarseDir, maxRPS)
}

func NewFineMotor(maxRPS float64) *Motor {
	return newMotor(machine.PWM4, pinFinePWM, pinFineDir, maxRPS)
}

func newMotor(pwm machine.PWM, pwmPin, dirPin machine.Pin, maxRPS float64) *Motor {
	pwm.Configure(machine.PWMConfig{})
	ch, _ := pwm.Channel(pwmPin)
	configureOutput(dirPin)
	dirPin.Low()
	return &Motor{pwm: pwm, dirPin: dirPin, ch: ch, maxRPS: maxRPS}
}

// SetSpeed programs the motor to rps revolutions per second, clamped to
// [0, maxRPS].
func (m *Motor) SetSpeed(rps float64) {
	if m.disabled {
		return
	}
	if rps < 0 {
		rps = 0
	}
	if m.maxRPS > 0 && rps > m.maxRPS {
		rps = m.maxRPS
	}
	top := m.pwm.Top()
	duty := uint32(0)
	if m.maxRPS > 0 {
		duty = uint32(float64(top) * rps / m.maxRPS)
	}
	m.pwm.Set(m.ch, duty)
}

// Enable gates the PWM output; disabling parks the motor at zero duty
// rather than powering down the channel, so SetSpeed calls while disabled
// are silently ignored until the next Enable(true).
func (m *Motor) Enable(on bool) {
	m.disabled = !on
	if !on {
		m.pwm.Set(m.ch, 0)
	}
}
