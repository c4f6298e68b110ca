//go:build tinygo

package hwdrv

import (
	"machine"

	"opentrickler/firmware/charge"
)

// LED drives a common-cathode RGB status LED over three PWM channels:
// configure once, then just push new output levels, with 8-bit
// brightness per channel instead of on/off.
type LED struct {
	pwm           machine.PWM
	chR, chG, chB uint8
}

// NewLED configures the three LED PWM channels.
func NewLED() *LED {
	pwm := machine.PWM6
	pwm.Configure(machine.PWMConfig{})
	chR, _ := pwm.Channel(pinLEDRed)
	chG, _ := pwm.Channel(pinLEDGreen)
	chB, _ := pwm.Channel(pinLEDBlue)
	return &LED{pwm: pwm, chR: chR, chG: chG, chB: chB}
}

// SetColor sets the LED to c, scaling each 8-bit component to the PWM
// channel's duty-cycle resolution.
func (l *LED) SetColor(c charge.Color) {
	top := l.pwm.Top()
	l.pwm.Set(l.chR, scale8(c.R, top))
	l.pwm.Set(l.chG, scale8(c.G, top))
	l.pwm.Set(l.chB, scale8(c.B, top))
}

func scale8(v uint8, top uint32) uint32 {
	return uint32(v) * top / 255
}
