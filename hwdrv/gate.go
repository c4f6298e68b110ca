//go:build tinygo

package hwdrv

import "machine"

// Gate drives an optional servo-actuated hopper gate through a PWM pin for
// the servo. Whether a gate is fitted is the flag passed to NewGate; the
// gate-sense input is configured but never read. Systems without a gate
// call NewGate(false): Present then reports false and Open/Close do nothing.
type Gate struct {
	pwm     machine.PWM
	ch      uint8
	present bool // latched at construction: this board has the gate fitted
}

const (
	gateServoOpenDuty  = 0.09 // ~1.8ms pulse at 50Hz, fully open
	gateServoCloseDuty = 0.03 // ~0.6ms pulse at 50Hz, fully closed
)

// NewGate configures the servo PWM and presence input. present records
// whether this board has the optional hopper gate fitted.
func NewGate(present bool) *Gate {
	configureInput(pinGateSense)
	pwm := machine.PWM5
	pwm.Configure(machine.PWMConfig{Period: 20_000_000}) // 50Hz
	ch, _ := pwm.Channel(pinGateServo)
	g := &Gate{pwm: pwm, ch: ch, present: present}
	if present {
		g.Close()
	}
	return g
}

func (g *Gate) Present() bool { return g.present }

func (g *Gate) Open() {
	if !g.present {
		return
	}
	g.setDuty(gateServoOpenDuty)
}

func (g *Gate) Close() {
	if !g.present {
		return
	}
	g.setDuty(gateServoCloseDuty)
}

func (g *Gate) setDuty(frac float64) {
	top := g.pwm.Top()
	g.pwm.Set(g.ch, uint32(float64(top)*frac))
}
