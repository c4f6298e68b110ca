//go:build tinygo

// Package hwdrv wires the charge package's capability interfaces (Scale,
// MotorDriver, Gate, LED, Buttons) to real RP2350 peripherals. Every driver
// here follows the same shape as the teacher's own GPIO setup: a Configure
// call at construction, then plain reads/writes with no allocation in the
// hot path.
package hwdrv

import (
	"machine"
	"time"
)

// Pin assignments. There is no load-bearing reason these live on specific
// GPIOs beyond keeping the motor PWM pins grouped and the ADC pins on
// machine.ADC-capable GPIOs; relocate freely for a different board layout.
const (
	pinLoadCellData  = machine.GP26 // HX711-style amplifier, bit-banged clock/data
	pinLoadCellClock = machine.GP27

	pinCoarsePWM = machine.GP6
	pinCoarseDir = machine.GP7
	pinFinePWM   = machine.GP8
	pinFineDir   = machine.GP9

	pinGateServo  = machine.GP10
	pinGateSense  = machine.GP11

	pinLEDRed   = machine.GP13
	pinLEDGreen = machine.GP14
	pinLEDBlue  = machine.GP15

	pinButtonReset   = machine.GP20
	pinButtonEncoder = machine.GP21
)

// machineWatchdog adapts machine.Watchdog (Update-based) to flash.Device's
// Feed-based Watchdog interface.
type machineWatchdog struct{}

// NewWatchdog returns a flash.Device-compatible watchdog feeder backed by
// the on-chip hardware watchdog, configured and started by main before the
// device's long flash operations begin.
func NewWatchdog() machineWatchdog { return machineWatchdog{} }

func (machineWatchdog) Feed() { machine.Watchdog.Update() }

func configureOutput(p machine.Pin) {
	p.Configure(machine.PinConfig{Mode: machine.PinOutput})
}

func configureInput(p machine.Pin) {
	p.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
}

// sleepShort yields briefly; used by the bit-banged load cell clock and has
// no other callers.
func sleepShort() {
	time.Sleep(time.Microsecond)
}
