//go:build tinygo

package hwdrv

import (
	"time"
)

// Scale bit-bangs an HX711-style load cell amplifier: pulse the clock pin,
// sample the data pin 24 times, and convert the twos-complement result to
// grams via a linear calibration factor. Same plain GPIO
// configure-then-poll idiom as the rest of this package, generalized from
// digital on/off to a timed bit stream.
type Scale struct {
	calibration float64 // counts per gram
	tareOffset  int32
}

// NewScale configures the load cell GPIOs and returns a ready Scale.
// calibration is counts-per-gram, determined by a one-time calibration
// procedure against a known reference mass (not part of this firmware).
func NewScale(calibration float64) *Scale {
	configureOutput(pinLoadCellClock)
	configureInput(pinLoadCellData)
	pinLoadCellClock.Low()
	return &Scale{calibration: calibration}
}

// WaitForSample blocks up to timeout for the amplifier's data-ready signal
// (data pin low) and returns the tared weight in grams.
func (s *Scale) WaitForSample(timeout time.Duration) (float64, bool) {
	deadline := time.Now().Add(timeout)
	for pinLoadCellData.Get() {
		if time.Now().After(deadline) {
			return 0, false
		}
		time.Sleep(time.Millisecond)
	}

	var raw int32
	for i := 0; i < 24; i++ {
		pinLoadCellClock.High()
		sleepShort()
		raw = raw<<1
		if pinLoadCellData.Get() {
			raw |= 1
		}
		pinLoadCellClock.Low()
		sleepShort()
	}
	// 25th pulse selects the next gain/channel; leave it at the previous
	// setting (channel A, gain 128) by sending exactly one extra pulse.
	pinLoadCellClock.High()
	sleepShort()
	pinLoadCellClock.Low()

	if raw&0x800000 != 0 {
		raw |= ^int32(0xFFFFFF) // sign-extend 24-bit twos complement
	}

	counts := raw - s.tareOffset
	if s.calibration == 0 {
		return 0, false
	}
	return float64(counts) / s.calibration, true
}

// ForceZero re-tares by taking the current raw reading as the new zero
// offset. Called on encoder press, per charge.Scale's contract.
func (s *Scale) ForceZero() {
	weight, ok := s.WaitForSample(500 * time.Millisecond)
	if !ok {
		return
	}
	s.tareOffset += int32(weight * s.calibration)
}
