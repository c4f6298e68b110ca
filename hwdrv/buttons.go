//go:build tinygo

package hwdrv

// Buttons edge-detects the reset and rotary-encoder push buttons, reporting
// edges rather than levels so a held button counts as one press. There is
// no time-based debounce: contact bounce seen across polls can register as
// more than one press.
type Buttons struct {
	resetWasDown, encoderWasDown bool
}

// NewButtons configures the two button GPIOs as pulled-up inputs (active
// low), the same configure-then-poll idiom the rest of this package uses.
func NewButtons() *Buttons {
	configureInput(pinButtonReset)
	configureInput(pinButtonEncoder)
	return &Buttons{}
}

// ResetPressed reports whether the reset button has a new falling edge
// since the last call.
func (b *Buttons) ResetPressed() bool {
	return edge(!pinButtonReset.Get(), &b.resetWasDown)
}

// EncoderPressed reports whether the encoder push button has a new
// falling edge since the last call.
func (b *Buttons) EncoderPressed() bool {
	return edge(!pinButtonEncoder.Get(), &b.encoderWasDown)
}

func edge(down bool, wasDown *bool) bool {
	pressed := down && !*wasDown
	*wasDown = down
	return pressed
}
