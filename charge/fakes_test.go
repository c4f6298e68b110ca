package charge

import "time"

// fakeScale replays a scripted sequence of samples, one per WaitForSample
// call. A value past the end of the script repeats the last entry, so
// tests can let a settle loop run past its scripted window. If
// timeoutOnCall is positive, the call at that 1-indexed count reports a
// timeout (ok=false) instead of a sample, so tests can exercise a missed
// reading without scripting one into samples.
type fakeScale struct {
	samples       []float64
	i             int
	zeroed        int
	calls         int
	timeoutOnCall int
}

func (f *fakeScale) WaitForSample(timeout time.Duration) (float64, bool) {
	f.calls++
	if f.timeoutOnCall != 0 && f.calls == f.timeoutOnCall {
		return 0, false
	}
	if len(f.samples) == 0 {
		return 0, false
	}
	v := f.samples[f.i]
	if f.i < len(f.samples)-1 {
		f.i++
	}
	return v, true
}

func (f *fakeScale) ForceZero() { f.zeroed++ }

type fakeMotor struct {
	speeds  []float64
	enabled bool
}

func (m *fakeMotor) SetSpeed(rps float64) { m.speeds = append(m.speeds, rps) }
func (m *fakeMotor) Enable(on bool)       { m.enabled = on }

type fakeGate struct {
	present      bool
	opens, closes int
}

func (g *fakeGate) Present() bool { return g.present }
func (g *fakeGate) Open()         { g.opens++ }
func (g *fakeGate) Close()        { g.closes++ }

type fakeLED struct {
	colors []Color
}

func (l *fakeLED) SetColor(c Color) { l.colors = append(l.colors, c) }

type fakeButtons struct {
	reset, encoder bool
}

func (b *fakeButtons) ResetPressed() bool {
	if b.reset {
		b.reset = false
		return true
	}
	return false
}

func (b *fakeButtons) EncoderPressed() bool {
	if b.encoder {
		b.encoder = false
		return true
	}
	return false
}

func newFakeDrivers(scale *fakeScale) (Drivers, *fakeMotor, *fakeMotor, *fakeGate, *fakeLED, *fakeButtons) {
	coarse := &fakeMotor{}
	fine := &fakeMotor{}
	gate := &fakeGate{present: true}
	led := &fakeLED{}
	buttons := &fakeButtons{}
	return Drivers{Scale: scale, Coarse: coarse, Fine: fine, Gate: gate, LED: led, Buttons: buttons},
		coarse, fine, gate, led, buttons
}

type fakeProfile struct {
	coarse, fine   Gains
	coarseL, fineL SpeedLimits
	aiTuning       bool
	name           string
}

func (p fakeProfile) CoarseGains() Gains            { return p.coarse }
func (p fakeProfile) FineGains() Gains              { return p.fine }
func (p fakeProfile) CoarseSpeedLimits() SpeedLimits { return p.coarseL }
func (p fakeProfile) FineSpeedLimits() SpeedLimits   { return p.fineL }
func (p fakeProfile) AITuningEnabled() bool          { return p.aiTuning }
func (p fakeProfile) Name() string                   { return p.name }

func defaultFakeProfile() fakeProfile {
	return fakeProfile{
		coarse:  Gains{Kp: 0.5, Ki: 0.01, Kd: 0.1},
		fine:    Gains{Kp: 0.2, Ki: 0.005, Kd: 0.05},
		coarseL: SpeedLimits{Min: 0, Max: 100},
		fineL:   SpeedLimits{Min: 0, Max: 50},
		name:    "test-profile",
	}
}

type fakeRecorder struct {
	drops []DropOutcome
}

func (r *fakeRecorder) RecordDrop(o DropOutcome) { r.drops = append(r.drops, o) }
