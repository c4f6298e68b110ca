package charge

import "testing"

func TestStateMachineFullCycleReturnsToZero(t *testing.T) {
	// wait_for_zero: 10 settled near-zero samples.
	zero := []float64{0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	// wait_for_complete: converge to target 100.
	dispense := []float64{0, 20, 50, 80, 95, 99, 99.9, 99.98}
	// wait_for_cup_removal: platform reads far below zero once settled.
	removal := []float64{-20, -20, -20, -20, -20}
	// wait_for_cup_return: a new cup lands back at zero.
	ret := []float64{-20, 0}

	all := append([]float64{}, zero...)
	all = append(all, dispense...)
	all = append(all, removal...)
	all = append(all, ret...)

	scale := &fakeScale{samples: all}
	drv, _, _, gate, led, _ := newFakeDrivers(scale)
	cfg := DefaultConfig()
	profile := defaultFakeProfile()
	rec := &fakeRecorder{}

	sm := NewStateMachine(drv, cfg, profile, nil, rec, nil)

	// Drive one full lap manually via the phase transitions, independent
	// of Run's looping, so the test doesn't depend on timing.
	sm.phase = PhaseWaitForZero
	next := sm.waitForZero()
	if next != PhaseWaitForComplete {
		t.Fatalf("waitForZero: got %v, want PhaseWaitForComplete", next)
	}

	next = sm.waitForComplete()
	if next != PhaseWaitForCupRemoval {
		t.Fatalf("waitForComplete: got %v, want PhaseWaitForCupRemoval", next)
	}
	if len(rec.drops) != 1 {
		t.Fatalf("expected one recorded drop, got %d", len(rec.drops))
	}
	if !gate.present || gate.opens == 0 || gate.closes == 0 {
		t.Error("expected gate to open then close during dispense")
	}
	if len(led.colors) == 0 {
		t.Error("expected LED color updates during dispense")
	}

	next = sm.waitForCupRemoval()
	if next != PhaseWaitForCupReturn {
		t.Fatalf("waitForCupRemoval: got %v, want PhaseWaitForCupReturn", next)
	}

	next = sm.waitForCupReturn()
	if next != PhaseWaitForZero {
		t.Fatalf("waitForCupReturn: got %v, want PhaseWaitForZero", next)
	}
}

func TestStateMachineResetDuringZeroExits(t *testing.T) {
	scale := &fakeScale{samples: []float64{0, 0, 0}}
	drv, _, _, _, _, buttons := newFakeDrivers(scale)
	buttons.reset = true
	cfg := DefaultConfig()
	profile := defaultFakeProfile()

	sm := NewStateMachine(drv, cfg, profile, nil, nil, nil)
	if got := sm.waitForZero(); got != PhaseExit {
		t.Errorf("got %v, want PhaseExit", got)
	}
}

func TestStateMachineEncoderForcesZeroAndSkipsSettle(t *testing.T) {
	scale := &fakeScale{samples: []float64{5}}
	drv, _, _, _, _, buttons := newFakeDrivers(scale)
	buttons.encoder = true
	cfg := DefaultConfig()
	profile := defaultFakeProfile()

	sm := NewStateMachine(drv, cfg, profile, nil, nil, nil)
	if got := sm.waitForZero(); got != PhaseWaitForComplete {
		t.Errorf("got %v, want PhaseWaitForComplete", got)
	}
	if scale.zeroed != 1 {
		t.Errorf("expected ForceZero to be called once, got %d", scale.zeroed)
	}
}

type fakeOTAState struct {
	inProgress bool
}

func (f fakeOTAState) UpdateInProgress() bool { return f.inProgress }

func TestStateMachineRefusesDispenseWhileUpdateInProgress(t *testing.T) {
	scale := &fakeScale{samples: []float64{0, 20, 50, 80, 95, 99, 99.9, 99.98}}
	drv, coarse, fine, _, _, _ := newFakeDrivers(scale)
	cfg := DefaultConfig()
	profile := defaultFakeProfile()
	rec := &fakeRecorder{}

	sm := NewStateMachine(drv, cfg, profile, nil, rec, fakeOTAState{inProgress: true})
	sm.target = 100

	next := sm.waitForComplete()
	if next != PhaseWaitForZero {
		t.Fatalf("got %v, want PhaseWaitForZero while update in progress", next)
	}
	if len(rec.drops) != 0 {
		t.Error("expected no drop to be dispensed or recorded while update in progress")
	}
	if len(coarse.speeds) != 0 || len(fine.speeds) != 0 {
		t.Error("expected no motor commands while update in progress")
	}
}

func TestStateMachineClassifiesOverCharge(t *testing.T) {
	// final weight well above target -> over-charge color.
	scale := &fakeScale{samples: []float64{150}}
	drv, _, _, _, led, _ := newFakeDrivers(scale)
	cfg := DefaultConfig()
	profile := defaultFakeProfile()

	sm := NewStateMachine(drv, cfg, profile, nil, nil, nil)
	sm.target = 100
	sm.waitForComplete()

	last := led.colors[len(led.colors)-1]
	if last != cfg.OverChargeColor {
		t.Errorf("got %+v, want overcharge color %+v", last, cfg.OverChargeColor)
	}
}
