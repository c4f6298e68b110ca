package charge

import (
	"testing"
	"time"
)

func TestControllerStartStopAndRunning(t *testing.T) {
	scale := &fakeScale{samples: []float64{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}}
	drv, _, _, _, _, buttons := newFakeDrivers(scale)
	ctrl := NewController(drv, DefaultConfig(), defaultFakeProfile(), nil, nil)

	if err := ctrl.Start(100); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ctrl.Start(100); err != ErrAlreadyRunning {
		t.Errorf("got %v, want ErrAlreadyRunning on double-start", err)
	}

	// Give the goroutine a moment to reach wait_for_zero.
	time.Sleep(20 * time.Millisecond)
	if !ctrl.Running() {
		t.Error("expected controller to be running")
	}

	if err := ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	_ = buttons

	deadline := time.Now().Add(2 * time.Second)
	for ctrl.Running() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if ctrl.Running() {
		t.Error("expected controller to exit after Stop")
	}

	if err := ctrl.Stop(); err != ErrNotRunning {
		t.Errorf("got %v, want ErrNotRunning once stopped", err)
	}
}
