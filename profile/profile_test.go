package profile

import (
	"testing"

	"opentrickler/firmware/eeprom"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	store := eeprom.NewEEPROM(eeprom.NewSimStore(1 << 16))
	if _, err := store.Read(); err != nil && err != eeprom.ErrCRCMismatch {
		t.Fatalf("Read: %v", err)
	}
	return NewTable(store)
}

func TestSelectRejectsOutOfRangeIndex(t *testing.T) {
	tbl := newTestTable(t)
	if _, err := tbl.Select(-1); err == nil {
		t.Error("expected error for negative index")
	}
	if _, err := tbl.Select(eeprom.ProfileCount); err == nil {
		t.Error("expected error for index past table end")
	}
}

func TestProfileExposesDefaultGains(t *testing.T) {
	tbl := newTestTable(t)
	p, err := tbl.Select(0)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	gains := p.CoarseGains()
	// gains are stored as float32, so compare against the float32-rounded defaults.
	if gains.Kp != 0.5 || gains.Kd != float64(float32(0.1)) {
		t.Errorf("got %+v, want default coarse gains", gains)
	}
}

func TestSetNameRejectsEmpty(t *testing.T) {
	tbl := newTestTable(t)
	p, _ := tbl.Select(0)
	if err := p.SetName(""); err == nil {
		t.Error("expected error setting an empty name")
	}
}

func TestSetNamePersistsAcrossSelect(t *testing.T) {
	tbl := newTestTable(t)
	p, _ := tbl.Select(2)
	if err := p.SetName("bullseye"); err != nil {
		t.Fatalf("SetName: %v", err)
	}

	names := tbl.Names()
	if names[2] != "bullseye" {
		t.Errorf("got %q, want bullseye", names[2])
	}

	again, _ := tbl.Select(2)
	if again.Name() != "bullseye" {
		t.Errorf("got %q, want bullseye on re-select", again.Name())
	}
}

func TestForTuningSetGainsWritesThrough(t *testing.T) {
	tbl := newTestTable(t)
	p, _ := tbl.Select(0)
	adapter := p.ForTuning()

	adapter.SetCoarseGains(3.3, 0.7)
	// gains are stored as float32, so the read-back is the float32-rounded value.
	wantKp, wantKd := float64(float32(3.3)), float64(float32(0.7))
	kp, kd := adapter.CoarseGains()
	if kp != wantKp || kd != wantKd {
		t.Errorf("got (%v,%v), want (%v,%v)", kp, kd, wantKp, wantKd)
	}

	gains := p.CoarseGains()
	if gains.Kp != wantKp || gains.Kd != wantKd {
		t.Errorf("charge.ProfileSource view not updated: got %+v", gains)
	}
}

func TestProfilesAreIndependent(t *testing.T) {
	tbl := newTestTable(t)
	a, _ := tbl.Select(0)
	b, _ := tbl.Select(1)

	a.ForTuning().SetCoarseGains(9, 9)
	if b.CoarseGains().Kp == 9 {
		t.Error("mutating profile 0 affected profile 1")
	}
}
