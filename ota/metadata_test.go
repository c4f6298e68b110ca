package ota

import (
	"testing"

	"opentrickler/firmware/flash"
)

func newTestStore(t *testing.T) (*MetadataStore, *flash.SimRawFlash) {
	t.Helper()
	raw := flash.NewSimRawFlash()
	return NewMetadataStore(raw), raw
}

func TestMetadataReadInitializesDefaultsWhenBothSectorsInvalid(t *testing.T) {
	s, _ := newTestStore(t)
	rec, err := s.Read(flash.BankA)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rec.ActiveBank != flash.BankA {
		t.Errorf("active bank = %v, want A", rec.ActiveBank)
	}
	if !rec.BankA.Valid || rec.BankB.Valid {
		t.Errorf("bank validity = A:%v B:%v, want A valid, B invalid", rec.BankA.Valid, rec.BankB.Valid)
	}
}

func TestMetadataWriteReadRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Read(flash.BankA); err != nil {
		t.Fatalf("read: %v", err)
	}

	rec, err := s.MarkBankValid(flash.BankB, 0xDEADBEEF, 1024, "1.2.3")
	if err != nil {
		t.Fatalf("mark valid: %v", err)
	}
	if !rec.BankB.Valid || rec.BankB.CRC32 != 0xDEADBEEF || rec.BankB.Size != 1024 || rec.BankB.VersionString != "1.2.3" {
		t.Errorf("unexpected bank B info: %+v", rec.BankB)
	}

	// Fresh store over the same raw flash must see the same state.
	s2 := NewMetadataStore(s.raw)
	rec2, err := s2.Read(flash.BankA)
	if err != nil {
		t.Fatalf("re-read: %v", err)
	}
	if rec2.BankB.CRC32 != 0xDEADBEEF || rec2.Sequence != rec.Sequence {
		t.Errorf("reloaded record mismatch: %+v vs %+v", rec2, rec)
	}
}

func TestMetadataSequenceAlternatesSectors(t *testing.T) {
	s, _ := newTestStore(t)
	s.Read(flash.BankA)
	firstSector := s.currentSector
	if _, err := s.IncrementBootCount(); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if s.currentSector == firstSector {
		t.Errorf("write did not move to the other sector")
	}
	if _, err := s.IncrementBootCount(); err != nil {
		t.Fatalf("increment 2: %v", err)
	}
	if s.currentSector != firstSector {
		t.Errorf("write did not alternate back")
	}
}

func TestMetadataRollbackRequiresValidOppositeBank(t *testing.T) {
	s, _ := newTestStore(t)
	s.Read(flash.BankA)
	if _, err := s.TriggerRollback(); err != ErrBankInvalid {
		t.Errorf("rollback with invalid opposite: got %v, want ErrBankInvalid", err)
	}

	if _, err := s.MarkBankValid(flash.BankB, 1, 1, "b"); err != nil {
		t.Fatalf("mark valid: %v", err)
	}
	rec, err := s.TriggerRollback()
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if rec.ActiveBank != flash.BankB {
		t.Errorf("active bank after rollback = %v, want B", rec.ActiveBank)
	}
	if rec.BankA.Valid {
		t.Error("old active bank should be invalid after rollback")
	}
	if !rec.RollbackOccurred || rec.RollbackCount != 1 {
		t.Errorf("rollback flags: occurred=%v count=%d", rec.RollbackOccurred, rec.RollbackCount)
	}
}

func TestMetadataSurvivesPowerCutDuringWrite(t *testing.T) {
	raw := flash.NewSimRawFlash()
	s := NewMetadataStore(raw)
	if _, err := s.Read(flash.BankA); err != nil {
		t.Fatalf("read: %v", err)
	}

	// Reset the byte counter, then allow the next write's sector erase and
	// cut power partway through its first page program.
	raw.TotalBytesWritten = 0
	written := raw.TotalBytesWritten
	raw.PowerCutAfterBytes = written + flash.SectorSize + flash.PageSize/2

	_, err := s.IncrementBootCount()
	if err == nil {
		t.Fatalf("expected power-cut error, got nil")
	}

	// A fresh store reading from the torn flash must still recover a valid
	// record (the sector under write was not the current one).
	raw.PowerCutAfterBytes = -1
	s2 := NewMetadataStore(raw)
	rec, err := s2.Read(flash.BankA)
	if err != nil {
		t.Fatalf("recovery read after power cut: %v", err)
	}
	if rec.ActiveBank != flash.BankA {
		t.Errorf("active bank after recovery = %v, want A", rec.ActiveBank)
	}
}
