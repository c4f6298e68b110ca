package flash

import (
	"bytes"
	"testing"
)

func newTestDevice() (*Device, *SimRawFlash) {
	raw := NewSimRawFlash()
	return NewDevice(raw, nil), raw
}

func TestDeviceEraseAlignment(t *testing.T) {
	d, _ := newTestDevice()
	if err := d.EraseRegion(BankAOffset+1, SectorSize, nil, nil); err != ErrNotAligned {
		t.Errorf("misaligned offset: got %v, want ErrNotAligned", err)
	}
	if err := d.EraseRegion(BankAOffset, SectorSize+1, nil, nil); err != ErrNotAligned {
		t.Errorf("misaligned size: got %v, want ErrNotAligned", err)
	}
}

func TestDeviceOutOfRangeRejectsBootloaderWrites(t *testing.T) {
	d, _ := newTestDevice()
	if err := d.EraseRegion(0, SectorSize, nil, nil); err != ErrOutOfRange {
		t.Errorf("erase of boot region: got %v, want ErrOutOfRange", err)
	}
	if err := d.EraseRegion(MetadataSectorAOffset, SectorSize, nil, nil); err != ErrOutOfRange {
		t.Errorf("erase of metadata sector: got %v, want ErrOutOfRange", err)
	}
	if err := d.Program(BootloaderOffset, make([]byte, PageSize)); err != ErrOutOfRange {
		t.Errorf("program of bootloader: got %v, want ErrOutOfRange", err)
	}
}

func TestDeviceProgramAndVerifyRoundTrip(t *testing.T) {
	d, _ := newTestDevice()
	data := make([]byte, PageSize*4)
	for i := range data {
		data[i] = byte(i)
	}
	if err := d.EraseBank(BankA, nil, nil); err != nil {
		t.Fatalf("erase: %v", err)
	}
	if err := d.ProgramAndVerify(BankAOffset, data); err != nil {
		t.Fatalf("program+verify: %v", err)
	}
	readBack := make([]byte, len(data))
	if err := d.Read(BankAOffset, readBack); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(readBack, data) {
		t.Error("read-back data does not match programmed data")
	}
}

func TestDeviceCRC32RegionMatchesPackageCRC32(t *testing.T) {
	d, _ := newTestDevice()
	data := bytes.Repeat([]byte{0xAB, 0xCD, 0x01}, 10000)[:PageSize*8]
	if err := d.EraseBank(BankA, nil, nil); err != nil {
		t.Fatalf("erase: %v", err)
	}
	if err := d.Program(BankAOffset, data); err != nil {
		t.Fatalf("program: %v", err)
	}
	got, err := d.CRC32Region(BankAOffset, uint32(len(data)), nil, nil)
	if err != nil {
		t.Fatalf("crc32 region: %v", err)
	}
	want := CRC32(data)
	if got != want {
		t.Errorf("CRC32Region = 0x%08X, want 0x%08X", got, want)
	}
}

func TestDeviceEraseFeedsWatchdogWithinBound(t *testing.T) {
	var feeds int
	wdt := watchdogFunc(func() { feeds++ })
	raw := NewSimRawFlash()
	d := NewDevice(raw, wdt)

	if err := d.EraseBank(BankA, nil, nil); err != nil {
		t.Fatalf("erase: %v", err)
	}
	sectors := BankSize / SectorSize
	wantMinFeeds := sectors / watchdogEverySectors
	if feeds < wantMinFeeds {
		t.Errorf("watchdog fed %d times, want at least %d (every %d sectors)", feeds, wantMinFeeds, watchdogEverySectors)
	}
}

type watchdogFunc func()

func (f watchdogFunc) Feed() { f() }

func TestDeviceCancelStopsLongOperation(t *testing.T) {
	raw := NewSimRawFlash()
	d := NewDevice(raw, nil)
	canceled := false
	d.SetCancel(func() bool { return canceled })

	// Cancel after the first sector.
	erased := 0
	err := d.EraseBank(BankA, func(cur, total uint32, _ any) {
		erased++
		if erased == 1 {
			canceled = true
		}
	}, nil)
	if err != ErrTimeout {
		t.Errorf("canceled erase: got %v, want ErrTimeout", err)
	}
}
