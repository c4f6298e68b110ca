package flash

// Watchdog is fed at bounded intervals during long flash operations so the
// hardware watchdog (§5) never expires mid-erase or mid-CRC-pass.
type Watchdog interface {
	Feed()
}

// ProgressFunc is invoked at the same cadence as the watchdog feed during
// long operations. user is opaque caller context, passed through unchanged.
type ProgressFunc func(currentBytes, totalBytes uint32, user any)

// RawFlash is the primitive the hardware exposes: erase one sector, program
// one page, and read back raw bytes. Device builds the C2 contract (bounded
// watchdog feeding, alignment checks, region protection) on top of it.
//
// Implementations: SimRawFlash (in-memory, used by host-side tests) and,
// under TinyGo, machineRawFlash (internal, wraps machine.Flash).
type RawFlash interface {
	// EraseSectorRaw erases exactly one SectorSize-aligned sector.
	EraseSectorRaw(offset uint32) error
	// ProgramPageRaw writes exactly one PageSize page. data must be PageSize
	// bytes; offset must be page-aligned.
	ProgramPageRaw(offset uint32, data []byte) error
	// ReadRaw reads len(buf) bytes starting at offset into buf.
	ReadRaw(offset uint32, buf []byte) error
}

// watchdogEverySectors is the feed cadence during erase (§4.2: every ≤10 sectors).
const watchdogEverySectors = 10

// watchdogEveryCRCBytes is the feed cadence during a CRC pass (§4.2: every ≤16 KiB).
const watchdogEveryCRCBytes = 16 * 1024

// Device implements the C2 flash device abstraction: sector/page-aligned
// erase and program, region protection (bootloader and metadata sectors are
// not writable through this path), bounded watchdog feeding on long
// operations, and incremental CRC over arbitrary regions.
type Device struct {
	raw RawFlash
	wdt Watchdog

	// cancel, checked between units of work on long operations (erase/CRC).
	cancel func() bool
}

// NewDevice builds a Device over raw, feeding wdt during long operations.
// wdt may be nil (tests that don't care about watchdog cadence).
func NewDevice(raw RawFlash, wdt Watchdog) *Device {
	return &Device{raw: raw, wdt: wdt}
}

// SetCancel installs a cooperative cancellation predicate, polled between
// sectors/chunks of a long operation (§5 cancellation contract).
func (d *Device) SetCancel(cancel func() bool) {
	d.cancel = cancel
}

func (d *Device) feedWatchdog() {
	if d.wdt != nil {
		d.wdt.Feed()
	}
}

func (d *Device) isCanceled() bool {
	return d.cancel != nil && d.cancel()
}

// firstWritableOffset is the first byte of the first firmware bank; the
// bootloader and metadata regions are not writable via this abstraction
// (ota.MetadataStore writes its sectors through RawFlash directly).
const firstWritableOffset = BankAOffset

func checkEraseAlignment(offset, size uint32) error {
	if size == 0 {
		return ErrInvalidParam
	}
	if offset%SectorSize != 0 || size%SectorSize != 0 {
		return ErrNotAligned
	}
	return nil
}

func checkProgramAlignment(offset uint32, size int) error {
	if size == 0 {
		return ErrInvalidParam
	}
	if offset%PageSize != 0 || size%PageSize != 0 {
		return ErrNotAligned
	}
	return nil
}

func checkWritableRange(offset, size uint32) error {
	if offset < firstWritableOffset {
		return ErrOutOfRange
	}
	if uint64(offset)+uint64(size) > DeviceSize {
		return ErrOutOfRange
	}
	return nil
}

// EraseRegion erases [offset, offset+size) sector by sector, feeding the
// watchdog and invoking progress every watchdogEverySectors sectors.
func (d *Device) EraseRegion(offset, size uint32, progress ProgressFunc, user any) error {
	if err := checkEraseAlignment(offset, size); err != nil {
		return err
	}
	if err := checkWritableRange(offset, size); err != nil {
		return err
	}

	sectors := size / SectorSize
	for i := uint32(0); i < sectors; i++ {
		if d.isCanceled() {
			return ErrTimeout
		}
		sectorOffset := offset + i*SectorSize
		if err := d.raw.EraseSectorRaw(sectorOffset); err != nil {
			return err
		}
		if (i+1)%watchdogEverySectors == 0 || i == sectors-1 {
			d.feedWatchdog()
			if progress != nil {
				progress((i+1)*SectorSize, size, user)
			}
		}
	}
	return nil
}

// EraseBank erases an entire firmware bank.
func (d *Device) EraseBank(bank Bank, progress ProgressFunc, user any) error {
	return d.EraseRegion(bank.Offset(), BankSize, progress, user)
}

// Program writes data starting at offset. offset and len(data) must be
// page-aligned; callers with unaligned chunks use the staging buffer in
// ota.Manager instead of calling Program directly.
func (d *Device) Program(offset uint32, data []byte) error {
	if err := checkProgramAlignment(offset, len(data)); err != nil {
		return err
	}
	if err := checkWritableRange(offset, uint32(len(data))); err != nil {
		return err
	}

	pages := len(data) / PageSize
	for i := 0; i < pages; i++ {
		if d.isCanceled() {
			return ErrTimeout
		}
		pageOffset := offset + uint32(i*PageSize)
		if err := d.raw.ProgramPageRaw(pageOffset, data[i*PageSize:(i+1)*PageSize]); err != nil {
			return err
		}
	}
	return nil
}

// ProgramAndVerify writes data then reads it back and compares.
func (d *Device) ProgramAndVerify(offset uint32, data []byte) error {
	if err := d.Program(offset, data); err != nil {
		return err
	}
	return d.Verify(offset, data)
}

// Read reads len(buf) bytes starting at offset.
func (d *Device) Read(offset uint32, buf []byte) error {
	if uint64(offset)+uint64(len(buf)) > DeviceSize {
		return ErrOutOfRange
	}
	return d.raw.ReadRaw(offset, buf)
}

// Verify reads back [offset, offset+len(expected)) and compares to expected.
func (d *Device) Verify(offset uint32, expected []byte) error {
	buf := make([]byte, len(expected))
	if err := d.Read(offset, buf); err != nil {
		return err
	}
	for i := range expected {
		if buf[i] != expected[i] {
			return ErrVerifyFailed
		}
	}
	return nil
}

// CRC32Region computes the CRC32 of [offset, offset+size) directly from
// flash, feeding the watchdog every watchdogEveryCRCBytes bytes.
func (d *Device) CRC32Region(offset, size uint32, progress ProgressFunc, user any) (uint32, error) {
	if uint64(offset)+uint64(size) > DeviceSize {
		return 0, ErrOutOfRange
	}

	var ctx CRC32Context
	ctx.Begin()

	var chunk [watchdogEveryCRCBytes]byte
	var read uint32
	for read < size {
		if d.isCanceled() {
			return 0, ErrTimeout
		}
		n := uint32(len(chunk))
		if size-read < n {
			n = size - read
		}
		if err := d.raw.ReadRaw(offset+read, chunk[:n]); err != nil {
			return 0, err
		}
		ctx.Update(chunk[:n])
		read += n
		d.feedWatchdog()
		if progress != nil {
			progress(read, size, user)
		}
	}
	return ctx.Finalize(), nil
}
