// Package ota implements the dual-bank OTA update engine: the metadata
// store (C3), firmware manager pipeline and boot protocol (C4), and the
// HTTP upload/download adapters (C5, C6).
package ota

import (
	"encoding/binary"
	"errors"
	"sync"

	"opentrickler/firmware/flash"
)

// Metadata record layout (spec §3.2, §6.2): fixed, little-endian, packed
// field-by-field rather than relying on compiler struct layout (§9).
const (
	metadataMagic   = 0x4F544D55 // "OTMU"
	metadataVersion = 1

	// MaxBootAttempts before a bank is auto-invalidated and rolled back.
	MaxBootAttempts = 3

	versionStringLength = 32
	reservedLength       = 128

	bankValid   = 0xFF
	bankInvalid = 0x00

	updateInProgressFlag = 0xFF
	updateIdleFlag       = 0x00

	rollbackOccurredFlag = 0xFF
	rollbackClearFlag    = 0x00

	unknownBank = 0xFF

	// recordSize is magic+version+sequence+active_bank+pad3
	// + 2*(crc32+size+version[32]+valid+boot_count+pad2)
	// + update_in_progress+update_target+pad2
	// + rollback_occurred+rollback_count+pad2 + reserved[128] + metadata_crc32.
	recordSize = 4 + 4 + 4 + 4 + 2*(4+4+versionStringLength+1+1+2) + (1 + 1 + 2) + (1 + 1 + 2) + reservedLength + 4
)

var (
	ErrNoValidMetadata  = errors.New("ota: no valid metadata record in either sector")
	ErrRecordTooLarge   = errors.New("ota: metadata record exceeds sector size")
	ErrReadbackMismatch = errors.New("ota: metadata read-back did not match write")
	ErrBankInvalid      = errors.New("ota: target bank is not valid")
	ErrUnknownBank      = errors.New("ota: bank identifier not A or B")
)

func init() {
	if recordSize > flash.MetadataSectorSize {
		panic("ota: metadata record does not fit in one sector")
	}
}

// BankInfo is the per-bank slice of the metadata record.
type BankInfo struct {
	CRC32         uint32
	Size          uint32
	VersionString string // truncated/NUL-terminated to versionStringLength-1 on write
	BootCount     uint8
	Valid         bool
}

// Record is the in-memory form of the on-flash firmware metadata (§3.2).
type Record struct {
	Sequence uint32

	ActiveBank flash.Bank
	BankA      BankInfo
	BankB      BankInfo

	UpdateInProgress bool
	UpdateTarget     flash.Bank
	HasUpdateTarget  bool // false means "unknown" (0xFF on disk)

	RollbackOccurred bool
	RollbackCount    uint8
}

func (r *Record) bank(b flash.Bank) *BankInfo {
	if b == flash.BankA {
		return &r.BankA
	}
	return &r.BankB
}

// defaultRecord returns the factory-default record: initialBank valid and
// factory, the opposite bank invalid, sequence 1 (spec §3.2 Lifecycle).
func defaultRecord(initialBank flash.Bank) Record {
	r := Record{
		Sequence:        1,
		ActiveBank:      initialBank,
		HasUpdateTarget: false,
	}
	active := r.bank(initialBank)
	active.Valid = true
	active.VersionString = "factory"
	inactive := r.bank(initialBank.Opposite())
	inactive.Valid = false
	return r
}

// marshal serializes r into a recordSize-byte buffer, little-endian,
// field-by-field, ending with the CRC32 of every preceding byte.
func (r *Record) marshal() []byte {
	buf := make([]byte, recordSize)
	off := 0
	put32 := func(v uint32) {
		binary.LittleEndian.PutUint32(buf[off:], v)
		off += 4
	}
	put8 := func(v uint8) {
		buf[off] = v
		off++
	}
	putPad := func(n int) { off += n }
	putBank := func(b *BankInfo) {
		put32(b.CRC32)
		put32(b.Size)
		var vs [versionStringLength]byte
		copy(vs[:versionStringLength-1], b.VersionString)
		copy(buf[off:off+versionStringLength], vs[:])
		off += versionStringLength
		if b.Valid {
			put8(bankValid)
		} else {
			put8(bankInvalid)
		}
		put8(b.BootCount)
		putPad(2)
	}

	put32(metadataMagic)
	put32(metadataVersion)
	put32(r.Sequence)
	put8(uint8(r.ActiveBank))
	putPad(3)
	putBank(&r.BankA)
	putBank(&r.BankB)
	if r.UpdateInProgress {
		put8(updateInProgressFlag)
	} else {
		put8(updateIdleFlag)
	}
	if r.HasUpdateTarget {
		put8(uint8(r.UpdateTarget))
	} else {
		put8(unknownBank)
	}
	putPad(2)
	if r.RollbackOccurred {
		put8(rollbackOccurredFlag)
	} else {
		put8(rollbackClearFlag)
	}
	put8(r.RollbackCount)
	putPad(2)
	putPad(reservedLength)

	crc := flash.CRC32(buf[:off])
	binary.LittleEndian.PutUint32(buf[off:], crc)
	return buf
}

// unmarshalRecord parses buf (at least recordSize bytes) and validates
// magic/version/crc/active_bank. Returns ErrNoValidMetadata on any
// validation failure so callers can fall through to the sibling sector.
func unmarshalRecord(buf []byte) (Record, error) {
	if len(buf) < recordSize {
		return Record{}, ErrNoValidMetadata
	}
	off := 0
	get32 := func() uint32 {
		v := binary.LittleEndian.Uint32(buf[off:])
		off += 4
		return v
	}
	get8 := func() uint8 {
		v := buf[off]
		off++
		return v
	}
	skip := func(n int) { off += n }
	getBank := func() BankInfo {
		var b BankInfo
		b.CRC32 = get32()
		b.Size = get32()
		vs := buf[off : off+versionStringLength]
		off += versionStringLength
		nul := len(vs)
		for i, c := range vs {
			if c == 0 {
				nul = i
				break
			}
		}
		b.VersionString = string(vs[:nul])
		b.Valid = get8() == bankValid
		b.BootCount = get8()
		skip(2)
		return b
	}

	magic := get32()
	version := get32()
	sequence := get32()
	activeByte := get8()
	skip(3)
	bankA := getBank()
	bankB := getBank()
	updateInProgress := get8() == updateInProgressFlag
	updateTargetByte := get8()
	skip(2)
	rollbackOccurred := get8() == rollbackOccurredFlag
	rollbackCount := get8()
	skip(2)
	skip(reservedLength)
	crcEnd := off
	storedCRC := get32()

	if magic != metadataMagic || version != metadataVersion {
		return Record{}, ErrNoValidMetadata
	}
	if activeByte != uint8(flash.BankA) && activeByte != uint8(flash.BankB) {
		return Record{}, ErrNoValidMetadata
	}
	computed := flash.CRC32(buf[:crcEnd])
	if computed != storedCRC {
		return Record{}, ErrNoValidMetadata
	}

	r := Record{
		Sequence:         sequence,
		ActiveBank:       flash.Bank(activeByte),
		BankA:            bankA,
		BankB:            bankB,
		UpdateInProgress: updateInProgress,
		RollbackOccurred: rollbackOccurred,
		RollbackCount:    rollbackCount,
	}
	if updateTargetByte == uint8(flash.BankA) || updateTargetByte == uint8(flash.BankB) {
		r.UpdateTarget = flash.Bank(updateTargetByte)
		r.HasUpdateTarget = true
	}
	return r, nil
}

// MetadataStore provides atomic-update semantics over the two metadata
// sectors (§4.3). It talks to the flash device through a privileged raw
// path (not flash.Device) because the metadata sectors are outside the
// region flash.Device will write to.
type MetadataStore struct {
	mu  sync.Mutex
	raw flash.RawFlash

	current       Record
	currentSector int // 0=A, 1=B: physical sector currently holding `current`
	loaded        bool
}

// NewMetadataStore constructs a store over raw. Call Read (or Init) before
// any other operation.
func NewMetadataStore(raw flash.RawFlash) *MetadataStore {
	return &MetadataStore{raw: raw}
}

func (s *MetadataStore) readSector(sector int) (Record, error) {
	buf := make([]byte, flash.MetadataSectorSize)
	if err := s.raw.ReadRaw(flash.MetadataSectorOffset(sector), buf); err != nil {
		return Record{}, err
	}
	return unmarshalRecord(buf)
}

// Read implements the read protocol: read both sectors, validate each, and
// select the valid record with the largest sequence number. If neither
// validates, it initializes factory defaults and writes both sectors.
func (s *MetadataStore) Read(initialBank flash.Bank) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(initialBank)
}

func (s *MetadataStore) readLocked(initialBank flash.Bank) (Record, error) {
	recA, errA := s.readSector(0)
	recB, errB := s.readSector(1)

	switch {
	case errA == nil && errB == nil:
		if recA.Sequence >= recB.Sequence {
			s.current, s.currentSector = recA, 0
		} else {
			s.current, s.currentSector = recB, 1
		}
	case errA == nil:
		s.current, s.currentSector = recA, 0
	case errB == nil:
		s.current, s.currentSector = recB, 1
	default:
		// Neither sector validates: initialize to factory defaults and
		// write both sectors (spec §3.2 Lifecycle, §7 "Metadata validation
		// failure").
		s.current = defaultRecord(initialBank)
		s.currentSector = -1
		if err := s.writeSectorLocked(0, &s.current); err != nil {
			return Record{}, err
		}
		s.current.Sequence++
		if err := s.writeSectorLocked(1, &s.current); err != nil {
			return Record{}, err
		}
		s.currentSector = 1
	}
	s.loaded = true
	return s.current, nil
}

// Init is an alias for Read used at application startup, to read the
// naming intent clearly at call sites.
func (s *MetadataStore) Init(initialBank flash.Bank) (Record, error) {
	return s.Read(initialBank)
}

// Current returns the cached current record without touching flash.
func (s *MetadataStore) Current() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *MetadataStore) writeSectorLocked(sector int, rec *Record) error {
	offset := flash.MetadataSectorOffset(sector)
	if err := s.raw.EraseSectorRaw(offset); err != nil {
		return err
	}
	buf := rec.marshal()
	// Pad to a page boundary; trailing bytes stay erased (0xFF), which
	// unmarshalRecord never reads past recordSize anyway.
	padded := len(buf)
	if rem := padded % flash.PageSize; rem != 0 {
		padded += flash.PageSize - rem
	}
	page := make([]byte, flash.PageSize)
	for o := 0; o < padded; o += flash.PageSize {
		for i := range page {
			page[i] = 0xFF
		}
		n := copy(page, buf[o:min(o+flash.PageSize, len(buf))])
		_ = n
		if err := s.raw.ProgramPageRaw(offset+uint32(o), page); err != nil {
			return err
		}
	}
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Write implements the write protocol (§4.3): the proposed record's
// sequence is overridden, the metadata_crc32 recomputed, and the result is
// programmed into the sector currently holding the smaller sequence (i.e.
// the non-current one). Only a successful read-back makes it the new
// cached current record.
func (s *MetadataStore) Write(proposed Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(proposed)
}

func (s *MetadataStore) writeLocked(proposed Record) (Record, error) {
	proposed.Sequence = s.current.Sequence + 1

	target := 1 - s.currentSector
	if s.currentSector < 0 {
		target = 0
	}

	if err := s.writeSectorLocked(target, &proposed); err != nil {
		return Record{}, err
	}

	readBack, err := s.readSector(target)
	if err != nil {
		return Record{}, err
	}
	if readBack.Sequence != proposed.Sequence {
		return Record{}, ErrReadbackMismatch
	}

	s.current = readBack
	s.currentSector = target
	return s.current, nil
}

// --- Convenience read-modify-write operations (§4.3) ---

// SetActiveBank switches the boot-selected bank.
func (s *MetadataStore) SetActiveBank(bank flash.Bank) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.current
	next.ActiveBank = bank
	return s.writeLocked(next)
}

// IncrementBootCount bumps the active bank's boot_count.
func (s *MetadataStore) IncrementBootCount() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.current
	b := next.bank(next.ActiveBank)
	b.BootCount++
	return s.writeLocked(next)
}

// ResetBootCount zeroes the active bank's boot_count (boot confirmation).
func (s *MetadataStore) ResetBootCount() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.current
	b := next.bank(next.ActiveBank)
	b.BootCount = 0
	return s.writeLocked(next)
}

// MarkBankValid marks bank valid with the given crc/size/version and zeros
// its boot count.
func (s *MetadataStore) MarkBankValid(bank flash.Bank, crc32, size uint32, version string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.current
	b := next.bank(bank)
	b.Valid = true
	b.CRC32 = crc32
	b.Size = size
	b.VersionString = version
	b.BootCount = 0
	return s.writeLocked(next)
}

// MarkBankInvalid marks bank invalid and saturates its boot_count so it is
// never selected for reuse without a fresh update.
func (s *MetadataStore) MarkBankInvalid(bank flash.Bank) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.current
	b := next.bank(bank)
	b.Valid = false
	b.BootCount = MaxBootAttempts
	return s.writeLocked(next)
}

// SetUpdateInProgress records that target is being written.
func (s *MetadataStore) SetUpdateInProgress(target flash.Bank) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.current
	next.UpdateInProgress = true
	next.UpdateTarget = target
	next.HasUpdateTarget = true
	return s.writeLocked(next)
}

// ClearUpdateInProgress clears the in-progress flag (target bank's
// validity is untouched; caller decides that separately).
func (s *MetadataStore) ClearUpdateInProgress() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.current
	next.UpdateInProgress = false
	return s.writeLocked(next)
}

// TriggerRollback switches active_bank to the opposite bank if it is
// valid, marks the old active bank invalid (boot_count saturated), sets
// rollback_occurred, and increments rollback_count. Fails if the opposite
// bank is not valid.
func (s *MetadataStore) TriggerRollback() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.current
	oldActive := next.ActiveBank
	opposite := oldActive.Opposite()
	if !next.bank(opposite).Valid {
		return Record{}, ErrBankInvalid
	}
	next.bank(oldActive).Valid = false
	next.bank(oldActive).BootCount = MaxBootAttempts
	next.ActiveBank = opposite
	next.RollbackOccurred = true
	next.RollbackCount++
	return s.writeLocked(next)
}

// ClearRollbackFlag clears rollback_occurred after user acknowledgment.
func (s *MetadataStore) ClearRollbackFlag() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.current
	next.RollbackOccurred = false
	return s.writeLocked(next)
}

// BeginUpdate atomically marks target as the update target, sets
// update_in_progress, and invalidates target (so a crash mid-write never
// leaves a half-written bank looking usable). Used by the firmware
// manager's start_update (§4.4).
func (s *MetadataStore) BeginUpdate(target flash.Bank) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.current
	next.UpdateInProgress = true
	next.UpdateTarget = target
	next.HasUpdateTarget = true
	next.bank(target).Valid = false
	return s.writeLocked(next)
}

// CompleteUpdate atomically marks target valid with the given crc/size/
// version, zeros its boot count, and clears update_in_progress. Used by
// finalize_update on a successful verify (§4.4).
func (s *MetadataStore) CompleteUpdate(target flash.Bank, crc32, size uint32, version string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.current
	b := next.bank(target)
	b.Valid = true
	b.CRC32 = crc32
	b.Size = size
	b.VersionString = version
	b.BootCount = 0
	next.UpdateInProgress = false
	return s.writeLocked(next)
}

// AbortUpdate atomically marks target invalid and clears
// update_in_progress, used both by finalize_update on CRC mismatch and by
// cancel_update.
func (s *MetadataStore) AbortUpdate(target flash.Bank) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.current
	next.bank(target).Valid = false
	next.UpdateInProgress = false
	return s.writeLocked(next)
}

// GetBankInfo returns the stored info for bank.
func (s *MetadataStore) GetBankInfo(bank flash.Bank) BankInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.current.bank(bank)
}
