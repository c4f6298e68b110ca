package eeprom

import (
	"encoding/binary"
	"sync"

	"opentrickler/firmware/flash"
)

// EEPROM owns the single on-disk Record and serializes access to it (same
// discipline as ota.MetadataStore: one mutex, one owner, explicit
// Read/Write rather than ad-hoc field access).
type EEPROM struct {
	mu      sync.Mutex
	store   Store
	current Record
	loaded  bool
}

// NewEEPROM builds an EEPROM over store. Call Read before use.
func NewEEPROM(store Store) *EEPROM {
	return &EEPROM{store: store}
}

// Read loads the record from the underlying store, falling back to
// DefaultRecord (and reporting ErrCRCMismatch) if the stored magic,
// version, or CRC don't check out — the same bootstrap-to-defaults
// behavior ota.MetadataStore uses for a blank device.
func (e *EEPROM) Read() (Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	buf := make([]byte, recordSize)
	if err := e.store.ReadAt(0, buf); err != nil {
		return Record{}, err
	}

	var fallbackErr error
	rec, ok := unmarshal(buf)
	if !ok {
		rec = DefaultRecord()
		fallbackErr = ErrCRCMismatch
	}

	e.current = rec
	e.loaded = true
	return rec, fallbackErr
}

// Current returns the last record read or written, without touching the
// store.
func (e *EEPROM) Current() Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Write persists rec to the store and makes it current.
func (e *EEPROM) Write(rec Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	buf := marshal(rec)
	if err := e.store.WriteAt(0, buf); err != nil {
		return err
	}
	e.current = rec
	e.loaded = true
	return nil
}

func marshal(rec Record) []byte {
	buf := make([]byte, recordSize)
	binary.LittleEndian.PutUint32(buf[0:4], eepromMagic)
	binary.LittleEndian.PutUint32(buf[4:8], eepromVersion)

	off := 8
	rec.Charge.marshal(buf[off : off+chargeConfigSize])
	off += chargeConfigSize

	for i := range rec.Profiles {
		rec.Profiles[i].marshal(buf[off : off+profileRecordSize])
		off += profileRecordSize
	}

	crc := flash.CRC32(buf[:off])
	binary.LittleEndian.PutUint32(buf[off:off+4], crc)
	return buf
}

func unmarshal(buf []byte) (Record, bool) {
	if len(buf) != recordSize {
		return Record{}, false
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != eepromMagic {
		return Record{}, false
	}
	if binary.LittleEndian.Uint32(buf[4:8]) != eepromVersion {
		return Record{}, false
	}

	off := 8
	payloadEnd := recordSize - 4
	storedCRC := binary.LittleEndian.Uint32(buf[payloadEnd:recordSize])
	if flash.CRC32(buf[:payloadEnd]) != storedCRC {
		return Record{}, false
	}

	var rec Record
	rec.Charge = unmarshalChargeConfig(buf[off : off+chargeConfigSize])
	off += chargeConfigSize
	for i := range rec.Profiles {
		rec.Profiles[i] = unmarshalProfileRecord(buf[off : off+profileRecordSize])
		off += profileRecordSize
	}
	return rec, true
}
