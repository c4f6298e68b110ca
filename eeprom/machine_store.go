//go:build tinygo

package eeprom

import (
	"machine"
	"time"
)

// i2cAddr is the 7-bit address of the 24LC256-class EEPROM chip used for
// the charge-mode tunables and profile table.
const i2cAddr = 0x50

// machineStore adapts a TinyGo I2C bus to Store, the same thin-wrapper
// shape flash.machineRawFlash uses to adapt machine.Flash: callers only
// ever see the Store interface, never the bus directly.
type machineStore struct {
	bus  *machine.I2C
	size int
}

// NewMachineStore returns the Store backed by the on-board I2C EEPROM,
// kept on a separate bus/chip from the OTA flash device per the
// requirement that the OTA engine never touch EEPROM.
func NewMachineStore(bus *machine.I2C, size int) Store {
	return &machineStore{bus: bus, size: size}
}

func (s *machineStore) Size() int { return s.size }

func (s *machineStore) ReadAt(offset int, buf []byte) error {
	if offset < 0 || offset+len(buf) > s.size {
		return ErrOutOfRange
	}
	addr := []byte{byte(offset >> 8), byte(offset)}
	if err := s.bus.Tx(i2cAddr, addr, nil); err != nil {
		return err
	}
	return s.bus.Tx(i2cAddr, nil, buf)
}

// pageSize is the 24LC256's write-page size; writes spanning a page
// boundary must be split, or the chip wraps and corrupts the page.
const pageSize = 64

func (s *machineStore) WriteAt(offset int, buf []byte) error {
	if offset < 0 || offset+len(buf) > s.size {
		return ErrOutOfRange
	}
	for written := 0; written < len(buf); {
		pageOffset := offset + written
		chunk := pageSize - pageOffset%pageSize
		if remaining := len(buf) - written; chunk > remaining {
			chunk = remaining
		}

		tx := make([]byte, 2+chunk)
		tx[0] = byte(pageOffset >> 8)
		tx[1] = byte(pageOffset)
		copy(tx[2:], buf[written:written+chunk])
		if err := s.bus.Tx(i2cAddr, tx, nil); err != nil {
			return err
		}

		written += chunk
		// 24LC256 internal write cycle time; polling ACK would be faster
		// but the write path isn't latency-critical.
		time.Sleep(5 * time.Millisecond)
		machine.Watchdog.Update()
	}
	return nil
}
