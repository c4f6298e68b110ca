package eeprom

import "errors"

var (
	ErrOutOfRange  = errors.New("eeprom: offset or size out of range")
	ErrCRCMismatch = errors.New("eeprom: crc32 mismatch, using defaults")
	ErrBadIndex    = errors.New("eeprom: profile index out of range")
)
