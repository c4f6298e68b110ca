//go:build tinygo

package flash

import "machine"

// machineRawFlash adapts TinyGo's machine.Flash to RawFlash. It is the
// production RawFlash used by the device firmware build; SimRawFlash covers
// host-side tests.
type machineRawFlash struct{}

// NewMachineRawFlash returns the RawFlash backed by the on-chip flash
// controller exposed by TinyGo's machine package.
func NewMachineRawFlash() RawFlash {
	return machineRawFlash{}
}

func (machineRawFlash) EraseSectorRaw(offset uint32) error {
	_, err := machine.Flash.EraseBlocks(int64(offset)/SectorSize, 1)
	return err
}

func (machineRawFlash) ProgramPageRaw(offset uint32, data []byte) error {
	_, err := machine.Flash.WriteAt(data, int64(offset))
	return err
}

func (machineRawFlash) ReadRaw(offset uint32, buf []byte) error {
	_, err := machine.Flash.ReadAt(buf, int64(offset))
	return err
}
