// Package flash provides the CRC32 engine and flash device abstraction
// shared by the metadata store and firmware manager.
package flash

// Reflected IEEE CRC-32: polynomial 0xEDB88320, init 0xFFFFFFFF, final XOR
// 0xFFFFFFFF. Bit-identical to zlib/PNG/Ethernet CRC32.
const (
	polynomial = 0xEDB88320
	initial    = 0xFFFFFFFF
	finalXOR   = 0xFFFFFFFF
)

var crcTable [256]uint32

func init() {
	for i := 0; i < 256; i++ {
		crc := uint32(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ polynomial
			} else {
				crc >>= 1
			}
		}
		crcTable[i] = crc
	}
}

// CRC32 computes the one-shot CRC32 of data.
func CRC32(data []byte) uint32 {
	var ctx CRC32Context
	ctx.Begin()
	ctx.Update(data)
	return ctx.Finalize()
}

// CRC32Context is an incremental CRC32 calculator, mandatory for images
// that exceed usable RAM (firmware banks are hundreds of KiB).
type CRC32Context struct {
	crc   uint32
	total uint32
}

// Begin resets the context to the initial CRC32 state.
func (c *CRC32Context) Begin() {
	c.crc = initial
	c.total = 0
}

// Update folds len(data) additional bytes into the running CRC.
// The result after N calls to Update is identical to CRC32 of the
// concatenation of every data slice passed so far, for any partitioning.
func (c *CRC32Context) Update(data []byte) {
	crc := c.crc
	for _, b := range data {
		crc = crcTable[byte(crc)^b] ^ (crc >> 8)
	}
	c.crc = crc
	c.total += uint32(len(data))
}

// Current returns the CRC32 of the bytes folded in so far, with the final
// XOR applied, and leaves the context open for further Update calls.
func (c *CRC32Context) Current() uint32 {
	return c.crc ^ finalXOR
}

// Finalize applies the final XOR and returns the completed CRC32.
// The context must not be reused after Finalize without calling Begin.
func (c *CRC32Context) Finalize() uint32 {
	return c.crc ^ finalXOR
}

// TotalBytes returns the number of bytes folded into the context so far.
func (c *CRC32Context) TotalBytes() uint32 {
	return c.total
}
