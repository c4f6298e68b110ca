package flash

import (
	"math/rand"
	"testing"
)

func TestCRC32KnownVectors(t *testing.T) {
	cases := []struct {
		in   string
		want uint32
	}{
		{"", 0x00000000},
		{"123456789", 0xCBF43926},
		{"a", 0xE8B7BE43},
	}
	for _, c := range cases {
		if got := CRC32([]byte(c.in)); got != c.want {
			t.Errorf("CRC32(%q) = 0x%08X, want 0x%08X", c.in, got, c.want)
		}
	}
}

func TestCRC32StreamingMatchesOneShot(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	buf := make([]byte, 10000)
	r.Read(buf)

	want := CRC32(buf)

	// Any partitioning of buf must produce the same streaming CRC.
	partitions := [][]int{
		{10000},
		{1, 9999},
		{5000, 5000},
		{1, 2, 3, 9994},
		{256, 256, 256, 9232},
	}
	for _, parts := range partitions {
		var ctx CRC32Context
		ctx.Begin()
		off := 0
		for _, n := range parts {
			ctx.Update(buf[off : off+n])
			off += n
		}
		if got := ctx.Finalize(); got != want {
			t.Errorf("partition %v: got 0x%08X, want 0x%08X", parts, got, want)
		}
	}
}

func TestCRC32ContextTotalBytes(t *testing.T) {
	var ctx CRC32Context
	ctx.Begin()
	ctx.Update(make([]byte, 37))
	ctx.Update(make([]byte, 5))
	if ctx.TotalBytes() != 42 {
		t.Errorf("TotalBytes() = %d, want 42", ctx.TotalBytes())
	}
}
