package eeprom

import (
	"encoding/binary"
	"math"
)

// Record layout (spec §6.4): fixed, little-endian, packed field-by-field,
// same discipline as ota.Record (§9). Everything here is tunable at
// runtime by the host; none of it is touched by the OTA engine.
const (
	eepromMagic   = 0x54524B30 // "TRK0"
	eepromVersion = 1

	ProfileCount    = 8
	profileNameLen  = 16
	profileRecordSize = profileNameLen + 4*10 + 1 // name + 10 float32 gains/limits + enabled flag

	// chargeConfigSize: 4 float32 margins/thresholds + decimal_places(1) +
	// precharge_enable(1) + pad(2) + precharge_time_ms(4) +
	// precharge_speed_rps(4) + 4 colors * 3 bytes + pad(1).
	chargeConfigSize = 4*4 + 1 + 1 + 2 + 4 + 4 + 4*3 + 1

	// recordSize: magic + version + chargeConfig + 8*profile + crc32.
	recordSize = 4 + 4 + chargeConfigSize + ProfileCount*profileRecordSize + 4
)

func init() {
	if recordSize > 1<<16 {
		panic("eeprom: record exceeds addressable EEPROM size")
	}
}

// RGB is an on-disk LED color (§6.4).
type RGB struct {
	R, G, B uint8
}

// ChargeConfig is the on-disk form of the charge-mode tunables (§6.4).
type ChargeConfig struct {
	CoarseStopThreshold float32
	FineStopThreshold   float32
	SetPointSDMargin    float32
	SetPointMeanMargin  float32

	DecimalPlaces     uint8
	PrechargeEnable   bool
	PrechargeTimeMs   uint32
	PrechargeSpeedRPS float32

	NormalColor, UnderColor, OverColor, NotReadyColor RGB
}

// ProfileRecord is one of the 8 on-disk named gain/limit sets (§3.5).
type ProfileRecord struct {
	Name string // truncated to profileNameLen-1 bytes on write

	CoarseKp, CoarseKi, CoarseKd float32
	FineKp, FineKi, FineKd       float32

	CoarseSpeedMin, CoarseSpeedMax float32
	FineSpeedMin, FineSpeedMax     float32

	AITuningEnabled bool
}

// Record is the full in-memory mirror of the EEPROM contents.
type Record struct {
	Charge   ChargeConfig
	Profiles [ProfileCount]ProfileRecord
}

// DefaultRecord returns factory defaults, grounded on
// original_source/src/charge_mode.cpp's default_charge_mode_data.
func DefaultRecord() Record {
	var r Record
	r.Charge = ChargeConfig{
		CoarseStopThreshold: 5,
		FineStopThreshold:   0.03,
		SetPointSDMargin:    0.02,
		SetPointMeanMargin:  0.02,
		PrechargeEnable:     false,
		PrechargeTimeMs:     1000,
		PrechargeSpeedRPS:   2,
		NormalColor:         RGB{0, 255, 0},
		UnderColor:          RGB{255, 255, 0},
		OverColor:           RGB{255, 0, 0},
		NotReadyColor:       RGB{0, 0, 255},
	}
	for i := range r.Profiles {
		r.Profiles[i] = ProfileRecord{
			Name:            "default",
			CoarseKp:        0.5,
			CoarseKi:        0.01,
			CoarseKd:        0.1,
			FineKp:          0.3,
			FineKi:          0.005,
			FineKd:          0.05,
			CoarseSpeedMax:  100,
			FineSpeedMax:    50,
			AITuningEnabled: false,
		}
	}
	return r
}

func putFloat32(buf []byte, v float32) {
	binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
}

func getFloat32(buf []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(buf))
}

func putBool(buf []byte, v bool) {
	if v {
		buf[0] = 1
	} else {
		buf[0] = 0
	}
}

func putString(buf []byte, s string, n int) {
	for i := 0; i < n; i++ {
		buf[i] = 0
	}
	copy(buf[:n-1], s)
}

func getString(buf []byte) string {
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	return string(buf[:n])
}

func (c ChargeConfig) marshal(buf []byte) {
	putFloat32(buf[0:4], c.CoarseStopThreshold)
	putFloat32(buf[4:8], c.FineStopThreshold)
	putFloat32(buf[8:12], c.SetPointSDMargin)
	putFloat32(buf[12:16], c.SetPointMeanMargin)
	buf[16] = c.DecimalPlaces
	putBool(buf[17:18], c.PrechargeEnable)
	binary.LittleEndian.PutUint32(buf[20:24], c.PrechargeTimeMs)
	putFloat32(buf[24:28], c.PrechargeSpeedRPS)
	buf[28], buf[29], buf[30] = c.NormalColor.R, c.NormalColor.G, c.NormalColor.B
	buf[31], buf[32], buf[33] = c.UnderColor.R, c.UnderColor.G, c.UnderColor.B
	buf[34], buf[35], buf[36] = c.OverColor.R, c.OverColor.G, c.OverColor.B
	buf[37], buf[38], buf[39] = c.NotReadyColor.R, c.NotReadyColor.G, c.NotReadyColor.B
}

func unmarshalChargeConfig(buf []byte) ChargeConfig {
	var c ChargeConfig
	c.CoarseStopThreshold = getFloat32(buf[0:4])
	c.FineStopThreshold = getFloat32(buf[4:8])
	c.SetPointSDMargin = getFloat32(buf[8:12])
	c.SetPointMeanMargin = getFloat32(buf[12:16])
	c.DecimalPlaces = buf[16]
	c.PrechargeEnable = buf[17] != 0
	c.PrechargeTimeMs = binary.LittleEndian.Uint32(buf[20:24])
	c.PrechargeSpeedRPS = getFloat32(buf[24:28])
	c.NormalColor = RGB{buf[28], buf[29], buf[30]}
	c.UnderColor = RGB{buf[31], buf[32], buf[33]}
	c.OverColor = RGB{buf[34], buf[35], buf[36]}
	c.NotReadyColor = RGB{buf[37], buf[38], buf[39]}
	return c
}

func (p ProfileRecord) marshal(buf []byte) {
	putString(buf[0:profileNameLen], p.Name, profileNameLen)
	off := profileNameLen
	putFloat32(buf[off:off+4], p.CoarseKp)
	putFloat32(buf[off+4:off+8], p.CoarseKi)
	putFloat32(buf[off+8:off+12], p.CoarseKd)
	putFloat32(buf[off+12:off+16], p.FineKp)
	putFloat32(buf[off+16:off+20], p.FineKi)
	putFloat32(buf[off+20:off+24], p.FineKd)
	putFloat32(buf[off+24:off+28], p.CoarseSpeedMin)
	putFloat32(buf[off+28:off+32], p.CoarseSpeedMax)
	putFloat32(buf[off+32:off+36], p.FineSpeedMin)
	putFloat32(buf[off+36:off+40], p.FineSpeedMax)
	putBool(buf[off+40:off+41], p.AITuningEnabled)
}

func unmarshalProfileRecord(buf []byte) ProfileRecord {
	var p ProfileRecord
	p.Name = getString(buf[0:profileNameLen])
	off := profileNameLen
	p.CoarseKp = getFloat32(buf[off : off+4])
	p.CoarseKi = getFloat32(buf[off+4 : off+8])
	p.CoarseKd = getFloat32(buf[off+8 : off+12])
	p.FineKp = getFloat32(buf[off+12 : off+16])
	p.FineKi = getFloat32(buf[off+16 : off+20])
	p.FineKd = getFloat32(buf[off+20 : off+24])
	p.CoarseSpeedMin = getFloat32(buf[off+24 : off+28])
	p.CoarseSpeedMax = getFloat32(buf[off+28 : off+32])
	p.FineSpeedMin = getFloat32(buf[off+32 : off+36])
	p.FineSpeedMax = getFloat32(buf[off+36 : off+40])
	p.AITuningEnabled = buf[off+40] != 0
	return p
}
