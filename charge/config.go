package charge

import "time"

// DecimalPlaces selects the display/scoring precision, carried from the
// source's DP_2/DP_3 enum.
type DecimalPlaces int

const (
	DP2 DecimalPlaces = iota
	DP3
)

// Config is the tunable, persisted portion of the charge-cycle state
// machine (§6.4 persistent tunables; eeprom-backed in production via the
// eeprom package). Hardware speed limits are physical constants, not
// user-tunable, and live alongside the persisted fields for convenience.
type Config struct {
	CoarseStopThreshold float64
	FineStopThreshold   float64

	SetPointSDMargin   float64
	SetPointMeanMargin float64

	DecimalPlaces DecimalPlaces

	PrechargeEnable   bool
	PrechargeTimeMs   uint32
	PrechargeSpeedRPS float64

	NormalChargeColor Color
	UnderChargeColor  Color
	OverChargeColor   Color
	NotReadyColor     Color

	CoarseHardwareLimits SpeedLimits
	FineHardwareLimits   SpeedLimits
}

// DefaultConfig mirrors the source's default_charge_mode_data.
func DefaultConfig() Config {
	return Config{
		CoarseStopThreshold: 5,
		FineStopThreshold:   0.03,
		SetPointSDMargin:    0.02,
		SetPointMeanMargin:  0.02,
		DecimalPlaces:       DP2,
		PrechargeEnable:     false,
		PrechargeTimeMs:     1000,
		PrechargeSpeedRPS:   2,
		NormalChargeColor:   Color{0, 255, 0},
		UnderChargeColor:    Color{255, 255, 0},
		OverChargeColor:     Color{255, 0, 0},
		NotReadyColor:       Color{0, 0, 255},
		CoarseHardwareLimits: SpeedLimits{Min: 0, Max: 100},
		FineHardwareLimits:   SpeedLimits{Min: 0, Max: 100},
	}
}

// precloseDelay is the fixed pause between gate close and precharge start
// (source: a 500ms vTaskDelay to let the servo finish moving).
const precloseDelay = 500 * time.Millisecond
