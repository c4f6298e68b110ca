//go:build tinygo

package main

import (
	"sync"

	"opentrickler/firmware/charge"
	"opentrickler/firmware/drop"
	"opentrickler/firmware/eeprom"
)

// chargeConfigFromEEPROM builds the in-memory charge.Config the state
// machine runs with from the persisted §6.4 record, keeping the hardware
// speed-limit constants from charge.DefaultConfig (those aren't operator
// tunables).
func chargeConfigFromEEPROM(ee *eeprom.EEPROM) charge.Config {
	c := ee.Current().Charge
	cfg := charge.DefaultConfig()
	cfg.CoarseStopThreshold = float64(c.CoarseStopThreshold)
	cfg.FineStopThreshold = float64(c.FineStopThreshold)
	cfg.SetPointSDMargin = float64(c.SetPointSDMargin)
	cfg.SetPointMeanMargin = float64(c.SetPointMeanMargin)
	cfg.DecimalPlaces = charge.DecimalPlaces(c.DecimalPlaces)
	cfg.PrechargeEnable = c.PrechargeEnable
	cfg.PrechargeTimeMs = c.PrechargeTimeMs
	cfg.PrechargeSpeedRPS = float64(c.PrechargeSpeedRPS)
	cfg.NormalChargeColor = charge.Color(c.NormalColor)
	cfg.UnderChargeColor = charge.Color(c.UnderColor)
	cfg.OverChargeColor = charge.Color(c.OverColor)
	cfg.NotReadyColor = charge.Color(c.NotReadyColor)
	return cfg
}

// pendingDrop holds the most recently completed drop until the idle loop
// picks it up for fleet publishing. One slot is enough: the charge cycle
// produces drops far slower than the idle loop drains them.
var (
	pendingDropMu  sync.Mutex
	pendingDrop    drop.Record
	pendingDropSeq uint32
	havePending    bool
)

// dropRecorder implements charge.Recorder: it scores the outcome,
// forwards it to a tuning session if one is active, and latches it for
// the idle loop to publish.
type dropRecorder struct {
	ee *eeprom.EEPROM
}

func (r dropRecorder) RecordDrop(outcome charge.DropOutcome) {
	pendingDropMu.Lock()
	pendingDropSeq++
	rec := drop.FromOutcome(pendingDropSeq, outcome)
	drop.ScoreAndSet(&rec, drop.DefaultScoreConfig())
	pendingDrop = rec
	havePending = true
	pendingDropMu.Unlock()
}

// drainPendingDrop returns and clears the latched drop record, if any.
func drainPendingDrop() (drop.Record, bool) {
	pendingDropMu.Lock()
	defer pendingDropMu.Unlock()
	if !havePending {
		return drop.Record{}, false
	}
	havePending = false
	return pendingDrop, true
}
