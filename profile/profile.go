// Package profile exposes the §3.5 named gain/limit sets backed by the
// eeprom package's on-disk profile table, implementing the capability
// interfaces charge and tuning read gains through.
package profile

import (
	"fmt"

	"opentrickler/firmware/charge"
	"opentrickler/firmware/eeprom"
)

// Profile wraps one eeprom.ProfileRecord slot. It satisfies
// charge.ProfileSource directly and tuning.ProfileGains through ForTuning,
// so neither package needs to import this one's concrete type.
type Profile struct {
	table *Table
	index int
}

func (p *Profile) record() eeprom.ProfileRecord { return p.table.store.Current().Profiles[p.index] }

// Name returns the profile's display name.
func (p *Profile) Name() string { return p.record().Name }

// CoarseGains implements charge.ProfileSource.
func (p *Profile) CoarseGains() charge.Gains {
	r := p.record()
	return charge.Gains{Kp: float64(r.CoarseKp), Ki: float64(r.CoarseKi), Kd: float64(r.CoarseKd)}
}

// FineGains implements charge.ProfileSource.
func (p *Profile) FineGains() charge.Gains {
	r := p.record()
	return charge.Gains{Kp: float64(r.FineKp), Ki: float64(r.FineKi), Kd: float64(r.FineKd)}
}

// CoarseSpeedLimits implements charge.ProfileSource.
func (p *Profile) CoarseSpeedLimits() charge.SpeedLimits {
	r := p.record()
	return charge.SpeedLimits{Min: float64(r.CoarseSpeedMin), Max: float64(r.CoarseSpeedMax)}
}

// FineSpeedLimits implements charge.ProfileSource.
func (p *Profile) FineSpeedLimits() charge.SpeedLimits {
	r := p.record()
	return charge.SpeedLimits{Min: float64(r.FineSpeedMin), Max: float64(r.FineSpeedMax)}
}

// AITuningEnabled implements charge.ProfileSource.
func (p *Profile) AITuningEnabled() bool { return p.record().AITuningEnabled }

func (p *Profile) coarseGainsKpKd() (float64, float64) {
	r := p.record()
	return float64(r.CoarseKp), float64(r.CoarseKd)
}

func (p *Profile) fineGainsKpKd() (float64, float64) {
	r := p.record()
	return float64(r.FineKp), float64(r.FineKd)
}

// ForTuning returns an adapter satisfying tuning.ProfileGains, whose
// CoarseGains/FineGains return (kp, kd float64) rather than the
// charge.Gains struct Profile itself returns for charge.ProfileSource —
// two interfaces, same underlying data, different shapes.
func (p *Profile) ForTuning() *tuningAdapter { return &tuningAdapter{p} }

type tuningAdapter struct{ p *Profile }

func (a *tuningAdapter) Name() string                   { return a.p.Name() }
func (a *tuningAdapter) CoarseGains() (float64, float64) { return a.p.coarseGainsKpKd() }
func (a *tuningAdapter) FineGains() (float64, float64)   { return a.p.fineGainsKpKd() }
func (a *tuningAdapter) SetCoarseGains(kp, kd float64)   { a.p.setCoarseGains(kp, kd) }
func (a *tuningAdapter) SetFineGains(kp, kd float64)     { a.p.setFineGains(kp, kd) }

func (p *Profile) setCoarseGains(kp, kd float64) {
	p.table.mutate(p.index, func(r *eeprom.ProfileRecord) {
		r.CoarseKp, r.CoarseKd = float32(kp), float32(kd)
	})
}

func (p *Profile) setFineGains(kp, kd float64) {
	p.table.mutate(p.index, func(r *eeprom.ProfileRecord) {
		r.FineKp, r.FineKd = float32(kp), float32(kd)
	})
}

// Table owns the 8-slot profile store (§6.4), backed by an *eeprom.EEPROM.
type Table struct {
	store *eeprom.EEPROM
}

// NewTable wraps store without reading it; call store.Read first.
func NewTable(store *eeprom.EEPROM) *Table {
	return &Table{store: store}
}

// Select returns a handle on profile idx (0..7), or ErrBadIndex.
func (t *Table) Select(idx int) (*Profile, error) {
	if idx < 0 || idx >= eeprom.ProfileCount {
		return nil, eeprom.ErrBadIndex
	}
	return &Profile{table: t, index: idx}, nil
}

// Names returns the display name of all 8 profiles, for listing.
func (t *Table) Names() [eeprom.ProfileCount]string {
	var names [eeprom.ProfileCount]string
	rec := t.store.Current()
	for i, p := range rec.Profiles {
		names[i] = p.Name
	}
	return names
}

func (t *Table) mutate(idx int, fn func(*eeprom.ProfileRecord)) {
	rec := t.store.Current()
	fn(&rec.Profiles[idx])
	if err := t.store.Write(rec); err != nil {
		// EEPROM write failure here is a hardware fault already surfaced
		// by the prior successful Read/Write pair; callers that care
		// about persistence failures call Table.Save and check its error.
		_ = err
	}
}

// Save forces the table's current in-memory state back to the store,
// surfacing any write error (mutate swallows it to keep the
// ProfileGains/ProfileSource interfaces error-free per §9).
func (t *Table) Save() error {
	return t.store.Write(t.store.Current())
}

// SetName validates and sets a profile's display name.
func (p *Profile) SetName(name string) error {
	if name == "" {
		return fmt.Errorf("profile: name must not be empty")
	}
	p.table.mutate(p.index, func(r *eeprom.ProfileRecord) { r.Name = name })
	return nil
}
