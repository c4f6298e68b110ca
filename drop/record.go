// Package drop holds the per-cycle telemetry record (C10) produced at the
// end of every dispense, and the scoring function the tuning session uses
// to rank them.
package drop

import "opentrickler/firmware/charge"

// Record is one completed dispense, immutable once produced (§3.4).
type Record struct {
	Sequence uint32

	CoarseTimeMs float64
	FineTimeMs   float64
	TotalTimeMs  float64

	FinalWeight  float64
	TargetWeight float64

	Overthrow        float64
	OverthrowPercent float64

	CoarseKpUsed, CoarseKdUsed float64
	FineKpUsed, FineKdUsed     float64

	OverallScore float64
}

// FromOutcome builds an unscored Record from a charge.DropOutcome,
// tagging it with the cycle sequence number. Call ScoreAndSet to fill in
// OverallScore before handing the record to a tuning session.
func FromOutcome(sequence uint32, o charge.DropOutcome) Record {
	return Record{
		Sequence:         sequence,
		CoarseTimeMs:     o.CoarseTimeMs,
		FineTimeMs:       o.FineTimeMs,
		TotalTimeMs:      o.TotalTimeMs,
		FinalWeight:      o.FinalWeight,
		TargetWeight:     o.TargetWeight,
		Overthrow:        o.Overthrow,
		OverthrowPercent: o.OverthrowPercent,
		CoarseKpUsed:     o.CoarseKpUsed,
		CoarseKdUsed:     o.CoarseKdUsed,
		FineKpUsed:       o.FineKpUsed,
		FineKdUsed:       o.FineKdUsed,
	}
}
