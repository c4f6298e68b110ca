package drop

import "math"

// ScoreConfig parameterizes Score; callers (the tuning session, or a
// one-off quality check) own these thresholds.
type ScoreConfig struct {
	MaxOverthrowPercent float64
	TargetTotalTimeMs   float64

	WeightOverthrow float64
	WeightTime      float64
	WeightAccuracy  float64
}

// DefaultScoreConfig mirrors the teacher-domain defaults carried over from
// original_source/src/ai_tuning.c's ai_tuning_init.
func DefaultScoreConfig() ScoreConfig {
	return ScoreConfig{
		MaxOverthrowPercent: 6.67,
		TargetTotalTimeMs:   15000,
		WeightOverthrow:     10,
		WeightTime:          1,
		WeightAccuracy:      1,
	}
}

// Score computes the §4.10 weighted quality score for r and returns it;
// it does not mutate r. Each component score is clamped to [0, 100]
// before the weighted mean is taken.
func Score(r Record, cfg ScoreConfig) float64 {
	overthrowMagnitude := math.Abs(r.OverthrowPercent)
	overthrowScore := clampScore(100 * math.Max(0, 1-overthrowMagnitude/cfg.MaxOverthrowPercent))

	timeRatio := r.TotalTimeMs / cfg.TargetTotalTimeMs
	speedScore := clampScore(100 * math.Max(0, 2-timeRatio))

	var errorPercent float64
	if r.TargetWeight != 0 {
		errorPercent = 100 * math.Abs(r.FinalWeight-r.TargetWeight) / r.TargetWeight
	}
	accuracyScore := clampScore(100 * math.Max(0, 1-errorPercent))

	weightSum := cfg.WeightOverthrow + cfg.WeightTime + cfg.WeightAccuracy
	return (cfg.WeightOverthrow*overthrowScore + cfg.WeightTime*speedScore + cfg.WeightAccuracy*accuracyScore) / weightSum
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// ScoreAndSet computes r's OverallScore in place and returns it.
func ScoreAndSet(r *Record, cfg ScoreConfig) float64 {
	r.OverallScore = Score(*r, cfg)
	return r.OverallScore
}
