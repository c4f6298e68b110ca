// Package tuning implements the two-phase self-tuning optimizer (C9):
// a best-score hill climb over coarse gains, then fine gains, driven by
// per-cycle telemetry from the drop package.
package tuning

import (
	"fmt"
	"math"

	"opentrickler/firmware/drop"
)

// Phase is the tuning session's lifecycle state (§3.3).
type Phase int

const (
	PhaseIdle Phase = iota
	Phase1Coarse
	Phase2Fine
	PhaseComplete
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case Phase1Coarse:
		return "phase1_coarse"
	case Phase2Fine:
		return "phase2_fine"
	case PhaseComplete:
		return "complete"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// ProfileGains is the subset of a stored profile the tuner reads gains
// from and, on Apply, writes recommendations back to.
type ProfileGains interface {
	Name() string
	CoarseGains() (kp, kd float64)
	FineGains() (kp, kd float64)
	SetCoarseGains(kp, kd float64)
	SetFineGains(kp, kd float64)
}

// Config holds the session's scoring and convergence thresholds, carried
// over from the teacher domain's ai_tuning_config_t.
type Config struct {
	drop.ScoreConfig

	TargetCoarseTimeMs float64

	MinDropsPerPhase int
	MaxDropsPerPhase int
	MaxDropsAllowed  int
	TotalDropsTarget int // display only; termination is convergence-driven

	GainMin, GainMax float64
}

// DefaultConfig mirrors ai_tuning_init's defaults, plus the Open Question
// decisions binding total_drops_target=4 and max_drops_allowed=50.
func DefaultConfig() Config {
	return Config{
		ScoreConfig:        drop.DefaultScoreConfig(),
		TargetCoarseTimeMs: 10000,
		MinDropsPerPhase:   2,
		MaxDropsPerPhase:   5,
		MaxDropsAllowed:    50,
		TotalDropsTarget:   4,
		GainMin:            0,
		GainMax:            100,
	}
}

// Stats summarizes a completed session, computed once on phase2 -> complete.
type Stats struct {
	AvgOverthrow     float64
	AvgTotalTimeMs   float64
	ConsistencyScore float64
}

// Session is the C9 tuning state machine. One Session tunes one profile
// at a time; it is not safe for concurrent use without an external lock
// (the same rule the firmware manager follows; the metadata store, by
// contrast, locks internally).
type Session struct {
	cfg Config

	phase            Phase
	profile          ProfileGains
	phase2StartIndex int

	drops []drop.Record

	coarseBestScore float64
	coarseKpBest    float64
	coarseKdBest    float64
	coarseKpMax     float64
	coarseKdMax     float64

	fineBestScore float64
	fineKpBest    float64
	fineKdBest    float64
	fineKpMax     float64
	fineKdMax     float64

	recommendedCoarseKp, recommendedCoarseKd float64
	recommendedFineKp, recommendedFineKd     float64

	explorationFactor float64
	consecutiveGood   int
	kpDirection       float64

	stats        Stats
	errorMessage string
}

// NewSession constructs an idle session with the given config.
func NewSession(cfg Config) *Session {
	return &Session{cfg: cfg, phase: PhaseIdle}
}

// Phase reports the current lifecycle state.
func (s *Session) Phase() Phase { return s.phase }

// Config returns the session's scoring/convergence configuration, for
// status reporting (target/max drop counts are display-only per the
// Open Question decision above).
func (s *Session) Config() Config { return s.cfg }

// Active reports whether the session is mid-phase and should supply gains
// for the next cycle (§4.9's control-flow hook into C7).
func (s *Session) Active() bool {
	return s.phase == Phase1Coarse || s.phase == Phase2Fine
}

// DropsCompleted returns how many drops this session has recorded.
func (s *Session) DropsCompleted() int { return len(s.drops) }

// ErrorMessage reports the message recorded when the session entered
// PhaseError, the original's ai_tuning_session_t.error_message carried
// forward as a supplemented feature.
func (s *Session) ErrorMessage() string { return s.errorMessage }

// Stats returns the aggregate statistics computed at PhaseComplete; zero
// value before then.
func (s *Session) Stats() Stats { return s.stats }

// Start begins a new session against profile, seeding the search from its
// current gains (falling back to 0.1 when they're out of the valid
// [0.1, 100] starting range, matching the teacher's recommended
// baseline).
func (s *Session) Start(profile ProfileGains) error {
	if profile == nil {
		return fmt.Errorf("tuning: profile is required")
	}

	coarseKp, coarseKd := profile.CoarseGains()
	fineKp, fineKd := profile.FineGains()

	*s = Session{
		cfg:               s.cfg,
		phase:             Phase1Coarse,
		profile:           profile,
		coarseBestScore:   -1,
		fineBestScore:     -1,
		coarseKpBest:      startingGain(coarseKp),
		coarseKdBest:      startingGain(coarseKd),
		fineKpBest:        startingGain(fineKp),
		fineKdBest:        startingGain(fineKd),
		coarseKpMax:       s.cfg.GainMax,
		coarseKdMax:       s.cfg.GainMax,
		fineKpMax:         s.cfg.GainMax,
		fineKdMax:         s.cfg.GainMax,
		explorationFactor: 1.0,
		kpDirection:       1,
	}
	return nil
}

func startingGain(v float64) float64 {
	if v >= 0.1 && v <= 100 {
		return v
	}
	return 0.1
}

// Cancel abandons the session immediately, returning to idle.
func (s *Session) Cancel() {
	*s = Session{cfg: s.cfg, phase: PhaseIdle}
}

// NextParams returns the gains C8 should use for the next cycle: frozen
// fine gains from the profile during phase 1, frozen coarse
// recommendations during phase 2.
func (s *Session) NextParams() (coarseKp, coarseKd, fineKp, fineKd float64) {
	switch s.phase {
	case Phase1Coarse:
		fineKp, fineKd = s.profile.FineGains()
		return s.coarseKpBest, s.coarseKdBest, fineKp, fineKd
	case Phase2Fine:
		return s.recommendedCoarseKp, s.recommendedCoarseKd, s.fineKpBest, s.fineKdBest
	default:
		return 0, 0, 0, 0
	}
}

// RecordDrop scores r (filling in OverallScore) and folds it into the
// running search, advancing phases or completing the session as
// convergence dictates.
func (s *Session) RecordDrop(r drop.Record) error {
	if !s.Active() {
		return fmt.Errorf("tuning: no active session")
	}
	if len(s.drops) >= s.cfg.MaxDropsAllowed {
		return fmt.Errorf("tuning: already reached maximum %d drops", s.cfg.MaxDropsAllowed)
	}

	drop.ScoreAndSet(&r, s.cfg.ScoreConfig)
	s.drops = append(s.drops, r)

	if s.phase == Phase1Coarse {
		s.recordPhase1(r)
	} else {
		s.recordPhase2(r)
	}
	return nil
}

func (s *Session) recordPhase1(r drop.Record) {
	if r.OverallScore > s.coarseBestScore {
		s.coarseBestScore = r.OverallScore
		s.coarseKpBest = r.CoarseKpUsed
		s.coarseKdBest = r.CoarseKdUsed
	}

	phaseDrops := len(s.drops)
	s.stepPhase1(phaseDrops)

	good := streakGood(r, s.cfg.MaxOverthrowPercent, 75)
	converged := s.updateStreakAndCheck(good, phaseDrops, false)
	if phaseDrops >= s.cfg.MaxDropsPerPhase {
		converged = true
	}

	if converged {
		s.recommendedCoarseKp = s.coarseKpBest
		s.recommendedCoarseKd = s.coarseKdBest
		s.phase = Phase2Fine
		s.phase2StartIndex = len(s.drops)
		s.consecutiveGood = 0
	}
}

func (s *Session) recordPhase2(r drop.Record) {
	if r.OverallScore > s.fineBestScore {
		s.fineBestScore = r.OverallScore
		s.fineKpBest = r.FineKpUsed
		s.fineKdBest = r.FineKdUsed
	}

	phaseDrops := len(s.drops) - s.phase2StartIndex
	s.stepPhase2(phaseDrops)

	good := streakGood(r, s.cfg.MaxOverthrowPercent, 80)
	converged := s.updateStreakAndCheck(good, phaseDrops, true)
	if phaseDrops >= s.cfg.MaxDropsPerPhase || len(s.drops) >= s.cfg.MaxDropsAllowed {
		converged = true
	}

	if converged {
		s.finalize()
	}
}

func streakGood(r drop.Record, maxOverthrow, scoreFloor float64) bool {
	return math.Abs(r.OverthrowPercent) < maxOverthrow && r.OverallScore > scoreFloor
}

// updateStreakAndCheck runs the full §4.9 convergence test: it only
// evaluates once a phase has accumulated at least MinDropsPerPhase
// drops, same as the excellent/good+stable checks.
func (s *Session) updateStreakAndCheck(good bool, phaseDrops int, tighter bool) bool {
	if phaseDrops < s.cfg.MinDropsPerPhase {
		return false
	}

	if good {
		s.consecutiveGood++
	} else {
		s.consecutiveGood = 0
	}
	if s.consecutiveGood >= 2 {
		return true
	}

	start := len(s.drops) - phaseDrops
	return s.checkConvergence(s.drops[start:], tighter)
}

// checkConvergence examines the last two drops of a phase's slice (§4.9
// convergence test, "excellent" and "good+stable" branches; the streak
// branch is handled per-drop in updateStreakAndCheck).
func (s *Session) checkConvergence(phaseDrops []drop.Record, tighter bool) bool {
	n := len(phaseDrops)
	d1, d2 := phaseDrops[n-2], phaseDrops[n-1]

	excellentOverthrow, excellentScore := 3.0, 80.0
	if tighter {
		excellentOverthrow, excellentScore = 2.0, 85.0
	}
	if math.Abs(d1.OverthrowPercent) < excellentOverthrow && math.Abs(d2.OverthrowPercent) < excellentOverthrow &&
		d1.OverallScore > excellentScore && d2.OverallScore > excellentScore {
		return true
	}

	scoreChange := d2.OverallScore - d1.OverallScore
	goodStable := math.Abs(d1.OverthrowPercent) < s.cfg.MaxOverthrowPercent &&
		math.Abs(d2.OverthrowPercent) < s.cfg.MaxOverthrowPercent &&
		scoreChange >= -1
	return goodStable
}

// stepPhase1 adjusts coarse_kp_best/coarse_kd_best for the next drop
// following §4.9's phase-1 hill-climb rules.
func (s *Session) stepPhase1(phaseDrops int) {
	stepKp := 0.1 * (1 + s.explorationFactor)
	stepKd := 0.1 * (1 + 0.5*s.explorationFactor)
	last := s.drops[len(s.drops)-1]

	switch {
	case phaseDrops == 1:
		scale := 1.0
		if last.OverallScore < 70 {
			scale = 2.0
		}
		s.coarseKpBest += stepKp * scale
	case phaseDrops == 2:
		gradient := last.OverallScore - s.drops[len(s.drops)-2].OverallScore
		if last.OverallScore > 80 {
			s.explorationFactor = math.Max(0.05, s.explorationFactor*0.5)
		}
		switch {
		case gradient > 5:
			s.coarseKpBest += stepKp * s.kpDirection
		case math.Abs(last.OverthrowPercent) > s.cfg.MaxOverthrowPercent:
			s.coarseKpBest -= stepKp
			s.coarseKdBest += stepKd
		case math.Abs(last.OverthrowPercent) < 1:
			s.coarseKpBest += stepKp
		default:
			s.coarseKdBest += stepKd
		}
	default:
		prev := s.drops[len(s.drops)-2]
		if last.OverallScore < prev.OverallScore-2 {
			s.kpDirection = -s.kpDirection
			s.coarseKpBest += stepKp * s.kpDirection
			s.coarseKdBest += stepKd
			s.explorationFactor = math.Min(1.0, s.explorationFactor+0.1)
		} else {
			s.explorationFactor = math.Max(0.05, s.explorationFactor*0.9)
			switch {
			case math.Abs(last.OverthrowPercent) > s.cfg.MaxOverthrowPercent:
				s.coarseKdBest += stepKd
			case last.TotalTimeMs > s.cfg.TargetCoarseTimeMs:
				s.coarseKpBest += stepKp * s.kpDirection
			}
		}
	}

	if s.coarseKpBest >= s.coarseKpMax {
		s.coarseKpMax = math.Min(s.cfg.GainMax, s.coarseKpMax+1.0)
	}
	if s.coarseKdBest >= s.coarseKdMax {
		s.coarseKdMax = math.Min(s.cfg.GainMax, s.coarseKdMax+1.0)
	}
	s.coarseKpBest = clamp(s.coarseKpBest, s.cfg.GainMin, s.coarseKpMax)
	s.coarseKdBest = clamp(s.coarseKdBest, s.cfg.GainMin, s.coarseKdMax)
}

// stepPhase2 is phase 1's sibling with a halved base step and no frozen
// motor to avoid disturbing (§4.9: "smaller base step, tighter
// convergence thresholds").
func (s *Session) stepPhase2(phaseDrops int) {
	stepKp := 0.05 * (1 + s.explorationFactor)
	stepKd := 0.05 * (1 + 0.5*s.explorationFactor)
	last := s.drops[len(s.drops)-1]

	switch {
	case phaseDrops == 1:
		scale := 1.0
		if last.OverallScore < 70 {
			scale = 2.0
		}
		s.fineKpBest += stepKp * scale
	case phaseDrops == 2:
		gradient := last.OverallScore - s.drops[len(s.drops)-2].OverallScore
		if last.OverallScore > 85 {
			s.explorationFactor = math.Max(0.05, s.explorationFactor*0.5)
		}
		switch {
		case gradient > 5:
			s.fineKpBest += stepKp * s.kpDirection
		case math.Abs(last.OverthrowPercent) > s.cfg.MaxOverthrowPercent:
			s.fineKpBest -= stepKp
			s.fineKdBest += stepKd
		case math.Abs(last.OverthrowPercent) < 0.5:
			s.fineKpBest += stepKp
		default:
			s.fineKdBest += stepKd
		}
	default:
		prev := s.drops[len(s.drops)-2]
		if last.OverallScore < prev.OverallScore-2 {
			s.kpDirection = -s.kpDirection
			s.fineKpBest += stepKp * s.kpDirection
			s.fineKdBest += stepKd
			s.explorationFactor = math.Min(1.0, s.explorationFactor+0.1)
		} else {
			s.explorationFactor = math.Max(0.05, s.explorationFactor*0.9)
			switch {
			case math.Abs(last.OverthrowPercent) > s.cfg.MaxOverthrowPercent:
				s.fineKdBest += stepKd
			case last.FineTimeMs > s.cfg.TargetTotalTimeMs-s.cfg.TargetCoarseTimeMs:
				s.fineKpBest += stepKp * s.kpDirection
			}
		}
	}

	if s.fineKpBest >= s.fineKpMax {
		s.fineKpMax = math.Min(s.cfg.GainMax, s.fineKpMax+1.0)
	}
	if s.fineKdBest >= s.fineKdMax {
		s.fineKdMax = math.Min(s.cfg.GainMax, s.fineKdMax+1.0)
	}
	s.fineKpBest = clamp(s.fineKpBest, s.cfg.GainMin, s.fineKpMax)
	s.fineKdBest = clamp(s.fineKdBest, s.cfg.GainMin, s.fineKdMax)
}

// finalize computes aggregate statistics over every recorded drop (Open
// Question Decision #2: averaged over drops_completed, not
// total_drops_target) and transitions to PhaseComplete.
func (s *Session) finalize() {
	var totalOverthrow, totalTime, maxOverthrow float64
	minOverthrow := math.Inf(1)

	for _, d := range s.drops {
		mag := math.Abs(d.OverthrowPercent)
		totalOverthrow += mag
		totalTime += d.TotalTimeMs
		if mag > maxOverthrow {
			maxOverthrow = mag
		}
		if mag < minOverthrow {
			minOverthrow = mag
		}
	}

	n := float64(len(s.drops))
	avgOverthrow := totalOverthrow / n
	variance := (maxOverthrow - minOverthrow) / math.Max(avgOverthrow, 0.01)

	s.stats = Stats{
		AvgOverthrow:     avgOverthrow,
		AvgTotalTimeMs:   totalTime / n,
		ConsistencyScore: 100 * math.Max(0, 1-variance),
	}
	s.recommendedFineKp = s.fineKpBest
	s.recommendedFineKd = s.fineKdBest
	s.phase = PhaseComplete
}

// Recommended returns the finalized gains, valid once Phase() ==
// PhaseComplete.
func (s *Session) Recommended() (coarseKp, coarseKd, fineKp, fineKd float64) {
	return s.recommendedCoarseKp, s.recommendedCoarseKd, s.recommendedFineKp, s.recommendedFineKd
}

// Apply writes the recommended gains into the profile and returns the
// session to idle. Only valid at PhaseComplete (§4.9 Apply).
func (s *Session) Apply() error {
	if s.phase != PhaseComplete {
		return fmt.Errorf("tuning: session not complete")
	}
	s.profile.SetCoarseGains(s.recommendedCoarseKp, s.recommendedCoarseKd)
	s.profile.SetFineGains(s.recommendedFineKp, s.recommendedFineKd)
	*s = Session{cfg: s.cfg, phase: PhaseIdle}
	return nil
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
