package restapi

import (
	"io"
	"strconv"

	"opentrickler/firmware/eeprom"
	"opentrickler/firmware/tuning"
)

func handleTuningStart(s *Server, conn io.ReadWriter, req *request) error {
	idxStr, ok := req.Query["profile_idx"]
	if !ok {
		return writeError(conn, 400, "missing profile_idx parameter")
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		return writeError(conn, 400, "invalid profile_idx")
	}

	prof, err := s.Profiles.Select(idx)
	if err != nil {
		if err == eeprom.ErrBadIndex {
			return writeError(conn, 400, "profile_idx out of range")
		}
		return writeError(conn, 500, err.Error())
	}
	if !prof.AITuningEnabled() {
		return writeError(conn, 409, "profile does not have ai_tuning_enabled")
	}

	if err := s.Tuning.Start(prof.ForTuning()); err != nil {
		return writeError(conn, 409, err.Error())
	}
	return writeJSON(conn, 200, writeTuningStatus(s))
}

func writeTuningStatus(s *Server) []byte {
	cfg := s.Tuning.Config()
	w := newJSONWriter()
	w.byte('{')
	w.key("phase").str(s.Tuning.Phase().String()).byte(',')
	w.key("drops_completed").int(s.Tuning.DropsCompleted()).byte(',')
	w.key("total_drops_target").int(cfg.TotalDropsTarget).byte(',')
	w.key("max_drops_allowed").int(cfg.MaxDropsAllowed).byte(',')

	progress := 0.0
	if cfg.TotalDropsTarget > 0 {
		progress = 100 * float64(s.Tuning.DropsCompleted()) / float64(cfg.TotalDropsTarget)
		if progress > 100 {
			progress = 100
		}
	}
	w.key("progress_percent").float(progress).byte(',')

	if s.Tuning.Active() {
		coarseKp, coarseKd, fineKp, fineKd := s.Tuning.NextParams()
		w.key("current_gains").byte('{')
		w.key("coarse_kp").float(coarseKp).byte(',')
		w.key("coarse_kd").float(coarseKd).byte(',')
		w.key("fine_kp").float(fineKp).byte(',')
		w.key("fine_kd").float(fineKd)
		w.byte('}').byte(',')
	}

	if s.Tuning.Phase() == tuning.PhaseComplete {
		coarseKp, coarseKd, fineKp, fineKd := s.Tuning.Recommended()
		stats := s.Tuning.Stats()
		w.key("recommended_gains").byte('{')
		w.key("coarse_kp").float(coarseKp).byte(',')
		w.key("coarse_kd").float(coarseKd).byte(',')
		w.key("fine_kp").float(fineKp).byte(',')
		w.key("fine_kd").float(fineKd)
		w.byte('}').byte(',')
		w.key("statistics").byte('{')
		w.key("avg_overthrow").float(stats.AvgOverthrow).byte(',')
		w.key("avg_total_time_ms").float(stats.AvgTotalTimeMs).byte(',')
		w.key("consistency_score").float(stats.ConsistencyScore)
		w.byte('}').byte(',')
	}

	w.key("error_message").str(s.Tuning.ErrorMessage())
	w.byte('}')
	return w.bytes()
}

func handleTuningStatus(s *Server, conn io.ReadWriter, req *request) error {
	return writeJSON(conn, 200, writeTuningStatus(s))
}

func handleTuningApply(s *Server, conn io.ReadWriter, req *request) error {
	if err := s.Tuning.Apply(); err != nil {
		return writeError(conn, 409, err.Error())
	}
	return writeJSON(conn, 200, newJSONWriter().byte('{').key("applied").bool(true).byte('}').bytes())
}

func handleTuningCancel(s *Server, conn io.ReadWriter, req *request) error {
	s.Tuning.Cancel()
	return writeJSON(conn, 200, newJSONWriter().byte('{').key("cancelled").bool(true).byte('}').bytes())
}
