package restapi

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"opentrickler/firmware/charge"
	"opentrickler/firmware/eeprom"
)

// writeChargeModeConfig renders the persisted charge-mode tunables, the
// Go-idiomatic counterpart of charge_mode.cpp's http_rest_charge_mode_config
// response (descriptive field names instead of c1..c12 codes).
func writeChargeModeConfig(s *Server) []byte {
	c := s.EEPROM.Current().Charge

	w := newJSONWriter()
	w.byte('{')
	w.key("normal_charge_color").hex6(rgbToUint32(c.NormalColor)).byte(',')
	w.key("under_charge_color").hex6(rgbToUint32(c.UnderColor)).byte(',')
	w.key("over_charge_color").hex6(rgbToUint32(c.OverColor)).byte(',')
	w.key("not_ready_color").hex6(rgbToUint32(c.NotReadyColor)).byte(',')
	w.key("coarse_stop_threshold").float(float64(c.CoarseStopThreshold)).byte(',')
	w.key("fine_stop_threshold").float(float64(c.FineStopThreshold)).byte(',')
	w.key("set_point_sd_margin").float(float64(c.SetPointSDMargin)).byte(',')
	w.key("set_point_mean_margin").float(float64(c.SetPointMeanMargin)).byte(',')
	w.key("decimal_places").int(int(c.DecimalPlaces)).byte(',')
	w.key("precharge_enable").bool(c.PrechargeEnable).byte(',')
	w.key("precharge_time_ms").uint32(c.PrechargeTimeMs).byte(',')
	w.key("precharge_speed_rps").float(float64(c.PrechargeSpeedRPS))
	w.byte('}')
	return w.bytes()
}

func rgbToUint32(c eeprom.RGB) uint32 {
	return uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B)
}

func handleChargeModeConfigGet(s *Server, conn io.ReadWriter, req *request) error {
	return writeJSON(conn, 200, writeChargeModeConfig(s))
}

func handleChargeModeConfigSet(s *Server, conn io.ReadWriter, req *request) error {
	rec := s.EEPROM.Current()
	c := &rec.Charge

	if v, ok := req.Query["coarse_stop_threshold"]; ok {
		f, err := parsePositiveFloat(v)
		if err != nil {
			return writeError(conn, 400, "coarse_stop_threshold: "+err.Error())
		}
		c.CoarseStopThreshold = float32(f)
	}
	if v, ok := req.Query["fine_stop_threshold"]; ok {
		f, err := parsePositiveFloat(v)
		if err != nil {
			return writeError(conn, 400, "fine_stop_threshold: "+err.Error())
		}
		c.FineStopThreshold = float32(f)
	}
	if v, ok := req.Query["set_point_sd_margin"]; ok {
		f, err := parsePositiveFloat(v)
		if err != nil {
			return writeError(conn, 400, "set_point_sd_margin: "+err.Error())
		}
		c.SetPointSDMargin = float32(f)
	}
	if v, ok := req.Query["set_point_mean_margin"]; ok {
		f, err := parsePositiveFloat(v)
		if err != nil {
			return writeError(conn, 400, "set_point_mean_margin: "+err.Error())
		}
		c.SetPointMeanMargin = float32(f)
	}
	if v, ok := req.Query["decimal_places"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || (n != 0 && n != 1) {
			return writeError(conn, 400, "decimal_places must be 0 or 1")
		}
		c.DecimalPlaces = uint8(n)
	}
	if v, ok := req.Query["precharge_enable"]; ok {
		c.PrechargeEnable = v == "true" || v == "1"
	}
	if v, ok := req.Query["precharge_time_ms"]; ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || n > 60000 {
			return writeError(conn, 400, "precharge_time_ms out of range")
		}
		c.PrechargeTimeMs = uint32(n)
	}
	if v, ok := req.Query["precharge_speed_rps"]; ok {
		f, err := parsePositiveFloat(v)
		if err != nil || f > 100 {
			return writeError(conn, 400, "precharge_speed_rps out of range")
		}
		c.PrechargeSpeedRPS = float32(f)
	}

	if err := s.EEPROM.Write(rec); err != nil {
		return writeError(conn, 500, err.Error())
	}
	return writeJSON(conn, 200, writeChargeModeConfig(s))
}

func parsePositiveFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, fmt.Errorf("must be non-negative")
	}
	return f, nil
}

func writeChargeModeState(s *Server) []byte {
	w := newJSONWriter()
	w.byte('{')

	weight, ok := s.Charge.CurrentWeight(100 * time.Millisecond)
	w.key("current_weight")
	if ok {
		w.float(weight)
	} else {
		w.str("nan")
	}
	w.byte(',')

	w.key("phase").str(s.Charge.Phase().String()).byte(',')
	w.key("running").bool(s.Charge.Running()).byte(',')
	w.key("profile_name").str(s.Charge.ProfileName()).byte(',')
	w.key("elapsed_seconds").float(s.Charge.Elapsed().Seconds())
	w.byte('}')
	return w.bytes()
}

func handleChargeModeState(s *Server, conn io.ReadWriter, req *request) error {
	if req.Method == "POST" {
		if v, ok := req.Query["target_weight"]; ok {
			target, err := strconv.ParseFloat(v, 64)
			if err != nil || target < 0 {
				return writeError(conn, 400, "invalid target_weight")
			}
			if err := s.Charge.Start(target); err != nil && err != charge.ErrAlreadyRunning {
				return writeError(conn, 409, err.Error())
			}
		}
		if v, ok := req.Query["state"]; ok && v == "exit" {
			if err := s.Charge.Stop(); err != nil && err != charge.ErrNotRunning {
				return writeError(conn, 409, err.Error())
			}
		}
	}
	return writeJSON(conn, 200, writeChargeModeState(s))
}
