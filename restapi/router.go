package restapi

import "io"

// handlerFunc implements one §6.3 endpoint. It writes its own response
// (success or error) and only returns an error for the access log; the
// connection is always considered handled once a handlerFunc returns.
type handlerFunc func(s *Server, conn io.ReadWriter, req *request) error

type route struct {
	method, path string
	handler      handlerFunc
}

var routes = []route{
	{"GET", "/rest/firmware_status", handleFirmwareStatus},
	{"POST", "/upload", handleUpload},
	{"GET", "/rest/firmware_download", handleFirmwareDownload},
	{"POST", "/rest/firmware_activate", handleFirmwareActivate},
	{"POST", "/rest/firmware_rollback", handleFirmwareRollback},
	{"POST", "/rest/firmware_cancel", handleFirmwareCancel},

	{"POST", "/rest/ai_tuning_start", handleTuningStart},
	{"GET", "/rest/ai_tuning_status", handleTuningStatus},
	{"POST", "/rest/ai_tuning_apply", handleTuningApply},
	{"POST", "/rest/ai_tuning_cancel", handleTuningCancel},

	{"GET", "/rest/charge_mode_config", handleChargeModeConfigGet},
	{"POST", "/rest/charge_mode_config", handleChargeModeConfigSet},
	{"GET", "/rest/charge_mode_state", handleChargeModeState},
	{"POST", "/rest/charge_mode_state", handleChargeModeState},
}

func (s *Server) route(method, path string) (handlerFunc, bool) {
	for _, r := range routes {
		if r.method == method && r.path == path {
			return r.handler, true
		}
	}
	return nil, false
}
