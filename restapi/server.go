// Package restapi serves the §6.3 HTTP API: firmware status/upload/
// download/activate/rollback/cancel, the self-tuning session's
// start/status/apply/cancel, and the charge-mode config/state endpoints,
// all as hand-parsed HTTP/1.1 over a plain TCP connection in the same
// style as the teacher's ota_server.go and console.go.
package restapi

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"sync"

	"opentrickler/firmware/charge"
	"opentrickler/firmware/eeprom"
	"opentrickler/firmware/ota"
	"opentrickler/firmware/profile"
	"opentrickler/firmware/tuning"
)

// DownloadStarter launches a C6 background download; restapi stays
// ignorant of the networking stack it runs over (the lneto/xnet stack
// lives in main, not here).
type DownloadStarter func(url string, expectedCRC32 uint32, versionHint string) error

// Server holds every dependency the §6.3 handlers need. It has no
// transport opinions of its own: ServeConn accepts anything satisfying
// io.ReadWriter, so the same Server instance serves a tcp.Conn on-device
// and a net.Conn (or net.Pipe) in tests.
type Server struct {
	Logger *slog.Logger

	Manager  *ota.Manager
	Metadata *ota.MetadataStore
	Upload   *ota.UploadSink
	Download DownloadStarter

	Tuning   *tuning.Session
	Profiles *profile.Table

	Charge  *charge.Controller
	EEPROM  *eeprom.EEPROM

	mu          sync.Mutex
	downloadErr string
}

func (s *Server) setDownloadErr(msg string) {
	s.mu.Lock()
	s.downloadErr = msg
	s.mu.Unlock()
}

func (s *Server) lastDownloadErr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloadErr
}

// ServeConn handles a single connection: parse one request, dispatch,
// write one response, then return so the caller can close the
// connection. Like ota_server.go and console.go, this API does not
// attempt HTTP keep-alive.
func (s *Server) ServeConn(conn io.ReadWriter) {
	br := bufio.NewReader(conn)
	req, err := parseRequest(br)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			writeError(conn, 400, "malformed request")
		}
		return
	}

	handler, ok := s.route(req.Method, req.Path)
	if !ok {
		writeError(conn, 404, "no such endpoint")
		return
	}

	if err := handler(s, conn, req); err != nil {
		if s.Logger != nil {
			s.Logger.Error("restapi:handler-error", slog.String("path", req.Path), slog.String("err", err.Error()))
		}
	}
}
