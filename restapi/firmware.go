package restapi

import (
	"io"
	"strconv"

	"opentrickler/firmware/ota"
)

// uploadChunkSize bounds how much of the request body handleUpload reads
// into RAM at once, the same on-demand streaming discipline
// ota_server.go's otaChunk buffer uses for the device-initiated push path.
const uploadChunkSize = 4096

func writeFirmwareStatus(s *Server) []byte {
	rec := s.Metadata.Current()
	received, total := s.Upload.Progress()

	w := newJSONWriter()
	w.byte('{')
	w.key("current_bank").str(rec.ActiveBank.String()).byte(',')
	w.key("bank_a")
	writeBankInfo(w, rec.BankA)
	w.byte(',')
	w.key("bank_b")
	writeBankInfo(w, rec.BankB)
	w.byte(',')
	w.key("update_status").byte('{')
	w.key("state").str(s.Upload.State().String()).byte(',')
	w.key("progress")
	if total > 0 {
		w.float(100 * float64(received) / float64(total))
	} else {
		w.int(0)
	}
	w.byte(',')
	w.key("target_bank").str(s.Manager.Target().String()).byte(',')
	w.key("bytes_received").uint32(received).byte(',')
	w.key("total_bytes").uint32(total).byte(',')
	w.key("error").str(s.currentErrorMessage())
	w.byte('}').byte(',')
	w.key("rollback_occurred").bool(rec.RollbackOccurred)
	w.byte('}')
	return w.bytes()
}

func writeBankInfo(w *jsonWriter, b ota.BankInfo) {
	w.byte('{')
	w.key("valid").bool(b.Valid).byte(',')
	w.key("size").uint32(b.Size).byte(',')
	w.key("crc32").uint32(b.CRC32).byte(',')
	w.key("version").str(b.VersionString).byte(',')
	w.key("boot_count").int(int(b.BootCount))
	w.byte('}')
}

// currentErrorMessage prefers a live download error over the manager's own
// (a download failure unwinds the manager back to idle via sink.Cancel,
// so the manager alone would otherwise go silent about why).
func (s *Server) currentErrorMessage() string {
	if msg := s.lastDownloadErr(); msg != "" {
		return msg
	}
	return s.Manager.Error()
}

func handleFirmwareStatus(s *Server, conn io.ReadWriter, req *request) error {
	return writeJSON(conn, 200, writeFirmwareStatus(s))
}

func handleUpload(s *Server, conn io.ReadWriter, req *request) error {
	sizeHdr, ok := req.header("X-Firmware-Size")
	if !ok {
		sizeHdr, ok = "", false
		if n, clOK := req.contentLength(); clOK {
			sizeHdr, ok = strconv.Itoa(n), true
		}
	}
	if !ok {
		return writeError(conn, 400, "missing X-Firmware-Size or Content-Length")
	}
	size, err := strconv.ParseUint(sizeHdr, 10, 32)
	if err != nil {
		return writeError(conn, 400, "invalid firmware size")
	}

	crcHex, ok := req.header("X-Firmware-CRC32")
	if !ok {
		return writeError(conn, 400, "missing X-Firmware-CRC32")
	}
	crc, err := strconv.ParseUint(crcHex, 16, 32)
	if err != nil {
		return writeError(conn, 400, "invalid X-Firmware-CRC32")
	}

	version, _ := req.header("X-Firmware-Version")

	if err := s.Upload.Begin(uint32(size), version); err != nil {
		return writeError(conn, 409, err.Error())
	}

	remaining := int(size)
	buf := make([]byte, uploadChunkSize)
	for remaining > 0 {
		n := uploadChunkSize
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(req.Body, buf[:n]); err != nil {
			s.Upload.Cancel()
			return writeError(conn, 400, "short read of firmware body")
		}
		if err := s.Upload.Feed(buf[:n]); err != nil {
			s.Upload.Cancel()
			return writeError(conn, 500, err.Error())
		}
		remaining -= n
	}

	if err := s.Upload.End(uint32(crc)); err != nil {
		return writeError(conn, 500, err.Error())
	}
	return writeJSON(conn, 200, writeFirmwareStatus(s))
}

func handleFirmwareDownload(s *Server, conn io.ReadWriter, req *request) error {
	url, ok := req.Query["url"]
	if !ok || url == "" {
		return writeError(conn, 400, "missing url parameter")
	}
	var crc uint64
	if hex, ok := req.Query["crc32"]; ok && hex != "" {
		var err error
		crc, err = strconv.ParseUint(hex, 16, 32)
		if err != nil {
			return writeError(conn, 400, "invalid crc32 parameter")
		}
	}
	version := req.Query["version"]

	s.setDownloadErr("")
	go func() {
		if err := s.Download(url, uint32(crc), version); err != nil {
			s.setDownloadErr(err.Error())
		}
	}()

	return writeJSON(conn, 200, newJSONWriter().byte('{').key("started").bool(true).byte('}').bytes())
}

// handleFirmwareActivate and handleFirmwareRollback both refuse while a
// charge cycle is running. Each switches the active bank in metadata and
// replies; neither resets the device, so the switch takes effect at the
// next reset.

func handleFirmwareActivate(s *Server, conn io.ReadWriter, req *request) error {
	if s.Charge.Running() {
		return writeError(conn, 409, "charge cycle is running, cannot activate")
	}
	if err := s.Manager.ActivateAndReboot(); err != nil {
		return writeError(conn, 409, err.Error())
	}
	return writeJSON(conn, 200, newJSONWriter().byte('{').key("activated").bool(true).byte('}').bytes())
}

func handleFirmwareRollback(s *Server, conn io.ReadWriter, req *request) error {
	if s.Charge.Running() {
		return writeError(conn, 409, "charge cycle is running, cannot roll back")
	}
	if err := ota.RollbackAndReboot(s.Metadata); err != nil {
		return writeError(conn, 409, err.Error())
	}
	return writeJSON(conn, 200, newJSONWriter().byte('{').key("rolled_back").bool(true).byte('}').bytes())
}

func handleFirmwareCancel(s *Server, conn io.ReadWriter, req *request) error {
	if err := s.Upload.Cancel(); err != nil {
		return writeError(conn, 409, err.Error())
	}
	return writeJSON(conn, 200, newJSONWriter().byte('{').key("cancelled").bool(true).byte('}').bytes())
}
