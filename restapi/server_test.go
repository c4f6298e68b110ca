package restapi

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"opentrickler/firmware/charge"
	"opentrickler/firmware/eeprom"
	"opentrickler/firmware/flash"
	"opentrickler/firmware/ota"
	"opentrickler/firmware/profile"
	"opentrickler/firmware/tuning"
)

type fakeScale struct{ weight float64 }

func (f *fakeScale) WaitForSample(timeout time.Duration) (float64, bool) { return f.weight, true }
func (f *fakeScale) ForceZero()                                         {}

type fakeMotor struct{}

func (fakeMotor) SetSpeed(float64) {}
func (fakeMotor) Enable(bool)      {}

type fakeGate struct{}

func (fakeGate) Present() bool { return false }
func (fakeGate) Open()          {}
func (fakeGate) Close()         {}

type fakeLED struct{}

func (fakeLED) SetColor(charge.Color) {}

type fakeButtons struct{}

func (fakeButtons) ResetPressed() bool   { return false }
func (fakeButtons) EncoderPressed() bool { return false }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	raw := flash.NewSimRawFlash()
	meta := ota.NewMetadataStore(raw)
	if _, err := meta.Read(flash.BankA); err != nil {
		t.Fatalf("metadata init: %v", err)
	}
	dev := flash.NewDevice(raw, nil)
	mgr := ota.NewManager(dev, meta)
	sink := ota.NewUploadSink(mgr)

	store := eeprom.NewEEPROM(eeprom.NewSimStore(1 << 16))
	if _, err := store.Read(); err != nil && err != eeprom.ErrCRCMismatch {
		t.Fatalf("eeprom read: %v", err)
	}
	table := profile.NewTable(store)

	drv := charge.Drivers{
		Scale: &fakeScale{weight: 12.3}, Coarse: fakeMotor{}, Fine: fakeMotor{},
		Gate: fakeGate{}, LED: fakeLED{}, Buttons: fakeButtons{},
	}
	prof, err := table.Select(0)
	if err != nil {
		t.Fatalf("select profile: %v", err)
	}
	ctrl := charge.NewController(drv, charge.DefaultConfig(), prof, nil, nil)
	mgr.SetChargeStateSource(ctrl)
	ctrl.SetOTAStateSource(mgr)

	session := tuning.NewSession(tuning.DefaultConfig())

	return &Server{
		Manager:  mgr,
		Metadata: meta,
		Upload:   sink,
		Download: func(url string, crc uint32, version string) error { return nil },
		Tuning:   session,
		Profiles: table,
		Charge:   ctrl,
		EEPROM:   store,
	}
}

func roundTrip(t *testing.T, s *Server, raw string) (status int, headers map[string]string, body string) {
	t.Helper()
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		s.ServeConn(server)
		server.Close()
		close(done)
	}()

	if _, err := client.Write([]byte(raw)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	br := bufio.NewReader(client)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	var code int
	fmt.Sscanf(statusLine, "HTTP/1.1 %d", &code)

	headers = make(map[string]string)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read header: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		colon := strings.IndexByte(line, ':')
		headers[strings.ToLower(strings.TrimSpace(line[:colon]))] = strings.TrimSpace(line[colon+1:])
	}

	var bodyBuf bytes.Buffer
	bodyBuf.ReadFrom(br)
	client.Close()
	<-done

	return code, headers, bodyBuf.String()
}

func TestFirmwareStatusReportsIdleState(t *testing.T) {
	s := newTestServer(t)
	code, _, body := roundTrip(t, s, "GET /rest/firmware_status HTTP/1.1\r\nHost: x\r\n\r\n")
	if code != 200 {
		t.Fatalf("status = %d, body = %s", code, body)
	}
	if !strings.Contains(body, `"current_bank"`) || !strings.Contains(body, `"update_status"`) {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	s := newTestServer(t)
	code, _, _ := roundTrip(t, s, "GET /nope HTTP/1.1\r\nHost: x\r\n\r\n")
	if code != 404 {
		t.Errorf("got %d, want 404", code)
	}
}

func TestUploadHappyPathActivatesAfterFinalize(t *testing.T) {
	s := newTestServer(t)
	img := bytes.Repeat([]byte{0xAB}, 4096)
	crc := flash.CRC32(img)

	req := fmt.Sprintf(
		"POST /upload HTTP/1.1\r\nHost: x\r\nX-Firmware-Size: %d\r\nX-Firmware-CRC32: %08x\r\nX-Firmware-Version: 9.9.9\r\nContent-Length: %d\r\n\r\n",
		len(img), crc, len(img),
	)
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		s.ServeConn(server)
		server.Close()
		close(done)
	}()
	go func() {
		client.Write([]byte(req))
		client.Write(img)
	}()

	br := bufio.NewReader(client)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if !strings.Contains(statusLine, "200") {
		t.Fatalf("status line = %q", statusLine)
	}
	client.Close()
	<-done

	if s.Manager.State() != ota.StateComplete {
		t.Errorf("manager state = %v, want complete", s.Manager.State())
	}

	code, _, _ := roundTrip(t, s, "POST /rest/firmware_activate HTTP/1.1\r\nHost: x\r\n\r\n")
	if code != 200 {
		t.Errorf("activate status = %d", code)
	}
	if s.Metadata.Current().ActiveBank != s.Manager.Target() {
		t.Errorf("activate did not switch active bank")
	}
}

func TestTuningStartRejectsProfileWithoutAITuning(t *testing.T) {
	s := newTestServer(t)
	code, _, body := roundTrip(t, s, "POST /rest/ai_tuning_start?profile_idx=0 HTTP/1.1\r\nHost: x\r\n\r\n")
	if code != 409 {
		t.Fatalf("got %d, want 409: %s", code, body)
	}
}

func TestTuningLifecycleStartStatusCancel(t *testing.T) {
	s := newTestServer(t)
	prof, err := s.Profiles.Select(1)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	prof.ForTuning().SetCoarseGains(0.5, 0.1)
	enableAITuning(t, s, 1)

	code, _, body := roundTrip(t, s, "POST /rest/ai_tuning_start?profile_idx=1 HTTP/1.1\r\nHost: x\r\n\r\n")
	if code != 200 {
		t.Fatalf("start status = %d: %s", code, body)
	}
	if !strings.Contains(body, `"phase1_coarse"`) {
		t.Errorf("expected phase1_coarse in %s", body)
	}

	code, _, body = roundTrip(t, s, "GET /rest/ai_tuning_status HTTP/1.1\r\nHost: x\r\n\r\n")
	if code != 200 || !strings.Contains(body, `"drops_completed":0`) {
		t.Errorf("status = %d body = %s", code, body)
	}

	code, _, _ = roundTrip(t, s, "POST /rest/ai_tuning_cancel HTTP/1.1\r\nHost: x\r\n\r\n")
	if code != 200 {
		t.Errorf("cancel status = %d", code)
	}
	if s.Tuning.Phase() != tuning.PhaseIdle {
		t.Errorf("phase after cancel = %v, want idle", s.Tuning.Phase())
	}
}

func enableAITuning(t *testing.T, s *Server, idx int) {
	t.Helper()
	rec := s.EEPROM.Current()
	rec.Profiles[idx].AITuningEnabled = true
	if err := s.EEPROM.Write(rec); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestChargeModeConfigGetAndSet(t *testing.T) {
	s := newTestServer(t)
	code, _, body := roundTrip(t, s, "GET /rest/charge_mode_config HTTP/1.1\r\nHost: x\r\n\r\n")
	if code != 200 || !strings.Contains(body, `"coarse_stop_threshold":5.000`) {
		t.Fatalf("status=%d body=%s", code, body)
	}

	code, _, body = roundTrip(t, s, "POST /rest/charge_mode_config?coarse_stop_threshold=7.5 HTTP/1.1\r\nHost: x\r\n\r\n")
	if code != 200 || !strings.Contains(body, `"coarse_stop_threshold":7.500`) {
		t.Fatalf("status=%d body=%s", code, body)
	}

	code, _, _ = roundTrip(t, s, "POST /rest/charge_mode_config?decimal_places=5 HTTP/1.1\r\nHost: x\r\n\r\n")
	if code != 400 {
		t.Errorf("got %d, want 400 for invalid decimal_places", code)
	}
}

func TestChargeModeStateReportsLiveWeight(t *testing.T) {
	s := newTestServer(t)
	code, _, body := roundTrip(t, s, "GET /rest/charge_mode_state HTTP/1.1\r\nHost: x\r\n\r\n")
	if code != 200 || !strings.Contains(body, `"current_weight":12.300`) {
		t.Fatalf("status=%d body=%s", code, body)
	}
}

func TestChargeModeStateStartAndExit(t *testing.T) {
	s := newTestServer(t)
	code, _, body := roundTrip(t, s, "POST /rest/charge_mode_state?target_weight=100 HTTP/1.1\r\nHost: x\r\n\r\n")
	if code != 200 {
		t.Fatalf("status=%d body=%s", code, body)
	}
	time.Sleep(20 * time.Millisecond)
	if !s.Charge.Running() {
		t.Error("expected charge cycle to be running")
	}

	code, _, _ = roundTrip(t, s, "POST /rest/charge_mode_state?state=exit HTTP/1.1\r\nHost: x\r\n\r\n")
	if code != 200 {
		t.Errorf("exit status = %d", code)
	}
}

// TestUploadRejectedWhileChargeCycleRunning exercises the mutual-exclusion
// wiring between Manager and Controller: a running charge cycle must make
// StartUpdate (and so /upload) fail, not just race it.
func TestUploadRejectedWhileChargeCycleRunning(t *testing.T) {
	s := newTestServer(t)
	code, _, body := roundTrip(t, s, "POST /rest/charge_mode_state?target_weight=100 HTTP/1.1\r\nHost: x\r\n\r\n")
	if code != 200 {
		t.Fatalf("start status=%d body=%s", code, body)
	}
	time.Sleep(20 * time.Millisecond)
	if !s.Charge.Running() {
		t.Fatal("expected charge cycle to be running")
	}

	img := bytes.Repeat([]byte{0xAB}, 64)
	crc := flash.CRC32(img)
	req := fmt.Sprintf(
		"POST /upload HTTP/1.1\r\nHost: x\r\nX-Firmware-Size: %d\r\nX-Firmware-CRC32: %08x\r\nContent-Length: %d\r\n\r\n",
		len(img), crc, len(img),
	)
	code, _, body = roundTrip(t, s, req+string(img))
	if code != 409 {
		t.Errorf("upload status = %d, want 409 while charge cycle running: %s", code, body)
	}
	if s.Manager.State() != ota.StateIdle {
		t.Errorf("manager state = %v, want idle (rejected before entering the pipeline)", s.Manager.State())
	}

	roundTrip(t, s, "POST /rest/charge_mode_state?state=exit HTTP/1.1\r\nHost: x\r\n\r\n")
}

// TestChargeModeStateRejectsDispenseWhileUpdateInProgress covers the other
// direction: once a firmware update has left idle, a charge cycle must not
// be able to start dispensing until it either finishes or is cancelled. The
// scale reads a steady zero so wait_for_zero tares out quickly, leaving
// wait_for_complete's own OTA check as the only thing holding the cycle back.
func TestChargeModeStateRejectsDispenseWhileUpdateInProgress(t *testing.T) {
	raw := flash.NewSimRawFlash()
	meta := ota.NewMetadataStore(raw)
	if _, err := meta.Read(flash.BankA); err != nil {
		t.Fatalf("metadata init: %v", err)
	}
	dev := flash.NewDevice(raw, nil)
	mgr := ota.NewManager(dev, meta)
	sink := ota.NewUploadSink(mgr)

	store := eeprom.NewEEPROM(eeprom.NewSimStore(1 << 16))
	if _, err := store.Read(); err != nil && err != eeprom.ErrCRCMismatch {
		t.Fatalf("eeprom read: %v", err)
	}
	table := profile.NewTable(store)

	drv := charge.Drivers{
		Scale: &fakeScale{weight: 0}, Coarse: fakeMotor{}, Fine: fakeMotor{},
		Gate: fakeGate{}, LED: fakeLED{}, Buttons: fakeButtons{},
	}
	prof, err := table.Select(0)
	if err != nil {
		t.Fatalf("select profile: %v", err)
	}
	ctrl := charge.NewController(drv, charge.DefaultConfig(), prof, nil, nil)
	mgr.SetChargeStateSource(ctrl)
	ctrl.SetOTAStateSource(mgr)

	s := &Server{
		Manager:  mgr,
		Metadata: meta,
		Upload:   sink,
		Download: func(url string, crc uint32, version string) error { return nil },
		Tuning:   tuning.NewSession(tuning.DefaultConfig()),
		Profiles: table,
		Charge:   ctrl,
		EEPROM:   store,
	}

	if err := s.Manager.StartUpdate(64, ""); err != nil {
		t.Fatalf("StartUpdate: %v", err)
	}

	code, _, body := roundTrip(t, s, "POST /rest/charge_mode_state?target_weight=100 HTTP/1.1\r\nHost: x\r\n\r\n")
	if code != 200 {
		t.Fatalf("start status=%d body=%s", code, body)
	}

	// wait_for_zero tares out within a few seconds against the steady-zero
	// scale; if the cycle ever reaches wait_for_cup_removal it dispensed and
	// recorded a drop, which must not happen while the update is in progress.
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		_, _, body = roundTrip(t, s, "GET /rest/charge_mode_state HTTP/1.1\r\nHost: x\r\n\r\n")
		if strings.Contains(body, `"phase":"wait_for_cup_removal"`) {
			t.Fatalf("cycle dispensed while update in progress: %s", body)
		}
		time.Sleep(200 * time.Millisecond)
	}

	roundTrip(t, s, "POST /rest/charge_mode_state?state=exit HTTP/1.1\r\nHost: x\r\n\r\n")
	if err := s.Manager.CancelUpdate(); err != nil {
		t.Fatalf("CancelUpdate: %v", err)
	}
}
