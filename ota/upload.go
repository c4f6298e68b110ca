package ota

// UploadSink is the C5 adapter between an external HTTP server (§6.3) and
// the C4 Manager: begin/feed/end/cancel map directly onto
// start_update/write_chunk/finalize_update/cancel_update. It exists so the
// restapi package's /upload handler never has to reach into Manager's
// pipeline internals directly.
type UploadSink struct {
	mgr *Manager
}

// NewUploadSink wraps mgr.
func NewUploadSink(mgr *Manager) *UploadSink {
	return &UploadSink{mgr: mgr}
}

// Begin starts an update of totalSize bytes tagged with version.
func (u *UploadSink) Begin(totalSize uint32, version string) error {
	return u.mgr.StartUpdate(totalSize, version)
}

// Feed forwards the next chunk of the upload body.
func (u *UploadSink) Feed(buf []byte) error {
	return u.mgr.WriteChunk(buf)
}

// End finalizes the upload against expectedCRC32.
func (u *UploadSink) End(expectedCRC32 uint32) error {
	return u.mgr.FinalizeUpdate(expectedCRC32)
}

// Cancel aborts an in-progress upload.
func (u *UploadSink) Cancel() error {
	return u.mgr.CancelUpdate()
}

// Progress reports bytes received so far against the expected total, for
// the /rest/firmware_status endpoint.
func (u *UploadSink) Progress() (received, total uint32) {
	return u.mgr.Progress()
}

// State reports the underlying pipeline state.
func (u *UploadSink) State() State {
	return u.mgr.State()
}
