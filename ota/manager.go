package ota

import (
	"fmt"

	"opentrickler/firmware/flash"
)

// State is the C4 firmware-manager pipeline state (§4.4).
type State int

const (
	StateIdle State = iota
	StatePreparing
	StateErasing
	StateReceiving
	StateValidating
	StateComplete
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateErasing:
		return "erasing"
	case StateReceiving:
		return "receiving"
	case StateValidating:
		return "validating"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ChargeStateSource reports whether a charge cycle is currently running.
// Manager consults it before starting an update: spec.md requires a
// firmware update and a charge cycle never overlap. Satisfied structurally
// by *charge.Controller without this package importing charge.
type ChargeStateSource interface {
	Running() bool
}

// Manager drives an update of the inactive bank through the C4 pipeline:
// idle -> preparing -> erasing -> receiving -> validating -> complete, with
// error reachable from any state. One Manager instance serves the lifetime
// of the device; a given update occupies it exclusively.
type Manager struct {
	dev    *flash.Device
	meta   *MetadataStore
	charge ChargeStateSource

	state State
	errMsg string

	target       flash.Bank
	targetOffset uint32
	expectedSize uint32
	version      string

	committed uint32 // bytes already programmed to flash
	staged    int    // bytes sitting in stage, not yet a full page
	crc       flash.CRC32Context

	stage [flash.PageSize]byte

	// metaTouched is true once BeginUpdate has recorded m.target in
	// metadata, so CancelUpdate knows whether it's safe to act on it.
	metaTouched bool
}

// NewManager builds a Manager over dev (already bound to the real or
// simulated flash) and meta (already Read/Init'd at startup).
func NewManager(dev *flash.Device, meta *MetadataStore) *Manager {
	return &Manager{dev: dev, meta: meta, state: StateIdle}
}

// SetChargeStateSource wires in the query Manager uses to refuse
// overlapping with a running charge cycle. Called once during startup
// wiring, after both subsystems exist.
func (m *Manager) SetChargeStateSource(src ChargeStateSource) {
	m.charge = src
}

// State returns the current pipeline state.
func (m *Manager) State() State { return m.state }

// Error returns the message recorded when entering StateError, if any.
func (m *Manager) Error() string { return m.errMsg }

// Progress reports bytes received so far against the expected total.
func (m *Manager) Progress() (received, total uint32) {
	return m.committed + uint32(m.staged), m.expectedSize
}

// Target returns the bank this update is writing to, valid once past
// StatePreparing.
func (m *Manager) Target() flash.Bank { return m.target }

// StreamingCRC32 returns the CRC accumulated so far over received bytes.
// It is informational only: FinalizeUpdate never trusts it, recomputing
// from flash instead.
func (m *Manager) StreamingCRC32() uint32 { return m.crc.Current() }

// UpdateInProgress reports whether the pipeline is anywhere but idle, so
// charge.StateMachine can refuse to enter wait-for-complete while an
// update is staging, receiving, validating, or stuck in error (spec.md
// requires a firmware update and a charge cycle never overlap).
func (m *Manager) UpdateInProgress() bool {
	return m.state != StateIdle
}

func (m *Manager) fail(err error) error {
	m.state = StateError
	m.errMsg = err.Error()
	return err
}

// StartUpdate begins a new update of expectedSize bytes, optionally
// tagged with a version string to record once validated (§4.4 Entry).
func (m *Manager) StartUpdate(expectedSize uint32, version string) error {
	if m.state != StateIdle {
		return ErrWrongState
	}
	if m.charge != nil && m.charge.Running() {
		return ErrChargeRunning
	}
	if expectedSize > flash.BankSize {
		return m.fail(ErrTooLarge)
	}

	m.state = StatePreparing
	active := m.meta.Current().ActiveBank
	target := active.Opposite()
	m.target = target
	m.targetOffset = target.Offset()
	m.expectedSize = expectedSize
	m.version = version
	m.committed = 0
	m.staged = 0
	m.crc = flash.CRC32Context{}
	m.crc.Begin()
	m.metaTouched = false

	if _, err := m.meta.BeginUpdate(target); err != nil {
		return m.fail(err)
	}
	m.metaTouched = true

	m.state = StateErasing
	if err := m.dev.EraseBank(target, nil, nil); err != nil {
		return m.fail(err)
	}

	m.state = StateReceiving
	return nil
}

// WriteChunk streams the next n bytes of the image (§4.4 Streaming). Chunks
// need not be page-aligned: an internal 256-byte staging buffer absorbs the
// remainder and flushes whole pages as they fill. The running CRC covers
// exactly the submitted bytes, never the tail padding.
func (m *Manager) WriteChunk(buf []byte) error {
	if m.state != StateReceiving {
		return ErrWrongState
	}
	if m.committed+uint32(m.staged)+uint32(len(buf)) > m.expectedSize {
		return m.fail(ErrOverflow)
	}

	m.crc.Update(buf)

	for len(buf) > 0 {
		n := copy(m.stage[m.staged:], buf)
		m.staged += n
		buf = buf[n:]
		if m.staged == flash.PageSize {
			if err := m.dev.Program(m.targetOffset+m.committed, m.stage[:flash.PageSize]); err != nil {
				return m.fail(err)
			}
			m.committed += flash.PageSize
			m.staged = 0
		}
	}
	return nil
}

// FinalizeUpdate completes the pipeline (§4.4 Finalize): flush any partial
// page (padded with 0xFF), recompute the CRC directly from flash, and
// compare against expectedCRC32. Only on a match does the target bank
// become valid.
func (m *Manager) FinalizeUpdate(expectedCRC32 uint32) error {
	if m.state != StateReceiving {
		return ErrWrongState
	}
	if m.committed+uint32(m.staged) != m.expectedSize {
		return m.fail(ErrOverflow)
	}

	m.state = StateValidating

	if m.staged > 0 {
		offset := m.targetOffset + m.committed
		padded := m.stage
		for i := m.staged; i < flash.PageSize; i++ {
			padded[i] = 0xFF
		}
		if err := m.dev.Program(offset, padded[:]); err != nil {
			return m.fail(err)
		}
		m.committed += uint32(m.staged)
		m.staged = 0
	}

	verifyCRC, err := m.dev.CRC32Region(m.targetOffset, m.expectedSize, nil, nil)
	if err != nil {
		return m.fail(err)
	}
	if verifyCRC != expectedCRC32 {
		if _, merr := m.meta.AbortUpdate(m.target); merr != nil {
			return m.fail(merr)
		}
		return m.fail(fmt.Errorf("%w: got 0x%08X want 0x%08X", ErrCRCVerifyFailed, verifyCRC, expectedCRC32))
	}

	if _, err := m.meta.CompleteUpdate(m.target, expectedCRC32, m.expectedSize, m.version); err != nil {
		return m.fail(err)
	}
	m.state = StateComplete
	return nil
}

// ActivateAndReboot requires StateComplete and switches the active bank to
// target in metadata (§4.4 Activate), then returns. It does not reset the
// device, and neither does its REST caller: the new bank runs from the
// next reset.
func (m *Manager) ActivateAndReboot() error {
	if m.state != StateComplete {
		return ErrWrongState
	}
	if _, err := m.meta.SetActiveBank(m.target); err != nil {
		return m.fail(err)
	}
	return nil
}

// CancelUpdate aborts from any non-idle state (§4.4 Cancel). The target
// bank remains marked invalid.
func (m *Manager) CancelUpdate() error {
	if m.state == StateIdle {
		return ErrWrongState
	}
	// Idempotent: harmless to re-mark target invalid and re-clear
	// update_in_progress even if a prior failure already did so. Only
	// touch metadata if BeginUpdate actually recorded m.target there.
	if m.metaTouched {
		if _, err := m.meta.AbortUpdate(m.target); err != nil {
			m.fail(err)
			return err
		}
	}
	m.state = StateIdle
	m.committed = 0
	m.staged = 0
	m.metaTouched = false
	m.errMsg = ""
	return nil
}

// Reset clears an error state back to idle, discarding partial progress.
// Unlike CancelUpdate it does not touch metadata (the error path already
// left it consistent).
func (m *Manager) Reset() {
	m.state = StateIdle
	m.committed = 0
	m.staged = 0
	m.metaTouched = false
	m.errMsg = ""
}
