package ota

import "opentrickler/firmware/flash"

// BootOutcome tells the caller what action the boot-time protocol decided
// is needed, since ota itself never triggers a hardware reset.
type BootOutcome int

const (
	// BootContinue means startup should proceed normally.
	BootContinue BootOutcome = iota
	// BootRollbackAndReboot means the caller must reboot now; metadata has
	// already been switched to the opposite (valid) bank.
	BootRollbackAndReboot
	// BootRecovery means both banks are invalid; there is nothing left to
	// roll back to and the caller must halt into a recovery mode.
	BootRecovery
)

// RunBootProtocol implements the once-per-boot sequence (§4.4 Boot-time
// protocol), run before confirm_boot. initialBank seeds metadata defaults
// the very first time the device boots with no valid record on either
// sector.
func RunBootProtocol(meta *MetadataStore, initialBank flash.Bank) (BootOutcome, error) {
	rec, err := meta.Read(initialBank)
	if err != nil {
		return BootRecovery, err
	}

	if !rec.bank(rec.ActiveBank).Valid {
		return attemptRollback(meta, rec)
	}

	rec, err = meta.IncrementBootCount()
	if err != nil {
		return BootRecovery, err
	}

	if rec.bank(rec.ActiveBank).BootCount > MaxBootAttempts {
		if _, err := meta.MarkBankInvalid(rec.ActiveBank); err != nil {
			return BootRecovery, err
		}
		return attemptRollback(meta, meta.Current())
	}

	if rec.UpdateInProgress {
		if _, err := meta.ClearUpdateInProgress(); err != nil {
			return BootRecovery, err
		}
	}

	return BootContinue, nil
}

func attemptRollback(meta *MetadataStore, rec Record) (BootOutcome, error) {
	opposite := rec.ActiveBank.Opposite()
	if !rec.bank(opposite).Valid {
		return BootRecovery, ErrRecoveryRequired
	}
	if _, err := meta.TriggerRollback(); err != nil {
		return BootRecovery, err
	}
	return BootRollbackAndReboot, nil
}

// ConfirmBoot resets the active bank's boot_count to 0 (§4.4 Confirm).
// Application code calls this only after essential subsystems have
// initialized; failing to call it within the watchdog window lets the
// hardware watchdog reset the device, eventually triggering auto-rollback
// via RunBootProtocol.
func ConfirmBoot(meta *MetadataStore) error {
	_, err := meta.ResetBootCount()
	return err
}

// RollbackAndReboot is the driver-triggered variant of the auto-rollback
// path (§4.4 Rollback). It fails if the opposite bank is not valid.
func RollbackAndReboot(meta *MetadataStore) error {
	_, err := meta.TriggerRollback()
	if err == ErrBankInvalid {
		return ErrRollbackDenied
	}
	return err
}
