//go:build tinygo

package main

import (
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"opentrickler/firmware/charge"
	"opentrickler/firmware/credentials"
	"opentrickler/firmware/eeprom"
	"opentrickler/firmware/ota"
	"opentrickler/firmware/profile"
	"opentrickler/firmware/telemetry"
	"opentrickler/firmware/tuning"
	"opentrickler/firmware/version"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	consolePort    = uint16(23) // Telnet port
	consoleBufSize = 1024
)

var (
	consoleRxBuf [consoleBufSize]byte
	consoleTxBuf [consoleBufSize]byte
	consoleBuf   [consoleBufSize]byte
	startTime    time.Time
)

var (
	authFailures    int
	lastFailureTime time.Time
)

const (
	cmdHelp           = "help"
	cmdStatus         = "status"
	cmdVersion        = "version"
	cmdNet            = "net"
	cmdSleep          = "sleep"
	cmdProfile        = "profile"
	cmdTuning         = "tuning"
	cmdTuningStart    = "tuning-start"
	cmdTuningApply    = "tuning-apply"
	cmdTuningCancel   = "tuning-cancel"
	cmdOTA            = "ota"
	cmdOTAEnable      = "ota-enable"
	cmdReboot         = "reboot"
	cmdTelemetry      = "telemetry"
	cmdTelemetryFlush = "telemetry-flush"
	cmdNTPSync        = "ntp-sync"
)

// consoleDeps bundles the subsystems the console commands read from and
// act on, so processCommand never has to touch package-main globals
// directly for anything but boot/health state.
type consoleDeps struct {
	eeprom   *eeprom.EEPROM
	profiles *profile.Table
	tuning   *tuning.Session
	charge   *charge.Controller
	manager  *ota.Manager
	metadata *ota.MetadataStore
}

// consoleServer runs a TCP debug console on port 23.
func consoleServer(
	stack *xnet.StackAsync,
	logger *slog.Logger,
	refreshChan chan struct{},
	deps consoleDeps,
) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("console:panic-recovered")
		}
	}()

	var conn tcp.Conn
	err := conn.Configure(tcp.ConnConfig{
		RxBuf:             consoleRxBuf[:],
		TxBuf:             consoleTxBuf[:],
		TxPacketQueueSize: 3,
	})
	if err != nil {
		logger.Error("console:configure-failed", slog.String("err", err.Error()))
		return
	}
	startTime = time.Now()

	ourAddr := netip.AddrPortFrom(stack.Addr(), consolePort)
	logger.Info("console:listening", slog.String("addr", ourAddr.String()))

	for {
		conn.Abort()
		time.Sleep(100 * time.Millisecond)

		if checkLockout() {
			time.Sleep(1 * time.Second)
			continue
		}

		err = stack.ListenTCP(&conn, consolePort)
		if err != nil {
			logger.Error("console:listen-failed", slog.String("err", err.Error()))
			time.Sleep(3 * time.Second)
			continue
		}

		waitCount := 0
		for conn.State().IsPreestablished() && waitCount < 6000 {
			time.Sleep(10 * time.Millisecond)
			waitCount++
		}
		if !conn.State().IsSynchronized() {
			conn.Abort()
			continue
		}

		logger.Info("console:connected", slog.String("ip", formatRemoteIP(conn.RemoteAddr())))

		if !authenticateConsole(&conn) {
			logger.Info("console:auth-failed", slog.Int("failures", authFailures))
			conn.Close()
			for i := 0; i < 10 && !conn.State().IsClosed(); i++ {
				time.Sleep(100 * time.Millisecond)
			}
			conn.Abort()
			continue
		}
		logger.Info("console:authenticated")

		writeConsole(&conn, "OpenTrickler Debug Console\r\nType 'help' for commands\r\n> ")
		flushConsole(&conn)

		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("console:session-panic")
				}
			}()
			handleConsoleSession(&conn, stack, logger, refreshChan, deps)
		}()

		conn.Close()
		for i := 0; i < 30 && !conn.State().IsClosed(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
		conn.Abort()
		logger.Info("console:disconnected")
	}
}

// handleConsoleSession handles a single console session.
func handleConsoleSession(conn *tcp.Conn, stack *xnet.StackAsync, logger *slog.Logger, refreshChan chan struct{}, deps consoleDeps) {
	var cmdLen int
	var readBuf [64]byte
	var skipIAC int

	for {
		if conn.State().IsClosed() || conn.State().IsClosing() || !conn.State().RxDataOpen() {
			return
		}

		n, err := conn.Read(readBuf[:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return
		}
		if n == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		gotNewline := false
		for i := 0; i < n && cmdLen < len(consoleBuf)-1; i++ {
			b := readBuf[i]

			if skipIAC > 0 {
				skipIAC--
				continue
			}
			if b == 0xFF {
				skipIAC = 2
				continue
			}

			if b == '\n' || b == '\r' {
				if gotNewline {
					continue
				}
				gotNewline = true
				time.Sleep(10 * time.Millisecond)
				if cmdLen > 0 {
					processCommand(conn, stack, consoleBuf[:cmdLen], logger, refreshChan, deps)
				}
				cmdLen = 0
				conn.Write([]byte("> "))
				conn.Flush()
				time.Sleep(50 * time.Millisecond)
			} else if b >= 32 && b < 127 {
				consoleBuf[cmdLen] = b
				cmdLen++
				gotNewline = false
			}
		}

		if cmdLen >= len(consoleBuf)-1 {
			cmdLen = 0
			writeConsole(conn, "\r\nLine too long\r\n> ")
			flushConsole(conn)
		}
	}
}

// processCommand handles a single console command.
func processCommand(conn *tcp.Conn, stack *xnet.StackAsync, cmd []byte, logger *slog.Logger, refreshChan chan struct{}, deps consoleDeps) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("console:command-panic")
		}
	}()

	switch {
	case bytesEqual(cmd, []byte(cmdHelp)):
		writeConsole(conn, "Commands: help version status net profile tuning ota reboot\r\n")
		writeConsole(conn, "  sleep <dur>, ota-enable [dur], ntp-sync\r\n")
		writeConsole(conn, "  tuning-start, tuning-apply, tuning-cancel\r\n")
		writeConsole(conn, "  telemetry, telemetry-flush\r\n")

	case bytesEqual(cmd, []byte(cmdStatus)):
		if systemHealthy {
			writeConsole(conn, "Status: OK\r\n")
		} else {
			writeConsole(conn, "Status: UNHEALTHY (reset pending)\r\n")
		}
		writeConsole(conn, "Active bank: ")
		writeConsole(conn, deps.metadata.Current().ActiveBank.String())
		writeConsole(conn, "\r\nCharge cycle: ")
		if deps.charge.Running() {
			writeConsole(conn, "running, phase=")
			writeInt(conn, int(deps.charge.Phase()))
			if w, ok := deps.charge.CurrentWeight(200 * time.Millisecond); ok {
				writeConsole(conn, ", weight=")
				writeFloat2(conn, w)
			}
			writeConsole(conn, "\r\n")
		} else {
			writeConsole(conn, "idle\r\n")
		}
		writeConsole(conn, "Profile: ")
		writeConsole(conn, deps.charge.ProfileName())
		writeConsole(conn, "\r\n")

	case bytesEqual(cmd, []byte(cmdVersion)):
		writeConsole(conn, "OpenTrickler Firmware\r\n  Version: ")
		writeConsole(conn, version.Version)
		writeConsole(conn, "\r\n  Git SHA: ")
		writeConsole(conn, version.GitSHA)
		writeConsole(conn, "\r\n  Built:   ")
		writeConsole(conn, version.BuildDate)
		writeConsole(conn, "\r\n")

	case bytesEqual(cmd, []byte(cmdNet)):
		writeConsole(conn, "Network Status:\r\n  IP Address: ")
		writeConsole(conn, stack.Addr().String())
		writeConsole(conn, "\r\n  Console:    port ")
		writeInt(conn, int(consolePort))
		writeConsole(conn, "\r\n  Uptime:     ")
		writeUptime(conn)
		writeConsole(conn, "\r\n")

	case bytesEqual(cmd, []byte(cmdProfile)):
		names := deps.profiles.Names()
		writeConsole(conn, "Profiles:\r\n")
		for i, name := range names {
			writeConsole(conn, "  ")
			writeInt(conn, i)
			writeConsole(conn, ": ")
			writeConsole(conn, name)
			writeConsole(conn, "\r\n")
		}

	case bytesEqual(cmd, []byte(cmdTuning)):
		s := deps.tuning
		writeConsole(conn, "Tuning phase: ")
		writeInt(conn, int(s.Phase()))
		writeConsole(conn, "\r\n  Active: ")
		writeBool(conn, s.Active())
		writeConsole(conn, "\r\n  Drops completed: ")
		writeInt(conn, s.DropsCompleted())
		writeConsole(conn, "\r\n")
		if s.ErrorMessage() != "" {
			writeConsole(conn, "  Error: ")
			writeConsole(conn, s.ErrorMessage())
			writeConsole(conn, "\r\n")
		}

	case bytesEqual(cmd, []byte(cmdTuningStart)):
		if err := startTuning(deps); err != nil {
			writeConsole(conn, "Tuning start failed: "+err.Error()+"\r\n")
		} else {
			writeConsole(conn, "Tuning session started\r\n")
		}

	case bytesEqual(cmd, []byte(cmdTuningApply)):
		if err := deps.tuning.Apply(); err != nil {
			writeConsole(conn, "Tuning apply failed: "+err.Error()+"\r\n")
		} else {
			writeConsole(conn, "Tuning recommendations applied\r\n")
		}

	case bytesEqual(cmd, []byte(cmdTuningCancel)):
		deps.tuning.Cancel()
		writeConsole(conn, "Tuning session canceled\r\n")

	case len(cmd) >= 5 && bytesEqual(cmd[:5], []byte(cmdSleep)):
		if len(cmd) <= 6 {
			writeConsole(conn, "Sleep override: ")
			if debugSleepDuration == 0 {
				writeConsole(conn, "off\r\n")
			} else {
				writeInt(conn, int(debugSleepDuration.Seconds()))
				writeConsole(conn, "s\r\n")
			}
		} else {
			dur := parseDuration(cmd[6:])
			debugSleepDuration = dur
			writeConsole(conn, "Sleep override set to: ")
			writeInt(conn, int(dur.Seconds()))
			writeConsole(conn, "s\r\n")
		}

	case bytesEqual(cmd, []byte(cmdOTA)):
		rec := deps.metadata.Current()
		writeConsole(conn, "OTA Status:\r\n  Recovery server: ")
		if OTAIsEnabled() {
			remaining := OTATimeRemaining()
			writeConsole(conn, "ENABLED (")
			writeInt(conn, int(remaining.Minutes()))
			writeConsole(conn, "m ")
			writeInt(conn, int(remaining.Seconds())%60)
			writeConsole(conn, "s remaining)\r\n")
		} else {
			writeConsole(conn, "disabled\r\n")
		}
		writeConsole(conn, "  Active bank:       ")
		writeConsole(conn, rec.ActiveBank.String())
		writeConsole(conn, "\r\n  Pipeline state:    ")
		writeInt(conn, int(deps.manager.State()))
		writeConsole(conn, "\r\n")

	case bytesEqual(cmd, []byte(cmdOTAEnable)) || hasPrefix(cmd, []byte(cmdOTAEnable+" ")):
		timeout := time.Duration(0)
		if len(cmd) > len(cmdOTAEnable)+1 {
			if parsed := parseDuration(cmd[len(cmdOTAEnable)+1:]); parsed > 0 {
				timeout = parsed
			}
		}
		OTAEnable(timeout)
		writeConsole(conn, "OTA recovery server enabled on port 4242\r\n  Timeout: ")
		writeInt(conn, int(OTATimeRemaining().Minutes()))
		writeConsole(conn, " minutes\r\n")

	case bytesEqual(cmd, []byte(cmdReboot)):
		writeConsole(conn, "Rebooting device...\r\n")
		conn.Flush()
		time.Sleep(100 * time.Millisecond)
		rebootViaWatchdogStarvation()

	case bytesEqual(cmd, []byte(cmdTelemetry)):
		enabled, qLogs, qMetrics, qSpans, sLogs, sMetrics, sSpans, errs, collector := telemetry.Status()
		writeConsole(conn, "Telemetry Status:\r\n  Enabled:    ")
		writeBool(conn, enabled)
		writeConsole(conn, "\r\n  Collector:  ")
		writeConsole(conn, collector)
		writeConsole(conn, "\r\n  Queued: logs=")
		writeInt(conn, qLogs)
		writeConsole(conn, " metrics=")
		writeInt(conn, qMetrics)
		writeConsole(conn, " spans=")
		writeInt(conn, qSpans)
		writeConsole(conn, "\r\n  Sent:   logs=")
		writeInt(conn, sLogs)
		writeConsole(conn, " metrics=")
		writeInt(conn, sMetrics)
		writeConsole(conn, " spans=")
		writeInt(conn, sSpans)
		writeConsole(conn, "\r\n  Errors:     ")
		writeInt(conn, errs)
		writeConsole(conn, "\r\n")

	case bytesEqual(cmd, []byte(cmdTelemetryFlush)):
		writeConsole(conn, "Flushing telemetry queues...\r\n")
		telemetry.Flush()
		writeConsole(conn, "Flush complete\r\n")

	case bytesEqual(cmd, []byte(cmdNTPSync)):
		writeConsole(conn, "Triggering NTP sync...\r\n")
		conn.Flush()
		offset, err := syncNTP(stack, dnsServers, logger)
		if err != nil {
			writeConsole(conn, "NTP sync failed: "+err.Error()+"\r\n")
		} else {
			writeConsole(conn, "NTP sync complete, offset=")
			writeInt(conn, int(offset.Milliseconds()))
			writeConsole(conn, "ms\r\n")
		}

	default:
		writeConsole(conn, "Unknown command: ")
		conn.Write(cmd)
		writeConsole(conn, "\r\nType 'help' for commands\r\n")
	}
	conn.Flush()
	time.Sleep(50 * time.Millisecond)
}

// startTuning starts a tuning session against profile slot 0, the same
// slot main selects for the charge controller.
func startTuning(deps consoleDeps) error {
	idx := 0 // console always tunes profile slot 0; REST API can target others
	p, err := deps.profiles.Select(idx)
	if err != nil {
		return err
	}
	return deps.tuning.Start(p.ForTuning())
}

func writeConsole(conn *tcp.Conn, s string) {
	conn.Write([]byte(s))
}

func flushConsole(conn *tcp.Conn) {
	conn.Flush()
}

func writeInt(conn *tcp.Conn, n int) {
	if n == 0 {
		conn.Write([]byte{'0'})
		return
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [11]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	conn.Write(buf[i:])
}

// writeFloat2 writes a float with 2 decimal places.
func writeFloat2(conn *tcp.Conn, f float64) {
	if f < 0 {
		conn.Write([]byte{'-'})
		f = -f
	}
	whole := int(f)
	frac := int((f - float64(whole)) * 100)
	if frac < 0 {
		frac = -frac
	}
	writeInt(conn, whole)
	conn.Write([]byte{'.'})
	if frac < 10 {
		conn.Write([]byte{'0'})
	}
	writeInt(conn, frac)
}

func writeBool(conn *tcp.Conn, b bool) {
	if b {
		conn.Write([]byte("ON"))
	} else {
		conn.Write([]byte("OFF"))
	}
}

func writeUptime(conn *tcp.Conn) {
	if startTime.IsZero() {
		conn.Write([]byte("unknown"))
		return
	}
	d := time.Since(startTime)
	writeInt(conn, int(d.Hours()))
	conn.Write([]byte("h "))
	writeInt(conn, int(d.Minutes())%60)
	conn.Write([]byte("m "))
	writeInt(conn, int(d.Seconds())%60)
	conn.Write([]byte("s"))
}

func getLockoutDuration() time.Duration {
	switch {
	case authFailures >= 10:
		return 5 * time.Minute
	case authFailures >= 5:
		return 30 * time.Second
	case authFailures >= 3:
		return 5 * time.Second
	default:
		return 0
	}
}

func checkLockout() bool {
	lockout := getLockoutDuration()
	if lockout == 0 {
		return false
	}
	return time.Since(lastFailureTime) < lockout
}

func recordFailure() {
	authFailures++
	lastFailureTime = time.Now()
}

func resetFailures() {
	authFailures = 0
}

var (
	telnetWillEcho = []byte{0xFF, 0xFB, 0x01}
	telnetWontEcho = []byte{0xFF, 0xFC, 0x01}
)

// authenticateConsole prompts for password and verifies it in constant time.
func authenticateConsole(conn *tcp.Conn) bool {
	conn.Write(telnetWillEcho)
	writeConsole(conn, "Password: ")
	flushConsole(conn)

	var passBuf [64]byte
	var readBuf [64]byte
	var passLen int
	var skipIAC int
	deadline := time.Now().Add(10 * time.Second)

	restoreEcho := func() {
		conn.Write(telnetWontEcho)
		writeConsole(conn, "\r\n")
		flushConsole(conn)
	}

	for time.Now().Before(deadline) {
		if conn.State().IsClosed() || conn.State().IsClosing() || !conn.State().RxDataOpen() {
			restoreEcho()
			return false
		}

		n, err := conn.Read(readBuf[:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			restoreEcho()
			return false
		}
		if n == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		for i := 0; i < n && passLen < len(passBuf)-1; i++ {
			b := readBuf[i]
			if skipIAC > 0 {
				skipIAC--
				continue
			}
			if b == 0xFF {
				skipIAC = 2
				continue
			}
			if b == '\n' || b == '\r' {
				restoreEcho()
				password := passBuf[:passLen]
				expected := []byte(credentials.ConsolePassword())
				if subtle.ConstantTimeCompare(password, expected) == 1 {
					resetFailures()
					return true
				}
				recordFailure()
				return false
			} else if b >= 32 && b < 127 {
				passBuf[passLen] = b
				passLen++
			}
		}

		if passLen >= len(passBuf)-1 {
			restoreEcho()
			recordFailure()
			return false
		}
	}

	restoreEcho()
	recordFailure()
	return false
}

func hasPrefix(cmd, prefix []byte) bool {
	if len(cmd) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		if cmd[i] != prefix[i] {
			return false
		}
	}
	return true
}

// parseDuration parses simple duration strings like "30s", "5m", "1h", or "0".
func parseDuration(s []byte) time.Duration {
	if len(s) == 0 {
		return 0
	}
	var num int
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		num = num*10 + int(s[i]-'0')
		i++
	}
	if i >= len(s) {
		return time.Duration(num) * time.Second
	}
	switch s[i] {
	case 's', 'S':
		return time.Duration(num) * time.Second
	case 'm', 'M':
		return time.Duration(num) * time.Minute
	case 'h', 'H':
		return time.Duration(num) * time.Hour
	default:
		return time.Duration(num) * time.Second
	}
}

// formatRemoteIP formats a remote IP address as a string for logging.
func formatRemoteIP(addr []byte) string {
	if len(addr) == 4 {
		var buf [15]byte
		pos := 0
		for i := 0; i < 4; i++ {
			if i > 0 {
				buf[pos] = '.'
				pos++
			}
			pos += writeIntToBuf(buf[pos:], int(addr[i]))
		}
		return string(buf[:pos])
	}
	return "unknown"
}

func writeIntToBuf(buf []byte, n int) int {
	if n == 0 {
		buf[0] = '0'
		return 1
	}
	var digits [3]byte
	i := len(digits)
	for n > 0 && i > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	copy(buf, digits[i:])
	return len(digits) - i
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
