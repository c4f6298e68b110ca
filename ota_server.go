//go:build tinygo

package main

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"opentrickler/firmware/ota"
	"opentrickler/firmware/telemetry"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

// otaPort is a distinct recovery channel from the REST API's firmware
// upload endpoint: it exists so a device with a broken network stack on
// the REST port (or simply no operator set up to use it yet) can still
// be recovered with a minimal raw-socket pusher.
const (
	otaPort           = uint16(4242)
	otaBufSize        = 4096 + 64
	otaDefaultTimeout = 10 * time.Minute
)

var (
	otaRxBuf [otaBufSize]byte
	otaTxBuf [512]byte
	otaChunk [4096]byte
)

var (
	otaMu      sync.Mutex
	otaEnabled bool
	otaEnabledAt time.Time
	otaTimeout time.Duration
	otaLogger  *slog.Logger
)

// OTAEnable arms the recovery push server for timeout (or the default if
// zero). It auto-disarms after timeout, minimizing the window an
// unauthenticated raw socket is reachable.
func OTAEnable(timeout time.Duration) {
	otaMu.Lock()
	defer otaMu.Unlock()
	if timeout == 0 {
		timeout = otaDefaultTimeout
	}
	otaEnabled = true
	otaEnabledAt = time.Now()
	otaTimeout = timeout
	if otaLogger != nil {
		otaLogger.Info("ota-recovery:enabled", slog.String("timeout", timeout.String()))
	}
}

// OTADisable disarms the recovery push server immediately.
func OTADisable() {
	otaMu.Lock()
	defer otaMu.Unlock()
	otaEnabled = false
	if otaLogger != nil {
		otaLogger.Info("ota-recovery:disabled")
	}
}

// OTAIsEnabled reports whether the recovery server currently accepts
// connections, auto-expiring the arm window as a side effect.
func OTAIsEnabled() bool {
	otaMu.Lock()
	defer otaMu.Unlock()
	if !otaEnabled {
		return false
	}
	if time.Since(otaEnabledAt) > otaTimeout {
		otaEnabled = false
		return false
	}
	return true
}

// OTATimeRemaining reports time left before the arm window auto-expires.
func OTATimeRemaining() time.Duration {
	otaMu.Lock()
	defer otaMu.Unlock()
	if !otaEnabled {
		return 0
	}
	if remaining := otaTimeout - time.Since(otaEnabledAt); remaining > 0 {
		return remaining
	}
	return 0
}

// otaServerInit starts the recovery push server loop. It starts disarmed;
// OTAEnable must be called (from the console) before it accepts a
// connection.
func otaServerInit(stack *xnet.StackAsync, logger *slog.Logger, sink *ota.UploadSink) {
	otaMu.Lock()
	otaLogger = logger
	otaMu.Unlock()
	go otaServerLoop(stack, logger, sink)
}

func otaServerLoop(stack *xnet.StackAsync, logger *slog.Logger, sink *ota.UploadSink) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("ota-recovery:panic-recovered")
		}
	}()

	var conn tcp.Conn
	if err := conn.Configure(tcp.ConnConfig{
		RxBuf:             otaRxBuf[:],
		TxBuf:             otaTxBuf[:],
		TxPacketQueueSize: 2,
	}); err != nil {
		logger.Error("ota-recovery:configure-failed", slog.String("err", err.Error()))
		return
	}

	logger.Info("ota-recovery:ready", slog.Int("port", int(otaPort)))

	for {
		for !OTAIsEnabled() {
			time.Sleep(500 * time.Millisecond)
		}

		conn.Abort()
		time.Sleep(100 * time.Millisecond)

		if err := stack.ListenTCP(&conn, otaPort); err != nil {
			logger.Error("ota-recovery:listen-failed", slog.String("err", err.Error()))
			time.Sleep(3 * time.Second)
			continue
		}

		waitCount := 0
		for conn.State().IsPreestablished() && waitCount < 6000 && OTAIsEnabled() {
			time.Sleep(10 * time.Millisecond)
			waitCount++
		}
		if !OTAIsEnabled() {
			conn.Abort()
			continue
		}
		if !conn.State().IsSynchronized() {
			conn.Abort()
			continue
		}

		logger.Info("ota-recovery:connected", slog.String("ip", formatRemoteIP(conn.RemoteAddr())))
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("ota-recovery:session-panic")
				}
			}()
			handleOTASession(&conn, logger, sink)
		}()

		conn.Close()
		for i := 0; i < 30 && !conn.State().IsClosed(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
		conn.Abort()
		logger.Info("ota-recovery:disconnected")
		OTADisable()
	}
}

// handleOTASession runs one recovery push: BEGIN <size> <version>\n,
// then length-prefixed chunks, then DONE <crc32hex>\n. It feeds sink
// directly, so the same CRC32 validation the REST upload endpoint uses
// (flash-rechecked in FinalizeUpdate) applies here too. It never reboots
// or activates the new bank itself: that is a separate explicit step via
// the REST API's /rest/firmware_activate, once the operator has verified
// the push.
func handleOTASession(conn *tcp.Conn, logger *slog.Logger, sink *ota.UploadSink) {
	telemetry.Pause()
	defer func() {
		telemetry.Resume()
		telemetry.Flush()
	}()

	var readBuf [128]byte

	n, err := readWithTimeout(conn, readBuf[:], 10*time.Second)
	if err != nil || n < 5 {
		logger.Error("ota-recovery:no-init")
		return
	}

	line := strings.TrimSpace(string(readBuf[:n]))
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "BEGIN" {
		logger.Error("ota-recovery:bad-init", slog.String("got", line))
		writeOTA(conn, "ERROR expected BEGIN <size> [version]\n")
		flushOTA(conn)
		return
	}
	size, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		writeOTA(conn, "ERROR bad size\n")
		flushOTA(conn)
		return
	}
	version := ""
	if len(fields) >= 3 {
		version = fields[2]
	}

	if err := sink.Begin(uint32(size), version); err != nil {
		logger.Error("ota-recovery:begin-failed", slog.String("err", err.Error()))
		writeOTA(conn, "ERROR "+err.Error()+"\n")
		flushOTA(conn)
		return
	}

	writeOTA(conn, "READY\n")
	flushOTA(conn)
	logger.Info("ota-recovery:receiving", slog.Uint64("size", size))

	var totalBytes uint32
	chunkNum := 0
	for {
		feedWatchdogIfHealthy()

		if err := readExactly(conn, readBuf[:4], 30*time.Second); err != nil {
			logger.Error("ota-recovery:read-timeout", slog.String("err", err.Error()))
			sink.Cancel()
			return
		}

		if string(readBuf[:4]) == "DONE" {
			rest, _ := readWithTimeout(conn, readBuf[4:], 2*time.Second)
			crcHex := strings.TrimSpace(string(readBuf[4 : 4+rest]))
			crcHex = strings.TrimPrefix(crcHex, " ")
			expectedCRC, err := strconv.ParseUint(strings.TrimSpace(crcHex), 16, 32)
			if err != nil {
				writeOTA(conn, "ERROR bad crc\n")
				flushOTA(conn)
				sink.Cancel()
				return
			}

			if err := sink.End(uint32(expectedCRC)); err != nil {
				logger.Error("ota-recovery:finalize-failed", slog.String("err", err.Error()))
				writeOTA(conn, "ERROR "+err.Error()+"\n")
				flushOTA(conn)
				return
			}

			writeOTA(conn, "VERIFIED\n")
			flushOTA(conn)
			logger.Info("ota-recovery:complete", slog.Int("bytes", int(totalBytes)), slog.Int("chunks", chunkNum))
			return
		}

		chunkLen := binary.LittleEndian.Uint32(readBuf[:4])
		if chunkLen > uint32(len(otaChunk)) {
			writeOTA(conn, "ERROR chunk too large\n")
			flushOTA(conn)
			sink.Cancel()
			return
		}

		if err := readExactly(conn, otaChunk[:chunkLen], 30*time.Second); err != nil {
			logger.Error("ota-recovery:chunk-read-failed", slog.Int("chunk", chunkNum), slog.String("err", err.Error()))
			sink.Cancel()
			return
		}

		feedWatchdogIfHealthy()
		if err := sink.Feed(otaChunk[:chunkLen]); err != nil {
			logger.Error("ota-recovery:write-failed", slog.Int("chunk", chunkNum), slog.String("err", err.Error()))
			writeOTA(conn, "ERROR "+err.Error()+"\n")
			flushOTA(conn)
			return
		}

		totalBytes += chunkLen
		chunkNum++

		writeOTA(conn, "ACK ")
		writeOTAInt(conn, int(totalBytes))
		writeOTA(conn, "\n")
		flushOTA(conn)
		time.Sleep(20 * time.Millisecond)
		for i := 0; i < 10; i++ {
			runtime.Gosched()
		}
	}
}

func readWithTimeout(conn *tcp.Conn, buf []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	totalRead := 0
	for time.Now().Before(deadline) {
		if conn.State().IsClosed() || conn.State().IsClosing() {
			return totalRead, io.EOF
		}
		n, err := conn.Read(buf[totalRead:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return totalRead, err
		}
		if n > 0 {
			totalRead += n
			return totalRead, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return totalRead, errors.New("timeout")
}

func readExactly(conn *tcp.Conn, buf []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	totalRead := 0
	needed := len(buf)
	for totalRead < needed && time.Now().Before(deadline) {
		if conn.State().IsClosed() || conn.State().IsClosing() {
			return io.EOF
		}
		n, err := conn.Read(buf[totalRead:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return err
		}
		if n > 0 {
			totalRead += n
		} else {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if totalRead < needed {
		return errors.New("timeout")
	}
	return nil
}

func writeOTA(conn *tcp.Conn, s string) {
	conn.Write([]byte(s))
}

func writeOTAInt(conn *tcp.Conn, n int) {
	if n == 0 {
		conn.Write([]byte{'0'})
		return
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	conn.Write(buf[i:])
}

func flushOTA(conn *tcp.Conn) {
	conn.Flush()
	for i := 0; i < 5; i++ {
		runtime.Gosched()
	}
}
