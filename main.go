//go:build tinygo

package main

// WARNING: default -scheduler=cores unsupported, compile with -scheduler=tasks set!

import (
	"log/slog"
	"machine"
	"net/netip"
	"runtime"
	"time"

	"opentrickler/firmware/charge"
	"opentrickler/firmware/config"
	"opentrickler/firmware/credentials"
	"opentrickler/firmware/drop"
	"opentrickler/firmware/eeprom"
	"opentrickler/firmware/flash"
	"opentrickler/firmware/hwdrv"
	"opentrickler/firmware/ota"
	"opentrickler/firmware/profile"
	"opentrickler/firmware/restapi"
	"opentrickler/firmware/telemetry"
	"opentrickler/firmware/tuning"
	"opentrickler/firmware/version"

	"github.com/soypat/cyw43439"
	"github.com/soypat/cyw43439/examples/cywnet"
	"github.com/soypat/lneto/x/xnet"
)

const pollTime = 5 * time.Millisecond

var requestedIP = [4]byte{192, 168, 1, 99}

// Global WiFi stack reference, kept for the network-processing goroutine.
var globalCyStack *cywnet.Stack

// Functional watchdog state (§5): when systemHealthy goes false,
// feedWatchdogIfHealthy stops petting the hardware watchdog and lets it
// reset the device, the same recovery path fatalError forces directly.
var (
	lastHealthyAt  time.Time
	systemHealthy  = true
	consecutiveErr int
)

const (
	maxConsecutiveErr    = 3
	maxMinutesUnreported = 60
)

// NTP tracking
var dnsServers []netip.Addr

// refreshChan ends the idle loop's current sleep early when a value is sent
// on it. It is handed to the debug console, whose commands do not send on it.
var refreshChan = make(chan struct{}, 1)

// debugSleepDuration overrides the idle-loop tick length; set from the
// console for faster interactive testing.
var debugSleepDuration time.Duration

// fatalError waits for the hardware watchdog to reset the device, falling
// back to the watchdog-starvation reboot helper if it somehow doesn't.
func fatalError(msg string) {
	println(msg)
	systemHealthy = false
	for i := 0; i < 15; i++ {
		time.Sleep(time.Second)
	}
	println("watchdog did not fire - forcing reboot via starvation")
	rebootViaWatchdogStarvation()
	for {
		time.Sleep(time.Second)
	}
}

// rebootViaWatchdogStarvation resets the device by no longer feeding the
// hardware watchdog. The boot-time rollback, fatalError and the console's
// reboot command use it; the ROM reboot helpers in ota/ota.go are not
// called. The REST activate and rollback handlers do not call it either:
// they only switch the active bank, which takes effect at the next reset.
func rebootViaWatchdogStarvation() {
	systemHealthy = false
}

func main() {
	time.Sleep(2 * time.Second) // let USB serial settle before first println
	println("========================================")
	println("  OpenTrickler Firmware")
	println("  Version:", version.Version)
	println("  Git SHA:", version.GitSHA)
	println("  Built:  ", version.BuildDate)
	println("========================================")

	logger := slog.New(telemetry.NewSlogHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	netLogger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.Level(12), // above ERROR(8): suppress routine network-stack noise
	}))

	// --- OTA boot protocol (§4.4): decide rollback before anything else touches flash ---
	rawFlash := flash.NewMachineRawFlash()
	dev := flash.NewDevice(rawFlash, hwdrv.NewWatchdog())
	metaStore := ota.NewMetadataStore(rawFlash)

	outcome, err := ota.RunBootProtocol(metaStore, flash.BankA)
	if err != nil {
		println("ota:boot-protocol-error", err.Error())
	}
	switch outcome {
	case ota.BootRollbackAndReboot:
		println("ota:rolling-back, rebooting")
		rebootViaWatchdogStarvation()
		for {
			time.Sleep(time.Second)
		}
	case ota.BootRecovery:
		println("ota:both banks invalid, halting into recovery")
		// Fall through: the recovery push server below is still reachable
		// even with no valid application bank, since it lives in this
		// same binary.
	}

	active := metaStore.Current().ActiveBank
	println("ota:active bank", active.String())
	for i := 0; i < 3; i++ {
		setStatusBoot(true)
		time.Sleep(200 * time.Millisecond)
		setStatusBoot(false)
		time.Sleep(200 * time.Millisecond)
	}

	machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 8000})
	machine.Watchdog.Start()
	logger.Info("init:watchdog-started")

	if err := ota.ConfirmBoot(metaStore); err != nil {
		logger.Error("ota:confirm-boot-failed", slog.String("err", err.Error()))
	} else {
		logger.Info("ota:confirmed")
	}

	shortSHA := version.GitSHA
	if len(shortSHA) > 7 {
		shortSHA = shortSHA[:7]
	}
	logger.Info("init:complete",
		slog.String("version", version.Version),
		slog.String("sha", shortSHA),
		slog.String("bank", active.String()),
	)

	brokerAddr, err := config.BrokerAddr()
	if err != nil {
		logger.Warn("config:broker-invalid", slog.String("err", err.Error()))
	}

	// --- persistent tunables and profiles (§6.4) ---
	eepromBus := machine.I2C0
	eepromStore := eeprom.NewMachineStore(eepromBus, 1<<16)
	ee := eeprom.NewEEPROM(eepromStore)
	if _, err := ee.Read(); err != nil {
		logger.Warn("eeprom:fallback-to-defaults", slog.String("err", err.Error()))
	}
	profiles := profile.NewTable(ee)
	activeProfile, err := profiles.Select(0)
	if err != nil {
		fatalError("profile:select-failed - waiting for reset...")
	}

	// --- hardware drivers (capability interfaces, §9) ---
	drivers := charge.Drivers{
		Scale:   hwdrv.NewScale(1.0),
		Coarse:  hwdrv.NewCoarseMotor(100),
		Fine:    hwdrv.NewFineMotor(20),
		Gate:    hwdrv.NewGate(true),
		LED:     hwdrv.NewLED(),
		Buttons: hwdrv.NewButtons(),
	}

	tuningSession := tuning.NewSession(tuning.DefaultConfig())
	chargeCfg := chargeConfigFromEEPROM(ee)
	controller := charge.NewController(drivers, chargeCfg, activeProfile, tuningSession, dropRecorder{ee: ee})

	// --- OTA update pipeline (§4.4/§4.5) ---
	mgr := ota.NewManager(dev, metaStore)
	uploadSink := ota.NewUploadSink(mgr)

	// A firmware update and a charge cycle must never overlap (spec.md):
	// cross-wire each subsystem a read-only query into the other.
	mgr.SetChargeStateSource(controller)
	controller.SetOTAStateSource(mgr)

	// --- WiFi ---
	devcfg := cyw43439.DefaultWifiConfig()
	devcfg.Logger = netLogger
	cystack, err := cywnet.NewConfiguredPicoWithStack(
		credentials.SSID(),
		credentials.Password(),
		devcfg,
		cywnet.StackConfig{
			Hostname:    "opentrickler",
			MaxTCPPorts: 4, // REST API + console + OTA recovery + telemetry
		},
	)
	if err != nil {
		logger.Error("wifi:setup-failed", slog.String("err", err.Error()))
		fatalError("WiFi setup failed - waiting for reset...")
	}
	globalCyStack = cystack

	go loopForeverStack(cystack)

	dhcpResults, err := cystack.SetupWithDHCP(cywnet.DHCPConfig{
		RequestedAddr: netip.AddrFrom4(requestedIP),
	})
	if err != nil {
		logger.Error("dhcp:failed", slog.String("err", err.Error()))
		fatalError("DHCP failed - waiting for reset...")
	}
	logger.Info("dhcp:complete", slog.String("addr", dhcpResults.AssignedAddr.String()))
	dnsServers = dhcpResults.DNSServers

	stack := cystack.LnetoStack()

	logger.Info("ntp:init", slog.String("server", config.NTPServer()))
	if _, err := syncNTP(stack, dnsServers, logger); err != nil {
		logger.Warn("ntp:init-failed", slog.String("err", err.Error()))
	}

	collectorAddr, err := config.TelemetryCollectorAddr()
	if err != nil {
		logger.Warn("telemetry:config-invalid", slog.String("err", err.Error()))
	} else if err := telemetry.Init(stack, logger, collectorAddr); err != nil {
		logger.Warn("telemetry:init-failed", slog.String("err", err.Error()))
	}

	downloader := ota.NewDownloader(stack, "opentrickler/"+version.Version, uploadSink)

	server := &restapi.Server{
		Logger:   logger,
		Manager:  mgr,
		Metadata: metaStore,
		Upload:   uploadSink,
		Download: func(url string, expectedCRC32 uint32, versionHint string) error {
			return downloader.Download(url, expectedCRC32, versionHint)
		},
		Tuning:   tuningSession,
		Profiles: profiles,
		Charge:   controller,
		EEPROM:   ee,
	}
	go server.Listen(stack)

	go consoleServer(stack, logger, refreshChan, consoleDeps{
		eeprom:   ee,
		profiles: profiles,
		tuning:   tuningSession,
		charge:   controller,
		manager:  mgr,
		metadata: metaStore,
	})

	otaServerInit(stack, logger, uploadSink)

	lastHealthyAt = time.Now()

	// Idle loop: the charge cycle itself runs on the REST/console-driven
	// Controller goroutine, so main's only remaining job is periodic
	// housekeeping - watchdog, NTP resync, and publishing the most
	// recently completed drop to the fleet broker.
	for {
		feedWatchdogIfHealthy()

		telemetry.GenerateTraceID(stack)
		cycleSpanIdx := telemetry.StartServerSpan(stack, "idle-cycle")

		ntpSpanIdx := telemetry.StartSpan(stack, "ntp-resync")
		if _, err := syncNTP(stack, dnsServers, logger); err != nil {
			telemetry.EndSpan(ntpSpanIdx, false)
			logger.Warn("ntp:resync-failed", slog.String("err", err.Error()))
			consecutiveErr++
		} else {
			telemetry.EndSpan(ntpSpanIdx, true)
			consecutiveErr = 0
			lastHealthyAt = time.Now()
		}

		if rec, ok := drainPendingDrop(); ok {
			feedWatchdogIfHealthy()
			if brokerAddr.IsValid() {
				pubSpanIdx := telemetry.StartSpan(stack, "drop-publish")
				if err := telemetry.PublishDrop(stack, brokerAddr, config.ClientID(), rec); err != nil {
					telemetry.EndSpan(pubSpanIdx, false)
					logger.Warn("telemetry:drop-publish-failed", slog.String("err", err.Error()))
				} else {
					telemetry.EndSpan(pubSpanIdx, true)
				}
			}
		}

		checkSystemHealth(logger)
		telemetry.EndSpan(cycleSpanIdx, true)

		sleepWithRefreshCheck(config.WakeInterval(), refreshChan, logger)
	}
}

func setStatusBoot(on bool) {
	led := machine.Pin(25)
	led.Configure(machine.PinConfig{Mode: machine.PinOutput})
	led.Set(on)
}

func sleepWithRefreshCheck(duration time.Duration, refreshChan chan struct{}, logger *slog.Logger) {
	if debugSleepDuration > 0 {
		duration = debugSleepDuration
		logger.Info("sleep:using-debug-duration", slog.Duration("duration", duration))
	}

	checkInterval := 5 * time.Second
	if duration < checkInterval {
		checkInterval = duration
	}
	elapsed := time.Duration(0)

	for elapsed < duration {
		feedWatchdogIfHealthy()
		select {
		case <-refreshChan:
			return
		case <-time.After(checkInterval):
			elapsed += checkInterval
		}
	}
}

// feedWatchdogIfHealthy only feeds the watchdog if the system is healthy.
// When unhealthy, the watchdog times out and resets the device.
func feedWatchdogIfHealthy() {
	if systemHealthy {
		machine.Watchdog.Update()
	}
}

// checkSystemHealth mirrors the functional-watchdog contract (§5):
// repeated NTP failure or a long silence from the idle loop marks the
// system unhealthy, which stops the watchdog feed and lets it reset.
func checkSystemHealth(logger *slog.Logger) {
	if consecutiveErr >= maxConsecutiveErr {
		logger.Error("watchdog:unhealthy", slog.String("reason", "max consecutive errors"), slog.Int("count", consecutiveErr))
		systemHealthy = false
		return
	}
	if time.Since(lastHealthyAt).Minutes() >= maxMinutesUnreported {
		logger.Error("watchdog:unhealthy", slog.String("reason", "stale health"))
		systemHealthy = false
	}
}

// loopForeverStack processes network packets in the background.
func loopForeverStack(stack *cywnet.Stack) {
	var count int
	for {
		send, recv, _ := stack.RecvAndSend()
		if send == 0 && recv == 0 {
			time.Sleep(pollTime)
		}
		count++
		if count >= 100 {
			feedWatchdogIfHealthy()
			count = 0
		}
	}
}

var ntpFallbackServers = []string{
	"time.cloudflare.com",
	"time.google.com",
	"pool.ntp.org",
}

// syncNTP tries the configured server, then fallbacks, across all
// resolved addresses, with exponential backoff between attempts.
func syncNTP(stack *xnet.StackAsync, dnsServers []netip.Addr, logger *slog.Logger) (time.Duration, error) {
	servers := []string{config.NTPServer()}
	for _, fallback := range ntpFallbackServers {
		if fallback != servers[0] {
			servers = append(servers, fallback)
		}
	}

	rstack := stack.StackRetrying(pollTime)
	var lastErr error
	backoff := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for _, ntpHost := range servers {
		feedWatchdogIfHealthy()
		time.Sleep(100 * time.Millisecond)

		addrs, err := rstack.DoLookupIP(ntpHost, 5*time.Second, 2)
		if err != nil {
			lastErr = err
			sleepWithWatchdog(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		for i, addr := range addrs {
			feedWatchdogIfHealthy()
			time.Sleep(200 * time.Millisecond)

			offset, err := rstack.DoNTP(addr, 5*time.Second, 3)
			if err != nil {
				lastErr = err
				sleepWithWatchdog(backoff)
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}

			runtime.AdjustTimeOffset(int64(offset))
			logger.Info("ntp:synced",
				slog.String("server", ntpHost),
				slog.Int("addr_index", i),
				slog.Duration("offset", offset),
			)
			return offset, nil
		}
	}

	return 0, lastErr
}

func sleepWithWatchdog(d time.Duration) {
	for d > 0 {
		chunk := 2 * time.Second
		if d < chunk {
			chunk = d
		}
		time.Sleep(chunk)
		feedWatchdogIfHealthy()
		d -= chunk
	}
}
