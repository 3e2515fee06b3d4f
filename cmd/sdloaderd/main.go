//go:build tinygo

// WARNING: default -scheduler=cores unsupported, compile with -scheduler=tasks set!

// Command sdloaderd is the device firmware: stage-3 of the boot chain
// described for this loader family. It runs the orchestrator against
// whichever flash driver the platform build tag selects, starts the
// debug console and the network-triggered load receiver, and otherwise
// sits idle feeding the watchdog. The receiver starts disabled and
// nothing in this command calls netflash.Enable, so it accepts no load.
package main

import (
	"errors"
	"log/slog"
	"machine"
	"net/netip"
	"runtime"
	"time"

	"github.com/soypat/cyw43439"
	"github.com/soypat/cyw43439/examples/cywnet"
	"github.com/soypat/lneto/x/xnet"

	"github.com/crucible-systems/sdloader/config"
	"github.com/crucible-systems/sdloader/internal/console"
	"github.com/crucible-systems/sdloader/internal/flashdrv"
	"github.com/crucible-systems/sdloader/internal/ledstatus"
	"github.com/crucible-systems/sdloader/internal/netflash"
	"github.com/crucible-systems/sdloader/internal/orchestrator"
	"github.com/crucible-systems/sdloader/internal/proginfo"
	"github.com/crucible-systems/sdloader/internal/secrets"
	"github.com/crucible-systems/sdloader/internal/status"
	"github.com/crucible-systems/sdloader/internal/target"
	"github.com/crucible-systems/sdloader/internal/telemetry"
	"github.com/crucible-systems/sdloader/version"
)

// Flash geometry for this board's single application partition. The
// application region runs from XIP_BASE to flashEnd; the loader itself
// lives in the remainder of the 2MB part, up to partEnd (the boot
// command is kept in watchdog scratch registers, not in flash). Hardcoded per board, the same way the teacher's OTA
// partition offsets are.
const (
	flashEnd = target.XIPBase + 0x1F0000
	partEnd  = target.XIPBase + 0x200000
)

const pollTime = 5 * time.Millisecond

var requestedIP = [4]byte{192, 168, 1, 100}

var scratchRegs = proginfo.HardwareScratchRegs{}

func main() {
	time.Sleep(2 * time.Second) // let USB serial attach so early logs aren't lost

	println("========================================")
	println("  sdloader")
	println("  Version:", version.Version)
	println("  Git SHA:", version.GitSHA)
	println("  Built:  ", version.BuildDate)
	println("========================================")

	logger := slog.New(telemetry.NewSlogHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	netLogger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.Level(12), // above ERROR: silence routine network-stack noise
	}))

	ledstatus.SetLogger(logger)
	ledstatus.Init()

	machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 8000})
	machine.Watchdog.Start()
	logger.Info("init:watchdog-started")

	tgt := target.NewPlatformA(flashEnd)
	drv := flashdrv.NewROMDriver(flashEnd, partEnd)

	mode, arg, hadCmd := proginfo.Take(scratchRegs)
	logger.Info("bootcmd:read",
		slog.String("mode", modeName(mode)),
		slog.Bool("had_command", hadCmd),
		slog.Int("arg", int(arg)),
	)

	devcfg := cyw43439.DefaultWifiConfig()
	devcfg.Logger = netLogger
	cystack, err := cywnet.NewConfiguredPicoWithStack(
		secrets.SSID(),
		secrets.Password(),
		devcfg,
		cywnet.StackConfig{
			Hostname:    "sdloader",
			MaxTCPPorts: 3, // console + netflash + status
		},
	)
	if err != nil {
		logger.Error("wifi:setup-failed", slog.String("err", err.Error()))
		fatalError("WiFi setup failed - waiting for reset...")
	}

	go loopForeverStack(cystack)

	dhcpResults, err := cystack.SetupWithDHCP(cywnet.DHCPConfig{
		RequestedAddr: netip.AddrFrom4(requestedIP),
	})
	if err != nil {
		logger.Error("dhcp:failed", slog.String("err", err.Error()))
		fatalError("DHCP failed - waiting for reset...")
	}
	logger.Info("dhcp:complete", slog.String("addr", dhcpResults.AssignedAddr.String()))

	stack := cystack.LnetoStack()

	ntpSpan := telemetry.StartSpan(stack, "ntp-sync")
	if err := syncNTP(stack, logger); err != nil {
		telemetry.EndSpan(ntpSpan, false)
		logger.Warn("ntp:sync-failed", slog.String("err", err.Error()))
		logger.Warn("ntp:time-not-synced", slog.String("fallback", "device uptime only"))
	} else {
		telemetry.EndSpan(ntpSpan, true)
	}

	brokerAddr, err := config.BrokerAddr()
	if err != nil {
		logger.Warn("config:broker-invalid", slog.String("err", err.Error()))
	}
	publisher := status.NewPublisher(stack, brokerAddr, logger)
	go publisher.RepublishForever()

	orch := orchestrator.New(tgt, drv, func(msg string) {
		logger.Info("orchestrator:status", slog.String("msg", msg))
		publisher.Publish(msg)
	})

	go console.Run(stack, console.Deps{
		Target:      tgt,
		Reader:      drv,
		ScratchRegs: scratchRegs,
	}, logger)

	netflash.Init(stack, orch, config.NetflashPort(), logger)

	dispatch(mode, arg, tgt, drv, logger)

	for {
		machine.Watchdog.Update()
		time.Sleep(time.Second)
	}
}

// dispatch implements the stage-3 boot decision (spec'd mode switch):
// DEFAULT only logs whether an application is installed; SD, UPDATE and
// RAM each log that they are not implemented and fall through to the
// loader UI, which here means "wait for a load over netflash or the
// console" since the SD/FAT collaborator lives outside this repo.
func dispatch(mode proginfo.BootMode, arg uint32, tgt target.Target, drv flashdrv.Reader, logger *slog.Logger) {
	layout := tgt.ProgInfo()
	valid, err := proginfo.Valid(drv, layout)

	switch mode {
	case proginfo.ModeDefault:
		if err == nil && valid {
			logger.Info("dispatch:default-app-installed")
			ledstatus.Set(ledstatus.StateIdle)
		} else {
			logger.Info("dispatch:default-no-app")
			ledstatus.Set(ledstatus.StateIdle)
		}
	case proginfo.ModeSD:
		logger.Warn("dispatch:sd-not-wired", slog.String("reason", "SD/FAT driver is an external collaborator, not implemented here"))
		ledstatus.Set(ledstatus.StateIdle)
	case proginfo.ModeUpdate:
		logger.Warn("dispatch:update-not-implemented", slog.String("reason", "USB MSC firmware recovery is out of scope"))
		ledstatus.Set(ledstatus.StateIdle)
	case proginfo.ModeRAM:
		logger.Warn("dispatch:ram-not-implemented", slog.String("reason", "RAM execution is out of scope"), slog.Int("arg", int(arg)))
		ledstatus.Set(ledstatus.StateIdle)
	}
}

// syncNTP resolves config.NTPServer() and applies the first working
// reply's time offset via runtime.AdjustTimeOffset, so telemetry
// timestamps reflect wall-clock time instead of time since boot.
// Failure is non-fatal: the device has no battery-backed RTC, so without
// a sync it simply reports uptime-relative timestamps instead.
func syncNTP(stack *xnet.StackAsync, logger *slog.Logger) error {
	rstack := stack.StackRetrying(pollTime)

	server := config.NTPServer()
	logger.Info("ntp:trying", slog.String("server", server))

	addrs, err := rstack.DoLookupIP(server, 5*time.Second, 2)
	if err != nil {
		return err
	}

	var lastErr error
	for _, addr := range addrs {
		offset, err := rstack.DoNTP(addr, 5*time.Second, 3)
		if err != nil {
			lastErr = err
			continue
		}
		runtime.AdjustTimeOffset(int64(offset))
		logger.Info("ntp:synced",
			slog.String("server", server),
			slog.String("addr", addr.String()),
			slog.Duration("offset", offset),
		)
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("ntp: no addresses resolved")
	}
	return lastErr
}

func modeName(m proginfo.BootMode) string {
	switch m {
	case proginfo.ModeSD:
		return "SD"
	case proginfo.ModeUpdate:
		return "UPDATE"
	case proginfo.ModeRAM:
		return "RAM"
	default:
		return "DEFAULT"
	}
}

func fatalError(msg string) {
	println(msg)
	for i := 0; i < 15; i++ {
		time.Sleep(time.Second)
	}
	for {
		time.Sleep(time.Second)
	}
}

func loopForeverStack(stack *cywnet.Stack) {
	var count int
	for {
		send, recv, _ := stack.RecvAndSend()
		if send == 0 && recv == 0 {
			time.Sleep(pollTime)
		}
		count++
		if count >= 100 {
			machine.Watchdog.Update()
			count = 0
		}
	}
}
