//go:build tinygo

package main

// WARNING: default -scheduler=cores unsupported, compile with -scheduler=tasks set!

import (
	"context"
	"log/slog"
	"machine"
	"time"

	"openenterprise/otamode/config"
	"openenterprise/otamode/credentials"
	"openenterprise/otamode/ota"
	"openenterprise/otamode/otaserver"
	"openenterprise/otamode/status"
	"openenterprise/otamode/updatemode"
	"openenterprise/otamode/version"
)

func main() {
	// Confirm the running image before anything else: the bootrom reverts
	// an unconfirmed partition 16.7s after boot.
	confirmErr := ota.ConfirmPartition()

	time.Sleep(2 * time.Second) // Give time to connect to USB and monitor output.
	println("========================================")
	println("  Openenterprise OTA mode")
	println("  Version:", version.Short())
	println("  Built:  ", version.BuildDate)
	println("========================================")

	logger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	// cywnet logs dropped packets at ERROR, which is normal for WiFi.
	netLogger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.Level(12),
	}))

	if confirmErr != nil {
		logger.Warn("ota:confirm-failed", slog.String("err", confirmErr.Error()))
	}
	current := ota.CurrentPartition()
	target := ota.Other(current)
	logger.Info("ota:partitions",
		slog.Int("booted", current),
		slog.Int("target", target),
		slog.Int("data-size", int(ota.DefaultLayout.DataSize())),
	)

	go keepAlive()

	ctx, cancel := context.WithCancel(context.Background())
	go watchAbort(pinAbort, cancel)

	hostname := config.Hostname()
	pn := &picoNetwork{hostname: hostname, logger: logger, netLogger: netLogger}
	ota.SetShutdown(func() {
		logger.Info("ota:wifi-shutdown")
		time.Sleep(100 * time.Millisecond) // Allow pending packets to drain
	})

	layout := ota.DefaultLayout
	var mode *updatemode.Mode

	srv := otaserver.New(otaserver.Config{
		Port:     config.OTAPort(),
		Password: credentials.OTAPassword(),
		Listen:   listenOTA(pn),
		Targets: map[otaserver.Command]otaserver.Target{
			otaserver.CommandFlash: &otaserver.FlashTarget{
				Flash:      &ota.ROM{},
				Base:       layout.Offset(target),
				Size:       layout.MaxSize,
				SectorSize: ota.SectorSize,
				PageSize:   ota.PageSize,
				Activate: func() error {
					// The reboot does not return to the service loop.
					mode.PublishPending(ctx)
					time.Sleep(500 * time.Millisecond) // let VERIFIED reach the client
					return ota.RebootToPartition(layout, target)
				},
			},
			// Data region past both partitions; machine.Flash would
			// overlap partition B.
			otaserver.CommandFilesystem: &otaserver.FlashTarget{
				Flash:      &ota.ROM{},
				Base:       layout.DataOffset(),
				Size:       layout.DataSize(),
				SectorSize: ota.SectorSize,
				PageSize:   ota.PageSize,
			},
		},
		Nonce: func() uint32 {
			if s := pn.stack(); s != nil {
				return s.Prand32()
			}
			return uint32(time.Now().UnixNano())
		},
		Logger: logger,
	})

	mode = updatemode.New(updatemode.Config{
		SSID:         credentials.SSID(),
		Passphrase:   credentials.Password(),
		Hostname:     hostname,
		JoinAttempts: config.JoinAttempts(),
		JoinTimeout:  config.JoinTimeout(),
	}, pn, srv, newLED(pinLED), logger)

	broker, ok, err := config.BrokerAddr()
	switch {
	case err != nil:
		logger.Warn("config:broker-invalid", slog.String("err", err.Error()))
	case ok:
		logger.Info("config:broker", slog.String("addr", broker.String()))
		mode.SetNotifier(status.NewPublisher(status.Config{
			Dial:     dialBroker(pn, broker),
			ClientID: hostname,
			Version:  version.Short(),
			Logger:   logger,
			PacketID: func() uint16 { return uint16(pn.stack().Prand32()) },
		}))
	}

	err = mode.Run(ctx)
	logger.Info("mode:finished", slog.String("state", mode.State()), slog.String("err", errString(err)))
	srv.Close()

	time.Sleep(time.Second)
	ota.Reboot()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
