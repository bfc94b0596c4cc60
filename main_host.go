//go:build !tinygo

package main

// Host build: runs the update mode against a simulated board so images can
// be pushed to a workstation. Flash partitions are files, the "WiFi" is the
// host's own network.

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"openenterprise/otamode/config"
	"openenterprise/otamode/credentials"
	"openenterprise/otamode/ota"
	"openenterprise/otamode/otaserver"
	"openenterprise/otamode/otaserver/tcplink"
	"openenterprise/otamode/status"
	"openenterprise/otamode/updatemode"
	"openenterprise/otamode/version"
)

const simFilesystemSize = 1 << 20

func main() {
	listen := flag.String("listen", "127.0.0.1", "Address the update listener binds")
	dir := flag.String("dir", ".", "Directory holding firmware.bin and filesystem.bin")
	joinPolls := flag.Int("join-polls", 2, "Status polls before the simulated link comes up")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	fmt.Fprintln(os.Stderr, "Openenterprise OTA mode (host)", version.Short())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	sim, err := newSimulator(simConfig{
		Host:      *listen,
		Dir:       *dir,
		JoinPolls: *joinPolls,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("sim:setup-failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer sim.Close()

	err = sim.mode.Run(ctx)
	logger.Info("mode:finished", slog.String("state", sim.mode.State()))
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("mode:failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

type simConfig struct {
	Host      string
	Dir       string
	JoinPolls int
	Logger    *slog.Logger
	// Listen overrides the tcplink listener, for tests.
	Listen func(port uint16) (otaserver.Listener, error)
	// Activated is called after a firmware image was verified.
	Activated func(cmd otaserver.Command)
	// PollInterval overrides the link poll period.
	PollInterval time.Duration
}

type simulator struct {
	mode   *updatemode.Mode
	srv    *otaserver.Server
	fw, fs *fileFlash
}

func newSimulator(cfg simConfig) (*simulator, error) {
	fw, err := openFileFlash(filepath.Join(cfg.Dir, "firmware.bin"), ota.DefaultLayout.MaxSize)
	if err != nil {
		return nil, err
	}
	fs, err := openFileFlash(filepath.Join(cfg.Dir, "filesystem.bin"), simFilesystemSize)
	if err != nil {
		fw.Close()
		return nil, err
	}
	activate := func(cmd otaserver.Command, f *fileFlash) func() error {
		return func() error {
			cfg.Logger.Info("sim:activate", slog.String("image", cmd.String()), slog.String("file", f.Name()))
			if cfg.Activated != nil {
				cfg.Activated(cmd)
			}
			return f.Sync()
		}
	}
	listen := cfg.Listen
	if listen == nil {
		listen = func(port uint16) (otaserver.Listener, error) {
			l, err := tcplink.Listen(cfg.Host, port)
			if err != nil {
				return nil, err
			}
			return l, nil
		}
	}

	srv := otaserver.New(otaserver.Config{
		Port:     config.OTAPort(),
		Password: credentials.OTAPassword(),
		Listen:   listen,
		Targets: map[otaserver.Command]otaserver.Target{
			otaserver.CommandFlash: &otaserver.FlashTarget{
				Flash: fw, Size: fw.size, SectorSize: ota.SectorSize, PageSize: ota.PageSize,
				Activate: activate(otaserver.CommandFlash, fw),
			},
			otaserver.CommandFilesystem: &otaserver.FlashTarget{
				Flash: fs, Size: fs.size, SectorSize: ota.SectorSize, PageSize: ota.PageSize,
				Activate: activate(otaserver.CommandFilesystem, fs),
			},
		},
		Logger: cfg.Logger,
	})

	ssid := credentials.SSID()
	if ssid == "" {
		ssid = "simulated"
	}
	hostname := config.Hostname()
	network := &hostNetwork{host: cfg.Host, joinPolls: cfg.JoinPolls}
	mode := updatemode.New(updatemode.Config{
		SSID:         ssid,
		Passphrase:   credentials.Password(),
		Hostname:     hostname,
		JoinAttempts: config.JoinAttempts(),
		JoinTimeout:  config.JoinTimeout(),
		PollInterval: cfg.PollInterval,
	}, network, srv, &logLED{logger: cfg.Logger}, cfg.Logger)

	broker, ok, err := config.BrokerAddr()
	switch {
	case err != nil:
		cfg.Logger.Warn("config:broker-invalid", slog.String("err", err.Error()))
	case ok:
		mode.SetNotifier(status.NewPublisher(status.Config{
			Dial: func(ctx context.Context) (io.ReadWriteCloser, error) {
				d := net.Dialer{Timeout: 10 * time.Second}
				return d.DialContext(ctx, "tcp", broker.String())
			},
			ClientID: hostname + "-sim",
			Version:  version.Short(),
			Logger:   cfg.Logger,
		}))
	}
	return &simulator{mode: mode, srv: srv, fw: fw, fs: fs}, nil
}

func (s *simulator) Close() error {
	return errors.Join(s.srv.Close(), s.fw.Close(), s.fs.Close())
}

// hostNetwork reports the host's address after a configurable number of
// status polls.
type hostNetwork struct {
	host      string
	joinPolls int
	polls     int
	addr      netip.Addr
}

func (n *hostNetwork) Join(ssid, pass string) error {
	addr, err := hostAddr(n.host)
	if err != nil {
		return err
	}
	n.addr = addr
	n.polls = 0
	return nil
}

func (n *hostNetwork) Status() updatemode.LinkStatus {
	if n.polls < n.joinPolls {
		n.polls++
		return updatemode.Connecting
	}
	return updatemode.Connected
}

func (n *hostNetwork) Addr() netip.Addr { return n.addr }

// hostAddr resolves the listen host to the address a pushing client should
// use. Unspecified hosts resolve to the first non-loopback IPv4 address.
func hostAddr(host string) (netip.Addr, error) {
	if host != "" {
		addr, err := netip.ParseAddr(host)
		if err != nil {
			return netip.Addr{}, err
		}
		if !addr.IsUnspecified() {
			return addr, nil
		}
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return netip.Addr{}, err
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipnet.IP)
		if ok && addr.Unmap().Is4() && !addr.IsLoopback() {
			return addr.Unmap(), nil
		}
	}
	return netip.AddrFrom4([4]byte{127, 0, 0, 1}), nil
}

// fileFlash is a flash partition backed by a file.
type fileFlash struct {
	*os.File
	size  uint32
	blank [ota.SectorSize]byte
}

func openFileFlash(path string, size uint32) (*fileFlash, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, err
	}
	ff := &fileFlash{File: f, size: size}
	for i := range ff.blank {
		ff.blank[i] = 0xff
	}
	return ff, nil
}

func (f *fileFlash) EraseSector(offset uint32) error {
	if offset%ota.SectorSize != 0 || offset+ota.SectorSize > f.size {
		return errors.New("sim: erase outside partition at " + strconv.Itoa(int(offset)))
	}
	_, err := f.WriteAt(f.blank[:], int64(offset))
	return err
}

func (f *fileFlash) Program(offset uint32, p []byte) error {
	if uint64(offset)+uint64(len(p)) > uint64(f.size) {
		return errors.New("sim: program outside partition at " + strconv.Itoa(int(offset)))
	}
	_, err := f.WriteAt(p, int64(offset))
	return err
}

// logLED stands in for the board LED.
type logLED struct {
	logger *slog.Logger
}

func (l *logLED) Set(on bool) {
	l.logger.Debug("led:set", slog.Bool("on", on))
}
