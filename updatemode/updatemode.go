// Package updatemode implements the device's OTA update mode: bring up the
// network, hand the hostname and lifecycle callbacks to the update service,
// then service update requests until the mode is cancelled.
package updatemode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"openenterprise/otamode/otaserver"
	"openenterprise/otamode/status"

	"github.com/cenkalti/backoff/v4"
	"github.com/looplab/fsm"
)

// LinkStatus is the connection state reported by the network.
type LinkStatus uint8

const (
	Disconnected LinkStatus = iota
	Connecting
	Connected
)

func (s LinkStatus) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Network joins a WiFi network and reports its progress.
type Network interface {
	// Join starts joining. It may return before the link is up.
	Join(ssid, passphrase string) error
	Status() LinkStatus
	Addr() netip.Addr
}

// UpdateService receives images. otaserver.Server implements it.
type UpdateService interface {
	SetHostname(name string)
	OnStart(func())
	OnEnd(func())
	OnProgress(func(progress, total uint32))
	OnError(func(otaserver.ErrorCode))
	// Command is the payload discriminator, valid inside the start callback.
	Command() otaserver.Command
	Begin() error
	Handle() error
}

// Indicator is the status LED.
type Indicator interface {
	Set(on bool)
}

// Notifier receives mode events for remote reporting. Errors are logged only.
type Notifier interface {
	Notify(ctx context.Context, ev status.Event) error
}

// Config is the provisioned part of the mode.
type Config struct {
	SSID       string
	Passphrase string
	Hostname   string

	// PollInterval is the wait between link status polls.
	PollInterval time.Duration
	// JoinTimeout bounds a single join attempt.
	JoinTimeout time.Duration
	// JoinAttempts is the number of join attempts before giving up.
	JoinAttempts int
	// RetryInterval and MaxRetryInterval shape the backoff between attempts.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
	// ServiceInterval is yielded between update service polls.
	ServiceInterval time.Duration
}

const (
	DefaultPollInterval     = time.Second
	DefaultJoinTimeout      = 30 * time.Second
	DefaultJoinAttempts     = 5
	DefaultRetryInterval    = 2 * time.Second
	DefaultMaxRetryInterval = 30 * time.Second
	DefaultServiceInterval  = 5 * time.Millisecond
)

var (
	ErrNoSSID       = errors.New("updatemode: no ssid configured")
	ErrNoHostname   = errors.New("updatemode: no hostname configured")
	ErrJoinFailed   = errors.New("updatemode: could not join network")
	ErrJoinTimedOut = errors.New("updatemode: join timed out")
)

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	if c.JoinAttempts <= 0 {
		c.JoinAttempts = DefaultJoinAttempts
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.MaxRetryInterval < c.RetryInterval {
		c.MaxRetryInterval = max(DefaultMaxRetryInterval, c.RetryInterval)
	}
	if c.ServiceInterval <= 0 {
		c.ServiceInterval = DefaultServiceInterval
	}
}

// Mode states.
const (
	StateIdle       = "idle"
	StateConnecting = "connecting"
	StateConnected  = "connected"
	StateServing    = "serving"
	StateFailed     = "failed"
)

const (
	eventJoin   = "join"
	eventLinkUp = "link-up"
	eventServe  = "serve"
	eventFail   = "fail"
)

// Mode is the update mode entry routine.
type Mode struct {
	cfg    Config
	net    Network
	svc    UpdateService
	led    Indicator
	logger *slog.Logger
	notify Notifier

	machine *fsm.FSM
	lastPct int64 // -1 until the first progress report of a session
	ledOn   bool
	// Events raised inside a session, published between service polls.
	pending []status.Event

	// sleep waits d or until ctx is done.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Mode. logger may be nil.
func New(cfg Config, net Network, svc UpdateService, led Indicator, logger *slog.Logger) *Mode {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := &Mode{
		cfg:     cfg,
		net:     net,
		svc:     svc,
		led:     led,
		logger:  logger,
		lastPct: -1,
		sleep:   sleepContext,
	}
	m.machine = fsm.NewFSM(StateIdle,
		fsm.Events{
			{Name: eventJoin, Src: []string{StateIdle}, Dst: StateConnecting},
			{Name: eventLinkUp, Src: []string{StateConnecting}, Dst: StateConnected},
			{Name: eventServe, Src: []string{StateConnected}, Dst: StateServing},
			{Name: eventFail, Src: []string{StateIdle, StateConnecting, StateConnected, StateServing}, Dst: StateFailed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.logger.Debug("mode:state", slog.String("from", e.Src), slog.String("to", e.Dst))
			},
		},
	)
	return m
}

// SetNotifier attaches a remote event sink.
func (m *Mode) SetNotifier(n Notifier) { m.notify = n }

// State returns the current mode state.
func (m *Mode) State() string { return m.machine.Current() }

// Run enters update mode. It returns only when ctx is cancelled (ctx.Err())
// or when the mode cannot be established (ErrJoinFailed, Begin errors).
func (m *Mode) Run(ctx context.Context) error {
	if m.cfg.SSID == "" {
		return ErrNoSSID
	}
	if m.cfg.Hostname == "" {
		return ErrNoHostname
	}

	m.logger.Info("Entering OTA mode...")
	m.setLED(true)

	m.transition(ctx, eventJoin)
	if err := m.connect(ctx); err != nil {
		m.transition(ctx, eventFail)
		m.publish(ctx, status.Event{Kind: status.Failed, Detail: err.Error()})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	m.transition(ctx, eventLinkUp)
	addr := m.net.Addr()
	m.logger.Info("IP Address is: " + addr.String())

	m.svc.SetHostname(m.cfg.Hostname)
	m.svc.OnStart(m.handleStart)
	m.svc.OnEnd(m.handleEnd)
	m.svc.OnProgress(m.handleProgress)
	m.svc.OnError(m.handleError)

	if err := m.svc.Begin(); err != nil {
		m.logger.Error("mode:begin-failed", slog.String("err", err.Error()))
		m.transition(ctx, eventFail)
		m.publish(ctx, status.Event{Kind: status.Failed, Detail: err.Error()})
		return fmt.Errorf("updatemode: start update service: %w", err)
	}
	m.transition(ctx, eventServe)
	m.logger.Info("OTA Ready. Connect to your device's IP address for updates.",
		slog.String("hostname", m.cfg.Hostname),
	)
	m.publish(ctx, status.Event{Kind: status.Ready, Addr: addr})

	return m.serve(ctx)
}

// connect joins the network, retrying with exponential backoff.
func (m *Mode) connect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryInterval
	b.MaxInterval = m.cfg.MaxRetryInterval
	b.MaxElapsedTime = 0
	b.Reset()
	policy := backoff.WithMaxRetries(b, uint64(m.cfg.JoinAttempts-1))

	for attempt := 1; ; attempt++ {
		err := m.joinOnce(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		next := policy.NextBackOff()
		m.logger.Warn("wifi:join-failed",
			slog.Int("attempt", attempt),
			slog.Int("max", m.cfg.JoinAttempts),
			slog.String("err", err.Error()),
		)
		if next == backoff.Stop {
			return fmt.Errorf("%w after %d attempts: %w", ErrJoinFailed, attempt, err)
		}
		if err := m.sleep(ctx, next); err != nil {
			return err
		}
	}
}

// joinOnce starts a join and polls the link until it is up or the attempt
// times out.
func (m *Mode) joinOnce(ctx context.Context) error {
	if err := m.net.Join(m.cfg.SSID, m.cfg.Passphrase); err != nil {
		return err
	}
	polls := max(1, int(m.cfg.JoinTimeout/m.cfg.PollInterval))
	for i := 0; ; i++ {
		if m.net.Status() == Connected {
			return nil
		}
		if i >= polls {
			return ErrJoinTimedOut
		}
		if err := m.sleep(ctx, m.cfg.PollInterval); err != nil {
			return err
		}
		m.logger.Info("Connecting to WiFi...")
	}
}

func (m *Mode) serve(ctx context.Context) error {
	for {
		if err := m.svc.Handle(); err != nil {
			m.logger.Error("mode:handle", slog.String("err", err.Error()))
		}
		m.PublishPending(ctx)
		if err := m.sleep(ctx, m.cfg.ServiceInterval); err != nil {
			m.logger.Info("mode:exit", slog.String("reason", err.Error()))
			return err
		}
	}
}

func (m *Mode) handleStart() {
	cmd := m.svc.Command()
	m.lastPct = -1
	m.logger.Info("Start updating " + CommandLabel(cmd))
	m.queue(status.Event{Kind: status.Start, Image: cmd})
}

func (m *Mode) handleEnd() {
	m.logger.Info("End")
	m.setLED(true)
	m.queue(status.Event{Kind: status.End, Image: m.svc.Command()})
}

func (m *Mode) handleProgress(progress, total uint32) {
	pct := otaserver.Percent(progress, total)
	if int64(pct) == m.lastPct {
		return
	}
	m.lastPct = int64(pct)
	m.setLED(!m.ledOn)
	m.logger.Info(fmt.Sprintf("Progress: %d%%", pct))
}

func (m *Mode) handleError(code otaserver.ErrorCode) {
	label := ErrorLabel(code)
	m.logger.Error(fmt.Sprintf("Error[%d]: %s", code, label))
	m.setLED(true)
	m.queue(status.Event{Kind: status.Error, Image: m.svc.Command(), Detail: label})
}

func (m *Mode) setLED(on bool) {
	m.ledOn = on
	if m.led != nil {
		m.led.Set(on)
	}
}

func (m *Mode) transition(ctx context.Context, event string) {
	if err := m.machine.Event(context.WithoutCancel(ctx), event); err != nil {
		m.logger.Debug("mode:transition", slog.String("event", event), slog.String("err", err.Error()))
	}
}

func (m *Mode) queue(ev status.Event) {
	if m.notify == nil {
		return
	}
	m.pending = append(m.pending, ev)
}

// PublishPending sends the events queued during the last session. The
// service loop calls it after every Handle; an image activation that does
// not return should call it first.
func (m *Mode) PublishPending(ctx context.Context) {
	for i, ev := range m.pending {
		m.publish(ctx, ev)
		m.pending[i] = status.Event{}
	}
	m.pending = m.pending[:0]
}

func (m *Mode) publish(ctx context.Context, ev status.Event) {
	if m.notify == nil {
		return
	}
	ev.Hostname = m.cfg.Hostname
	if err := m.notify.Notify(ctx, ev); err != nil {
		m.logger.Warn("status:publish-failed", slog.String("event", ev.Kind.String()), slog.String("err", err.Error()))
	}
}

// CommandLabel names the image kind as it appears in the start message.
func CommandLabel(cmd otaserver.Command) string {
	if cmd == otaserver.CommandFlash {
		return "sketch"
	}
	return "filesystem"
}

// ErrorLabel is the human-readable form of an update error code.
func ErrorLabel(code otaserver.ErrorCode) string {
	switch code {
	case otaserver.AuthError:
		return "Auth Failed"
	case otaserver.BeginError:
		return "Begin Failed"
	case otaserver.ConnectError:
		return "Connect Failed"
	case otaserver.ReceiveError:
		return "Receive Failed"
	case otaserver.EndError:
		return "End Failed"
	default:
		return "Unknown Error"
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
