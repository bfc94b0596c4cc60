// Package status publishes update mode events to an MQTT broker so that a
// fleet dashboard can follow a device through an update.
package status

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"time"

	"openenterprise/otamode/otaserver"

	mqtt "github.com/soypat/natiu-mqtt"
)

// Kind is the type of an update mode event.
type Kind uint8

const (
	Ready  Kind = iota // listener bound, waiting for a push
	Start              // session accepted
	End                // image verified
	Error              // session failed
	Failed             // update mode could not be established
)

func (k Kind) String() string {
	switch k {
	case Ready:
		return "ready"
	case Start:
		return "start"
	case End:
		return "end"
	case Error:
		return "error"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is one published status document.
type Event struct {
	Kind     Kind
	Hostname string
	Image    otaserver.Command
	Detail   string
	Addr     netip.Addr
	Version  string
}

const (
	connectPolls = 50
	pollInterval = 100 * time.Millisecond
	userBufSize  = 512
)

var (
	ErrConnectTimeout = errors.New("status: mqtt connect timeout")
	ErrNoHostname     = errors.New("status: event without hostname")
)

var pubFlags, _ = mqtt.NewPublishFlags(mqtt.QoS0, false, false)

// Config configures a Publisher.
type Config struct {
	// Dial opens a connection to the broker. A nil Dial disables publishing.
	Dial     func(ctx context.Context) (io.ReadWriteCloser, error)
	ClientID string
	// Version is stamped on every event that does not carry one.
	Version string
	Logger  *slog.Logger
	// Sleep is replaced in tests.
	Sleep func(time.Duration)
	// PacketID returns publish packet identifiers.
	PacketID func() uint16
}

// Publisher sends each event over a short-lived MQTT session.
type Publisher struct {
	cfg     Config
	userBuf [userBufSize]byte
	payload []byte
	topic   []byte
}

func NewPublisher(cfg Config) *Publisher {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	if cfg.PacketID == nil {
		var id uint16
		cfg.PacketID = func() uint16 { id++; return id }
	}
	return &Publisher{cfg: cfg}
}

// Enabled reports whether a broker is configured.
func (p *Publisher) Enabled() bool { return p.cfg.Dial != nil }

// Topic returns the status topic for hostname.
func Topic(hostname string) string { return hostname + "/ota/status" }

// Notify publishes ev and closes the session.
func (p *Publisher) Notify(ctx context.Context, ev Event) error {
	if p.cfg.Dial == nil {
		return nil
	}
	if ev.Hostname == "" {
		return ErrNoHostname
	}
	if ev.Version == "" {
		ev.Version = p.cfg.Version
	}
	logger := p.cfg.Logger

	conn, err := p.cfg.Dial(ctx)
	if err != nil {
		logger.Error("mqtt:dial-failed", slog.String("err", err.Error()))
		return err
	}
	defer conn.Close()

	client := mqtt.NewClient(mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: p.userBuf[:]},
		OnPub: func(mqtt.Header, mqtt.VariablesPublish, io.Reader) error {
			return nil
		},
	})
	var varconn mqtt.VariablesConnect
	varconn.SetDefaultMQTT([]byte(p.cfg.ClientID))

	if err := client.StartConnect(conn, &varconn); err != nil {
		logger.Error("mqtt:start-connect-failed", slog.String("err", err.Error()))
		return err
	}
	for i := 0; i < connectPolls && !client.IsConnected(); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := client.HandleNext(); err != nil {
			logger.Debug("mqtt:handle-next", slog.String("err", err.Error()))
		}
		if !client.IsConnected() {
			p.cfg.Sleep(pollInterval)
		}
	}
	if !client.IsConnected() {
		logger.Error("mqtt:connect-timeout")
		return ErrConnectTimeout
	}

	p.topic = append(p.topic[:0], Topic(ev.Hostname)...)
	p.payload = ev.AppendJSON(p.payload[:0])
	err = client.PublishPayload(pubFlags, mqtt.VariablesPublish{
		TopicName:        p.topic,
		PacketIdentifier: p.cfg.PacketID(),
	}, p.payload)
	if err != nil {
		logger.Error("mqtt:publish-failed", slog.String("err", err.Error()))
		return err
	}
	logger.Debug("mqtt:published",
		slog.String("topic", string(p.topic)),
		slog.String("event", ev.Kind.String()),
	)
	client.Disconnect(errors.New("status published"))
	return nil
}

// AppendJSON appends ev as a JSON object. Empty fields are omitted.
func (ev Event) AppendJSON(b []byte) []byte {
	b = append(b, `{"event":`...)
	b = appendString(b, ev.Kind.String())
	b = append(b, `,"hostname":`...)
	b = appendString(b, ev.Hostname)
	if ev.Kind == Start || ev.Kind == End || ev.Kind == Error {
		b = append(b, `,"image":`...)
		b = appendString(b, ev.Image.String())
	}
	if ev.Detail != "" {
		b = append(b, `,"detail":`...)
		b = appendString(b, ev.Detail)
	}
	if ev.Addr.IsValid() {
		b = append(b, `,"addr":`...)
		b = appendString(b, ev.Addr.String())
	}
	if ev.Version != "" {
		b = append(b, `,"version":`...)
		b = appendString(b, ev.Version)
	}
	return append(b, '}')
}

func appendString(b []byte, s string) []byte {
	const hexDigits = "0123456789abcdef"
	b = append(b, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			b = append(b, '\\', '"')
		case '\\':
			b = append(b, '\\', '\\')
		case '\n':
			b = append(b, '\\', 'n')
		case '\r':
			b = append(b, '\\', 'r')
		case '\t':
			b = append(b, '\\', 't')
		default:
			if c < 0x20 {
				b = append(b, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
			} else {
				b = append(b, c)
			}
		}
	}
	return append(b, '"')
}
