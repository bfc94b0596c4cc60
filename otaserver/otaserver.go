// Package otaserver is the firmware update service: it binds a TCP listener,
// accepts one push session at a time and writes the received image into a
// flash target, reporting lifecycle events through registered callbacks.
package otaserver

import (
	"errors"
	"log/slog"
	"time"
)

// Command identifies which image a session delivers.
type Command uint8

const (
	CommandFlash      Command = iota // primary program image
	CommandFilesystem                // data partition image
)

// String returns the wire name of the command.
func (c Command) String() string {
	switch c {
	case CommandFlash:
		return "firmware"
	case CommandFilesystem:
		return "filesystem"
	default:
		return "unknown"
	}
}

// ParseCommand parses a wire name as sent in the OTA init line.
func ParseCommand(s string) (Command, bool) {
	switch s {
	case "firmware", "flash":
		return CommandFlash, true
	case "filesystem", "fs":
		return CommandFilesystem, true
	}
	return 0, false
}

// ErrorCode classifies a failed session.
type ErrorCode uint8

const (
	AuthError ErrorCode = iota
	BeginError
	ConnectError
	ReceiveError
	EndError
)

// Error is returned by a session that failed. Code is reported to the
// error callback, Reason is sent to the client and logged.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

func fail(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// Defaults.
const (
	DefaultPort           = uint16(4242)
	DefaultInitTimeout    = 10 * time.Second
	DefaultReceiveTimeout = 30 * time.Second
	MaxChunkSize          = 4096
)

var (
	ErrNotStarted   = errors.New("otaserver: not started")
	ErrNoListenFunc = errors.New("otaserver: no listen func")
)

// Link is an accepted client connection. Read must not block for long:
// it returns 0, nil when no data is available yet.
type Link interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Flush() error
	Close() error
	RemoteAddr() string
}

// Listener hands out pending connections without blocking. Accept returns
// nil, nil when no client is waiting.
type Listener interface {
	Accept() (Link, error)
	Close() error
}

// Config holds the collaborators and tunables of a Server.
type Config struct {
	Port uint16
	// Password enables the challenge step when non-empty.
	Password string
	// Listen binds the port. Called by Begin.
	Listen func(port uint16) (Listener, error)
	// Targets maps each accepted command to its destination.
	Targets map[Command]Target
	// Nonce returns random bits for the auth challenge.
	Nonce func() uint32

	InitTimeout    time.Duration
	ReceiveTimeout time.Duration

	Logger *slog.Logger

	// Sleep and Now are replaced in tests.
	Sleep func(time.Duration)
	Now   func() time.Time
}

// Server is the update service. It is driven from a single goroutine:
// Begin once, then Handle repeatedly.
type Server struct {
	cfg      Config
	hostname string
	listener Listener
	command  Command

	onStart    func()
	onEnd      func()
	onProgress func(progress, total uint32)
	onError    func(ErrorCode)

	chunk [MaxChunkSize]byte
}

// New returns a Server with defaults applied to cfg.
func New(cfg Config) *Server {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.InitTimeout == 0 {
		cfg.InitTimeout = DefaultInitTimeout
	}
	if cfg.ReceiveTimeout == 0 {
		cfg.ReceiveTimeout = DefaultReceiveTimeout
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Nonce == nil {
		cfg.Nonce = func() uint32 { return uint32(time.Now().UnixNano()) }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Server{cfg: cfg}
}

// SetHostname records the name the device advertises. The name is sent to
// the network stack by the caller; the server only reports it.
func (s *Server) SetHostname(name string) { s.hostname = name }

// Hostname returns the advertised name.
func (s *Server) Hostname() string { return s.hostname }

func (s *Server) OnStart(fn func())                          { s.onStart = fn }
func (s *Server) OnEnd(fn func())                            { s.onEnd = fn }
func (s *Server) OnProgress(fn func(progress, total uint32)) { s.onProgress = fn }
func (s *Server) OnError(fn func(ErrorCode))                 { s.onError = fn }

// Command reports the payload kind of the current or most recent session.
// It is meaningful inside the start callback.
func (s *Server) Command() Command { return s.command }

// Port returns the listening port.
func (s *Server) Port() uint16 { return s.cfg.Port }

// Begin binds the listener.
func (s *Server) Begin() error {
	if s.cfg.Listen == nil {
		return ErrNoListenFunc
	}
	l, err := s.cfg.Listen(s.cfg.Port)
	if err != nil {
		return err
	}
	s.listener = l
	s.cfg.Logger.Info("ota:listening",
		slog.Int("port", int(s.cfg.Port)),
		slog.String("hostname", s.hostname),
	)
	return nil
}

// Handle services at most one pending client. It returns immediately when
// nobody is connecting and blocks for the duration of a session otherwise.
func (s *Server) Handle() error {
	if s.listener == nil {
		return ErrNotStarted
	}
	link, err := s.listener.Accept()
	if err != nil || link == nil {
		return err
	}
	logger := s.cfg.Logger
	logger.Info("ota:connected", slog.String("ip", link.RemoteAddr()))

	sess := &session{srv: s, link: link}
	err = sess.run()
	link.Close()

	var oerr *Error
	if errors.As(err, &oerr) {
		logger.Error("ota:session-failed",
			slog.Int("code", int(oerr.Code)),
			slog.String("err", oerr.Error()),
		)
		if s.onError != nil {
			s.onError(oerr.Code)
		}
	}
	logger.Info("ota:disconnected")
	return nil
}

// Close releases the listener.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.listener = nil
	return err
}
