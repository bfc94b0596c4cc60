package otaserver

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

const (
	maxLineLen   = 128
	readPollTime = 10 * time.Millisecond
)

var errTimeout = errors.New("timeout")

// session runs one push from init line to VERIFIED (or failure).
type session struct {
	srv    *Server
	link   Link
	target Target
	hasher hash.Hash
	total  uint32
	size   uint32
	chunks int
}

func (s *session) run() error {
	cfg := &s.srv.cfg
	logger := cfg.Logger

	line, err := s.readLine(cfg.InitTimeout)
	if err != nil {
		return fail(ConnectError, "no init", err)
	}
	cmd, size, ok := parseInit(line)
	if !ok {
		s.reply(KeywordError, "bad init")
		return fail(ConnectError, "bad init "+strconv.Quote(line), nil)
	}
	s.srv.command = cmd
	s.size = size

	if cfg.Password != "" {
		if err := s.authenticate(); err != nil {
			s.reply(KeywordError, "auth failed")
			return err
		}
	}

	target := cfg.Targets[cmd]
	switch {
	case target == nil:
		s.reply(KeywordError, "unsupported image")
		return fail(BeginError, "no target for "+cmd.String(), nil)
	case size == 0:
		s.reply(KeywordError, "empty image")
		return fail(BeginError, "empty image", nil)
	case size > target.MaxSize():
		s.reply(KeywordError, "image too large")
		return fail(BeginError, "image too large", ErrImageTooLarge)
	}
	if err := target.Begin(size); err != nil {
		s.reply(KeywordError, "begin failed")
		return fail(BeginError, "target begin", err)
	}
	s.target = target
	s.hasher = sha256.New()

	s.reply(KeywordReady, strconv.FormatUint(uint64(target.MaxSize()), 10))
	logger.Info("ota:ready",
		slog.String("image", cmd.String()),
		slog.Int("size", int(size)),
	)
	if s.srv.onStart != nil {
		s.srv.onStart()
	}

	err = s.receive()
	if err != nil {
		target.Abort()
	}
	return err
}

func (s *session) authenticate() error {
	cfg := &s.srv.cfg
	var raw [4]byte
	binary.BigEndian.PutUint32(raw[:], cfg.Nonce())
	nonce := hex.EncodeToString(raw[:])
	s.reply(KeywordAuth, nonce)

	// The client may be prompting a person for the password.
	line, err := s.readLine(cfg.ReceiveTimeout)
	if err != nil {
		return fail(AuthError, "no auth response", err)
	}
	got, ok := strings.CutPrefix(line, KeywordAuth+" ")
	if !ok || !hmac.Equal([]byte(got), []byte(AuthResponse(cfg.Password, nonce))) {
		return fail(AuthError, "auth mismatch", nil)
	}
	return nil
}

func (s *session) receive() error {
	cfg := &s.srv.cfg
	logger := cfg.Logger
	chunk := s.srv.chunk[:]
	var head [4]byte

	for {
		if err := s.readFull(head[:], cfg.ReceiveTimeout); err != nil {
			return fail(ReceiveError, "read header", err)
		}
		if string(head[:]) == KeywordDone {
			return s.finish()
		}

		n := binary.LittleEndian.Uint32(head[:])
		if n == 0 || n > MaxChunkSize {
			s.reply(KeywordError, "bad chunk size")
			return fail(ReceiveError, "bad chunk size "+strconv.Itoa(int(n)), nil)
		}
		if s.total+n > s.size {
			s.reply(KeywordError, "image overrun")
			return fail(ReceiveError, "image overrun", ErrImageTooLarge)
		}
		if err := s.readFull(chunk[:n], cfg.ReceiveTimeout); err != nil {
			return fail(ReceiveError, "read chunk "+strconv.Itoa(s.chunks), err)
		}
		s.hasher.Write(chunk[:n])
		if err := s.target.Write(s.total, chunk[:n]); err != nil {
			s.reply(KeywordError, "write failed")
			return fail(ReceiveError, "write", err)
		}
		s.total += n
		s.chunks++
		if s.chunks%64 == 0 {
			logger.Debug("ota:chunk-received",
				slog.Int("chunk", s.chunks),
				slog.Int("total", int(s.total)),
			)
		}

		s.reply(KeywordAck, strconv.FormatUint(uint64(s.total), 10))
		if s.srv.onProgress != nil {
			s.srv.onProgress(s.total, s.size)
		}
	}
}

// finish handles "DONE <sha256>" once the 4-byte keyword has been read.
func (s *session) finish() error {
	cfg := &s.srv.cfg
	rest, err := s.readLine(cfg.ReceiveTimeout)
	if err != nil {
		return fail(EndError, "read digest", err)
	}
	want := strings.TrimSpace(rest)
	got := hex.EncodeToString(s.hasher.Sum(nil))

	cfg.Logger.Info("ota:verifying",
		slog.Int("bytes", int(s.total)),
		slog.Int("chunks", s.chunks),
		slog.String("sha256", got),
	)
	if s.total != s.size {
		s.reply(KeywordError, "size mismatch")
		return fail(EndError, "size mismatch "+strconv.Itoa(int(s.total))+"/"+strconv.Itoa(int(s.size)), nil)
	}
	if want == "" || want != got {
		s.reply(KeywordError, "hash mismatch")
		return fail(EndError, "hash mismatch", nil)
	}
	if err := s.target.Flush(); err != nil {
		s.reply(KeywordError, "write failed")
		return fail(EndError, "flush", err)
	}
	s.reply(KeywordVerified, "")

	if s.srv.onEnd != nil {
		s.srv.onEnd()
	}
	if err := s.target.Finish(); err != nil {
		return fail(EndError, "activate", err)
	}
	return nil
}

func (s *session) reply(keyword, arg string) {
	var buf [maxLineLen]byte
	b := append(buf[:0], keyword...)
	if arg != "" {
		b = append(b, ' ')
		b = append(b, arg...)
	}
	b = append(b, '\n')
	s.link.Write(b)
	s.link.Flush()
}

// readFull reads exactly len(p) bytes within timeout.
func (s *session) readFull(p []byte, timeout time.Duration) error {
	return s.readFullBy(p, s.srv.cfg.Now().Add(timeout))
}

func (s *session) readFullBy(p []byte, deadline time.Time) error {
	cfg := &s.srv.cfg
	got := 0
	for got < len(p) {
		n, err := s.link.Read(p[got:])
		got += n
		if err != nil {
			if got == len(p) {
				return nil
			}
			return err
		}
		if n == 0 {
			if !cfg.Now().Before(deadline) {
				return errTimeout
			}
			cfg.Sleep(readPollTime)
		}
	}
	return nil
}

// readLine reads up to and excluding '\n', trimming a trailing '\r'. The
// whole line must arrive within timeout.
func (s *session) readLine(timeout time.Duration) (string, error) {
	var buf [maxLineLen]byte
	var b [1]byte
	deadline := s.srv.cfg.Now().Add(timeout)
	n := 0
	for n < len(buf) {
		if err := s.readFullBy(b[:], deadline); err != nil {
			if errors.Is(err, io.EOF) && n > 0 {
				break
			}
			return "", err
		}
		if b[0] == '\n' {
			break
		}
		buf[n] = b[0]
		n++
	}
	return strings.TrimSuffix(string(buf[:n]), "\r"), nil
}
