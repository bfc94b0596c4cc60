// Package otaclient is the pushing side of the otaserver protocol.
package otaclient

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"openenterprise/otamode/otaserver"
)

var (
	ErrPasswordRequired = errors.New("otaclient: device requires a password")
	ErrEmptyImage       = errors.New("otaclient: empty image")
)

// RejectedError is an ERROR reply from the device.
type RejectedError struct {
	Stage  string
	Reason string
}

func (e *RejectedError) Error() string {
	return "otaclient: device rejected " + e.Stage + ": " + e.Reason
}

// Options configures a push.
type Options struct {
	Command  otaserver.Command
	Password string
	// Challenge supplies the password when the device asks for one and
	// Password is empty. It is not called for devices without a password.
	Challenge func() (string, error)
	// ChunkSize defaults to otaserver.MaxChunkSize.
	ChunkSize int
	// Progress is called after each acknowledged chunk.
	Progress func(sent, total uint32)
	// Ready is called with the device's capacity once it accepted the push.
	Ready func(max uint32)
}

// Push sends image over rw and waits for the device to verify it.
// Timeouts are the caller's business, typically via connection deadlines.
func Push(rw io.ReadWriter, image []byte, opt Options) error {
	if len(image) == 0 {
		return ErrEmptyImage
	}
	chunk := opt.ChunkSize
	if chunk <= 0 || chunk > otaserver.MaxChunkSize {
		chunk = otaserver.MaxChunkSize
	}
	total := uint32(len(image))
	r := bufio.NewReader(rw)

	if _, err := io.WriteString(rw, otaserver.InitLine(opt.Command, total)); err != nil {
		return fmt.Errorf("send init: %w", err)
	}
	line, err := readLine(r)
	if err != nil {
		return fmt.Errorf("read ready: %w", err)
	}
	if nonce, ok := strings.CutPrefix(line, otaserver.KeywordAuth+" "); ok {
		password := opt.Password
		if password == "" && opt.Challenge != nil {
			pw, err := opt.Challenge()
			if err != nil {
				return fmt.Errorf("%w: %w", ErrPasswordRequired, err)
			}
			password = pw
		}
		if password == "" {
			return ErrPasswordRequired
		}
		resp := otaserver.KeywordAuth + " " + otaserver.AuthResponse(password, nonce) + "\n"
		if _, err := io.WriteString(rw, resp); err != nil {
			return fmt.Errorf("send auth: %w", err)
		}
		if line, err = readLine(r); err != nil {
			return fmt.Errorf("read ready: %w", err)
		}
	}
	arg, err := expect(line, otaserver.KeywordReady, "push")
	if err != nil {
		return err
	}
	if opt.Ready != nil {
		max, _ := strconv.ParseUint(arg, 10, 32)
		opt.Ready(uint32(max))
	}

	hasher := sha256.New()
	var head [4]byte
	for off := 0; off < len(image); off += chunk {
		data := image[off:min(off+chunk, len(image))]
		binary.LittleEndian.PutUint32(head[:], uint32(len(data)))
		if _, err := rw.Write(head[:]); err != nil {
			return fmt.Errorf("send chunk at %d: %w", off, err)
		}
		if _, err := rw.Write(data); err != nil {
			return fmt.Errorf("send chunk at %d: %w", off, err)
		}
		hasher.Write(data)

		line, err := readLine(r)
		if err != nil {
			return fmt.Errorf("chunk at %d: no ACK: %w", off, err)
		}
		arg, err := expect(line, otaserver.KeywordAck, "chunk")
		if err != nil {
			return err
		}
		acked, err := strconv.ParseUint(arg, 10, 32)
		if err != nil || int(acked) != off+len(data) {
			return fmt.Errorf("otaclient: bad ACK %q after %d bytes", arg, off+len(data))
		}
		if opt.Progress != nil {
			opt.Progress(uint32(acked), total)
		}
	}

	done := otaserver.KeywordDone + " " + hex.EncodeToString(hasher.Sum(nil)) + "\n"
	if _, err := io.WriteString(rw, done); err != nil {
		return fmt.Errorf("send done: %w", err)
	}
	line, err = readLine(r)
	if err != nil {
		return fmt.Errorf("read verification: %w", err)
	}
	_, err = expect(line, otaserver.KeywordVerified, "image")
	return err
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// expect checks line starts with keyword and returns its argument.
func expect(line, keyword, stage string) (string, error) {
	if reason, ok := strings.CutPrefix(line, otaserver.KeywordError); ok {
		return "", &RejectedError{Stage: stage, Reason: strings.TrimSpace(reason)}
	}
	if line == keyword {
		return "", nil
	}
	arg, ok := strings.CutPrefix(line, keyword+" ")
	if !ok {
		return "", fmt.Errorf("otaclient: unexpected reply %q, want %s", line, keyword)
	}
	return arg, nil
}
