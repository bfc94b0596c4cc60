package otaserver

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"
)

// scriptLink replays client bytes and records server replies.
type scriptLink struct {
	in     []byte
	out    bytes.Buffer
	closed bool
}

func (l *scriptLink) Read(p []byte) (int, error) {
	n := copy(p, l.in)
	l.in = l.in[n:]
	return n, nil
}

func (l *scriptLink) Write(p []byte) (int, error) { return l.out.Write(p) }
func (l *scriptLink) Flush() error                { return nil }
func (l *scriptLink) Close() error                { l.closed = true; return nil }
func (l *scriptLink) RemoteAddr() string          { return "192.0.2.10:50000" }

type onceListener struct {
	link Link
}

func (o *onceListener) Accept() (Link, error) {
	l := o.link
	o.link = nil
	return l, nil
}

func (o *onceListener) Close() error { return nil }

type memFlash struct {
	data    []byte
	erases  int
	failAt  int // program call index that fails, -1 never
	program int
}

func newMemFlash(size int) *memFlash {
	return &memFlash{data: make([]byte, size), failAt: -1}
}

func (m *memFlash) EraseSector(off uint32) error {
	m.erases++
	for i := off; i < off+4096 && int(i) < len(m.data); i++ {
		m.data[i] = 0xff
	}
	return nil
}

func (m *memFlash) Program(off uint32, p []byte) error {
	if m.program == m.failAt {
		return errors.New("program failed")
	}
	m.program++
	copy(m.data[off:], p)
	return nil
}

// push builds the client side of a session.
func push(cmd Command, image []byte, chunk int, digest string) []byte {
	var b bytes.Buffer
	b.WriteString(InitLine(cmd, uint32(len(image))))
	for off := 0; off < len(image); off += chunk {
		end := min(off+chunk, len(image))
		var head [4]byte
		binary.LittleEndian.PutUint32(head[:], uint32(end-off))
		b.Write(head[:])
		b.Write(image[off:end])
	}
	if digest == "" {
		sum := sha256.Sum256(image)
		digest = hex.EncodeToString(sum[:])
	}
	b.WriteString(KeywordDone + " " + digest + "\n")
	return b.Bytes()
}

type harness struct {
	srv       *Server
	link      *scriptLink
	flash     *memFlash
	events    []string
	codes     []ErrorCode
	activated bool
}

func newHarness(t *testing.T, input []byte, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{link: &scriptLink{in: input}, flash: newMemFlash(64 * 1024)}
	var now time.Time
	cfg := Config{
		Listen: func(uint16) (Listener, error) { return &onceListener{link: h.link}, nil },
		Targets: map[Command]Target{
			CommandFlash: &FlashTarget{
				Flash: h.flash, Size: 32 * 1024, SectorSize: 4096,
				Activate: func() error { h.activated = true; return nil },
			},
		},
		Nonce: func() uint32 { return 0xdeadbeef },
		Sleep: func(d time.Duration) { now = now.Add(d) },
		Now:   func() time.Time { return now },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.srv = New(cfg)
	h.srv.OnStart(func() { h.events = append(h.events, "start:"+h.srv.Command().String()) })
	h.srv.OnEnd(func() { h.events = append(h.events, "end") })
	h.srv.OnProgress(func(p, total uint32) {
		h.events = append(h.events, "progress:"+strconv.Itoa(int(Percent(p, total))))
	})
	h.srv.OnError(func(c ErrorCode) { h.codes = append(h.codes, c) })
	if err := h.srv.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	return h
}

func TestSessionFirmware(t *testing.T) {
	image := bytes.Repeat([]byte("firmware"), 1024) // 8 KiB
	h := newHarness(t, push(CommandFlash, image, 4096, ""), nil)

	if err := h.srv.Handle(); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	want := []string{"start:firmware", "progress:50", "progress:100", "end"}
	if strings.Join(h.events, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", h.events, want)
	}
	if len(h.codes) != 0 {
		t.Errorf("unexpected errors %v", h.codes)
	}
	if !h.activated {
		t.Error("image not activated")
	}
	if !bytes.Equal(h.flash.data[:len(image)], image) {
		t.Error("flash contents differ from image")
	}
	if h.flash.erases != 2 {
		t.Errorf("erases = %d, want 2", h.flash.erases)
	}
	out := h.link.out.String()
	for _, s := range []string{"READY 32768\n", "ACK 4096\n", "ACK 8192\n", "VERIFIED\n"} {
		if !strings.Contains(out, s) {
			t.Errorf("reply %q missing from %q", s, out)
		}
	}
	if !h.link.closed {
		t.Error("link not closed")
	}
}

func TestSessionFilesystemCommand(t *testing.T) {
	image := []byte("littlefs image")
	fs := newMemFlash(8192)
	h := newHarness(t, push(CommandFilesystem, image, 4096, ""), func(c *Config) {
		c.Targets[CommandFilesystem] = &FlashTarget{Flash: fs, Size: 8192, SectorSize: 4096}
	})
	h.srv.Handle()

	if len(h.events) == 0 || h.events[0] != "start:filesystem" {
		t.Fatalf("events = %v", h.events)
	}
	if !bytes.Equal(fs.data[:len(image)], image) {
		t.Error("filesystem image not written")
	}
}

func TestSessionAuth(t *testing.T) {
	image := []byte("payload")
	nonce := "deadbeef"

	good := append([]byte(InitLine(CommandFlash, uint32(len(image)))),
		[]byte(KeywordAuth+" "+AuthResponse("s3cret", nonce)+"\n")...)
	good = append(good, push(CommandFlash, image, 4096, "")[len(InitLine(CommandFlash, uint32(len(image)))):]...)

	h := newHarness(t, good, func(c *Config) { c.Password = "s3cret" })
	h.srv.Handle()
	if len(h.codes) != 0 || !h.activated {
		t.Fatalf("authenticated push failed: codes=%v out=%q", h.codes, h.link.out.String())
	}
	if !strings.HasPrefix(h.link.out.String(), "AUTH deadbeef\n") {
		t.Errorf("challenge missing: %q", h.link.out.String())
	}
}

func TestSessionErrors(t *testing.T) {
	image := bytes.Repeat([]byte{0x5a}, 5000)
	full := push(CommandFlash, image, 4096, "")
	initLen := len(InitLine(CommandFlash, uint32(len(image))))

	overrun := []byte(InitLine(CommandFlash, 10))
	overrun = append(overrun, full[initLen:]...)

	tests := []struct {
		name   string
		input  []byte
		mutate func(*Config)
		want   ErrorCode
	}{
		{"no init", nil, nil, ConnectError},
		{"bad init", []byte("HELLO\n"), nil, ConnectError},
		{"wrong password", append([]byte(InitLine(CommandFlash, 5)), "AUTH 00\n"...),
			func(c *Config) { c.Password = "pw" }, AuthError},
		{"unsupported image", push(CommandFilesystem, image, 4096, ""), nil, BeginError},
		{"too large", push(CommandFlash, make([]byte, 40*1024), 4096, ""), nil, BeginError},
		{"truncated", full[:initLen+100], nil, ReceiveError},
		{"overrun", overrun, nil, ReceiveError},
		{"bad digest", push(CommandFlash, image, 4096, strings.Repeat("0", 64)), nil, EndError},
		{"write failure", full, nil, ReceiveError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.input, tc.mutate)
			if tc.name == "write failure" {
				h.flash.failAt = 1
			}
			h.srv.Handle()
			if len(h.codes) != 1 || h.codes[0] != tc.want {
				t.Fatalf("codes = %v, want [%d]", h.codes, tc.want)
			}
			if h.activated {
				t.Error("failed session activated image")
			}
			for _, e := range h.events {
				if e == "end" {
					t.Error("end reported for failed session")
				}
			}
		})
	}
}

func TestHandleWithoutClient(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.srv.Handle() // consumes the scripted link
	h.codes = nil
	if err := h.srv.Handle(); err != nil {
		t.Fatalf("idle Handle: %v", err)
	}
	if len(h.codes) != 0 {
		t.Errorf("idle Handle reported %v", h.codes)
	}
}

func TestHandleBeforeBegin(t *testing.T) {
	s := New(Config{})
	if err := s.Handle(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("err = %v, want ErrNotStarted", err)
	}
	if err := s.Begin(); !errors.Is(err, ErrNoListenFunc) {
		t.Errorf("err = %v, want ErrNoListenFunc", err)
	}
}

func TestPercent(t *testing.T) {
	tests := []struct {
		progress, total, want uint32
	}{
		{0, 0, 0},
		{50, 0, 0},
		{0, 200, 0},
		{50, 200, 25},
		{200, 200, 100},
		{1, 3, 33},
		{2, 3, 66},
		{99, 100, 99},
		{7, 50, 14},
		{4294967295, 4294967295, 100},
	}
	for _, tc := range tests {
		if got := Percent(tc.progress, tc.total); got != tc.want {
			t.Errorf("Percent(%d, %d) = %d, want %d", tc.progress, tc.total, got, tc.want)
		}
	}
}

func TestParseInit(t *testing.T) {
	tests := []struct {
		line string
		cmd  Command
		size uint32
		ok   bool
	}{
		{"OTA firmware 1024", CommandFlash, 1024, true},
		{"OTA flash 1", CommandFlash, 1, true},
		{"OTA filesystem 4096", CommandFilesystem, 4096, true},
		{"OTA fs 7", CommandFilesystem, 7, true},
		{"OTA", 0, 0, false},
		{"OTA firmware", 0, 0, false},
		{"OTA eeprom 10", 0, 0, false},
		{"OTA firmware -1", 0, 0, false},
		{"OTA firmware 99999999999", 0, 0, false},
		{"ota firmware 10", 0, 0, false},
	}
	for _, tc := range tests {
		cmd, size, ok := parseInit(tc.line)
		if ok != tc.ok || (ok && (cmd != tc.cmd || size != tc.size)) {
			t.Errorf("parseInit(%q) = %v %d %v, want %v %d %v",
				tc.line, cmd, size, ok, tc.cmd, tc.size, tc.ok)
		}
	}
}

func TestFlashTargetErasesOnce(t *testing.T) {
	f := newMemFlash(16 * 1024)
	tgt := &FlashTarget{Flash: f, Base: 4096, Size: 8192, SectorSize: 4096}
	if err := tgt.Begin(8192); err != nil {
		t.Fatal(err)
	}
	for off := uint32(0); off < 8192; off += 1024 {
		if err := tgt.Write(off, make([]byte, 1024)); err != nil {
			t.Fatalf("Write(%d): %v", off, err)
		}
	}
	if f.erases != 2 {
		t.Errorf("erases = %d, want 2", f.erases)
	}
	if err := tgt.Write(8000, make([]byte, 500)); !errors.Is(err, ErrImageTooLarge) {
		t.Errorf("write past image: %v", err)
	}
	if err := tgt.Begin(9000); !errors.Is(err, ErrImageTooLarge) {
		t.Errorf("Begin oversize: %v", err)
	}
}

// pageFlash refuses programs that do not start on a 256-byte page, like the
// bootrom does.
type pageFlash struct {
	*memFlash
	programs []uint32
}

func (f *pageFlash) Program(off uint32, p []byte) error {
	if off%256 != 0 {
		return errors.New("unaligned program")
	}
	f.programs = append(f.programs, off)
	return f.memFlash.Program(off, p)
}

func TestSessionUnalignedChunks(t *testing.T) {
	image := make([]byte, 3000)
	for i := range image {
		image[i] = byte(i * 7)
	}
	flash := &pageFlash{memFlash: newMemFlash(64 * 1024)}
	activated := false
	h := newHarness(t, push(CommandFlash, image, 1000, ""), func(c *Config) {
		c.Targets[CommandFlash] = &FlashTarget{
			Flash: flash, Base: 8192, Size: 32 * 1024, SectorSize: 4096, PageSize: 256,
			Activate: func() error { activated = true; return nil },
		}
	})
	h.srv.Handle()

	if len(h.codes) != 0 || !activated {
		t.Fatalf("codes=%v activated=%v out=%q", h.codes, activated, h.link.out.String())
	}
	if !bytes.Equal(flash.data[8192:8192+len(image)], image) {
		t.Error("flash contents differ from image")
	}
	// 3 ACKs then the held-back tail is programmed before VERIFIED.
	if want := "ACK 3000\nVERIFIED\n"; !strings.HasSuffix(h.link.out.String(), want) {
		t.Errorf("replies %q, want suffix %q", h.link.out.String(), want)
	}
	if last := flash.programs[len(flash.programs)-1]; last != 8192+2816 {
		t.Errorf("last program at %d, want %d", last, 8192+2816)
	}
}

func TestFlashTargetPages(t *testing.T) {
	flash := &pageFlash{memFlash: newMemFlash(16 * 1024)}
	tgt := &FlashTarget{Flash: flash, Size: 8192, SectorSize: 4096, PageSize: 256}
	if err := tgt.Begin(1000); err != nil {
		t.Fatal(err)
	}
	writes := []struct {
		off uint32
		n   int
	}{{0, 100}, {100, 100}, {200, 300}, {500, 500}}
	for _, w := range writes {
		if err := tgt.Write(w.off, bytes.Repeat([]byte{0xa5}, w.n)); err != nil {
			t.Fatalf("Write(%d, %d): %v", w.off, w.n, err)
		}
	}
	if err := tgt.Write(100, []byte{1}); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("rewind: %v, want ErrOutOfOrder", err)
	}
	if err := tgt.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	want := []uint32{0, 256, 512, 768}
	if len(flash.programs) != len(want) {
		t.Fatalf("programs at %v, want %v", flash.programs, want)
	}
	for i := range want {
		if flash.programs[i] != want[i] {
			t.Fatalf("programs at %v, want %v", flash.programs, want)
		}
	}
	if !bytes.Equal(flash.data[:1000], bytes.Repeat([]byte{0xa5}, 1000)) {
		t.Error("flash contents differ")
	}
	if flash.data[1000] != 0xff {
		t.Errorf("byte past image = %#x, want erased", flash.data[1000])
	}
}

func TestFlashTargetGeometry(t *testing.T) {
	tests := []struct {
		name string
		tgt  FlashTarget
		ok   bool
	}{
		{"full bitmap", FlashTarget{Size: MaxSectors * 4096, SectorSize: 4096}, true},
		{"partial sector past bitmap", FlashTarget{Size: MaxSectors*4096 + 100, SectorSize: 4096}, false},
		{"no sector size", FlashTarget{Size: 4096}, false},
		{"page larger than buffer", FlashTarget{Size: 4096, SectorSize: 4096, PageSize: 512}, false},
		{"page not dividing sector", FlashTarget{Size: 4096, SectorSize: 4096, PageSize: 96}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.tgt.Begin(100)
			if (err == nil) != tc.ok {
				t.Errorf("Begin: %v, want ok=%v", err, tc.ok)
			}
		})
	}
}

// dripLink hands out one byte after every gap empty reads.
type dripLink struct {
	scriptLink
	gap   int
	empty int
}

func (l *dripLink) Read(p []byte) (int, error) {
	if len(l.in) == 0 || len(p) == 0 {
		return 0, nil
	}
	if l.empty < l.gap {
		l.empty++
		return 0, nil
	}
	l.empty = 0
	p[0] = l.in[0]
	l.in = l.in[1:]
	return 1, nil
}

func TestSessionInitLineDeadline(t *testing.T) {
	// 2s per byte: each byte is well inside the init timeout, the line is not.
	link := &dripLink{scriptLink: scriptLink{in: []byte(InitLine(CommandFlash, 100))}, gap: 200}
	h := newHarness(t, nil, func(c *Config) {
		c.Listen = func(uint16) (Listener, error) { return &onceListener{link: link}, nil }
	})
	h.srv.Handle()

	if len(h.codes) != 1 || h.codes[0] != ConnectError {
		t.Fatalf("codes = %v, want [ConnectError]", h.codes)
	}
	if strings.Contains(link.out.String(), KeywordReady) {
		t.Errorf("slow client got %q", link.out.String())
	}
}
