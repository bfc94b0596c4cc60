package updatemode

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"slices"
	"strings"
	"testing"
	"time"

	"openenterprise/otamode/otaserver"
	"openenterprise/otamode/status"
)

// recorder keeps every log message.
type recorder struct {
	msgs *[]string
}

func (r recorder) Enabled(context.Context, slog.Level) bool { return true }
func (r recorder) Handle(_ context.Context, rec slog.Record) error {
	*r.msgs = append(*r.msgs, rec.Message)
	return nil
}
func (r recorder) WithAttrs([]slog.Attr) slog.Handler { return r }
func (r recorder) WithGroup(string) slog.Handler      { return r }

// lines drops structured "area:event" keys and keeps the console lines.
func lines(msgs []string) []string {
	var out []string
	for _, m := range msgs {
		if strings.Contains(m, ":") && !strings.Contains(m, " ") {
			continue
		}
		out = append(out, m)
	}
	return out
}

type fakeNet struct {
	statuses []LinkStatus // consumed by Status; last value repeats
	joinErr  error
	joins    int
}

func (n *fakeNet) Join(ssid, pass string) error {
	n.joins++
	return n.joinErr
}

func (n *fakeNet) Status() LinkStatus {
	s := n.statuses[0]
	if len(n.statuses) > 1 {
		n.statuses = n.statuses[1:]
	}
	return s
}

func (n *fakeNet) Addr() netip.Addr { return netip.MustParseAddr("192.168.1.40") }

type fakeService struct {
	hostname string
	cmd      otaserver.Command
	beginErr error
	handles  int

	onStart    func()
	onEnd      func()
	onProgress func(progress, total uint32)
	onError    func(otaserver.ErrorCode)

	// session runs inside the first Handle call.
	session   func(s *fakeService)
	inSession bool
	cancel    context.CancelFunc
}

func (s *fakeService) SetHostname(name string)                    { s.hostname = name }
func (s *fakeService) OnStart(fn func())                          { s.onStart = fn }
func (s *fakeService) OnEnd(fn func())                            { s.onEnd = fn }
func (s *fakeService) OnProgress(fn func(progress, total uint32)) { s.onProgress = fn }
func (s *fakeService) OnError(fn func(otaserver.ErrorCode))       { s.onError = fn }
func (s *fakeService) Command() otaserver.Command                 { return s.cmd }
func (s *fakeService) Begin() error                               { return s.beginErr }

func (s *fakeService) Handle() error {
	s.handles++
	if s.handles == 1 && s.session != nil {
		s.inSession = true
		s.session(s)
		s.inSession = false
	}
	s.cancel()
	return nil
}

type fakeLED struct {
	sets []bool
}

func (l *fakeLED) Set(on bool) { l.sets = append(l.sets, on) }

func (l *fakeLED) last() bool { return l.sets[len(l.sets)-1] }

type fakeNotifier struct {
	kinds []status.Kind
}

func (n *fakeNotifier) Notify(_ context.Context, ev status.Event) error {
	n.kinds = append(n.kinds, ev.Kind)
	return nil
}

type fixture struct {
	mode   *Mode
	net    *fakeNet
	svc    *fakeService
	led    *fakeLED
	msgs   []string
	sleeps []time.Duration
	ctx    context.Context
}

func newFixture(t *testing.T, cfg Config, statuses ...LinkStatus) *fixture {
	t.Helper()
	if cfg.SSID == "" {
		cfg.SSID = "lab"
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "LoRa32-T3-Sender"
	}
	if len(statuses) == 0 {
		statuses = []LinkStatus{Connected}
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f := &fixture{
		net: &fakeNet{statuses: statuses},
		svc: &fakeService{cancel: cancel},
		led: &fakeLED{},
		ctx: ctx,
	}
	f.mode = New(cfg, f.net, f.svc, f.led, slog.New(recorder{msgs: &f.msgs}))
	f.mode.sleep = func(ctx context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return ctx.Err()
	}
	return f
}

const readyLine = "OTA Ready. Connect to your device's IP address for updates."

func TestConnectionWait(t *testing.T) {
	f := newFixture(t, Config{}, Connecting, Connecting, Connecting, Connected)

	err := f.mode.Run(f.ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	want := []string{
		"Entering OTA mode...",
		"Connecting to WiFi...",
		"Connecting to WiFi...",
		"Connecting to WiFi...",
		"IP Address is: 192.168.1.40",
		readyLine,
	}
	if got := lines(f.msgs); !slices.Equal(got, want) {
		t.Errorf("log lines:\n got %q\nwant %q", got, want)
	}
	if f.net.joins != 1 {
		t.Errorf("joins = %d, want 1", f.net.joins)
	}
	if f.svc.hostname != "LoRa32-T3-Sender" {
		t.Errorf("hostname = %q", f.svc.hostname)
	}
	if f.mode.State() != StateServing {
		t.Errorf("state = %s, want %s", f.mode.State(), StateServing)
	}
	if f.svc.handles != 1 {
		t.Errorf("handles = %d, want 1", f.svc.handles)
	}
}

func TestUpdateSequence(t *testing.T) {
	f := newFixture(t, Config{})
	notes := &fakeNotifier{}
	f.mode.SetNotifier(notes)
	f.svc.session = func(s *fakeService) {
		s.cmd = otaserver.CommandFlash
		s.onStart()
		s.onProgress(50, 200)
		s.onProgress(200, 200)
		s.onEnd()
	}

	f.mode.Run(f.ctx)

	got := lines(f.msgs)
	want := []string{"Start updating sketch", "Progress: 25%", "Progress: 100%", "End"}
	i := slices.Index(got, readyLine)
	if i < 0 || !slices.Equal(got[i+1:], want) {
		t.Fatalf("log lines after ready:\n got %q\nwant %q", got, want)
	}
	if !f.led.last() {
		t.Error("indicator not high after end")
	}
	wantKinds := []status.Kind{status.Ready, status.Start, status.End}
	if !slices.Equal(notes.kinds, wantKinds) {
		t.Errorf("notified %v, want %v", notes.kinds, wantKinds)
	}
}

func TestStartLabel(t *testing.T) {
	tests := []struct {
		cmd  otaserver.Command
		want string
	}{
		{otaserver.CommandFlash, "Start updating sketch"},
		{otaserver.CommandFilesystem, "Start updating filesystem"},
		{otaserver.Command(7), "Start updating filesystem"},
	}
	for _, tc := range tests {
		f := newFixture(t, Config{})
		f.svc.cmd = tc.cmd
		f.mode.handleStart()
		if got := lines(f.msgs); !slices.Equal(got, []string{tc.want}) {
			t.Errorf("command %d: got %q, want %q", tc.cmd, got, tc.want)
		}
	}
}

func TestErrorCallback(t *testing.T) {
	tests := []struct {
		code otaserver.ErrorCode
		want string
	}{
		{otaserver.AuthError, "Error[0]: Auth Failed"},
		{otaserver.BeginError, "Error[1]: Begin Failed"},
		{otaserver.ConnectError, "Error[2]: Connect Failed"},
		{otaserver.ReceiveError, "Error[3]: Receive Failed"},
		{otaserver.EndError, "Error[4]: End Failed"},
		{otaserver.ErrorCode(5), "Error[5]: Unknown Error"},
		{otaserver.ErrorCode(255), "Error[255]: Unknown Error"},
	}
	for _, tc := range tests {
		f := newFixture(t, Config{})
		f.mode.handleError(tc.code)
		if got := lines(f.msgs); !slices.Equal(got, []string{tc.want}) {
			t.Errorf("code %d: got %q, want %q", tc.code, got, tc.want)
		}
		if !f.led.last() {
			t.Errorf("code %d: indicator not high after error", tc.code)
		}
	}
}

func TestProgressCallback(t *testing.T) {
	f := newFixture(t, Config{})
	calls := [][2]uint32{
		{0, 0},     // 0%
		{50, 0},    // still 0%, not repeated
		{50, 200},  // 25%
		{51, 200},  // 25%, not repeated
		{1, 3},     // 33%
		{199, 200}, // 99%
		{200, 200}, // 100%
	}
	for _, c := range calls {
		f.mode.handleProgress(c[0], c[1])
	}
	want := []string{"Progress: 0%", "Progress: 25%", "Progress: 33%", "Progress: 99%", "Progress: 100%"}
	if got := lines(f.msgs); !slices.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
	if len(f.led.sets) != len(want) {
		t.Errorf("indicator toggled %d times, want %d", len(f.led.sets), len(want))
	}
	for i := 1; i < len(f.led.sets); i++ {
		if f.led.sets[i] == f.led.sets[i-1] {
			t.Fatalf("indicator did not toggle at step %d: %v", i, f.led.sets)
		}
	}
}

func TestJoinRetriesExhausted(t *testing.T) {
	f := newFixture(t, Config{
		JoinAttempts:  3,
		JoinTimeout:   2 * time.Second,
		PollInterval:  time.Second,
		RetryInterval: 10 * time.Second,
	}, Connecting)

	err := f.mode.Run(f.ctx)
	if !errors.Is(err, ErrJoinFailed) {
		t.Fatalf("Run = %v, want ErrJoinFailed", err)
	}
	if f.net.joins != 3 {
		t.Errorf("joins = %d, want 3", f.net.joins)
	}
	if f.mode.State() != StateFailed {
		t.Errorf("state = %s, want %s", f.mode.State(), StateFailed)
	}
	waits := 0
	backoffs := 0
	for _, d := range f.sleeps {
		if d == time.Second {
			waits++
		} else {
			backoffs++
		}
	}
	if waits != 6 || backoffs != 2 {
		t.Errorf("sleeps = %v, want 6 polls and 2 backoffs", f.sleeps)
	}
	if n := strings.Count(strings.Join(lines(f.msgs), "\n"), "Connecting to WiFi..."); n != 6 {
		t.Errorf("waiting lines = %d, want 6", n)
	}
	if f.svc.handles != 0 {
		t.Error("service handled without a network")
	}
}

func TestJoinErrorRetried(t *testing.T) {
	f := newFixture(t, Config{JoinAttempts: 2}, Connected)
	joinErr := errors.New("radio init failed")
	f.net.joinErr = joinErr

	err := f.mode.Run(f.ctx)
	if !errors.Is(err, ErrJoinFailed) || !errors.Is(err, joinErr) {
		t.Fatalf("Run = %v, want ErrJoinFailed wrapping %v", err, joinErr)
	}
	if f.net.joins != 2 {
		t.Errorf("joins = %d, want 2", f.net.joins)
	}
}

func TestCancelWhileJoining(t *testing.T) {
	f := newFixture(t, Config{}, Connecting)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.mode.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if f.net.joins != 1 {
		t.Errorf("joins = %d, want 1", f.net.joins)
	}
	if f.mode.State() != StateFailed {
		t.Errorf("state = %s, want %s", f.mode.State(), StateFailed)
	}
}

func TestBeginFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.svc.beginErr = errors.New("port in use")

	err := f.mode.Run(f.ctx)
	if !errors.Is(err, f.svc.beginErr) {
		t.Fatalf("Run = %v, want wrapped begin error", err)
	}
	if f.mode.State() != StateFailed {
		t.Errorf("state = %s, want %s", f.mode.State(), StateFailed)
	}
	if slices.Contains(lines(f.msgs), readyLine) {
		t.Error("ready announced after Begin failed")
	}
}

func TestMissingProvisioning(t *testing.T) {
	m := New(Config{Hostname: "dev"}, &fakeNet{statuses: []LinkStatus{Connected}}, &fakeService{}, nil, nil)
	if err := m.Run(context.Background()); !errors.Is(err, ErrNoSSID) {
		t.Errorf("no ssid: %v", err)
	}
	m = New(Config{SSID: "lab"}, &fakeNet{statuses: []LinkStatus{Connected}}, &fakeService{}, nil, nil)
	if err := m.Run(context.Background()); !errors.Is(err, ErrNoHostname) {
		t.Errorf("no hostname: %v", err)
	}
}

// sessionNotifier records whether it was called while a push was running.
type sessionNotifier struct {
	svc    *fakeService
	during []status.Kind
	after  []status.Kind
}

func (n *sessionNotifier) Notify(_ context.Context, ev status.Event) error {
	if n.svc.inSession {
		n.during = append(n.during, ev.Kind)
		return nil
	}
	n.after = append(n.after, ev.Kind)
	return nil
}

func TestStatusPublishedAfterSession(t *testing.T) {
	f := newFixture(t, Config{})
	notes := &sessionNotifier{svc: f.svc}
	f.mode.SetNotifier(notes)
	f.svc.session = func(s *fakeService) {
		s.cmd = otaserver.CommandFilesystem
		s.onStart()
		s.onProgress(10, 20)
		s.onError(otaserver.ReceiveError)
	}

	f.mode.Run(f.ctx)

	if len(notes.during) != 0 {
		t.Errorf("notified %v while the session was running", notes.during)
	}
	want := []status.Kind{status.Ready, status.Start, status.Error}
	if !slices.Equal(notes.after, want) {
		t.Errorf("notified %v after the session, want %v", notes.after, want)
	}
	if len(f.mode.pending) != 0 {
		t.Errorf("%d events left queued", len(f.mode.pending))
	}
}

func TestJoinTimeoutShorterThanPoll(t *testing.T) {
	f := newFixture(t, Config{
		JoinTimeout:  500 * time.Millisecond,
		PollInterval: time.Second,
		JoinAttempts: 1,
	}, Connecting, Connected)

	if err := f.mode.Run(f.ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if f.net.joins != 1 {
		t.Errorf("joins = %d, want 1", f.net.joins)
	}
	if got := f.sleeps[0]; got != time.Second {
		t.Errorf("first wait = %v, want one poll interval", got)
	}
}
