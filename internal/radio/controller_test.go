package radio_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os/exec"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/glizzus/radio-relay/internal/observe"
	"github.com/glizzus/radio-relay/internal/opus"
	"github.com/glizzus/radio-relay/internal/radio"
	"github.com/glizzus/radio-relay/internal/repository"
	"github.com/glizzus/radio-relay/internal/station"
)

const botID = "bot"

type fakeConn struct {
	send chan []byte

	mu           sync.Mutex
	frames       [][]byte
	speaking     []bool
	disconnected bool
}

func newFakeConn() *fakeConn {
	c := &fakeConn{send: make(chan []byte, 16)}
	go func() {
		for f := range c.send {
			c.mu.Lock()
			c.frames = append(c.frames, f)
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *fakeConn) OpusSend() chan<- []byte { return c.send }

func (c *fakeConn) Speaking(b bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speaking = append(c.speaking, b)
	return nil
}

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *fakeConn) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeConn) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

type fakeTransport struct {
	mu        sync.Mutex
	conns     map[string]*fakeConn
	listeners int
	joinErr   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{conns: make(map[string]*fakeConn), listeners: 1}
}

func (t *fakeTransport) Join(_ context.Context, guildID, _ string) (radio.VoiceConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.joinErr != nil {
		return nil, t.joinErr
	}
	c := newFakeConn()
	t.conns[guildID] = c
	return c, nil
}

func (t *fakeTransport) conn(guildID string) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[guildID]
}

func (t *fakeTransport) SelfID() string { return botID }

func (t *fakeTransport) Listeners(string, string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listeners
}

type fakeStation struct{}

func (fakeStation) Info(context.Context) (station.Info, error) {
	return station.Info{NowPlaying: "Kessoku Band - Seishun Complex", DJ: "Hanyuu-sama", Listeners: 300}, nil
}

// memoryFeed serves the same Ogg bytes on every attempt.
type memoryFeed struct {
	data []byte
}

func (f memoryFeed) Open(context.Context) (opus.Input, error) {
	return opus.Input{Reader: bytes.NewReader(f.data)}, nil
}

func oggPages(packets ...[]byte) []byte {
	var out bytes.Buffer
	for i, p := range packets {
		h := make([]byte, 27)
		copy(h, "OggS")
		binary.LittleEndian.PutUint32(h[18:22], uint32(i))
		h[26] = 1
		out.Write(h)
		out.WriteByte(byte(len(p)))
		out.Write(p)
	}
	return out.Bytes()
}

func converter(t *testing.T, script string) *opus.StreamSource {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return opus.NewStreamSource(opus.TranscodeOptions{
		FFmpegPath:      sh,
		ShutdownTimeout: 200 * time.Millisecond,
		Args:            func(opus.Input) []string { return []string{"-c", script} },
	})
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPlayTwiceThenStopTwice(t *testing.T) {
	transport := newFakeTransport()
	journal := repository.NewMemoryPlaybackRepository()
	c := radio.NewController(radio.Options{
		Transport: transport,
		Pipeline:  converter(t, "exec sleep 30"),
		Feed:      radio.URLFeed{URL: "https://stream.example/main.mp3"},
		Journal:   journal,
		Metrics:   testMetrics(t),
	})
	ctx := t.Context()

	if _, err := c.Play(ctx, "guild", "voice"); err != nil {
		t.Fatalf("first Play failed: %v", err)
	}
	if _, err := c.Play(ctx, "guild", "voice"); !errors.Is(err, radio.ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}

	start := time.Now()
	if err := c.Stop(ctx, "guild"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Stop took %v, expected the converter to be released promptly", elapsed)
	}
	if err := c.Stop(ctx, "guild"); !errors.Is(err, radio.ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}

	conn := transport.conn("guild")
	if !conn.isDisconnected() {
		t.Error("expected the voice connection to be closed")
	}
	if len(conn.speaking) != 2 || !conn.speaking[0] || conn.speaking[1] {
		t.Errorf("expected speaking on then off, got %v", conn.speaking)
	}

	events, _ := journal.List(ctx, "guild", 10)
	if len(events) != 2 || events[0].Kind != repository.EventStop || events[1].Kind != repository.EventPlay {
		t.Errorf("unexpected journal: %+v", events)
	}

	if _, err := c.Play(ctx, "guild", "voice"); err != nil {
		t.Fatalf("Play after Stop failed: %v", err)
	}
	c.StopAll(ctx)
	if _, ok := c.Session("guild"); ok {
		t.Error("expected StopAll to end the session")
	}
}

func TestStopWithoutSession(t *testing.T) {
	c := radio.NewController(radio.Options{
		Transport: newFakeTransport(),
		Metrics:   testMetrics(t),
	})
	if err := c.Stop(t.Context(), "nowhere"); !errors.Is(err, radio.ErrNotActive) {
		t.Errorf("expected ErrNotActive, got %v", err)
	}
}

func TestPlayJoinFailure(t *testing.T) {
	transport := newFakeTransport()
	transport.joinErr = errors.New("missing permissions")
	c := radio.NewController(radio.Options{
		Transport: transport,
		Feed:      radio.URLFeed{URL: "https://stream.example/main.mp3"},
		Metrics:   testMetrics(t),
	})

	if _, err := c.Play(t.Context(), "guild", "voice"); err == nil {
		t.Fatal("expected Play to fail when the channel cannot be joined")
	}
	if _, ok := c.Session("guild"); ok {
		t.Error("a failed Play must not leave a session behind")
	}
}

func TestGuildsAreIndependent(t *testing.T) {
	transport := newFakeTransport()
	c := radio.NewController(radio.Options{
		Transport: transport,
		Pipeline:  converter(t, "exec sleep 30"),
		Feed:      radio.URLFeed{URL: "https://stream.example/main.mp3"},
		Metrics:   testMetrics(t),
	})
	ctx := t.Context()

	for _, guild := range []string{"a", "b"} {
		if _, err := c.Play(ctx, guild, "voice"); err != nil {
			t.Fatalf("Play(%s) failed: %v", guild, err)
		}
	}
	if err := c.Stop(ctx, "a"); err != nil {
		t.Fatalf("Stop(a) failed: %v", err)
	}
	if _, ok := c.Session("b"); !ok {
		t.Error("stopping one guild must not affect another")
	}
	c.StopAll(ctx)
}

func TestFramesReachVoiceConnection(t *testing.T) {
	packets := make([][]byte, 30)
	for i := range packets {
		packets[i] = []byte{0xfc, byte(i)}
	}
	transport := newFakeTransport()
	c := radio.NewController(radio.Options{
		Transport:      transport,
		Pipeline:       converter(t, "exec cat"),
		Feed:           memoryFeed{data: oggPages(packets...)},
		Metrics:        testMetrics(t),
		MaxAttempts:    100,
		ReconnectDelay: time.Second,
	})
	ctx := t.Context()

	sess, err := c.Play(ctx, "guild", "voice")
	if err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	conn := transport.conn("guild")
	eventually(t, "frames to reach the voice connection", func() bool {
		return conn.received() >= len(packets)
	})

	status := c.Status(ctx, "guild")
	if !status.Active || status.SessionID != sess.ID {
		t.Errorf("unexpected status: %+v", status)
	}
	if status.Frames < uint64(len(packets)) {
		t.Errorf("expected at least %d frames in status, got %d", len(packets), status.Frames)
	}

	if err := c.Stop(ctx, "guild"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestGaveUpStopsSession(t *testing.T) {
	transport := newFakeTransport()
	journal := repository.NewMemoryPlaybackRepository()
	c := radio.NewController(radio.Options{
		Transport:      transport,
		Pipeline:       converter(t, "echo 'Connection refused' >&2; exit 1"),
		Feed:           radio.URLFeed{URL: "https://stream.example/main.mp3"},
		Journal:        journal,
		Metrics:        testMetrics(t),
		MaxAttempts:    2,
		ReconnectDelay: 10 * time.Millisecond,
	})
	ctx := t.Context()

	if _, err := c.Play(ctx, "guild", "voice"); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	eventually(t, "the session to give up", func() bool {
		_, ok := c.Session("guild")
		return !ok
	})

	if !transport.conn("guild").isDisconnected() {
		t.Error("expected the voice connection to be closed after giving up")
	}
	events, _ := journal.List(ctx, "guild", 1)
	if len(events) != 1 || events[0].Kind != repository.EventGaveUp {
		t.Fatalf("expected a gave-up event, got %+v", events)
	}
	if err := c.Stop(ctx, "guild"); !errors.Is(err, radio.ErrNotActive) {
		t.Errorf("expected ErrNotActive after giving up, got %v", err)
	}
}

func TestStatus(t *testing.T) {
	c := radio.NewController(radio.Options{
		Transport: newFakeTransport(),
		Pipeline:  converter(t, "exec sleep 30"),
		Feed:      radio.URLFeed{URL: "https://stream.example/main.mp3"},
		Station:   fakeStation{},
		Metrics:   testMetrics(t),
	})
	ctx := t.Context()

	idle := c.Status(ctx, "guild")
	if idle.Active || idle.State != radio.Idle {
		t.Errorf("expected an idle snapshot, got %+v", idle)
	}
	if !idle.KnownStation || idle.NowPlaying != "Kessoku Band - Seishun Complex" {
		t.Errorf("station info should be reported even when idle, got %+v", idle)
	}
	if idle.KnownPosition || idle.KnownDuration {
		t.Error("position and duration should be unknown")
	}

	if _, err := c.Play(ctx, "guild", "voice"); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	defer c.StopAll(ctx)

	active := c.Status(ctx, "guild")
	if !active.Active || active.ChannelID != "voice" || active.State != radio.Connecting {
		t.Errorf("unexpected active snapshot: %+v", active)
	}
}

func TestHandleVoiceStateUpdate(t *testing.T) {
	tc := []struct {
		name      string
		change    radio.VoiceStateChange
		listeners int
		stopped   bool
	}{
		{
			name:      "bot disconnected from outside",
			change:    radio.VoiceStateChange{GuildID: "guild", UserID: botID},
			listeners: 3,
			stopped:   true,
		},
		{
			name:      "last listener left",
			change:    radio.VoiceStateChange{GuildID: "guild", UserID: "someone"},
			listeners: 0,
			stopped:   true,
		},
		{
			name:      "listener left but others remain",
			change:    radio.VoiceStateChange{GuildID: "guild", UserID: "someone"},
			listeners: 2,
			stopped:   false,
		},
		{
			name:      "bot moved to a populated channel",
			change:    radio.VoiceStateChange{GuildID: "guild", UserID: botID, ChannelID: "other"},
			listeners: 1,
			stopped:   false,
		},
		{
			name:      "other guild",
			change:    radio.VoiceStateChange{GuildID: "elsewhere", UserID: botID},
			listeners: 0,
			stopped:   false,
		},
	}

	for _, testCase := range tc {
		t.Run(testCase.name, func(t *testing.T) {
			transport := newFakeTransport()
			c := radio.NewController(radio.Options{
				Transport: transport,
				Pipeline:  converter(t, "exec sleep 30"),
				Feed:      radio.URLFeed{URL: "https://stream.example/main.mp3"},
				Metrics:   testMetrics(t),
			})
			ctx := t.Context()
			if _, err := c.Play(ctx, "guild", "voice"); err != nil {
				t.Fatalf("Play failed: %v", err)
			}
			defer c.StopAll(ctx)

			transport.mu.Lock()
			transport.listeners = testCase.listeners
			transport.mu.Unlock()

			c.HandleVoiceStateUpdate(ctx, testCase.change)

			_, active := c.Session("guild")
			if active == testCase.stopped {
				t.Errorf("expected stopped=%v, session active=%v", testCase.stopped, active)
			}
		})
	}
}
