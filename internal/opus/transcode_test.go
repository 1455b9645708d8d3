package opus_test

import (
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/glizzus/radio-relay/internal/opus"
)

// fakeConverter runs script with sh in place of ffmpeg.
func fakeConverter(t *testing.T, script string, timeout time.Duration) opus.TranscodeOptions {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return opus.TranscodeOptions{
		FFmpegPath:      sh,
		ShutdownTimeout: timeout,
		Args: func(opus.Input) []string {
			return []string{"-c", script}
		},
	}
}

func TestArguments(t *testing.T) {
	tc := []struct {
		name string
		in   opus.Input
		opts opus.TranscodeOptions
		want []string
	}{
		{
			name: "piped input",
			in:   opus.Input{Reader: strings.NewReader("")},
			want: []string{
				"-loglevel", "error",
				"-i", "pipe:0",
				"-ar", "48000",
				"-b:a", "128k",
				"-filter:a", "volume=0.5",
				"-c:a", "libopus",
				"-application", "audio",
				"-frame_duration", "20",
				"-f", "oga", "pipe:1",
			},
		},
		{
			name: "url input",
			in:   opus.Input{URL: "https://stream.example/main.mp3"},
			opts: opus.TranscodeOptions{Bitrate: "96k", Volume: "1.0"},
			want: []string{
				"-loglevel", "error",
				"-re",
				"-thread_queue_size", "4096",
				"-i", "https://stream.example/main.mp3",
				"-ac", "2",
				"-ar", "48000",
				"-b:a", "96k",
				"-filter:a", "volume=1.0",
				"-c:a", "libopus",
				"-application", "audio",
				"-frame_duration", "20",
				"-tune", "zerolatency",
				"-f", "oga", "pipe:1",
			},
		},
	}

	for _, testCase := range tc {
		t.Run(testCase.name, func(t *testing.T) {
			got := opus.Arguments(testCase.in, testCase.opts)
			if diff := cmp.Diff(testCase.want, got); diff != "" {
				t.Errorf("arguments mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSessionCleanExit(t *testing.T) {
	opts := fakeConverter(t, "exec cat", time.Second)

	session, err := opus.Start(opus.Input{Reader: strings.NewReader("hello")}, opts)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	out, err := io.ReadAll(session)
	if err != nil {
		t.Fatalf("reading converter output: %v", err)
	}
	_ = session.Close()

	if string(out) != "hello" {
		t.Errorf("expected output %q, got %q", "hello", out)
	}
	if session.Err() != nil {
		t.Errorf("expected clean exit, got %v", session.Err())
	}
	if session.Killed() {
		t.Error("converter should not have been killed")
	}
	if session.ExitCode() != 0 {
		t.Errorf("expected exit code 0, got %d", session.ExitCode())
	}
}

func TestSessionNonZeroExit(t *testing.T) {
	script := `echo "Invalid data found when processing input" >&2; echo "Conversion failed!" >&2; exit 3`
	opts := fakeConverter(t, script, time.Second)

	session, err := opus.Start(opus.Input{Reader: strings.NewReader("")}, opts)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	_, _ = io.ReadAll(session)
	_ = session.Close()

	var perr *opus.Error
	if !errors.As(session.Err(), &perr) {
		t.Fatalf("expected *opus.Error, got %v", session.Err())
	}
	if perr.Kind != opus.NonZeroExit {
		t.Errorf("expected kind %v, got %v", opus.NonZeroExit, perr.Kind)
	}
	if perr.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", perr.ExitCode)
	}
	want := "Invalid data found when processing input;Conversion failed!"
	if perr.Detail != want {
		t.Errorf("expected detail %q, got %q", want, perr.Detail)
	}
}

func TestSessionNonZeroExitWithoutOutput(t *testing.T) {
	opts := fakeConverter(t, "exit 1", time.Second)

	session, err := opus.Start(opus.Input{Reader: strings.NewReader("")}, opts)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	_, _ = io.ReadAll(session)
	_ = session.Close()

	var perr *opus.Error
	if !errors.As(session.Err(), &perr) {
		t.Fatalf("expected *opus.Error, got %v", session.Err())
	}
	if perr.Detail != "unknown error" {
		t.Errorf("expected detail %q, got %q", "unknown error", perr.Detail)
	}
}

func TestSessionKilledBySignal(t *testing.T) {
	opts := fakeConverter(t, `echo "out of memory" >&2; kill -KILL $$`, time.Second)

	session, err := opus.Start(opus.Input{Reader: strings.NewReader("")}, opts)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	_, _ = io.ReadAll(session)
	_ = session.Close()

	var perr *opus.Error
	if !errors.As(session.Err(), &perr) {
		t.Fatalf("expected *opus.Error, got %v", session.Err())
	}
	if perr.Kind != opus.NonZeroExit {
		t.Errorf("expected kind %v, got %v", opus.NonZeroExit, perr.Kind)
	}
	if perr.ExitCode != -1 {
		t.Errorf("expected exit code -1 for a signalled converter, got %d", perr.ExitCode)
	}
	if perr.Detail != "out of memory" {
		t.Errorf("expected detail %q, got %q", "out of memory", perr.Detail)
	}
	if !strings.Contains(perr.Error(), "terminated by a signal") {
		t.Errorf("expected the message to name the signal, got %q", perr.Error())
	}
	if session.Killed() {
		t.Error("the converter died on its own and should not be reported as killed")
	}
}

func TestSessionStoppedBeforeEOF(t *testing.T) {
	// yes dies of SIGPIPE as soon as its stdout is closed under it.
	opts := fakeConverter(t, "exec yes", time.Second)

	session, err := opus.Start(opus.Input{URL: "https://stream.example/main.mp3"}, opts)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	buf := make([]byte, 64)
	if _, err := io.ReadFull(session, buf); err != nil {
		t.Fatalf("reading converter output: %v", err)
	}
	_ = session.Close()

	if session.Err() != nil {
		t.Errorf("stopping the converter ourselves is not a failure, got %v", session.Err())
	}
	if session.Killed() {
		t.Error("converter should have exited once its output was closed")
	}
}

func TestSessionDrainsStderrFlood(t *testing.T) {
	// Far more error output than a pipe buffer holds, written before any
	// stdout. Without a drain running from the start the converter blocks.
	script := `yes "Past duration too large" | head -c 262144 >&2; exec cat`
	opts := fakeConverter(t, script, time.Second)

	session, err := opus.Start(opus.Input{Reader: strings.NewReader("payload")}, opts)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := io.ReadAll(session)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("reading converter output: %v", r.err)
		}
		if string(r.out) != "payload" {
			t.Errorf("expected output %q, got %q", "payload", r.out)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("converter output never finished; stderr is not being drained")
	}

	_ = session.Close()
	if session.Err() != nil {
		t.Errorf("expected clean exit, got %v", session.Err())
	}
	if session.Killed() {
		t.Error("converter should not have been killed")
	}
}

func TestSessionExitsWithinGracePeriod(t *testing.T) {
	opts := fakeConverter(t, "exec cat", 2*time.Second)

	// The input never produces anything; only closing stdin lets cat exit.
	pr, pw := io.Pipe()
	defer pw.Close()

	session, err := opus.Start(opus.Input{Reader: pr}, opts)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	start := time.Now()
	_ = session.Close()
	elapsed := time.Since(start)

	if session.Killed() {
		t.Error("converter exited on its own and should not have been killed")
	}
	if elapsed >= 2*time.Second {
		t.Errorf("Close took %v, expected it to return as soon as the converter exited", elapsed)
	}
	if session.Err() != nil {
		t.Errorf("closing the input ourselves is not a failure, got %v", session.Err())
	}
}

func TestSessionKillsStuckConverter(t *testing.T) {
	timeout := 200 * time.Millisecond
	opts := fakeConverter(t, "trap '' TERM; exec sleep 30", timeout)

	session, err := opus.Start(opus.Input{URL: "https://stream.example/main.mp3"}, opts)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	start := time.Now()
	_ = session.Close()
	elapsed := time.Since(start)

	if !session.Killed() {
		t.Error("expected the converter to be killed")
	}
	if elapsed < timeout {
		t.Errorf("Close returned after %v, before the %v timeout", elapsed, timeout)
	}
	if elapsed > timeout+2*time.Second {
		t.Errorf("Close took %v, expected it to be bounded by the %v timeout", elapsed, timeout)
	}
	if session.Err() != nil {
		t.Errorf("a killed converter is not a stream failure, got %v", session.Err())
	}
}

type closeTracker struct {
	io.Reader
	closed atomic.Bool
}

func (c *closeTracker) Close() error {
	c.closed.Store(true)
	return nil
}

func TestStartMissingBinary(t *testing.T) {
	input := &closeTracker{Reader: strings.NewReader("data")}

	_, err := opus.Start(opus.Input{Reader: input}, opus.TranscodeOptions{
		FFmpegPath: "/nonexistent/ffmpeg",
	})

	kind, ok := opus.KindOf(err)
	if !ok || kind != opus.SpawnFailure {
		t.Fatalf("expected %v, got %v", opus.SpawnFailure, err)
	}
	if !input.closed.Load() {
		t.Error("expected the owned input to be closed after a failed spawn")
	}
}

// flakyReader hands out some bytes and then fails like a dropped connection.
type flakyReader struct {
	data []byte
	err  error
}

func (f *flakyReader) Read(p []byte) (int, error) {
	if len(f.data) == 0 {
		return 0, f.err
	}
	n := copy(p, f.data)
	f.data = f.data[n:]
	return n, nil
}

func TestSessionUpstreamFailure(t *testing.T) {
	opts := fakeConverter(t, "exec cat", time.Second)
	reset := errors.New("connection reset by peer")

	session, err := opus.Start(opus.Input{Reader: &flakyReader{data: []byte("partial"), err: reset}}, opts)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	out, _ := io.ReadAll(session)
	_ = session.Close()

	if string(out) != "partial" {
		t.Errorf("expected the bytes read before the failure, got %q", out)
	}
	kind, ok := opus.KindOf(session.Err())
	if !ok || kind != opus.UpstreamFetchFailure {
		t.Fatalf("expected %v, got %v", opus.UpstreamFetchFailure, session.Err())
	}
	if !errors.Is(session.Err(), reset) {
		t.Errorf("expected the upstream error to be wrapped, got %v", session.Err())
	}
}
