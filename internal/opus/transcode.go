package opus

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultFFmpegPath      = "ffmpeg"
	DefaultBitrate         = "128k"
	DefaultVolume          = "0.5"
	DefaultShutdownTimeout = time.Second

	stderrLimit = 8 * 1024
	// stderrGrace bounds how long Close lets the error output catch up once
	// the converter has finished writing stdout.
	stderrGrace = 250 * time.Millisecond
)

// Input describes what the converter reads.
type Input struct {
	// URL is fetched by ffmpeg itself when set.
	URL string
	// Reader is copied into ffmpeg's stdin when URL is empty. If it also
	// implements io.Closer, the session owns it and closes it on shutdown.
	Reader io.Reader
}

func (in Input) piped() bool {
	return in.URL == ""
}

// TranscodeOptions configures the converter process.
type TranscodeOptions struct {
	FFmpegPath      string
	Bitrate         string
	Volume          string
	ShutdownTimeout time.Duration

	// Args overrides the generated argument list.
	Args func(Input) []string
}

func (o TranscodeOptions) withDefaults() TranscodeOptions {
	if o.FFmpegPath == "" {
		o.FFmpegPath = DefaultFFmpegPath
	}
	if o.Bitrate == "" {
		o.Bitrate = DefaultBitrate
	}
	if o.Volume == "" {
		o.Volume = DefaultVolume
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	return o
}

// Arguments returns the ffmpeg argument list for in.
// https://ffmpeg.org/ffmpeg.html
func Arguments(in Input, opts TranscodeOptions) []string {
	opts = opts.withDefaults()

	args := []string{"-loglevel", "error"}
	if in.piped() {
		args = append(args, "-i", "pipe:0")
	} else {
		args = append(args,
			"-re",
			"-thread_queue_size", "4096",
			"-i", in.URL,
			"-ac", "2",
		)
	}

	args = append(args,
		"-ar", "48000",
		"-b:a", opts.Bitrate,
		"-filter:a", "volume="+opts.Volume,
		"-c:a", "libopus",
		"-application", "audio",
		"-frame_duration", "20",
	)
	if !in.piped() {
		args = append(args, "-tune", "zerolatency")
	}

	// pipe:1 must be the last argument.
	return append(args, "-f", "oga", "pipe:1")
}

// Session is one running converter process together with its three pipes.
// It reads like the converter's stdout. Close must be called exactly once the
// caller is done with it; Close is safe to call more than once.
type Session struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	input  io.Reader

	timeout    time.Duration
	log        *stderrBuffer
	stderrDone chan struct{}
	tasks      errgroup.Group
	eof        atomic.Bool

	closing   atomic.Bool
	copyMu    sync.Mutex
	copyErr   error
	closeOnce sync.Once
	waitErr   error
	killed    bool
	err       error
}

// Start spawns the converter. The returned Session is already draining the
// converter's stderr and, for piped input, feeding its stdin.
func Start(in Input, opts TranscodeOptions) (*Session, error) {
	opts = opts.withDefaults()

	s, err := start(in, opts)
	if err != nil {
		if c, ok := in.Reader.(io.Closer); ok && in.piped() {
			_ = c.Close()
		}
		return nil, &Error{Kind: SpawnFailure, Err: err}
	}
	return s, nil
}

func start(in Input, opts TranscodeOptions) (*Session, error) {
	if in.piped() && in.Reader == nil {
		return nil, errors.New("no input: neither URL nor reader given")
	}

	args := Arguments(in, opts)
	if opts.Args != nil {
		args = opts.Args(in)
	}
	cmd := exec.Command(opts.FFmpegPath, args...)

	s := &Session{
		cmd:     cmd,
		input:   in.Reader,
		timeout: opts.ShutdownTimeout,
		log:     &stderrBuffer{limit: stderrLimit},

		stderrDone: make(chan struct{}),
	}

	var err error
	if s.stdout, err = cmd.StdoutPipe(); err != nil {
		return nil, fmt.Errorf("unable to pipe stdout: %w", err)
	}
	if s.stderr, err = cmd.StderrPipe(); err != nil {
		return nil, fmt.Errorf("unable to pipe stderr: %w", err)
	}
	if in.piped() {
		if s.stdin, err = cmd.StdinPipe(); err != nil {
			return nil, fmt.Errorf("unable to pipe stdin: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("unable to start %s: %w", opts.FFmpegPath, err)
	}

	// stderr has a small OS buffer; if nobody drains it the child blocks.
	s.tasks.Go(s.drainStderr)
	if s.stdin != nil {
		s.tasks.Go(s.copyInput)
	}

	slog.Debug("converter started", "pid", cmd.Process.Pid, "piped", in.piped())
	return s, nil
}

// Read reads transcoded Ogg bytes from the converter's stdout.
func (s *Session) Read(p []byte) (int, error) {
	n, err := s.stdout.Read(p)
	if err == io.EOF {
		s.eof.Store(true)
	}
	return n, err
}

// Pid returns the converter's process id.
func (s *Session) Pid() int {
	return s.cmd.Process.Pid
}

func (s *Session) drainStderr() error {
	defer close(s.stderrDone)
	_, _ = io.Copy(s.log, s.stderr)
	return nil
}

func (s *Session) copyInput() error {
	src := &sourceReader{r: s.input, closing: &s.closing}
	_, _ = io.Copy(s.stdin, src)
	// Closing stdin is how the converter learns the input has ended.
	_ = s.stdin.Close()
	s.copyMu.Lock()
	s.copyErr = src.err
	s.copyMu.Unlock()
	return nil
}

// Close shuts the converter down. The order matters: the exit wait starts
// first, then stdout, stderr and stdin are closed, then the process gets the
// shutdown timeout to exit before it is killed. Close never fails.
func (s *Session) Close() error {
	s.closeOnce.Do(s.shutdown)
	return nil
}

func (s *Session) shutdown() {
	s.closing.Store(true)

	if s.eof.Load() {
		// The converter finished writing on its own. Let the drain read its
		// last words before Wait closes the stderr pipe.
		select {
		case <-s.stderrDone:
		case <-time.After(min(stderrGrace, s.timeout)):
		}
	}

	exited := make(chan struct{})
	go func() {
		s.waitErr = s.cmd.Wait()
		close(exited)
	}()

	_ = s.stdout.Close()
	_ = s.stderr.Close()
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if c, ok := s.input.(io.Closer); ok && s.stdin != nil {
		_ = c.Close()
	}

	timer := time.NewTimer(s.timeout)
	select {
	case <-exited:
		timer.Stop()
	case <-timer.C:
		s.killed = true
		slog.Warn("converter did not exit in time, killing it",
			"pid", s.cmd.Process.Pid,
			"kind", ShutdownTimeout,
			"timeout", s.timeout,
		)
		if err := s.cmd.Process.Kill(); err != nil {
			slog.Debug("failed to kill converter", "pid", s.cmd.Process.Pid, "error", err)
		}
		<-exited
	}

	// A reader that is not an io.Closer may keep the copy blocked in Read.
	drained := make(chan struct{})
	go func() {
		_ = s.tasks.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(s.timeout):
		slog.Warn("converter input copy still blocked after shutdown", "pid", s.cmd.Process.Pid)
	}

	s.err = s.classify()
}

func (s *Session) classify() error {
	var exitErr *exec.ExitError
	if !s.killed && errors.As(s.waitErr, &exitErr) && !s.brokenPipe(exitErr) {
		return &Error{
			Kind:     NonZeroExit,
			ExitCode: exitErr.ExitCode(),
			Detail:   s.log.Summary(),
		}
	}
	s.copyMu.Lock()
	defer s.copyMu.Unlock()
	if s.copyErr != nil {
		return &Error{Kind: UpstreamFetchFailure, Err: s.copyErr}
	}
	return nil
}

// brokenPipe reports whether the converter died of the SIGPIPE that closing
// its stdout before EOF delivers.
func (s *Session) brokenPipe(exitErr *exec.ExitError) bool {
	if s.eof.Load() {
		return false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && status.Signaled() && status.Signal() == syscall.SIGPIPE
}

// Err reports how the converter ended. It is only meaningful after Close:
// a NonZeroExit when the process failed on its own, an UpstreamFetchFailure
// when the piped input broke, nil otherwise.
func (s *Session) Err() error {
	return s.err
}

// Killed reports whether Close had to kill the converter.
func (s *Session) Killed() bool {
	return s.killed
}

// ExitCode returns the converter's exit code after Close, or -1 if it was
// terminated by a signal.
func (s *Session) ExitCode() int {
	if s.cmd.ProcessState == nil {
		return -1
	}
	return s.cmd.ProcessState.ExitCode()
}

// sourceReader remembers the first read error of the upstream feed, unless
// the error comes from our own shutdown closing it.
type sourceReader struct {
	r       io.Reader
	closing *atomic.Bool
	err     error
}

func (r *sourceReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && r.err == nil && !r.closing.Load() {
		r.err = err
	}
	return n, err
}

// stderrBuffer keeps the tail of the converter's error output.
type stderrBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *stderrBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

// Summary returns the accumulated text on one line, or "unknown error".
func (b *stderrBuffer) Summary() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	text := strings.TrimSpace(string(b.buf))
	if text == "" {
		return "unknown error"
	}
	text = strings.ReplaceAll(text, "\r\n", ";")
	return strings.ReplaceAll(text, "\n", ";")
}
