package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// State is where a playback session is in its reconnect cycle.
type State int

const (
	Idle State = iota
	Connecting
	Streaming
	Backoff
	Stopped
	GaveUp
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Backoff:
		return "backoff"
	case Stopped:
		return "stopped"
	case GaveUp:
		return "gave up"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == Stopped || s == GaveUp
}

const (
	DefaultMaxAttempts    = 3
	DefaultReconnectDelay = 5 * time.Second
)

// ErrGaveUp is returned once every allowed attempt has failed in a row.
var ErrGaveUp = errors.New("gave up reconnecting to the stream")

// RetryBudget counts consecutive failed attempts. The counter resets whenever
// an attempt managed to play something.
type RetryBudget struct {
	MaxAttempts int
	Delay       time.Duration

	attempts int
}

// Fail records the end of an attempt and reports whether the budget is now
// exhausted. delivered is whether the attempt produced at least one frame.
func (b *RetryBudget) Fail(delivered bool) bool {
	if delivered {
		b.attempts = 0
	}
	b.attempts++
	return b.attempts >= b.maxAttempts()
}

// Attempts returns the current number of consecutive failed attempts.
func (b *RetryBudget) Attempts() int {
	return b.attempts
}

func (b *RetryBudget) maxAttempts() int {
	if b.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return b.MaxAttempts
}

// AttemptFunc runs one playback attempt and blocks until it ends. It must
// call streaming, from the calling goroutine, when the first frame is
// delivered. It returns how many frames were delivered and why it ended.
type AttemptFunc func(ctx context.Context, streaming func()) (frames uint64, err error)

// Transition describes one state change.
type Transition struct {
	From, To State
	// Attempt is the consecutive failure count at the time of the change.
	Attempt int
	// Err is the error that ended the previous attempt, if any.
	Err error
}

// Supervisor restarts a failing stream until it is cancelled or runs out of
// attempts.
type Supervisor struct {
	Budget  RetryBudget
	Attempt AttemptFunc
	// Observer, if set, is called on every state change from the goroutine
	// running Run.
	Observer func(Transition)
	// Logger defaults to slog.Default.
	Logger *slog.Logger

	state State
}

// Run drives attempts until the context is cancelled (Stopped) or the budget
// is exhausted (GaveUp, returned with an error wrapping ErrGaveUp and the
// last attempt's error).
func (s *Supervisor) Run(ctx context.Context) (State, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for {
		if ctx.Err() != nil {
			s.transition(Stopped, lastErr)
			return Stopped, nil
		}
		s.transition(Connecting, lastErr)

		started := time.Now()
		frames, err := s.Attempt(ctx, func() {
			s.transition(Streaming, nil)
		})
		if ctx.Err() != nil {
			s.transition(Stopped, nil)
			return Stopped, nil
		}
		if err == nil {
			err = errors.New("stream ended")
		}
		lastErr = err

		exhausted := s.Budget.Fail(frames > 0)
		logger.Warn("stream attempt ended",
			"attempt", s.Budget.Attempts(),
			"maxAttempts", s.Budget.maxAttempts(),
			"frames", frames,
			"duration", time.Since(started).Round(time.Millisecond),
			"error", err,
		)
		if exhausted {
			s.transition(GaveUp, err)
			return GaveUp, fmt.Errorf("%w after %d attempts: %w", ErrGaveUp, s.Budget.Attempts(), err)
		}

		s.transition(Backoff, err)
		timer := time.NewTimer(s.delay())
		select {
		case <-ctx.Done():
			timer.Stop()
			s.transition(Stopped, nil)
			return Stopped, nil
		case <-timer.C:
		}
	}
}

// State returns the last state entered. Only meaningful from the goroutine
// running Run or after Run has returned.
func (s *Supervisor) State() State {
	return s.state
}

func (s *Supervisor) delay() time.Duration {
	if s.Budget.Delay < 0 {
		return 0
	}
	return s.Budget.Delay
}

func (s *Supervisor) transition(to State, err error) {
	from := s.state
	s.state = to
	if s.Observer != nil {
		s.Observer(Transition{From: from, To: to, Attempt: s.Budget.Attempts(), Err: err})
	}
}
