package station

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultListenerAttempts = 5
	DefaultListenerDelay    = 1500 * time.Millisecond
	// djTTL bounds how long an announced DJ overrides the status API.
	djTTL = 2 * time.Hour
)

// Event is one server-sent event.
type Event struct {
	Name string
	Data string
}

// Listener follows the station's event feed and remembers DJ changes.
type Listener struct {
	URL   string
	HTTP  *http.Client
	Cache Cache
	// OnStreamer, if set, is called with the new DJ on every streamer event.
	OnStreamer func(ctx context.Context, dj string)

	MaxAttempts int
	Delay       time.Duration
}

// NewListener returns a Listener for the feed at url.
func NewListener(url string, cache Cache) *Listener {
	if url == "" {
		url = DefaultSSEURL
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Listener{
		URL:         url,
		HTTP:        &http.Client{},
		Cache:       cache,
		MaxAttempts: DefaultListenerAttempts,
		Delay:       DefaultListenerDelay,
	}
}

// ErrListenerGaveUp is returned by Run after MaxAttempts failed connections
// in a row.
var ErrListenerGaveUp = errors.New("station event feed: too many failed connections")

// Run follows the feed until ctx is cancelled, reconnecting on failure. The
// failure count resets whenever a connection was established.
func (l *Listener) Run(ctx context.Context) error {
	attempts := 0
	for {
		connected, err := l.follow(ctx)
		if ctx.Err() != nil {
			slog.Info("station event listener stopped")
			return nil
		}
		if connected {
			attempts = 0
		}
		attempts++
		slog.Error("station event feed dropped", "attempt", attempts, "maxAttempts", l.MaxAttempts, "error", err)
		if attempts >= l.MaxAttempts {
			return fmt.Errorf("%w: %w", ErrListenerGaveUp, err)
		}

		timer := time.NewTimer(l.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (l *Listener) follow(ctx context.Context) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	res, err := l.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return false, fmt.Errorf("event feed returned %s", res.Status)
	}

	slog.Info("following station event feed", "url", l.URL)
	err = ReadEvents(res.Body, func(e Event) {
		l.handle(ctx, e)
	})
	if err == nil {
		err = errors.New("event feed closed")
	}
	return true, err
}

func (l *Listener) handle(ctx context.Context, e Event) {
	if e.Name != "streamer" {
		return
	}
	dj := strings.TrimSpace(e.Data)
	slog.Info("new streamer detected", "dj", dj)
	if err := l.Cache.Set(ctx, djKey, []byte(dj), djTTL); err != nil {
		slog.Warn("failed to remember announced DJ", "error", err)
	}
	if l.OnStreamer != nil {
		l.OnStreamer(ctx, dj)
	}
}

// ReadEvents parses an event stream, calling fn for every event carrying a
// name. It returns when r is exhausted or fails.
func ReadEvents(r io.Reader, fn func(Event)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	var current Event
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			// A blank line dispatches the event.
			if current.Name != "" {
				current.Data = strings.Join(data, "\n")
				fn(current)
			}
			current, data = Event{}, nil
		case strings.HasPrefix(line, ":"):
			// Comment or keep-alive.
		case strings.HasPrefix(line, "event:"):
			current.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if current.Name != "" && len(data) > 0 {
		current.Data = strings.Join(data, "\n")
		fn(current)
	}
	return nil
}
