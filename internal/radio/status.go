package radio

import (
	"context"
	"log/slog"
	"time"

	"github.com/glizzus/radio-relay/internal/opus"
	"github.com/glizzus/radio-relay/internal/station"
)

// StationInfo reports what the station is broadcasting.
type StationInfo interface {
	Info(ctx context.Context) (station.Info, error)
}

// StatusSnapshot is a point-in-time view of a guild's playback and of the
// station. Fields that could not be determined are left zero and their Known
// flag is false.
type StatusSnapshot struct {
	GuildID string
	Active  bool

	SessionID string
	ChannelID string
	State     State
	Attempt   int
	LastError string
	StartedAt time.Time
	Frames    uint64

	KnownStation bool
	NowPlaying   string
	DJ           string
	Listeners    int
	Queue        []station.Track
	History      []station.Track

	Position      time.Duration
	KnownPosition bool
	Duration      time.Duration
	KnownDuration bool
}

// Played returns how much audio the session has sent.
func (s StatusSnapshot) Played() time.Duration {
	return time.Duration(s.Frames) * opus.FrameDuration
}

// Status never fails: whatever cannot be determined is reported as unknown.
func (c *Controller) Status(ctx context.Context, guildID string) StatusSnapshot {
	snap := StatusSnapshot{GuildID: guildID, State: Idle}

	if sess, ok := c.Session(guildID); ok {
		sess.mu.Lock()
		snap.Active = true
		snap.SessionID = sess.ID
		snap.ChannelID = sess.channelID
		snap.State = sess.state
		snap.Attempt = sess.attempt
		if sess.lastErr != nil {
			snap.LastError = sess.lastErr.Error()
		}
		sess.mu.Unlock()
		snap.StartedAt = sess.StartedAt
		snap.Frames = sess.frames.Load()
	}

	if c.opts.Station == nil {
		return snap
	}
	info, err := c.opts.Station.Info(ctx)
	if err != nil {
		slog.Debug("station info unavailable", "guildID", guildID, "error", err)
		return snap
	}
	snap.KnownStation = true
	snap.NowPlaying = info.NowPlaying
	snap.DJ = info.DJ
	snap.Listeners = info.Listeners
	snap.Queue = info.Queue
	snap.History = info.History
	snap.Position, snap.KnownPosition = info.Position()
	snap.Duration, snap.KnownDuration = info.Duration()
	return snap
}
