package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/glizzus/radio-relay/internal/radio"
)

// Presence is what the bot advertises as "Listening to".
type Presence struct {
	Track string
	DJ    string
}

func (p Presence) String() string {
	switch {
	case p.Track == "":
		return ""
	case p.DJ == "":
		return p.Track
	default:
		return fmt.Sprintf("%s (DJ %s)", p.Track, p.DJ)
	}
}

type PresenceSetter interface {
	SetPresence(ctx context.Context, p Presence) error
}

// PrintingPresenceSetter writes presence changes to W, for running without
// Discord.
type PrintingPresenceSetter struct {
	W io.Writer
}

func (s *PrintingPresenceSetter) SetPresence(ctx context.Context, p Presence) error {
	slog.DebugContext(ctx, "Updating presence", slog.String("track", p.Track), slog.String("dj", p.DJ))
	label := p.String()
	if label == "" {
		label = "(nothing playing)"
	}
	if _, err := fmt.Fprintf(s.W, "listening to: %s\n", label); err != nil {
		return fmt.Errorf("failed to print presence: %w", err)
	}
	return nil
}

// ListeningStatusUpdater is implemented by *discordgo.Session.
type ListeningStatusUpdater interface {
	UpdateListeningStatus(name string) error
}

type DiscordPresenceSetter struct {
	session ListeningStatusUpdater
}

func NewDiscordPresenceSetter(session ListeningStatusUpdater) *DiscordPresenceSetter {
	return &DiscordPresenceSetter{session: session}
}

func (s *DiscordPresenceSetter) SetPresence(ctx context.Context, p Presence) error {
	if err := s.session.UpdateListeningStatus(p.String()); err != nil {
		return fmt.Errorf("failed to update listening status: %w", err)
	}
	return nil
}

// PresenceWorker keeps the bot's presence in line with the station. It only
// calls the setter when the presence actually changed.
type PresenceWorker struct {
	station radio.StationInfo
	setter  PresenceSetter

	mu   sync.Mutex
	last Presence
	set  bool
}

func NewPresenceWorker(station radio.StationInfo, setter PresenceSetter) *PresenceWorker {
	return &PresenceWorker{station: station, setter: setter}
}

func (w *PresenceWorker) Refresh(ctx context.Context) error {
	info, err := w.station.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch station info: %w", err)
	}
	p := Presence{Track: info.NowPlaying, DJ: info.DJ}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.set && w.last == p {
		return nil
	}
	if err := w.setter.SetPresence(ctx, p); err != nil {
		return err
	}
	w.last, w.set = p, true
	return nil
}

// Run is shaped for schedule.Every: failures are logged and the next tick
// tries again.
func (w *PresenceWorker) Run(ctx context.Context) {
	if err := w.Refresh(ctx); err != nil {
		slog.WarnContext(ctx, "Failed to refresh presence", slog.Any("error", err))
	}
}
