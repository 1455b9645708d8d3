package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glizzus/radio-relay/internal/generator"
	"github.com/glizzus/radio-relay/internal/observe"
	"github.com/glizzus/radio-relay/internal/opus"
	"github.com/glizzus/radio-relay/internal/repository"
)

var (
	ErrAlreadyActive = errors.New("the radio is already playing in this server")
	ErrNotActive     = errors.New("the radio is not playing in this server")
)

// VoiceConn is a joined voice channel.
type VoiceConn interface {
	// OpusSend accepts raw Opus frames, paced by the connection.
	OpusSend() chan<- []byte
	Speaking(bool) error
	Disconnect() error
}

// VoiceTransport joins voice channels and answers questions about them.
type VoiceTransport interface {
	Join(ctx context.Context, guildID, channelID string) (VoiceConn, error)
	// SelfID returns the bot's own user id.
	SelfID() string
	// Listeners counts the members of a voice channel other than the bot.
	Listeners(guildID, channelID string) int
}

// Pipeline turns upstream audio into frames. *opus.StreamSource implements it.
type Pipeline interface {
	Open(ctx context.Context, in opus.Input) *opus.Stream
}

// Options configures a Controller. Transport, Pipeline and Feed are
// required.
type Options struct {
	Transport VoiceTransport
	Pipeline  Pipeline
	Feed      Feed
	// Station, if set, enriches status snapshots.
	Station StationInfo
	// Journal, if set, records play, stop and gave-up events.
	Journal repository.PlaybackJournal
	Metrics *observe.Metrics
	IDs     generator.Generator[string]

	MaxAttempts    int
	ReconnectDelay time.Duration
}

// PlaybackSession is the state of one guild's playback.
type PlaybackSession struct {
	ID        string
	GuildID   string
	StartedAt time.Time

	conn   VoiceConn
	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger
	frames atomic.Uint64

	mu        sync.Mutex
	channelID string
	state     State
	attempt   int
	lastErr   error
}

func (s *PlaybackSession) observe(t Transition) {
	s.mu.Lock()
	s.state = t.To
	s.attempt = t.Attempt
	if t.Err != nil {
		s.lastErr = t.Err
	}
	s.mu.Unlock()
	s.logger.Debug("playback state changed", "from", t.From, "to", t.To, "attempt", t.Attempt)
}

// ChannelID returns the voice channel the session plays in.
func (s *PlaybackSession) ChannelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelID
}

// slot serializes the transitions of one guild. The current session is also
// published atomically so status queries never wait behind a transition.
type slot struct {
	mu      sync.Mutex
	session atomic.Pointer[PlaybackSession]
}

// Controller starts and stops radio playback per guild.
type Controller struct {
	opts    Options
	metrics *observe.Metrics
	ids     generator.Generator[string]

	mu    sync.Mutex
	slots map[string]*slot
}

func NewController(opts Options) *Controller {
	c := &Controller{
		opts:    opts,
		metrics: opts.Metrics,
		ids:     opts.IDs,
		slots:   make(map[string]*slot),
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.ids == nil {
		c.ids = &generator.UUIDV7Generator{}
	}
	if c.opts.MaxAttempts <= 0 {
		c.opts.MaxAttempts = DefaultMaxAttempts
	}
	if c.opts.ReconnectDelay < 0 {
		c.opts.ReconnectDelay = 0
	}
	return c
}

func (c *Controller) slot(guildID string) *slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[guildID]
	if !ok {
		s = &slot{}
		c.slots[guildID] = s
	}
	return s
}

// Play joins channelID and starts playing the radio there. It returns once
// the voice connection is up; audio follows asynchronously.
func (c *Controller) Play(ctx context.Context, guildID, channelID string) (*PlaybackSession, error) {
	s := c.slot(guildID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session.Load() != nil {
		return nil, ErrAlreadyActive
	}

	id, err := c.ids.Next()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}
	logger := slog.With("sessionID", id, "guildID", guildID, "channelID", channelID)

	conn, err := c.opts.Transport.Join(ctx, guildID, channelID)
	if err != nil {
		return nil, fmt.Errorf("unable to join the voice channel: %w", err)
	}
	if err := conn.Speaking(true); err != nil {
		if derr := conn.Disconnect(); derr != nil {
			logger.Error("failed to disconnect", "error", derr)
		}
		return nil, fmt.Errorf("error setting speaking state to 'true': %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &PlaybackSession{
		ID:        id,
		GuildID:   guildID,
		StartedAt: time.Now(),
		conn:      conn,
		cancel:    cancel,
		done:      make(chan struct{}),
		logger:    logger,
		channelID: channelID,
		state:     Connecting,
	}
	s.session.Store(sess)
	c.metrics.ActiveSessions.Add(ctx, 1)
	c.record(ctx, sess, repository.EventPlay, "")

	logger.Info("radio started")
	go c.run(runCtx, s, sess)
	return sess, nil
}

func (c *Controller) run(ctx context.Context, s *slot, sess *PlaybackSession) {
	sup := &Supervisor{
		Budget:   RetryBudget{MaxAttempts: c.opts.MaxAttempts, Delay: c.opts.ReconnectDelay},
		Attempt:  c.attempt(sess),
		Observer: sess.observe,
		Logger:   sess.logger,
	}
	state, err := sup.Run(ctx)
	// Stop waits for done while holding the slot, so done must be closed
	// before the slot is taken below.
	close(sess.done)

	if state != GaveUp {
		return
	}
	sess.logger.Error("giving up on the radio stream", "error", err)
	c.metrics.GaveUp.Add(context.Background(), 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session.Load() != sess {
		return
	}
	c.teardown(s, sess, repository.EventGaveUp, err)
}

// Stop ends playback in guildID, waits for the converter to be released and
// leaves the voice channel.
func (c *Controller) Stop(ctx context.Context, guildID string) error {
	s := c.slot(guildID)
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.session.Load()
	if sess == nil {
		return ErrNotActive
	}

	sess.cancel()
	select {
	case <-sess.done:
	case <-ctx.Done():
		// The pipeline is bounded by the converter's shutdown timeout; keep
		// waiting so no frame is sent after the disconnect.
		sess.logger.Warn("stop requested with an expired context, still waiting for the pipeline")
		<-sess.done
	}

	c.teardown(s, sess, repository.EventStop, nil)
	return nil
}

// teardown must be called with s.mu held.
func (c *Controller) teardown(s *slot, sess *PlaybackSession, kind repository.EventKind, cause error) {
	sess.cancel()
	if err := sess.conn.Speaking(false); err != nil {
		sess.logger.Error("failed to stop speaking", "error", err)
	}
	if err := sess.conn.Disconnect(); err != nil {
		sess.logger.Error("failed to disconnect", "error", err)
	}

	s.session.Store(nil)
	ctx := context.Background()
	c.metrics.ActiveSessions.Add(ctx, -1)

	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	c.record(ctx, sess, kind, detail)
	sess.logger.Info("radio stopped", "reason", kind, "frames", sess.frames.Load())
}

func (c *Controller) record(ctx context.Context, sess *PlaybackSession, kind repository.EventKind, detail string) {
	if c.opts.Journal == nil {
		return
	}
	id, err := c.ids.Next()
	if err != nil {
		sess.logger.Warn("failed to generate journal event id", "error", err)
		return
	}
	event := repository.PlaybackEvent{
		ID:         id,
		SessionID:  sess.ID,
		GuildID:    sess.GuildID,
		ChannelID:  sess.ChannelID(),
		Kind:       kind,
		Detail:     detail,
		Frames:     sess.frames.Load(),
		OccurredAt: time.Now().UTC(),
	}
	if err := c.opts.Journal.Record(ctx, event); err != nil {
		sess.logger.Warn("failed to journal playback event", "kind", kind, "error", err)
	}
}

// Session returns the active session of guildID, if any.
func (c *Controller) Session(guildID string) (*PlaybackSession, bool) {
	sess := c.slot(guildID).session.Load()
	return sess, sess != nil
}

// Active returns the guilds currently playing.
func (c *Controller) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var guilds []string
	for id, s := range c.slots {
		if s.session.Load() != nil {
			guilds = append(guilds, id)
		}
	}
	return guilds
}

// StopAll stops every active session, typically on shutdown.
func (c *Controller) StopAll(ctx context.Context) {
	for _, guildID := range c.Active() {
		if err := c.Stop(ctx, guildID); err != nil && !errors.Is(err, ErrNotActive) {
			slog.Error("failed to stop radio", "guildID", guildID, "error", err)
		}
	}
}

// VoiceStateChange is a member joining, leaving or moving between voice
// channels. ChannelID is empty when the member left voice.
type VoiceStateChange struct {
	GuildID   string
	UserID    string
	ChannelID string
}

// HandleVoiceStateUpdate stops playback when the bot was disconnected from
// outside, or when nobody is left listening.
func (c *Controller) HandleVoiceStateUpdate(ctx context.Context, change VoiceStateChange) {
	sess, ok := c.Session(change.GuildID)
	if !ok {
		return
	}

	reason := ""
	if change.UserID == c.opts.Transport.SelfID() {
		if change.ChannelID == "" {
			reason = "disconnected from voice"
		} else {
			sess.mu.Lock()
			sess.channelID = change.ChannelID
			sess.mu.Unlock()
		}
	}
	if reason == "" && c.opts.Transport.Listeners(change.GuildID, sess.ChannelID()) == 0 {
		reason = "voice channel is empty"
	}
	if reason == "" {
		return
	}

	sess.logger.Info("stopping radio", "reason", reason)
	if err := c.Stop(ctx, change.GuildID); err != nil && !errors.Is(err, ErrNotActive) {
		sess.logger.Error("failed to stop radio", "error", err)
	}
}
