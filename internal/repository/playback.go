package repository

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventKind names what happened to a playback session.
type EventKind string

const (
	EventPlay   EventKind = "play"
	EventStop   EventKind = "stop"
	EventGaveUp EventKind = "gave_up"
)

// PlaybackEvent is one line of a guild's playback journal.
type PlaybackEvent struct {
	ID         string
	SessionID  string
	GuildID    string
	ChannelID  string
	Kind       EventKind
	Detail     string
	Frames     uint64
	OccurredAt time.Time
}

type PlaybackJournal interface {
	Record(ctx context.Context, event PlaybackEvent) error
	List(ctx context.Context, guildID string, limit int) ([]PlaybackEvent, error)
}

type PostgresPlaybackRepository struct {
	db *pgxpool.Pool
}

func NewPostgresPlaybackRepository(db *pgxpool.Pool) *PostgresPlaybackRepository {
	return &PostgresPlaybackRepository{db: db}
}

func PlaybackEventToRowParams(event PlaybackEvent) []any {
	return []any{
		event.ID,
		event.SessionID,
		event.GuildID,
		event.ChannelID,
		string(event.Kind),
		event.Detail,
		int64(event.Frames),
		event.OccurredAt,
	}
}

func (r *PostgresPlaybackRepository) Record(ctx context.Context, event PlaybackEvent) error {
	const query = `
	INSERT INTO playback_events (id, session_id, guild_id, channel_id, kind, detail, frames, occurred_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (id) DO NOTHING
	`

	if _, err := r.db.Exec(ctx, query, PlaybackEventToRowParams(event)...); err != nil {
		return fmt.Errorf("failed to record %s event for guild %s: %w", event.Kind, event.GuildID, err)
	}
	return nil
}

// List returns the most recent events of a guild, newest first. An empty
// guildID lists every guild.
func (r *PostgresPlaybackRepository) List(ctx context.Context, guildID string, limit int) ([]PlaybackEvent, error) {
	const query = `
	SELECT id, session_id, guild_id, channel_id, kind, detail, frames, occurred_at
	FROM playback_events
	WHERE $1 = '' OR guild_id = $1
	ORDER BY occurred_at DESC
	LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, guildID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query playback events: %w", err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (PlaybackEvent, error) {
		var (
			e      PlaybackEvent
			kind   string
			frames int64
		)
		err := row.Scan(&e.ID, &e.SessionID, &e.GuildID, &e.ChannelID, &kind, &e.Detail, &frames, &e.OccurredAt)
		e.Kind = EventKind(kind)
		e.Frames = uint64(frames)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan playback events: %w", err)
	}
	return events, nil
}

var _ PlaybackJournal = (*PostgresPlaybackRepository)(nil)

// MemoryPlaybackRepository keeps the journal in process. It is used when no
// database is configured.
type MemoryPlaybackRepository struct {
	mu     sync.Mutex
	events []PlaybackEvent
}

func NewMemoryPlaybackRepository() *MemoryPlaybackRepository {
	return &MemoryPlaybackRepository{}
}

func (r *MemoryPlaybackRepository) Record(_ context.Context, event PlaybackEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *MemoryPlaybackRepository) List(_ context.Context, guildID string, limit int) ([]PlaybackEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []PlaybackEvent
	for _, e := range slices.Backward(r.events) {
		if len(out) == limit {
			break
		}
		if guildID == "" || e.GuildID == guildID {
			out = append(out, e)
		}
	}
	return out, nil
}

var _ PlaybackJournal = (*MemoryPlaybackRepository)(nil)
