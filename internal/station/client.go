// Package station reads what the radio is playing: the JSON status API and
// the server-sent event feed announcing DJ changes.
package station

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultAPIURL = "https://r-a-d.io/api"
	DefaultSSEURL = "https://r-a-d.io/v1/sse"

	infoKey = "info"
	djKey   = "dj"
)

// Track is one entry of the queue or of the recently played list.
type Track struct {
	Meta string
	At   time.Time
}

// Info is what the station reports about the current broadcast.
type Info struct {
	NowPlaying string
	DJ         string
	Listeners  int
	// Start and End bound the current track; either may be zero.
	Start, End time.Time
	// Current is the station's clock at the time of the report.
	Current time.Time
	Queue   []Track
	History []Track
}

// Position returns how far into the current track the station was when it
// reported, and whether that is known.
func (i Info) Position() (time.Duration, bool) {
	if i.Start.IsZero() || i.Current.IsZero() || i.Current.Before(i.Start) {
		return 0, false
	}
	return i.Current.Sub(i.Start), true
}

// Duration returns the length of the current track, if known.
func (i Info) Duration() (time.Duration, bool) {
	if i.Start.IsZero() || i.End.IsZero() || !i.End.After(i.Start) {
		return 0, false
	}
	return i.End.Sub(i.Start), true
}

type apiTrack struct {
	Meta      string `json:"meta"`
	Timestamp int64  `json:"timestamp"`
}

type apiResponse struct {
	Main struct {
		NowPlaying string `json:"np"`
		Listeners  int    `json:"listeners"`
		DJ         struct {
			Name string `json:"djname"`
		} `json:"dj"`
		StartTime int64      `json:"start_time"`
		EndTime   int64      `json:"end_time"`
		Current   int64      `json:"current"`
		Queue     []apiTrack `json:"queue"`
		LastPlay  []apiTrack `json:"lp"`
	} `json:"main"`
}

func unix(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func tracks(in []apiTrack) []Track {
	if len(in) == 0 {
		return nil
	}
	out := make([]Track, 0, len(in))
	for _, t := range in {
		out = append(out, Track{Meta: t.Meta, At: unix(t.Timestamp)})
	}
	return out
}

func (r apiResponse) info() Info {
	return Info{
		NowPlaying: strings.TrimSpace(r.Main.NowPlaying),
		DJ:         r.Main.DJ.Name,
		Listeners:  r.Main.Listeners,
		Start:      unix(r.Main.StartTime),
		End:        unix(r.Main.EndTime),
		Current:    unix(r.Main.Current),
		Queue:      tracks(r.Main.Queue),
		History:    tracks(r.Main.LastPlay),
	}
}

// Client fetches station info, caching it for TTL.
type Client struct {
	URL   string
	HTTP  *http.Client
	Cache Cache
	TTL   time.Duration
}

// NewClient returns a Client for the status API at url.
func NewClient(url string, cache Cache, ttl time.Duration) *Client {
	if url == "" {
		url = DefaultAPIURL
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Client{
		URL:   url,
		HTTP:  &http.Client{Timeout: 10 * time.Second},
		Cache: cache,
		TTL:   ttl,
	}
}

// Info returns the current station info. A DJ announced on the event feed
// takes precedence over the one in a possibly stale API response.
func (c *Client) Info(ctx context.Context) (Info, error) {
	info, err := c.fetch(ctx)
	if err != nil {
		return Info{}, err
	}
	if dj, ok, err := c.Cache.Get(ctx, djKey); err != nil {
		slog.Warn("failed to read announced DJ", "error", err)
	} else if ok && len(dj) > 0 {
		info.DJ = string(dj)
	}
	return info, nil
}

func (c *Client) fetch(ctx context.Context) (Info, error) {
	var resp apiResponse
	if cached, ok, err := c.Cache.Get(ctx, infoKey); err != nil {
		slog.Warn("failed to read cached station info", "error", err)
	} else if ok && json.Unmarshal(cached, &resp) == nil {
		return resp.info(), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return Info{}, fmt.Errorf("failed to build station request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.HTTP.Do(req)
	if err != nil {
		return Info{}, fmt.Errorf("failed to reach station API: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return Info{}, fmt.Errorf("station API returned %s", res.Status)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(res.Body).Decode(&raw); err != nil {
		return Info{}, fmt.Errorf("failed to decode station info: %w", err)
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Info{}, fmt.Errorf("failed to decode station info: %w", err)
	}

	if c.TTL > 0 {
		if err := c.Cache.Set(ctx, infoKey, raw, c.TTL); err != nil {
			slog.Warn("failed to cache station info", "error", err)
		}
	}
	return resp.info(), nil
}
