package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/glizzus/radio-relay/internal/schedule"
)

const (
	InputModePipe = "pipe"
	InputModeURL  = "url"
)

type RadioConfig struct {
	StreamURL string `env:"RADIO_STREAM_URL, default=https://stream.r-a-d.io/main.mp3"`
	APIURL    string `env:"RADIO_API_URL, default=https://r-a-d.io/api"`
	SSEURL    string `env:"RADIO_SSE_URL, default=https://r-a-d.io/v1/sse"`
	// InputMode selects whether the bot fetches the stream and pipes it to
	// ffmpeg, or lets ffmpeg fetch the URL itself.
	InputMode  string `env:"RADIO_INPUT_MODE, default=pipe"`
	FFmpegPath string `env:"FFMPEG_PATH, default=ffmpeg"`

	MaxAttempts     int           `env:"RADIO_MAX_ATTEMPTS, default=3"`
	ReconnectDelay  time.Duration `env:"RADIO_RECONNECT_DELAY, default=5s"`
	ShutdownTimeout time.Duration `env:"RADIO_SHUTDOWN_TIMEOUT, default=1s"`
	BufferSize      int           `env:"RADIO_BUFFER_SIZE, default=1048576"`

	PresenceCron string        `env:"RADIO_PRESENCE_CRON, default=* * * * *"`
	StatusTTL    time.Duration `env:"RADIO_STATUS_TTL, default=10s"`
	Journal      bool          `env:"RADIO_JOURNAL, default=false"`
	MetricsAddr  string        `env:"METRICS_ADDR"`
}

func NewRadioConfigFromEnv() (*RadioConfig, error) {
	return NewRadioConfig(context.Background(), nil)
}

func NewRadioConfig(ctx context.Context, l envconfig.Lookuper) (*RadioConfig, error) {
	var cfg RadioConfig
	if err := process(ctx, &cfg, l); err != nil {
		return nil, err
	}

	switch cfg.InputMode {
	case InputModePipe, InputModeURL:
	default:
		return nil, fmt.Errorf("RADIO_INPUT_MODE must be %q or %q, got %q", InputModePipe, InputModeURL, cfg.InputMode)
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("RADIO_MAX_ATTEMPTS must be at least 1, got %d", cfg.MaxAttempts)
	}
	if cfg.ReconnectDelay < 0 {
		return nil, fmt.Errorf("RADIO_RECONNECT_DELAY must not be negative, got %s", cfg.ReconnectDelay)
	}
	if cfg.BufferSize < 1 {
		return nil, fmt.Errorf("RADIO_BUFFER_SIZE must be positive, got %d", cfg.BufferSize)
	}
	if err := schedule.ValidateCron(cfg.PresenceCron); err != nil {
		return nil, fmt.Errorf("RADIO_PRESENCE_CRON: %w", err)
	}

	return &cfg, nil
}
