package config

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// LoadEnv loads a .env file into the process environment. A missing file is
// reported as fs.ErrNotExist so callers can treat it as optional.
func LoadEnv(filenames ...string) error {
	err := godotenv.Load(filenames...)
	if errors.Is(err, fs.ErrNotExist) {
		return fs.ErrNotExist
	}
	return err
}

func process(ctx context.Context, target any, l envconfig.Lookuper) error {
	if l == nil {
		l = envconfig.OsLookuper()
	}
	return envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   target,
		Lookuper: l,
	})
}

type LogConfig struct {
	Level slog.Level `env:"LOG_LEVEL, default=INFO"`
}

func NewLogConfigFromEnv() (*LogConfig, error) {
	return NewLogConfig(context.Background(), nil)
}

func NewLogConfig(ctx context.Context, l envconfig.Lookuper) (*LogConfig, error) {
	var cfg LogConfig
	if err := process(ctx, &cfg, l); err != nil {
		return nil, err
	}
	return &cfg, nil
}
