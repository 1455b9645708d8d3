package config

import (
	"context"

	"github.com/sethvargo/go-envconfig"
)

// RedisConfig points at the status cache. An empty Addr means the bot keeps
// the cache in process.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
}

func NewRedisConfigFromEnv() (*RedisConfig, error) {
	return NewRedisConfig(context.Background(), nil)
}

func NewRedisConfig(ctx context.Context, l envconfig.Lookuper) (*RedisConfig, error) {
	var cfg RedisConfig
	if err := process(ctx, &cfg, l); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *RedisConfig) Enabled() bool {
	return c.Addr != ""
}
