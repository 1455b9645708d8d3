package e2e

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/glizzus/radio-relay/internal/datalayer"
	"github.com/glizzus/radio-relay/internal/generator"
	"github.com/glizzus/radio-relay/internal/repository"
)

var seedOnce sync.Once

type RandomSnowFlakeGenerator struct {
	counter uint64
}

func (g *RandomSnowFlakeGenerator) Next() (string, error) {
	const min = 1e17
	if g.counter < min {
		g.counter = min
	}
	id := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%d", id), nil
}

var _ generator.Generator[string] = (*RandomSnowFlakeGenerator)(nil)

// SeedGlobalNoise fills the journal with playback from unrelated guilds, once
// per test binary.
func SeedGlobalNoise(t *testing.T, journal repository.PlaybackJournal) {
	t.Helper()
	seedOnce.Do(func() {
		uuidGen := generator.UUIDV7Generator{}
		guildIDGen := RandomSnowFlakeGenerator{}
		for i := range 100 {
			id, _ := uuidGen.Next()
			sessionID, _ := uuidGen.Next()
			guildID, _ := guildIDGen.Next()

			event := repository.PlaybackEvent{
				ID:         id,
				SessionID:  sessionID,
				GuildID:    guildID,
				ChannelID:  fmt.Sprintf("noise-channel-%d", i),
				Kind:       repository.EventPlay,
				OccurredAt: time.Now().UTC(),
			}

			err := journal.Record(t.Context(), event)
			if err != nil {
				t.Fatalf("failed to record noise event: %v", err)
			}
		}
	})
}

var (
	once              sync.Once
	postgresContainer *postgres.PostgresContainer
	connStr           string
	startErr          error
	pool              *pgxpool.Pool
	wg                sync.WaitGroup
)

// UsePostgres signals that the test is using Postgres as its database.
// This will either provision or reuse a Postgres container for the test.
// Do not expect a clean state in the database; it is shared across tests
// to simulate real-world usage.
func UsePostgres(t *testing.T) string {
	t.Helper()

	once.Do(func() {
		ctx := context.Background()
		postgresContainer, startErr = postgres.Run(
			ctx,
			"postgres",
			postgres.WithDatabase("radio"),
			postgres.WithUsername("user"),
			postgres.WithPassword("password"),
			postgres.BasicWaitStrategies(),
		)
		if startErr != nil {
			return
		}
		connStr, startErr = postgresContainer.ConnectionString(ctx)
		if startErr != nil {
			return
		}

		pool, startErr = pgxpool.New(ctx, connStr)
		if startErr != nil {
			return
		}
		defer pool.Close()

		startErr = datalayer.MigratePostgres(pool)
	})

	if startErr != nil {
		t.Fatalf("failed to start postgres container: %v", startErr)
	}
	wg.Add(1)
	t.Cleanup(wg.Done)

	return connStr
}

// GetJournal creates a new PostgresPlaybackRepository for testing.
// It uses the provided connection string to connect to the database.
// It performs no modifications or migrations on the database schema.
func GetJournal(t *testing.T, connStr string) *repository.PostgresPlaybackRepository {
	t.Helper()
	pool, err := pgxpool.New(t.Context(), connStr)
	if err != nil {
		t.Fatalf("failed to create postgres pool: %v", err)
	}

	t.Cleanup(pool.Close)
	return repository.NewPostgresPlaybackRepository(pool)
}

func TerminatePostgresForE2E() {
	wg.Wait()
	if postgresContainer != nil {
		err := postgresContainer.Terminate(context.Background())
		if err != nil {
			fmt.Printf("failed to terminate postgres container: %v", err)
		}
	}
}

var (
	redisOnce      sync.Once
	redisContainer *tcredis.RedisContainer
	redisURL       string
	redisErr       error
	redisWG        sync.WaitGroup
)

// UseRedis provisions or reuses a Redis container and returns a client for
// it. Like Postgres, the instance is shared across tests.
func UseRedis(t *testing.T) *goredis.Client {
	t.Helper()

	redisOnce.Do(func() {
		ctx := context.Background()
		redisContainer, redisErr = tcredis.Run(ctx, "redis:7")
		if redisErr != nil {
			return
		}
		redisURL, redisErr = redisContainer.ConnectionString(ctx)
	})
	if redisErr != nil {
		t.Fatalf("failed to start redis container: %v", redisErr)
	}

	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		t.Fatalf("failed to parse redis url: %v", err)
	}
	client := goredis.NewClient(opts)
	redisWG.Add(1)
	t.Cleanup(func() {
		_ = client.Close()
		redisWG.Done()
	})
	return client
}

func TerminateRedisForE2E() {
	redisWG.Wait()
	if redisContainer != nil {
		err := redisContainer.Terminate(context.Background())
		if err != nil {
			fmt.Printf("failed to terminate redis container: %v", err)
		}
	}
}
