package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/glizzus/radio-relay/internal/config"
	"github.com/glizzus/radio-relay/internal/datalayer"
	"github.com/glizzus/radio-relay/internal/opus"
	"github.com/glizzus/radio-relay/internal/radio"
	"github.com/glizzus/radio-relay/internal/repository"
	"github.com/glizzus/radio-relay/internal/schedule"
	"github.com/glizzus/radio-relay/internal/station"
	"github.com/glizzus/radio-relay/internal/worker"
)

func record(c *cli.Context) error {
	out, err := os.Create(c.String("out"))
	if err != nil {
		return cli.Exit("Failed to create output file: "+err.Error(), 1)
	}
	defer out.Close()
	buffered := bufio.NewWriter(out)

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("duration"))
	defer cancel()

	var feed radio.Feed = radio.NewHTTPFeed(c.String("url"), radio.DefaultBufferSize)
	if c.String("mode") == config.InputModeURL {
		feed = radio.URLFeed{URL: c.String("url")}
	}
	in, err := feed.Open(ctx)
	if err != nil {
		return cli.Exit("Failed to open the stream: "+err.Error(), 1)
	}

	source := opus.NewStreamSource(opus.TranscodeOptions{FFmpegPath: c.String("ffmpeg")})
	stream := source.Open(ctx, in)
	writer := opus.NewFrameWriter(buffered)

	if err := writer.Record(stream.Frames()); err != nil {
		cancel()
		<-stream.Done()
		return cli.Exit("Failed to write frames: "+err.Error(), 1)
	}
	if err := buffered.Flush(); err != nil {
		return cli.Exit("Failed to flush output: "+err.Error(), 1)
	}

	// Running out the clock is how a recording normally ends.
	if err := stream.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return cli.Exit("Stream ended with an error: "+err.Error(), 1)
	}
	log.Printf("Recorded %d frames (%s) to %s", writer.Frames(), time.Duration(writer.Frames())*opus.FrameDuration, c.String("out"))
	return nil
}

func inspect(c *cli.Context) error {
	in, err := os.Open(c.Args().First())
	if err != nil {
		return cli.Exit("Failed to open dump: "+err.Error(), 1)
	}
	defer in.Close()

	reader := opus.NewFrameReader(bufio.NewReader(in))
	var frames, total, smallest, largest int
	var last opus.Frame
	for frame := range reader.Replay(c.Context) {
		if frames == 0 || len(frame.Data) < smallest {
			smallest = len(frame.Data)
		}
		largest = max(largest, len(frame.Data))
		total += len(frame.Data)
		frames++
		last = frame
	}
	if err := reader.Err(); err != nil {
		return cli.Exit(fmt.Sprintf("Dump is corrupt after %d frames: %v", frames, err), 1)
	}

	log.Printf("frames: %d", frames)
	log.Printf("duration: %s", time.Duration(frames)*opus.FrameDuration)
	if frames > 0 {
		log.Printf("last frame: #%d at %s", last.Seq, last.Position)
	}
	log.Printf("bytes: %d (smallest %d, largest %d)", total, smallest, largest)
	return nil
}

func history(c *cli.Context) error {
	pgConfig, err := config.NewPostgresConfigFromEnv()
	if err != nil {
		return cli.Exit("Failed to load postgres config: "+err.Error(), 1)
	}
	pool, err := datalayer.NewPostgresPool(c.Context, pgConfig)
	if err != nil {
		return cli.Exit("Failed to create postgres pool: "+err.Error(), 1)
	}
	defer pool.Close()
	if err := datalayer.MigratePostgres(pool); err != nil {
		return cli.Exit("Failed to migrate postgres: "+err.Error(), 1)
	}

	repo := repository.NewPostgresPlaybackRepository(pool)
	events, err := repo.List(c.Context, c.String("guild-id"), c.Int("limit"))
	if err != nil {
		return cli.Exit("Failed to list playback events: "+err.Error(), 1)
	}

	if len(events) == 0 {
		log.Println("No playback recorded for the specified guild.")
		return nil
	}
	for _, e := range events {
		log.Printf("%s %-8s channel=%s frames=%d %s", e.OccurredAt.Format(time.RFC3339), e.Kind, e.ChannelID, e.Frames, e.Detail)
	}
	return nil
}

func nowPlaying(c *cli.Context) error {
	client := station.NewClient(c.String("api-url"), station.NewMemoryCache(), 0)
	info, err := client.Info(c.Context)
	if err != nil {
		return cli.Exit("Failed to fetch station info: "+err.Error(), 1)
	}

	log.Printf("now playing: %s", info.NowPlaying)
	log.Printf("dj: %s, listeners: %d", info.DJ, info.Listeners)
	if pos, ok := info.Position(); ok {
		log.Printf("position: %s", pos.Truncate(time.Second))
	}
	for i, track := range info.Queue {
		log.Printf("queue %d: %s", i+1, track.Meta)
	}
	return nil
}

func presence(c *cli.Context) error {
	cron := c.String("cron")
	upcoming, err := schedule.NextRunTimes(cron, c.Int("count"))
	if err != nil {
		return cli.Exit("Invalid refresh schedule: "+err.Error(), 1)
	}
	for _, at := range upcoming {
		log.Printf("refresh at %s", at.Format(time.RFC3339))
	}
	if !c.Bool("watch") {
		return nil
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()

	client := station.NewClient(c.String("api-url"), station.NewMemoryCache(), 0)
	w := worker.NewPresenceWorker(client, &worker.PrintingPresenceSetter{W: os.Stdout})
	w.Run(ctx)
	if err := schedule.Every(ctx, cron, w.Run); err != nil && ctx.Err() == nil {
		return cli.Exit("Presence schedule stopped: "+err.Error(), 1)
	}
	return nil
}

func main() {
	if err := config.LoadEnv(); err != nil && !os.IsNotExist(err) {
		log.Fatalf("Failed to load .env file: %v", err)
	}
	if logConfig, err := config.NewLogConfigFromEnv(); err == nil {
		slog.SetLogLoggerLevel(logConfig.Level)
	}

	app := &cli.App{
		Name:        "radio-relay-cli",
		Description: "A development CLI tool for testing the radio relay without Discord",
		Commands: []*cli.Command{
			{
				Name:   "record",
				Usage:  "Run the transcoding pipeline and dump length-prefixed Opus frames",
				Action: record,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", Usage: "stream to record", Value: radio.DefaultStreamURL},
					&cli.StringFlag{Name: "mode", Usage: "pipe or url", Value: config.InputModePipe},
					&cli.StringFlag{Name: "ffmpeg", Usage: "path to ffmpeg", Value: opus.DefaultFFmpegPath},
					&cli.StringFlag{Name: "out", Usage: "dump file", Value: "radio.opus.dump"},
					&cli.DurationFlag{Name: "duration", Usage: "how long to record", Value: 30 * time.Second},
				},
			},
			{
				Name:      "inspect",
				Usage:     "Summarize a frame dump",
				ArgsUsage: "<dump>",
				Action:    inspect,
			},
			{
				Name:   "history",
				Usage:  "List the playback journal of a guild",
				Action: history,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "guild-id",
						Usage:    "ID of the guild to list playback for",
						Required: true,
					},
					&cli.IntFlag{Name: "limit", Usage: "maximum number of events", Value: 20},
				},
			},
			{
				Name:   "now-playing",
				Usage:  "Show what the station is broadcasting",
				Action: nowPlaying,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "api-url", Value: station.DefaultAPIURL},
				},
			},
			{
				Name:   "presence",
				Usage:  "Show when the presence refreshes, and optionally follow it without Discord",
				Action: presence,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "cron", Usage: "refresh schedule", Value: "* * * * *", EnvVars: []string{"RADIO_PRESENCE_CRON"}},
					&cli.IntFlag{Name: "count", Usage: "how many refresh times to list", Value: 5},
					&cli.BoolFlag{Name: "watch", Usage: "print presence changes until interrupted"},
					&cli.StringFlag{Name: "api-url", Value: station.DefaultAPIURL},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error running CLI: %v", err)
	}
}
