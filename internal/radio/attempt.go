package radio

import (
	"context"
	"errors"
	"time"

	"github.com/glizzus/radio-relay/internal/opus"
)

// attempt plays the stream once: open the feed, transcode it and forward
// frames until something breaks.
func (c *Controller) attempt(sess *PlaybackSession) AttemptFunc {
	return func(ctx context.Context, streaming func()) (uint64, error) {
		started := time.Now()

		in, err := c.opts.Feed.Open(ctx)
		if err != nil {
			c.recordAttempt(ctx, sess, 0, started, err)
			return 0, err
		}

		streamCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		stream := c.opts.Pipeline.Open(streamCtx, in)

		var delivered uint64
		_, sendErr := opus.StreamToVoice(streamCtx, stream.Frames(), sess.conn.OpusSend(), func(opus.Frame) {
			delivered++
			if delivered == 1 {
				streaming()
			}
			sess.frames.Add(1)
			c.metrics.Frames.Add(ctx, 1)
		})
		if sendErr != nil {
			// The voice side gave up first; the converter must still go.
			cancel()
		}
		streamErr := stream.Err()
		c.metrics.RecordDropped(context.WithoutCancel(ctx), stream.Delivered(), delivered)

		err = streamErr
		if sendErr != nil && !errors.Is(sendErr, context.Canceled) {
			err = sendErr
		}
		c.recordAttempt(ctx, sess, delivered, started, err)
		return delivered, err
	}
}

func (c *Controller) recordAttempt(ctx context.Context, sess *PlaybackSession, frames uint64, started time.Time, err error) {
	result := "ended"
	switch {
	case ctx.Err() != nil:
		result = "stopped"
	case err != nil:
		result = "failed"
	}
	// Recorded after cancellation too, so metrics must not use ctx.
	mctx := context.WithoutCancel(ctx)
	c.metrics.RecordAttempt(mctx, result, time.Since(started).Seconds())
	if kind, ok := opus.KindOf(err); ok && ctx.Err() == nil {
		c.metrics.RecordConverterFailure(mctx, kind.String())
		if kind == opus.MalformedContainer {
			sess.logger.Warn("converter output stopped parsing", "error", err)
		}
	}
}
