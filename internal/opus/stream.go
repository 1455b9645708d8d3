package opus

import (
	"context"
	"errors"
	"time"
)

var ErrVoiceConnClosed = errors.New("voice connection send timeout")

// sendTimeout bounds how long a single frame may wait for the voice
// connection. Discord drains OpusSend at real time, so a minute means the
// connection is gone.
const sendTimeout = time.Minute

// StreamToVoice forwards frames to a voice connection's send channel until
// frames is closed or ctx is cancelled. onSent, if not nil, is called after
// every frame that was handed over. It returns the number of frames sent.
// Returns nil when frames is exhausted.
func StreamToVoice(ctx context.Context, frames <-chan Frame, send chan<- []byte, onSent func(Frame)) (int, error) {
	sent := 0
	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()

	for {
		var frame Frame
		select {
		case f, ok := <-frames:
			if !ok {
				return sent, nil
			}
			frame = f
		case <-ctx.Done():
			return sent, ctx.Err()
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sendTimeout)

		select {
		case send <- frame.Data:
			sent++
			if onSent != nil {
				onSent(frame)
			}
		case <-timer.C:
			return sent, ErrVoiceConnClosed
		case <-ctx.Done():
			return sent, ctx.Err()
		}
	}
}
