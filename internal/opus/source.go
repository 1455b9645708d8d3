package opus

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/glizzus/radio-relay/internal/ogg"
)

// FrameDuration is the fixed Opus frame length the converter is asked for.
const FrameDuration = 20 * time.Millisecond

const defaultFrameBuffer = 8

// Frame is one Opus packet, ready to be sent to Discord unmodified.
type Frame struct {
	Data []byte
	// Seq counts frames from the start of the stream.
	Seq uint64
	// Position is the approximate offset of the frame in the stream.
	Position time.Duration
}

var (
	opusHead = []byte("OpusHead")
	opusTags = []byte("OpusTags")
)

// StreamSource opens transcoded frame streams, one per playback attempt.
type StreamSource struct {
	opts   TranscodeOptions
	buffer int
}

// NewStreamSource returns a StreamSource that spawns converters with opts.
func NewStreamSource(opts TranscodeOptions) *StreamSource {
	return &StreamSource{opts: opts, buffer: defaultFrameBuffer}
}

// Stream is a lazy, non-restartable sequence of frames backed by one
// converter process.
type Stream struct {
	frames    chan Frame
	done      chan struct{}
	err       error
	delivered atomic.Uint64
}

// Open starts a converter for in and begins producing frames. The converter
// is released exactly once when the sequence ends, whether it is exhausted,
// fails, or ctx is cancelled.
func (src *StreamSource) Open(ctx context.Context, in Input) *Stream {
	st := &Stream{
		frames: make(chan Frame, src.buffer),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(st.done)
		defer close(st.frames)
		st.err = st.produce(ctx, in, src.opts)
	}()
	return st
}

// Frames returns the frame channel. It is closed when the sequence ends.
func (st *Stream) Frames() <-chan Frame {
	return st.frames
}

// Done is closed once the converter has been released.
func (st *Stream) Done() <-chan struct{} {
	return st.done
}

// Err waits for the sequence to end and returns its result: nil for a clean
// end, ctx.Err() after cancellation, or an *Error.
func (st *Stream) Err() error {
	<-st.done
	return st.err
}

// Delivered returns how many frames the consumer has received so far.
func (st *Stream) Delivered() uint64 {
	return st.delivered.Load()
}

func (st *Stream) produce(ctx context.Context, in Input, opts TranscodeOptions) (err error) {
	session, err := Start(in, opts)
	if err != nil {
		return err
	}

	// Unblocks a pending stdout read when the consumer goes away.
	stop := context.AfterFunc(ctx, func() {
		_ = session.Close()
	})
	defer func() {
		stop()
		_ = session.Close()
		switch {
		case ctx.Err() != nil:
			err = ctx.Err()
		case err == nil && session.Err() != nil:
			err = session.Err()
		}
	}()

	demux := ogg.NewDemuxer(session)
	var seq, index uint64
	for ; ; index++ {
		packet, err := demux.ReadPacket()
		if err != nil {
			break
		}
		if isHeader(index, packet.Data) {
			continue
		}

		frame := Frame{
			Data:     packet.Data,
			Seq:      seq,
			Position: time.Duration(seq) * FrameDuration,
		}
		select {
		case st.frames <- frame:
			seq++
			st.delivered.Add(1)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := demux.Err(); err != nil && ctx.Err() == nil {
		slog.Warn("converter output ended early", "pid", session.Pid(), "pages", demux.Pages(), "error", err)
		if errors.Is(err, ogg.ErrBadCapture) || errors.Is(err, ogg.ErrPacketTooLarge) {
			return &Error{Kind: MalformedContainer, Err: err}
		}
	}
	return nil
}

// isHeader reports whether the packet at index is one of the two Ogg Opus
// header packets. They only ever open the stream, so audio packets later on
// are never inspected.
func isHeader(index uint64, data []byte) bool {
	switch index {
	case 0:
		return bytes.HasPrefix(data, opusHead)
	case 1:
		return bytes.HasPrefix(data, opusTags)
	default:
		return false
	}
}
