package opus

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"time"
)

// FrameReader reads length-prefixed Opus frames from an io.Reader.
type FrameReader struct {
	r   io.Reader
	err error
}

// NewFrameReader returns a new FrameReader that reads from r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// ReadFrame reads and returns the next raw Opus frame.
// Returns io.EOF when there are no more frames.
func (f *FrameReader) ReadFrame() ([]byte, error) {
	var size uint16
	if err := binary.Read(f.r, binary.LittleEndian, &size); err != nil {
		return nil, err
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(f.r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// Replay reads every frame of a dump into a channel, numbering them as a live
// stream would. The channel is closed at the end of the dump, on the first
// read error, or when ctx is cancelled. Err reports which, once the channel
// is closed.
func (f *FrameReader) Replay(ctx context.Context) <-chan Frame {
	out := make(chan Frame, defaultFrameBuffer)
	go func() {
		defer close(out)
		for seq := uint64(0); ; seq++ {
			data, err := f.ReadFrame()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				f.err = err
				return
			}
			select {
			case out <- Frame{Data: data, Seq: seq, Position: time.Duration(seq) * FrameDuration}:
			case <-ctx.Done():
				f.err = ctx.Err()
				return
			}
		}
	}()
	return out
}

// Err returns the error that ended Replay, or nil if the dump was read to
// its end. It must only be called after the Replay channel is closed.
func (f *FrameReader) Err() error {
	return f.err
}
