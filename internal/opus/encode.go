package opus

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// FrameWriter writes Opus frames in the dump format read by FrameReader:
// a little-endian uint16 length followed by the frame bytes.
type FrameWriter struct {
	w      io.Writer
	frames int
}

// NewFrameWriter returns a FrameWriter that writes to w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame appends one frame to the dump.
func (f *FrameWriter) WriteFrame(frame []byte) error {
	if len(frame) > math.MaxUint16 {
		return fmt.Errorf("frame of %d bytes does not fit the length prefix", len(frame))
	}

	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(frame)))
	if _, err := f.w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := f.w.Write(frame); err != nil {
		return err
	}
	f.frames++
	return nil
}

// Frames returns the number of frames written so far.
func (f *FrameWriter) Frames() int {
	return f.frames
}

// Record drains frames into the dump until the channel is closed.
func (f *FrameWriter) Record(frames <-chan Frame) error {
	for frame := range frames {
		if err := f.WriteFrame(frame.Data); err != nil {
			return err
		}
	}
	return nil
}
