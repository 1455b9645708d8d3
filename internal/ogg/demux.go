// Package ogg demultiplexes an Ogg page stream into its logical packets.
//
// The Demuxer reads pages incrementally and never buffers more than one page.
// It is deliberately lenient: a corrupted or truncated stream (typically the
// tail of a dropped upstream connection) ends the packet sequence with io.EOF
// instead of an error. The reason is kept and available through Err.
package ogg

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const (
	headerSize = 27
	maxSegment = 255

	// flagContinued marks a page whose first segment continues the last
	// packet of the previous page.
	flagContinued = 0x01

	// MaxPacketSize bounds a reassembled packet. Opus packets are a few
	// kilobytes at most; anything larger is a stream that never closes its
	// packet.
	MaxPacketSize = 64 * 1024
)

var capturePattern = []byte("OggS")

var (
	// ErrBadCapture is reported when a page does not start with "OggS" or
	// carries an unknown stream structure version.
	ErrBadCapture = errors.New("ogg: bad page capture pattern")
	// ErrTruncatedPage is reported when the stream ends inside a page.
	ErrTruncatedPage = errors.New("ogg: truncated page")
	// ErrPacketTooLarge is reported when a packet grows past MaxPacketSize.
	ErrPacketTooLarge = errors.New("ogg: packet exceeds maximum size")
)

// Packet is one reassembled logical packet.
type Packet struct {
	Data []byte
	// Granule is the granule position of the page on which the packet completed.
	Granule int64
	// PageSequence is the sequence number of that page.
	PageSequence uint32
}

// Demuxer reads packets from an Ogg stream.
type Demuxer struct {
	r *bufio.Reader

	header  [headerSize]byte
	lacing  [maxSegment]byte
	partial []byte
	// skipping is set while the tail of a packet whose start was never seen
	// is being discarded.
	skipping bool

	ready []Packet
	done  bool
	err   error
	pages uint64
}

// NewDemuxer returns a Demuxer reading from r.
func NewDemuxer(r io.Reader) *Demuxer {
	return &Demuxer{r: bufio.NewReaderSize(r, 64*1024)}
}

// ReadPacket returns the next complete packet. It returns io.EOF once the
// sequence has ended, whether the stream was exhausted cleanly or malformed.
func (d *Demuxer) ReadPacket() (Packet, error) {
	for len(d.ready) == 0 {
		if d.done {
			return Packet{}, io.EOF
		}
		if err := d.readPage(); err != nil {
			d.done = true
			d.partial = nil
			if !errors.Is(err, io.EOF) {
				d.err = err
			}
			// Packets closed earlier on the failing page are still handed out.
		}
	}

	p := d.ready[0]
	d.ready[0] = Packet{}
	d.ready = d.ready[1:]
	return p, nil
}

// Err returns the reason the sequence ended early, or nil if the stream ended
// on a page boundary (or has not ended yet).
func (d *Demuxer) Err() error {
	return d.err
}

// Pages returns the number of complete pages read so far.
func (d *Demuxer) Pages() uint64 {
	return d.pages
}

func (d *Demuxer) readPage() error {
	if _, err := io.ReadFull(d.r, d.header[:]); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return truncated(err)
	}
	if !bytes.Equal(d.header[0:4], capturePattern) || d.header[4] != 0 {
		return ErrBadCapture
	}

	flags := d.header[5]
	granule := int64(binary.LittleEndian.Uint64(d.header[6:14]))
	sequence := binary.LittleEndian.Uint32(d.header[18:22])
	segments := int(d.header[26])

	lacing := d.lacing[:segments]
	if _, err := io.ReadFull(d.r, lacing); err != nil {
		return truncated(err)
	}

	bodySize := 0
	for _, l := range lacing {
		bodySize += int(l)
	}
	body := make([]byte, bodySize)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return truncated(err)
	}
	d.pages++

	if flags&flagContinued != 0 {
		if d.partial == nil {
			// Joined mid-packet, or the previous page left nothing open.
			d.skipping = true
		}
	} else {
		// Any open packet was never finished.
		d.partial = nil
		d.skipping = false
	}

	offset := 0
	for _, l := range lacing {
		size := int(l)
		segment := body[offset : offset+size]
		offset += size

		if !d.skipping {
			if len(d.partial)+size > MaxPacketSize {
				return ErrPacketTooLarge
			}
			d.partial = append(d.partial, segment...)
		}
		if size == maxSegment {
			continue
		}

		// A lacing value below 255 closes the packet.
		if !d.skipping && len(d.partial) > 0 {
			d.ready = append(d.ready, Packet{
				Data:         d.partial,
				Granule:      granule,
				PageSequence: sequence,
			})
		}
		d.partial = nil
		d.skipping = false
	}

	return nil
}

// truncated maps a short read inside a page to ErrTruncatedPage and keeps
// any other read error as is.
func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncatedPage
	}
	return err
}
