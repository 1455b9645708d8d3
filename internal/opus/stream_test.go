package opus_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/glizzus/radio-relay/internal/opus"
)

func frameChan(data ...[]byte) <-chan opus.Frame {
	ch := make(chan opus.Frame, len(data))
	for i, d := range data {
		ch <- opus.Frame{Data: d, Seq: uint64(i)}
	}
	close(ch)
	return ch
}

func TestStreamToVoice(t *testing.T) {
	send := make(chan []byte, 3)
	var seen []uint64

	n, err := opus.StreamToVoice(context.Background(),
		frameChan([]byte{1}, []byte{2}, []byte{3}),
		send,
		func(f opus.Frame) { seen = append(seen, f.Seq) },
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 frames sent, got %d", n)
	}
	if len(seen) != 3 || seen[2] != 2 {
		t.Errorf("expected onSent for every frame, got %v", seen)
	}
	for i, want := range [][]byte{{1}, {2}, {3}} {
		if got := <-send; !bytes.Equal(got, want) {
			t.Errorf("frame %d: expected %v, got %v", i, want, got)
		}
	}
}

func TestStreamToVoiceCancelled(t *testing.T) {
	// Nobody drains send, so the only way out is cancellation.
	send := make(chan []byte)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := opus.StreamToVoice(ctx, frameChan([]byte{1}), send, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if n != 0 {
		t.Errorf("expected no frames sent, got %d", n)
	}
}
