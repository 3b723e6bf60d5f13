package audio

import (
	"sync"
	"testing"
	"time"
)

type stubEncoder struct{}

func (stubEncoder) Encode(pcm []int16, data []byte) (int, error) {
	// Pretend every frame encodes to 40 bytes.
	return 40, nil
}

type recordSink struct {
	mu      sync.Mutex
	samples int
}

func (s *recordSink) WriteSample(data []byte, duration time.Duration) error {
	s.mu.Lock()
	s.samples++
	s.mu.Unlock()
	return nil
}

func (s *recordSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples
}

func pcmBytes(frames int) []byte {
	return make([]byte, frames*pacerFrameSamples*2)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestWriterPacesFramesToSink(t *testing.T) {
	sink := &recordSink{}
	w := NewPacedWriter(sink, stubEncoder{})
	defer w.Close()

	w.WritePCM(pcmBytes(3))
	waitFor(t, func() bool { return sink.count() == 3 })
	if w.Backlog() != 0 {
		t.Errorf("backlog = %d after delivery, want 0", w.Backlog())
	}
}

func TestWriterBuffersPartialFrames(t *testing.T) {
	sink := &recordSink{}
	w := NewPacedWriter(sink, stubEncoder{})
	defer w.Close()

	// Half a frame encodes nothing until the second half arrives.
	half := make([]byte, pacerFrameSamples)
	w.WritePCM(half)
	if w.Backlog() != 0 {
		t.Fatalf("partial frame produced backlog %d", w.Backlog())
	}
	w.WritePCM(half)
	waitFor(t, func() bool { return sink.count() == 1 })
}

func TestFlushTailPadsAndAppendsSilence(t *testing.T) {
	sink := &recordSink{}
	w := NewPacedWriter(sink, stubEncoder{})
	defer w.Close()

	w.WritePCM(make([]byte, pacerFrameSamples)) // half frame
	w.FlushTail()
	// Padded frame plus the silence tail.
	waitFor(t, func() bool { return sink.count() == 6 })
}

func TestResetDropsQueuedAudio(t *testing.T) {
	sink := &recordSink{}
	w := NewPacedWriter(sink, stubEncoder{})
	defer w.Close()

	w.WritePCM(pcmBytes(20))
	w.Reset()
	if w.Backlog() != 0 {
		t.Fatalf("backlog = %d after Reset, want 0", w.Backlog())
	}
	// Whatever slipped through before the reset is at most a frame or two;
	// the rest must never arrive.
	time.Sleep(100 * time.Millisecond)
	if got := sink.count(); got > 3 {
		t.Errorf("%d frames delivered after Reset", got)
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	sink := &recordSink{}
	w := NewPacedWriter(sink, stubEncoder{})
	w.WritePCM(pcmBytes(2))
	w.Close()
	w.Close() // idempotent
	before := sink.count()
	time.Sleep(60 * time.Millisecond)
	if got := sink.count(); got != before {
		t.Errorf("frames still delivered after Close: %d -> %d", before, got)
	}
}
