package audio

import (
	"sync"
	"time"
)

// SampleSink receives encoded 20ms media samples. The WebRTC local track
// satisfies it; tests substitute their own.
type SampleSink interface {
	WriteSample(data []byte, duration time.Duration) error
}

// frameEncoder encodes one PCM frame into data and reports the encoded
// size. The Opus encoder satisfies it.
type frameEncoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

const (
	pacerFrameSamples = 960 // 20ms at 48kHz mono
	pacerInterval     = 20 * time.Millisecond
)

// PacedWriter buffers 48 kHz PCM16LE mono audio, encodes it into 20ms
// frames and delivers them to the sink at wall-clock pace. Reset drops
// everything queued, which is what makes barge-in instant: no drain, no
// fade, the next frame tick simply has nothing to send.
type PacedWriter struct {
	enc  frameEncoder
	sink SampleSink

	mu      sync.Mutex
	pending []int16
	stopped bool

	queue  chan []byte
	stopCh chan struct{}
}

func NewPacedWriter(sink SampleSink, enc frameEncoder) *PacedWriter {
	w := &PacedWriter{
		enc:    enc,
		sink:   sink,
		queue:  make(chan []byte, 512),
		stopCh: make(chan struct{}),
	}
	go w.pace()
	return w
}

// WritePCM appends PCM16LE bytes and encodes any full frames now buffered.
func (w *PacedWriter) WritePCM(pcm []byte) {
	if len(pcm) < 2 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		w.pending = append(w.pending, int16(uint16(pcm[2*i])|uint16(pcm[2*i+1])<<8))
	}
	w.encodeFullFramesLocked()
}

func (w *PacedWriter) encodeFullFramesLocked() {
	buf := make([]byte, 4000)
	for len(w.pending) >= pacerFrameSamples {
		size, err := w.enc.Encode(w.pending[:pacerFrameSamples], buf)
		if err == nil && size > 0 {
			pkt := make([]byte, size)
			copy(pkt, buf[:size])
			w.enqueue(pkt)
		}
		w.pending = w.pending[:copy(w.pending, w.pending[pacerFrameSamples:])]
	}
}

// FlushTail pads the remaining PCM to a full frame and appends a short
// silence tail so the last syllable is not clipped.
func (w *PacedWriter) FlushTail() {
	buf := make([]byte, 4000)
	w.mu.Lock()
	if len(w.pending) > 0 {
		frame := make([]int16, pacerFrameSamples)
		copy(frame, w.pending)
		if size, err := w.enc.Encode(frame, buf); err == nil && size > 0 {
			pkt := make([]byte, size)
			copy(pkt, buf[:size])
			w.enqueue(pkt)
		}
		w.pending = w.pending[:0]
	}
	w.mu.Unlock()

	silence := make([]int16, pacerFrameSamples)
	for i := 0; i < 5; i++ { // ~100ms
		if size, err := w.enc.Encode(silence, buf); err == nil && size > 0 {
			pkt := make([]byte, size)
			copy(pkt, buf[:size])
			w.enqueue(pkt)
		}
	}
}

// Backlog reports queued frames not yet delivered to the sink.
func (w *PacedWriter) Backlog() int { return len(w.queue) }

// Reset drops all buffered and queued audio.
func (w *PacedWriter) Reset() {
	w.mu.Lock()
	w.pending = w.pending[:0]
	w.mu.Unlock()
	for {
		select {
		case <-w.queue:
		default:
			return
		}
	}
}

func (w *PacedWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

func (w *PacedWriter) enqueue(pkt []byte) {
	select {
	case <-w.stopCh:
	case w.queue <- pkt:
	}
}

func (w *PacedWriter) pace() {
	ticker := time.NewTicker(pacerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case pkt := <-w.queue:
				_ = w.sink.WriteSample(pkt, pacerInterval)
			default:
			}
		}
	}
}
