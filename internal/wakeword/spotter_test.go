package wakeword

import (
	"encoding/binary"
	"math"
	"testing"
)

func loudFrame(amp float64) []byte {
	const samples = 320
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := amp * math.Sin(2*math.Pi*300*float64(i)/16000)
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(v)))
	}
	return buf
}

func quietFrame() []byte { return make([]byte, 640) }

func TestSpotterTriggersOnSustainedBurst(t *testing.T) {
	s := NewSpotter(Config{ModelKey: "hey_motoko", MinFrames: 4})
	f := loudFrame(8000)
	for i := 0; i < 3; i++ {
		if s.Detect(f) {
			t.Fatalf("triggered after %d frames, want 4", i+1)
		}
	}
	if !s.Detect(f) {
		t.Fatal("did not trigger after the burst")
	}
}

func TestSpotterQuietFrameResetsRun(t *testing.T) {
	s := NewSpotter(Config{ModelKey: "hey_motoko", MinFrames: 3})
	f := loudFrame(8000)
	s.Detect(f)
	s.Detect(f)
	s.Detect(quietFrame())
	if s.Detect(f) || s.Detect(f) {
		t.Fatal("run survived a quiet frame")
	}
	if !s.Detect(f) {
		t.Fatal("did not trigger after a fresh burst")
	}
}

func TestSpotterRefractorySuppressesRetrigger(t *testing.T) {
	s := NewSpotter(Config{ModelKey: "hey_motoko", MinFrames: 2, RefractoryFrames: 10})
	f := loudFrame(8000)
	s.Detect(f)
	if !s.Detect(f) {
		t.Fatal("did not trigger")
	}
	for i := 0; i < 10; i++ {
		if s.Detect(f) {
			t.Fatalf("triggered inside the refractory window at frame %d", i)
		}
	}
	s.Detect(f)
	if !s.Detect(f) {
		t.Fatal("did not trigger after the refractory window")
	}
}

func TestMuxReportsFirstRegisteredModel(t *testing.T) {
	a := NewSpotter(Config{ModelKey: "hey_motoko", MinFrames: 2})
	b := NewSpotter(Config{ModelKey: "hey_batou", MinFrames: 2})
	m := NewMux(a, b)

	f := loudFrame(8000)
	if key, ok := m.Detect(f); ok {
		t.Fatalf("triggered on the first frame: %q", key)
	}
	key, ok := m.Detect(f)
	if !ok || key != "hey_motoko" {
		t.Fatalf("got (%q, %v), want first registered model", key, ok)
	}
}

func TestMuxDistinctThresholds(t *testing.T) {
	// Only the more sensitive model should fire on a moderate burst.
	sensitive := NewSpotter(Config{ModelKey: "hey_batou", Threshold: 500, MinFrames: 2})
	strict := NewSpotter(Config{ModelKey: "hey_motoko", Threshold: 20000, MinFrames: 2})
	m := NewMux(strict, sensitive)

	f := loudFrame(2000)
	m.Detect(f)
	key, ok := m.Detect(f)
	if !ok || key != "hey_batou" {
		t.Fatalf("got (%q, %v), want hey_batou", key, ok)
	}
}

func TestMuxNoModels(t *testing.T) {
	m := NewMux()
	if key, ok := m.Detect(loudFrame(8000)); ok {
		t.Fatalf("empty mux triggered: %q", key)
	}
}
