package audio

import (
	"context"
	"testing"
	"time"
)

func newTestManager() *Manager {
	return New(Config{Logf: func(string, ...any) {}})
}

func TestAttachRejectsInvalidOffer(t *testing.T) {
	m := newTestManager()
	defer m.Close()

	cases := []SessionDescription{
		{},
		{Type: "answer", SDP: "v=0"},
		{Type: "offer"},
	}
	for _, offer := range cases {
		if _, err := m.Attach(context.Background(), offer); err == nil {
			t.Errorf("Attach(%+v) succeeded", offer)
		}
	}
}

func TestProbeHealthyWithoutPeer(t *testing.T) {
	m := newTestManager()
	defer m.Close()
	if err := m.Probe(context.Background()); err != nil {
		t.Errorf("Probe on fresh manager: %v", err)
	}
}

func TestProbeFailsAfterClose(t *testing.T) {
	m := newTestManager()
	m.Close()
	if err := m.Probe(context.Background()); err == nil {
		t.Error("Probe succeeded on closed manager")
	}
}

func TestStreamInAfterCloseFails(t *testing.T) {
	m := newTestManager()
	m.Close()
	if _, err := m.StreamIn(context.Background()); err == nil {
		t.Error("StreamIn succeeded on closed manager")
	}
}

func TestPlayWithoutPeerDiscardsAndReturns(t *testing.T) {
	m := newTestManager()
	defer m.Close()

	ch := make(chan []byte, 2)
	ch <- make([]byte, 1920)
	ch <- make([]byte, 1920)
	close(ch)
	if err := m.Play(context.Background(), ch); err != nil {
		t.Fatalf("Play: %v", err)
	}
}

func TestPlayHonorsContextCancel(t *testing.T) {
	m := newTestManager()
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan []byte)
	done := make(chan error, 1)
	go func() { done <- m.Play(ctx, ch) }()
	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Play returned nil after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("Play did not return after cancel")
	}
}

func TestStreamChannelClosesOnManagerClose(t *testing.T) {
	m := newTestManager()
	frames, err := m.StreamIn(context.Background())
	if err != nil {
		t.Fatalf("StreamIn: %v", err)
	}
	m.Close()
	select {
	case _, ok := <-frames:
		if ok {
			t.Fatal("got a frame instead of close")
		}
	case <-time.After(time.Second):
		t.Fatal("frame channel not closed")
	}
}
