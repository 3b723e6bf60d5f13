// Package audio owns the device surface of the pipeline: microphone frames
// in, rendered speech out. The device is a browser attached over WebRTC;
// incoming Opus is decoded to 16 kHz PCM16LE frames for the pipeline, and
// playback is Opus-encoded 48 kHz PCM paced onto the outgoing track.
package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	opus "gopkg.in/hraban/opus.v2"
)

// SessionDescription is a small DTO so transport code never sees webrtc
// types.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Config tunes the manager.
type Config struct {
	// STUNServers for ICE. Default is Google's public server.
	STUNServers []string
	// FrameBytes is the mic frame size handed to the pipeline. Default 640
	// (20ms of 16 kHz PCM16LE).
	FrameBytes int
	Logf       func(format string, args ...any)
}

func (c Config) withDefaults() Config {
	if len(c.STUNServers) == 0 {
		c.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
	if c.FrameBytes <= 0 {
		c.FrameBytes = 640
	}
	if c.Logf == nil {
		c.Logf = log.Printf
	}
	return c
}

// Manager implements the pipeline's audio device contract. The mic frame
// channel survives browser reattachments; it only closes when the manager
// itself closes.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	frames   chan []byte
	streamOn bool
	paced    *PacedWriter
	pc       *webrtc.PeerConnection
	pcState  webrtc.PeerConnectionState
	closed   bool
}

func New(cfg Config) *Manager {
	return &Manager{
		cfg:    cfg.withDefaults(),
		frames: make(chan []byte, 64),
	}
}

// StreamIn starts mic frame delivery. Frames begin flowing once a browser
// attaches; until then the channel is simply quiet.
func (m *Manager) StreamIn(ctx context.Context) (<-chan []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("audio: manager closed")
	}
	m.streamOn = true
	return m.frames, nil
}

// trackSink adapts the local track to the paced writer.
type trackSink struct {
	track *webrtc.TrackLocalStaticSample
}

func (s trackSink) WriteSample(data []byte, duration time.Duration) error {
	return s.track.WriteSample(media.Sample{Data: data, Duration: duration})
}

// Attach accepts a browser's SDP offer, wires its mic track into the frame
// stream and returns the SDP answer. A new attachment replaces any previous
// peer.
func (m *Manager) Attach(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("audio: invalid offer")
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return SessionDescription{}, errors.New("audio: manager closed")
	}
	m.mu.Unlock()

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return SessionDescription{}, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return SessionDescription{}, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: m.cfg.STUNServers}},
	})
	if err != nil {
		return SessionDescription{}, err
	}

	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"agent-audio", "voicepipe")
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}

	enc, err := opus.NewEncoder(48000, 1, opus.AppVoIP)
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	paced := NewPacedWriter(trackSink{track: outTrack}, enc)

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.cfg.Logf("audio: peer connection %s", state)
		m.mu.Lock()
		if m.pc == pc {
			m.pcState = state
		}
		m.mu.Unlock()
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected:
			paced.Close()
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		m.cfg.Logf("audio: remote mic track attached, codec=%s", remote.Codec().MimeType)
		dec, err := opus.NewDecoder(16000, 1)
		if err != nil {
			m.cfg.Logf("audio: opus decoder: %v", err)
			return
		}
		go m.readMic(remote, dec)
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: offer.SDP,
	}); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		_ = pc.Close()
		return SessionDescription{}, ctx.Err()
	}
	local := pc.LocalDescription()
	if local == nil {
		_ = pc.Close()
		return SessionDescription{}, errors.New("audio: no local description")
	}

	m.mu.Lock()
	old, oldPaced := m.pc, m.paced
	m.pc, m.paced = pc, paced
	m.pcState = webrtc.PeerConnectionStateNew
	m.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	if oldPaced != nil {
		oldPaced.Close()
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// readMic decodes incoming Opus into fixed-size 20ms frames for the
// pipeline.
func (m *Manager) readMic(remote *webrtc.TrackRemote, dec *opus.Decoder) {
	pcm := make([]int16, 1920)
	buf := make([]byte, 0, m.cfg.FrameBytes*4)
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			m.cfg.Logf("audio: rtp read: %v", err)
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, pcm)
		if err != nil {
			m.cfg.Logf("audio: opus decode: %v", err)
			continue
		}
		start := len(buf)
		buf = append(buf, make([]byte, n*2)...)
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(buf[start+i*2:], uint16(pcm[i]))
		}
		for len(buf) >= m.cfg.FrameBytes {
			frame := make([]byte, m.cfg.FrameBytes)
			copy(frame, buf)
			buf = buf[:copy(buf, buf[m.cfg.FrameBytes:])]
			if !m.deliver(frame) {
				return
			}
		}
	}
}

func (m *Manager) deliver(frame []byte) bool {
	m.mu.Lock()
	on, closed := m.streamOn, m.closed
	m.mu.Unlock()
	if closed {
		return false
	}
	if !on {
		return true
	}
	select {
	case m.frames <- frame:
	default:
		// Capture must never block on a slow consumer; drop instead.
	}
	return true
}

// Play renders 48 kHz PCM16LE chunks until the channel closes, then lets
// the paced backlog drain. With no browser attached the audio is consumed
// and discarded so local fallback playback still resolves.
func (m *Manager) Play(ctx context.Context, pcm <-chan []byte) error {
	m.mu.Lock()
	paced := m.paced
	m.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-pcm:
			if !ok {
				if paced == nil {
					return nil
				}
				paced.FlushTail()
				return m.drain(ctx, paced)
			}
			if paced != nil {
				paced.WritePCM(chunk)
			}
		}
	}
}

func (m *Manager) drain(ctx context.Context, paced *PacedWriter) error {
	ticker := time.NewTicker(pacerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if paced.Backlog() == 0 {
				return nil
			}
		}
	}
}

// Reset drops all queued playback immediately.
func (m *Manager) Reset() {
	m.mu.Lock()
	paced := m.paced
	m.mu.Unlock()
	if paced != nil {
		paced.Reset()
	}
}

// Probe reports device health. A manager with no browser yet is healthy; a
// failed peer connection is not.
func (m *Manager) Probe(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("audio: manager closed")
	}
	if m.pc != nil && m.pcState == webrtc.PeerConnectionStateFailed {
		return errors.New("audio: peer connection failed")
	}
	return nil
}

// Close tears down the peer and ends the mic stream.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pc, paced := m.pc, m.paced
	m.pc, m.paced = nil, nil
	frames := m.frames
	m.mu.Unlock()

	if paced != nil {
		paced.Close()
	}
	var err error
	if pc != nil {
		err = pc.Close()
	}
	close(frames)
	return err
}
