// Package realtime is the websocket client for the conversational speech
// service: one duplex session per turn, mic audio up, transcripts and
// response audio down.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chadiek/voicepipe/internal/persona"
	"github.com/chadiek/voicepipe/internal/pipeline"
)

// Config holds the service endpoint and timeouts.
type Config struct {
	// URL is the websocket endpoint, e.g. wss://speech.example.com/v1/ws.
	URL    string
	APIKey string
	// SampleRate of the uplink audio. Default 16000.
	SampleRate int
	// HandshakeTimeout bounds the dial. Default 10s.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each websocket write. Default 5s.
	WriteTimeout time.Duration
	Logf         func(format string, args ...any)
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.Logf == nil {
		c.Logf = log.Printf
	}
	return c
}

// Dialer opens realtime sessions. It implements the pipeline's session
// contract.
type Dialer struct {
	cfg Config
}

func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

// Open dials the service and starts a session configured for the persona.
func (d *Dialer) Open(ctx context.Context, p persona.Persona) (pipeline.Session, error) {
	if d.cfg.URL == "" {
		return nil, errors.New("realtime: endpoint URL is empty")
	}

	params := url.Values{}
	params.Set("sample_rate", strconv.Itoa(d.cfg.SampleRate))
	params.Set("encoding", "pcm_s16le")
	wsURL := d.cfg.URL + "?" + params.Encode()

	headers := http.Header{}
	if d.cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+d.cfg.APIKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: d.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime: dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime: dial failed: %w", err)
	}

	s := &session{
		cfg:    d.cfg,
		conn:   conn,
		events: make(chan pipeline.SessionEvent, 64),
		out:    make(chan outbound, 256),
		stop:   make(chan struct{}),
	}

	start := clientMessage{
		Type:       msgSessionStart,
		Voice:      p.Voice,
		Prompt:     loadPrompt(d.cfg.Logf, p),
		SampleRate: d.cfg.SampleRate,
	}
	if err := s.enqueueJSON(start); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go s.writeLoop()
	go s.readLoop()
	return s, nil
}

// loadPrompt reads the persona's system prompt. A missing file is not fatal;
// the service falls back to its default behavior for the voice.
func loadPrompt(logf func(string, ...any), p persona.Persona) string {
	if p.PromptPath == "" {
		return ""
	}
	data, err := os.ReadFile(p.PromptPath)
	if err != nil {
		logf("realtime: prompt for %s unavailable: %v", p.ModelKey, err)
		return ""
	}
	return string(data)
}

type outbound struct {
	binary []byte
	msg    *clientMessage
}

type session struct {
	cfg  Config
	conn *websocket.Conn
	out  chan outbound
	stop chan struct{}
	once sync.Once

	// emitMu serializes emission with closure of events. Both loops emit,
	// so the channel may only be closed once no emit can still be running.
	emitMu sync.Mutex
	closed bool
	events chan pipeline.SessionEvent
}

// Send queues one mic frame. The buffer absorbs bursts; a full buffer drops
// the frame rather than stalling the capture path.
func (s *session) Send(f pipeline.Frame) error {
	select {
	case <-s.stop:
		return errors.New("realtime: session closed")
	default:
	}
	select {
	case s.out <- outbound{binary: f}:
		return nil
	default:
		s.cfg.Logf("realtime: send buffer full, dropping frame")
		return nil
	}
}

// Finish commits the utterance; the service responds with the final
// transcript and the spoken reply.
func (s *session) Finish() error {
	return s.enqueueJSON(clientMessage{Type: msgInputCommit})
}

func (s *session) Events() <-chan pipeline.SessionEvent { return s.events }

// Close ends the session. The service gets a best-effort goodbye; the read
// loop owns closing the events channel.
func (s *session) Close() error {
	s.once.Do(func() {
		select {
		case s.out <- outbound{msg: &clientMessage{Type: msgSessionEnd}}:
		default:
		}
		close(s.stop)
		time.AfterFunc(100*time.Millisecond, func() { _ = s.conn.Close() })
	})
	return nil
}

func (s *session) enqueueJSON(msg clientMessage) error {
	select {
	case <-s.stop:
		return errors.New("realtime: session closed")
	case s.out <- outbound{msg: &msg}:
		return nil
	}
}

// writeLoop is the single websocket writer.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.stop:
			// Drain one pending control message so the goodbye gets out.
			select {
			case ob := <-s.out:
				if ob.msg != nil {
					_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
					_ = s.conn.WriteJSON(ob.msg)
				}
			default:
			}
			return
		case ob := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			var err error
			if ob.msg != nil {
				err = s.conn.WriteJSON(ob.msg)
			} else {
				err = s.conn.WriteMessage(websocket.BinaryMessage, ob.binary)
			}
			if err != nil {
				s.emit(pipeline.SessionEvent{
					Type: pipeline.SessionErrored,
					Err:  pipeline.SessionError("session.send", err),
				})
				return
			}
		}
	}
}

func (s *session) readLoop() {
	defer s.closeEvents()
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stop:
				// Expected during teardown.
			default:
				s.emit(pipeline.SessionEvent{
					Type: pipeline.SessionErrored,
					Err:  pipeline.SessionError("session.events", err),
				})
			}
			return
		}
		if kind == websocket.BinaryMessage {
			if !s.emit(pipeline.SessionEvent{Type: pipeline.SessionResponseAudio, Audio: data}) {
				return
			}
			continue
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.cfg.Logf("realtime: bad server message: %v", err)
			continue
		}
		if done := s.dispatch(msg); done {
			return
		}
	}
}

// dispatch maps one server message to a session event. It reports true when
// the stream is finished.
func (s *session) dispatch(msg serverMessage) bool {
	switch msg.Type {
	case msgTranscriptPartial:
		s.emit(pipeline.SessionEvent{Type: pipeline.SessionPartialTranscript, Text: msg.Text})
	case msgTranscriptFinal:
		s.emit(pipeline.SessionEvent{Type: pipeline.SessionFinalTranscript, Text: msg.Text})
	case msgResponseText:
		s.emit(pipeline.SessionEvent{Type: pipeline.SessionResponseText, Text: msg.Text})
	case msgResponseDone:
		s.emit(pipeline.SessionEvent{Type: pipeline.SessionDone})
		return true
	case msgError:
		s.emit(pipeline.SessionEvent{
			Type: pipeline.SessionErrored,
			Err:  pipeline.SessionError("session.events", errors.New(msg.Error)),
		})
		return true
	default:
		s.cfg.Logf("realtime: unknown server message type %q", msg.Type)
	}
	return false
}

// emit delivers one event to the consumer. It reports false once the
// session is stopping or the stream has already been torn down; a failed
// write racing the read loop's teardown must not reach a closed channel.
func (s *session) emit(ev pipeline.SessionEvent) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-s.stop:
		return false
	}
}

func (s *session) closeEvents() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.closed = true
	close(s.events)
}
