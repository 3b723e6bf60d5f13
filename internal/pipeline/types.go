package pipeline

import (
	"context"
	"log"

	"github.com/chadiek/voicepipe/internal/persona"
)

// Frame is a block of 16 kHz mono PCM16LE microphone audio, typically 20ms.
type Frame = []byte

// AudioManager is the device boundary: a continuous microphone stream in,
// an interruptible speaker path out. Implementations hold the hardware (or
// transport) handles; the pipeline only holds this reference.
type AudioManager interface {
	// StreamIn opens the continuous microphone stream. The returned channel
	// closes when ctx is cancelled or the device fails; the stream is
	// restartable by calling StreamIn again after the device reopens.
	StreamIn(ctx context.Context) (<-chan Frame, error)
	// Play renders 48 kHz mono PCM16LE chunks and returns once the final
	// chunk has been played out, or earlier when ctx is cancelled.
	Play(ctx context.Context, pcm <-chan []byte) error
	// Reset drops any queued speaker output immediately, without waiting for
	// buffered audio to drain. Barge-in depends on this being instant.
	Reset()
	// Probe checks device health without touching the live streams.
	Probe(ctx context.Context) error
}

// WakeWordDetector scores microphone frames for keyword triggers.
type WakeWordDetector interface {
	// Detect scores one frame and reports the triggering model key, if any.
	Detect(f Frame) (modelKey string, ok bool)
}

// VoiceActivityDetector watches recorded frames for end of speech.
type VoiceActivityDetector interface {
	// Feed scores one frame and reports end of speech. After reporting true
	// it stays quiet until Reset.
	Feed(f Frame) (endOfSpeech bool)
	Reset()
}

// SessionEventType discriminates events on a realtime session stream.
type SessionEventType int

const (
	// SessionPartialTranscript carries a running transcript snapshot.
	SessionPartialTranscript SessionEventType = iota
	// SessionFinalTranscript carries the committed utterance text.
	SessionFinalTranscript
	// SessionResponseText carries a chunk of the agent's reply text.
	SessionResponseText
	// SessionResponseAudio carries a chunk of 48 kHz PCM16LE reply audio.
	SessionResponseAudio
	// SessionErrored means the service failed the exchange.
	SessionErrored
	// SessionDone means the service finished the exchange.
	SessionDone
)

// SessionEvent is one message from the realtime service.
type SessionEvent struct {
	Type  SessionEventType
	Text  string
	Audio []byte
	Err   error
}

// Session is one open duplex exchange with the remote speech service.
type Session interface {
	// Send streams one captured frame to the service.
	Send(f Frame) error
	// Finish signals end of user audio so the service can respond.
	Finish() error
	// Events yields transcript, reply and lifecycle events in arrival order.
	// The channel closes after a terminal SessionErrored or SessionDone.
	Events() <-chan SessionEvent
	Close() error
}

// SessionDialer opens realtime sessions for a persona.
type SessionDialer interface {
	Open(ctx context.Context, p persona.Persona) (Session, error)
}

// Telemetry receives state transitions and turn outcomes.
type Telemetry interface {
	StateChange(from, to State)
	TurnDone(t Turn)
	Logf(format string, args ...any)
}

// logTelemetry is the default Telemetry, writing to the standard logger.
type logTelemetry struct{}

func (logTelemetry) StateChange(from, to State) {
	log.Printf("pipeline: %s -> %s", from, to)
}

func (logTelemetry) TurnDone(t Turn) {
	log.Printf("pipeline: turn %s %s persona=%s heard=%q", t.ID, t.Outcome, t.Persona.ModelKey, t.FinalTranscript)
}

func (logTelemetry) Logf(format string, args ...any) { log.Printf(format, args...) }

// HistorySink receives finalized turns for persistence.
type HistorySink interface {
	Append(ctx context.Context, t Turn) error
}
