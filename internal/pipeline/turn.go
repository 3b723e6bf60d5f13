package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/chadiek/voicepipe/internal/persona"
)

// Outcome is the terminal result of a Turn.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeCancelled
	OutcomeFailed
)

// String returns the string representation of an Outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Turn is one trigger-to-response conversational exchange. It is created
// when a wake word triggers, mutated only by the event loop, and finalized
// exactly once when the pipeline leaves the speaking phase or the turn
// fails or is cancelled.
type Turn struct {
	ID        string
	Persona   persona.Persona
	StartedAt time.Time
	EndedAt   time.Time

	// AudioRef and ResponseAudioRef are opaque references for the captured
	// and synthesized audio, resolvable by the history collaborator.
	AudioRef         string
	ResponseAudioRef string

	// Transcript is the latest running partial; FinalTranscript is set once
	// the service commits the utterance.
	Transcript      string
	FinalTranscript string
	Response        string

	Outcome Outcome
}

func newTurn(p persona.Persona, now time.Time) *Turn {
	id := uuid.NewString()
	return &Turn{
		ID:        id,
		Persona:   p,
		StartedAt: now,
		AudioRef:  "audio/" + id + "/mic",
	}
}
