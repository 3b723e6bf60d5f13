package realtime

// Wire messages for the realtime speech service. Control flows as JSON text
// frames; audio flows as binary frames in both directions (16 kHz PCM16LE
// upstream, 48 kHz PCM16LE downstream).

const (
	msgSessionStart = "session.start"
	msgInputCommit  = "input.commit"
	msgSessionEnd   = "session.end"

	msgTranscriptPartial = "transcript.partial"
	msgTranscriptFinal   = "transcript.final"
	msgResponseText      = "response.text"
	msgResponseDone      = "response.done"
	msgError             = "error"
)

type clientMessage struct {
	Type       string `json:"type"`
	Voice      string `json:"voice,omitempty"`
	Prompt     string `json:"prompt,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

type serverMessage struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}
