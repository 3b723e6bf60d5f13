package pipeline

// Event is one item on the pipeline's ordered queue. Every state transition
// is driven by exactly one event; producer goroutines never mutate pipeline
// state directly. Events carrying a TurnID are dropped when that turn is no
// longer current, so late arrivals from a cancelled turn cannot leak into
// the next one.
type Event interface{ isEvent() }

type wakeEvent struct {
	ModelKey string
}

type speechEndEvent struct {
	TurnID string
}

type sessionMsgEvent struct {
	TurnID string
	Msg    SessionEvent
	// counted marks errors already recorded against the session budget by
	// the retry wrapper, so the loop does not count them twice.
	counted bool
}

type playbackDoneEvent struct {
	TurnID string
	Err    error
}

type micClosedEvent struct {
	Err error
}

type timerKind int

const (
	timerMaxRecording timerKind = iota
	timerResponseWait
)

type timerEvent struct {
	TurnID string
	Kind   timerKind
}

type probeEvent struct {
	Err error
}

type stopEvent struct {
	done chan struct{}
}

func (wakeEvent) isEvent()         {}
func (speechEndEvent) isEvent()    {}
func (sessionMsgEvent) isEvent()   {}
func (playbackDoneEvent) isEvent() {}
func (micClosedEvent) isEvent()    {}
func (timerEvent) isEvent()        {}
func (probeEvent) isEvent()        {}
func (stopEvent) isEvent()         {}
