package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chadiek/voicepipe/internal/persona"
	"github.com/chadiek/voicepipe/internal/recovery"
)

// Config tunes the pipeline timers and queue. Zero values pick the
// documented defaults.
type Config struct {
	// MaxRecording caps one utterance; hitting it is a normal end of
	// recording, not an error. Default 30s.
	MaxRecording time.Duration
	// ResponseWait bounds the wait for the first response event after the
	// utterance is committed. Default 15s.
	ResponseWait time.Duration
	// ProbePeriod is the device health probe interval while the audio
	// device is degraded. Default 5s.
	ProbePeriod time.Duration
	// QueueSize is the event queue depth. Default 256.
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.MaxRecording <= 0 {
		c.MaxRecording = 30 * time.Second
	}
	if c.ResponseWait <= 0 {
		c.ResponseWait = 15 * time.Second
	}
	if c.ProbePeriod <= 0 {
		c.ProbePeriod = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

// Deps are the collaborators handed to the pipeline at construction. The
// pipeline holds no hardware handles of its own.
type Deps struct {
	Audio     AudioManager
	WakeWord  WakeWordDetector
	VAD       VoiceActivityDetector
	Sessions  SessionDialer
	Personas  *persona.Manager
	Recovery  *recovery.Manager
	Telemetry Telemetry
	History   HistorySink
}

// Pipeline turns continuous microphone audio into triggered, recorded,
// transcribed and spoken conversational turns. Capture, wake-word scoring,
// VAD scoring and the session receive loop run as independent goroutines;
// they communicate with the single event loop only through the ordered
// queue, so each event is processed fully before the next is dequeued.
type Pipeline struct {
	cfg      Config
	audio    AudioManager
	wake     WakeWordDetector
	vad      VoiceActivityDetector
	dialer   SessionDialer
	personas *persona.Manager
	rec      *recovery.Manager
	tel      Telemetry
	history  HistorySink

	events chan Event

	// mu guards the fields read outside the event loop (HTTP snapshots and
	// the capture goroutine). Transitions still happen only on the loop.
	mu      sync.Mutex
	state   State
	turn    *Turn
	session Session

	runCtx    context.Context
	runCancel context.CancelFunc
	micCancel context.CancelFunc
	wg        sync.WaitGroup

	turnCtx    context.Context
	turnCancel context.CancelFunc

	playCh     chan []byte
	recTimer   *time.Timer
	respTimer  *time.Timer
	probeStop  chan struct{}
	apologyIdx int
	offlineIdx int
	started    bool
}

// New constructs a Pipeline. Telemetry and History may be nil.
func New(cfg Config, deps Deps) *Pipeline {
	tel := deps.Telemetry
	if tel == nil {
		tel = logTelemetry{}
	}
	p := &Pipeline{
		cfg:      cfg.withDefaults(),
		audio:    deps.Audio,
		wake:     deps.WakeWord,
		vad:      deps.VAD,
		dialer:   deps.Sessions,
		personas: deps.Personas,
		rec:      deps.Recovery,
		tel:      tel,
		history:  deps.History,
		state:    StateIdle,
	}
	p.events = make(chan Event, p.cfg.QueueSize)
	return p
}

// Start opens the microphone and begins processing events. A device failure
// at startup degrades the pipeline instead of failing it; health probes
// will bring it back once the device recovers.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("pipeline: already started")
	}
	p.started = true
	p.mu.Unlock()

	p.runCtx, p.runCancel = context.WithCancel(context.Background())

	if err := p.openMic(ctx); err != nil {
		p.tel.Logf("pipeline: microphone unavailable at start: %v", err)
		p.setState(StateRecovering)
		p.enterAudioDegraded()
	} else {
		p.setState(StateListening)
	}

	p.wg.Add(1)
	go p.run()
	return nil
}

// Stop requests shutdown, waits for the in-flight turn to be cancelled and
// all goroutines to exit.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return nil
	}
	done := make(chan struct{})
	select {
	case p.events <- stopEvent{done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.wg.Wait()
	return nil
}

// Status is a read-only snapshot for the HTTP surface.
type Status struct {
	State           State  `json:"-"`
	StateName       string `json:"state"`
	TurnID          string `json:"turn_id,omitempty"`
	AudioDegraded   bool   `json:"audio_degraded"`
	SessionDegraded bool   `json:"session_degraded"`
}

// Snapshot reports the current state, in-flight turn and degraded flags.
// StateDegraded and the flags are related but not the same thing: the
// state says the pipeline is parked behind the device health probe, while
// the flags track the sustained-failure threshold. A microphone failure at
// startup parks the pipeline before the threshold is crossed, so
// state=DEGRADED with audio_degraded=false is a valid combination.
func (p *Pipeline) Snapshot() Status {
	p.mu.Lock()
	st := p.state
	turnID := ""
	if p.turn != nil {
		turnID = p.turn.ID
	}
	p.mu.Unlock()
	return Status{
		State:           st,
		StateName:       st.String(),
		TurnID:          turnID,
		AudioDegraded:   p.rec.Degraded(recovery.DepAudio),
		SessionDegraded: p.rec.Degraded(recovery.DepSession),
	}
}

// --- capture side -----------------------------------------------------------

// openMic opens the microphone stream under the audio retry budget and
// starts the capture goroutine.
func (p *Pipeline) openMic(ctx context.Context) error {
	micCtx, micCancel := context.WithCancel(p.runCtx)
	var frames <-chan Frame
	err := p.rec.Do(ctx, recovery.DepAudio, "audio.stream_in", func(context.Context) error {
		ch, err := p.audio.StreamIn(micCtx)
		if err != nil {
			return DeviceError("audio.stream_in", err)
		}
		frames = ch
		return nil
	})
	if err != nil {
		micCancel()
		return err
	}
	p.micCancel = micCancel
	p.wg.Add(1)
	go p.micLoop(frames)
	return nil
}

func (p *Pipeline) stopMic() {
	if p.micCancel != nil {
		p.micCancel()
		p.micCancel = nil
	}
}

func (p *Pipeline) micLoop(frames <-chan Frame) {
	defer p.wg.Done()
	for {
		select {
		case <-p.runCtx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				p.post(micClosedEvent{Err: errors.New("microphone stream closed")})
				return
			}
			p.onFrame(f)
		}
	}
}

// onFrame runs on the capture goroutine. Scoring happens here; only the
// resulting events touch pipeline state.
func (p *Pipeline) onFrame(f Frame) {
	p.mu.Lock()
	st := p.state
	sess := p.session
	turnID := ""
	if p.turn != nil {
		turnID = p.turn.ID
	}
	p.mu.Unlock()

	switch st {
	case StateListening, StateSpeaking:
		if key, ok := p.wake.Detect(f); ok {
			p.post(wakeEvent{ModelKey: key})
		}
	case StateRecording:
		if sess != nil {
			err := p.rec.Do(p.runCtx, recovery.DepSession, "session.send", func(context.Context) error {
				if err := sess.Send(f); err != nil {
					return SessionError("session.send", err)
				}
				return nil
			})
			if err != nil {
				p.post(sessionMsgEvent{TurnID: turnID, Msg: SessionEvent{Type: SessionErrored, Err: err}, counted: true})
				return
			}
		}
		if p.vad.Feed(f) {
			p.post(speechEndEvent{TurnID: turnID})
		}
	}
}

func (p *Pipeline) post(ev Event) {
	select {
	case p.events <- ev:
	case <-p.runCtx.Done():
	}
}

// --- event loop -------------------------------------------------------------

func (p *Pipeline) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.runCtx.Done():
			return
		case ev := <-p.events:
			if p.handle(ev) {
				return
			}
		}
	}
}

// handle processes one event fully before the next is dequeued. It returns
// true once the pipeline has shut down.
func (p *Pipeline) handle(ev Event) bool {
	switch ev := ev.(type) {
	case wakeEvent:
		p.onWake(ev)
	case speechEndEvent:
		if p.curState() == StateRecording && p.isCurrentTurn(ev.TurnID) {
			p.endRecording()
		}
	case timerEvent:
		p.onTimer(ev)
	case sessionMsgEvent:
		p.onSessionMsg(ev)
	case playbackDoneEvent:
		p.onPlaybackDone(ev)
	case micClosedEvent:
		p.onMicClosed(ev)
	case probeEvent:
		p.onProbe(ev)
	case stopEvent:
		p.shutdown()
		close(ev.done)
		return true
	}
	return false
}

func (p *Pipeline) onWake(ev wakeEvent) {
	switch p.curState() {
	case StateListening:
		p.beginTurn(ev.ModelKey)
	case StateSpeaking:
		// Barge-in: stop speaker output before anything else, then cancel
		// the turn and start the new one.
		p.audio.Reset()
		p.cancelTurn("barge-in")
		p.beginTurn(ev.ModelKey)
	}
}

// beginTurn runs Listening -> Triggered and, when the session opens,
// Triggered -> Recording, all within the one wake event.
func (p *Pipeline) beginTurn(modelKey string) {
	per := p.personas.Resolve(modelKey)
	t := newTurn(per, time.Now())

	p.mu.Lock()
	p.turn = t
	p.mu.Unlock()
	p.setState(StateTriggered)

	p.turnCtx, p.turnCancel = context.WithCancel(p.runCtx)

	if p.rec.Degraded(recovery.DepSession) {
		// Degraded session: acknowledge the trigger and tell the user
		// instead of hanging in AwaitingResponse.
		p.turnCancel()
		p.turnCancel = nil
		p.speakFallback(p.nextOffline())
		p.finalizeTurn(OutcomeFailed)
		p.setState(StateListening)
		return
	}

	var sess Session
	err := p.rec.Do(p.turnCtx, recovery.DepSession, "session.open", func(ctx context.Context) error {
		s, err := p.dialer.Open(ctx, per)
		if err != nil {
			return SessionError("session.open", err)
		}
		sess = s
		return nil
	})
	if err != nil {
		p.failTurn(recovery.DepSession, err)
		return
	}

	p.mu.Lock()
	p.session = sess
	p.mu.Unlock()
	p.vad.Reset()
	p.setState(StateRecording)

	p.wg.Add(1)
	go p.sessionLoop(t.ID, sess)

	turnID := t.ID
	p.recTimer = time.AfterFunc(p.cfg.MaxRecording, func() {
		p.post(timerEvent{TurnID: turnID, Kind: timerMaxRecording})
	})
}

// endRecording commits the utterance and moves to AwaitingResponse. Both
// the VAD end-of-speech event and the max-recording timer land here; they
// are normal transitions, not errors.
func (p *Pipeline) endRecording() {
	p.stopTimers()
	p.mu.Lock()
	sess := p.session
	t := p.turn
	p.mu.Unlock()

	err := p.rec.Do(p.turnCtx, recovery.DepSession, "session.finish", func(context.Context) error {
		if err := sess.Finish(); err != nil {
			return SessionError("session.finish", err)
		}
		return nil
	})
	if err != nil {
		p.failTurn(recovery.DepSession, err)
		return
	}
	p.setState(StateAwaitingResponse)

	turnID := t.ID
	p.respTimer = time.AfterFunc(p.cfg.ResponseWait, func() {
		p.post(timerEvent{TurnID: turnID, Kind: timerResponseWait})
	})
}

func (p *Pipeline) onTimer(ev timerEvent) {
	if !p.isCurrentTurn(ev.TurnID) {
		return
	}
	switch ev.Kind {
	case timerMaxRecording:
		if p.curState() == StateRecording {
			p.endRecording()
		}
	case timerResponseWait:
		if p.curState() == StateAwaitingResponse {
			err := SessionError("session.response", fmt.Errorf("no response within %s", p.cfg.ResponseWait))
			p.rec.RecordFailure(recovery.DepSession)
			p.failTurn(recovery.DepSession, err)
		}
	}
}

func (p *Pipeline) sessionLoop(turnID string, sess Session) {
	defer p.wg.Done()
	for {
		select {
		case <-p.runCtx.Done():
			return
		case ev, ok := <-sess.Events():
			if !ok {
				return
			}
			p.post(sessionMsgEvent{TurnID: turnID, Msg: ev})
			if ev.Type == SessionDone || ev.Type == SessionErrored {
				return
			}
		}
	}
}

func (p *Pipeline) onSessionMsg(ev sessionMsgEvent) {
	if !p.isCurrentTurn(ev.TurnID) {
		return
	}
	t := p.currentTurn()
	st := p.curState()

	switch ev.Msg.Type {
	case SessionPartialTranscript:
		t.Transcript = ev.Msg.Text
	case SessionFinalTranscript:
		t.Transcript = ev.Msg.Text
		t.FinalTranscript = ev.Msg.Text
	case SessionResponseText:
		t.Response += ev.Msg.Text
	case SessionResponseAudio:
		if st == StateAwaitingResponse {
			p.beginSpeaking(t)
			st = StateSpeaking
		}
		if st == StateSpeaking && p.playCh != nil {
			select {
			case p.playCh <- ev.Msg.Audio:
			case <-p.turnCtx.Done():
			}
		}
	case SessionErrored:
		err := ev.Msg.Err
		if err == nil {
			err = SessionError("session.events", errors.New("session stream error"))
		}
		if kind, ok := KindOf(err); ok && kind == KindCancelled {
			return
		}
		if !ev.counted && !errors.Is(err, recovery.ErrBackoff) {
			// Stream errors bypass the retry wrapper, so account for
			// them here.
			p.rec.RecordFailure(recovery.DepSession)
		}
		p.failTurn(recovery.DepSession, err)
	case SessionDone:
		switch st {
		case StateAwaitingResponse:
			p.rec.RecordFailure(recovery.DepSession)
			p.failTurn(recovery.DepSession, SessionError("session.events", errors.New("session ended without response audio")))
		case StateSpeaking:
			if p.playCh != nil {
				close(p.playCh)
				p.playCh = nil
			}
		}
	}
}

// beginSpeaking starts the playback goroutine for the current turn. The
// first response chunk is what flips AwaitingResponse to Speaking.
func (p *Pipeline) beginSpeaking(t *Turn) {
	if p.respTimer != nil {
		p.respTimer.Stop()
		p.respTimer = nil
	}
	t.ResponseAudioRef = "audio/" + t.ID + "/agent"
	p.setState(StateSpeaking)

	ch := make(chan []byte, 1024)
	p.playCh = ch
	ctx := p.turnCtx
	turnID := t.ID
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		err := p.audio.Play(ctx, ch)
		p.post(playbackDoneEvent{TurnID: turnID, Err: err})
	}()
}

func (p *Pipeline) onPlaybackDone(ev playbackDoneEvent) {
	if p.curState() != StateSpeaking || !p.isCurrentTurn(ev.TurnID) {
		return
	}
	if errors.Is(ev.Err, context.Canceled) {
		// The turn is being torn down elsewhere (barge-in or shutdown).
		return
	}
	if ev.Err != nil {
		p.rec.RecordFailure(recovery.DepAudio)
		p.failTurn(recovery.DepAudio, DeviceError("audio.play", ev.Err))
		return
	}
	p.completeTurn()
}

func (p *Pipeline) onMicClosed(ev micClosedEvent) {
	st := p.curState()
	if st == StateShuttingDown || st == StateIdle || st == StateDegraded {
		return
	}
	p.tel.Logf("pipeline: %v", ev.Err)
	p.rec.RecordFailure(recovery.DepAudio)
	p.stopMic()
	p.setState(StateRecovering)

	if st.turnRequired() {
		err := DeviceError("audio.stream_in", ev.Err)
		p.tel.Logf("pipeline: turn failed: %v", err)
		p.teardownTurn()
		p.finalizeTurn(OutcomeFailed)
	}
	p.recoverAudio()
}

// recoverAudio tries to reopen the microphone; on sustained failure it
// parks the pipeline in degraded mode behind the health probe.
func (p *Pipeline) recoverAudio() {
	if p.rec.Degraded(recovery.DepAudio) {
		p.enterAudioDegraded()
		return
	}
	if err := p.openMic(p.runCtx); err != nil {
		p.tel.Logf("pipeline: microphone reopen failed: %v", err)
		p.enterAudioDegraded()
		return
	}
	p.setState(StateListening)
}

func (p *Pipeline) enterAudioDegraded() {
	p.stopMic()
	p.setState(StateDegraded)
	p.startProbes()
}

func (p *Pipeline) startProbes() {
	if p.probeStop != nil {
		return
	}
	stop := make(chan struct{})
	p.probeStop = stop
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.ProbePeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-p.runCtx.Done():
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(p.runCtx, p.cfg.ProbePeriod)
				err := p.audio.Probe(ctx)
				cancel()
				p.post(probeEvent{Err: err})
			}
		}
	}()
}

func (p *Pipeline) stopProbes() {
	if p.probeStop != nil {
		close(p.probeStop)
		p.probeStop = nil
	}
}

func (p *Pipeline) onProbe(ev probeEvent) {
	if p.curState() != StateDegraded {
		return
	}
	if ev.Err != nil {
		p.tel.Logf("pipeline: audio probe failed: %v", ev.Err)
		return
	}
	// One good probe lets us listen again. The degraded flag stays set
	// until a turn completes end to end on this device.
	if err := p.openMic(p.runCtx); err != nil {
		p.tel.Logf("pipeline: reopen after probe failed: %v", err)
		return
	}
	p.stopProbes()
	p.setState(StateListening)
}

// --- turn finalization ------------------------------------------------------

// failTurn tears the current turn down as failed. The pipeline goes back
// to Listening unless the failing dependency is the audio device and its
// degrade threshold has been crossed, in which case it parks behind the
// health probe. Callers are responsible for failure accounting; failTurn
// itself never touches the counters.
func (p *Pipeline) failTurn(dep recovery.Dependency, err error) {
	p.setState(StateRecovering)
	p.tel.Logf("pipeline: turn failed: %v", err)
	p.teardownTurn()
	p.finalizeTurn(OutcomeFailed)

	if dep == recovery.DepAudio && p.rec.Degraded(recovery.DepAudio) {
		p.stopMic()
		p.enterAudioDegraded()
		return
	}
	p.speakFallback(p.nextApology())
	p.setState(StateListening)
}

// cancelTurn finalizes the current turn as cancelled. Cancellation is never
// retried and always proceeds deterministically.
func (p *Pipeline) cancelTurn(reason string) {
	p.tel.Logf("pipeline: turn cancelled (%s)", reason)
	p.teardownTurn()
	p.finalizeTurn(OutcomeCancelled)
}

// teardownTurn stops timers, cancels the per-turn context and closes the
// session. The turn record itself is finalized separately.
func (p *Pipeline) teardownTurn() {
	p.stopTimers()
	if p.turnCancel != nil {
		p.turnCancel()
		p.turnCancel = nil
	}
	p.playCh = nil
	p.mu.Lock()
	sess := p.session
	p.session = nil
	p.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
	p.vad.Reset()
}

// completeTurn finishes the turn and returns to Listening. Detaching the
// turn and leaving Speaking happen under one lock, so a concurrent
// snapshot never observes a turn state without a turn.
func (p *Pipeline) completeTurn() {
	p.stopTimers()
	if p.turnCancel != nil {
		p.turnCancel()
		p.turnCancel = nil
	}
	p.playCh = nil
	p.mu.Lock()
	sess := p.session
	p.session = nil
	t := p.turn
	p.turn = nil
	from := p.state
	p.state = StateListening
	p.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
	p.vad.Reset()
	if from != StateListening {
		p.tel.StateChange(from, StateListening)
	}
	if t != nil {
		t.Outcome = OutcomeCompleted
		t.EndedAt = time.Now()
		p.tel.TurnDone(*t)
		if p.history != nil {
			if err := p.history.Append(p.runCtx, *t); err != nil {
				p.tel.Logf("pipeline: history append failed: %v", err)
			}
		}
	}

	// A full round trip succeeded against both dependencies; this is the
	// only path that clears a degraded flag.
	p.rec.NoteRoundTrip(recovery.DepSession)
	p.rec.NoteRoundTrip(recovery.DepAudio)
}

// finalizeTurn detaches the current turn, stamps the outcome and hands the
// record to telemetry and history.
func (p *Pipeline) finalizeTurn(outcome Outcome) {
	p.mu.Lock()
	t := p.turn
	p.turn = nil
	p.mu.Unlock()
	if t == nil {
		return
	}
	t.Outcome = outcome
	t.EndedAt = time.Now()
	p.tel.TurnDone(*t)
	if p.history != nil {
		if err := p.history.Append(p.runCtx, *t); err != nil {
			p.tel.Logf("pipeline: history append failed: %v", err)
		}
	}
}

func (p *Pipeline) stopTimers() {
	if p.recTimer != nil {
		p.recTimer.Stop()
		p.recTimer = nil
	}
	if p.respTimer != nil {
		p.respTimer.Stop()
		p.respTimer = nil
	}
}

// speakFallback renders one of the constant local phrases without the
// realtime session. No output is attempted while the audio device is
// degraded.
func (p *Pipeline) speakFallback(phrase string) {
	if p.rec.Degraded(recovery.DepAudio) {
		return
	}
	p.tel.Logf("pipeline: fallback utterance: %s", phrase)
	ctx, cancel := context.WithTimeout(p.runCtx, 2*time.Second)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		if err := p.audio.Play(ctx, fallbackTone()); err != nil && !errors.Is(err, context.Canceled) {
			p.tel.Logf("pipeline: fallback playback failed: %v", err)
		}
	}()
}

func (p *Pipeline) nextApology() string {
	phrase := apologyPhrases[p.apologyIdx%len(apologyPhrases)]
	p.apologyIdx++
	return phrase
}

func (p *Pipeline) nextOffline() string {
	phrase := offlinePhrases[p.offlineIdx%len(offlinePhrases)]
	p.offlineIdx++
	return phrase
}

// --- shutdown ---------------------------------------------------------------

func (p *Pipeline) shutdown() {
	p.setState(StateShuttingDown)
	p.stopTimers()
	p.stopProbes()
	if p.turnCancel != nil {
		p.turnCancel()
		p.turnCancel = nil
	}
	p.playCh = nil
	p.mu.Lock()
	sess := p.session
	p.session = nil
	p.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
	p.finalizeTurn(OutcomeCancelled)
	p.audio.Reset()
	p.stopMic()
	p.setState(StateIdle)
	p.mu.Lock()
	p.started = false
	p.mu.Unlock()
	p.runCancel()
}

// --- helpers ----------------------------------------------------------------

func (p *Pipeline) setState(to State) {
	p.mu.Lock()
	from := p.state
	p.state = to
	p.mu.Unlock()
	if from != to {
		p.tel.StateChange(from, to)
	}
}

func (p *Pipeline) curState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) currentTurn() *Turn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.turn
}

func (p *Pipeline) isCurrentTurn(id string) bool {
	t := p.currentTurn()
	return t != nil && t.ID == id
}
