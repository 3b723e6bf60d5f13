// Package vad holds the end-of-speech detector applied to recorded
// utterances. It is a frame-energy detector with hysteresis: a leading run
// of speechy frames arms it, a trailing run of quiet frames fires it.
// Production deployments wanting better accuracy can swap in WebRTC VAD or
// Silero behind the same interface.
package vad

import (
	"encoding/binary"
	"math"
)

// Config tunes the detector. Zero values pick defaults calibrated for
// 16 kHz PCM16LE 20ms frames.
type Config struct {
	// SpeechRMS is the frame energy at or above which a frame counts as
	// speech. Default 300.
	SpeechRMS float64
	// SilenceRMS is the frame energy below which a frame counts as
	// silence. Frames between the two thresholds count as neither, which
	// is the hysteresis band. Default 150.
	SilenceRMS float64
	// SpeechFrames is the run of speech frames required to arm the
	// detector. Default 3 (60ms).
	SpeechFrames int
	// SilenceFrames is the run of silent frames after arming that fires
	// end of speech. Default 35 (700ms).
	SilenceFrames int
}

func (c Config) withDefaults() Config {
	if c.SpeechRMS <= 0 {
		c.SpeechRMS = 300.0
	}
	if c.SilenceRMS <= 0 {
		c.SilenceRMS = 150.0
	}
	if c.SpeechFrames <= 0 {
		c.SpeechFrames = 3
	}
	if c.SilenceFrames <= 0 {
		c.SilenceFrames = 35
	}
	return c
}

// Detector reports end of speech exactly once per recording. Not safe for
// concurrent use; the capture goroutine owns it.
type Detector struct {
	cfg     Config
	speech  int
	silence int
	armed   bool
	fired   bool
}

func New(cfg Config) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// Feed scores one frame and reports whether the utterance just ended.
// After reporting true it stays quiet until Reset.
func (d *Detector) Feed(frame []byte) bool {
	if d.fired || len(frame) < 2 {
		return false
	}
	rms := frameRMS(frame)

	if !d.armed {
		if rms >= d.cfg.SpeechRMS {
			d.speech++
			if d.speech >= d.cfg.SpeechFrames {
				d.armed = true
				d.silence = 0
			}
		} else {
			d.speech = 0
		}
		return false
	}

	if rms < d.cfg.SilenceRMS {
		d.silence++
		if d.silence >= d.cfg.SilenceFrames {
			d.fired = true
			return true
		}
	} else if rms >= d.cfg.SpeechRMS {
		// Speech resumed; the trailing-silence run starts over.
		d.silence = 0
	}
	return false
}

// Reset prepares the detector for the next recording.
func (d *Detector) Reset() {
	d.speech = 0
	d.silence = 0
	d.armed = false
	d.fired = false
}

func frameRMS(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(frame[i*2 : i*2+2])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
