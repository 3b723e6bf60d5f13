// Package wakeword scores microphone frames for keyword triggers. The
// Spotter here is an energy-burst heuristic, self-contained and testable;
// production deployments should wire a real keyword model (Porcupine,
// openWakeWord) behind the same Detect contract.
package wakeword

import (
	"encoding/binary"
	"math"
)

// Config tunes one keyword model.
type Config struct {
	// ModelKey names the persona this model triggers, e.g. "hey_motoko".
	ModelKey string
	// Threshold is the frame energy that counts toward a burst.
	// Default 1500.
	Threshold float64
	// MinFrames is the run of loud frames required to trigger.
	// Default 8 (160ms).
	MinFrames int
	// RefractoryFrames suppresses re-triggering right after a hit.
	// Default 50 (1s).
	RefractoryFrames int
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 1500.0
	}
	if c.MinFrames <= 0 {
		c.MinFrames = 8
	}
	if c.RefractoryFrames <= 0 {
		c.RefractoryFrames = 50
	}
	return c
}

// Spotter detects a single keyword model. Not safe for concurrent use; the
// capture goroutine owns it.
type Spotter struct {
	cfg     Config
	run     int
	holdoff int
}

func NewSpotter(cfg Config) *Spotter {
	return &Spotter{cfg: cfg.withDefaults()}
}

// ModelKey reports which persona model this spotter triggers.
func (s *Spotter) ModelKey() string { return s.cfg.ModelKey }

// Detect scores one 16 kHz PCM16LE frame and reports a trigger.
func (s *Spotter) Detect(frame []byte) bool {
	if s.holdoff > 0 {
		s.holdoff--
		return false
	}
	if frameRMS(frame) >= s.cfg.Threshold {
		s.run++
		if s.run >= s.cfg.MinFrames {
			s.run = 0
			s.holdoff = s.cfg.RefractoryFrames
			return true
		}
	} else {
		s.run = 0
	}
	return false
}

// Mux fans each frame to a set of spotters and reports the first hit. With
// several models loaded the first registered wins ties within a frame.
type Mux struct {
	spotters []*Spotter
}

func NewMux(spotters ...*Spotter) *Mux {
	return &Mux{spotters: spotters}
}

// Add registers another model.
func (m *Mux) Add(s *Spotter) { m.spotters = append(m.spotters, s) }

// Detect implements the pipeline's wake-word contract.
func (m *Mux) Detect(frame []byte) (string, bool) {
	hit := ""
	for _, s := range m.spotters {
		// Every spotter sees every frame so refractory windows stay
		// consistent across models.
		if s.Detect(frame) && hit == "" {
			hit = s.ModelKey()
		}
	}
	return hit, hit != ""
}

func frameRMS(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(frame[i*2 : i*2+2])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
