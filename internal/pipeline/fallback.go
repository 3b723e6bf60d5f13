package pipeline

import "math"

// Constant phrase sets for the local fallback path. A failed turn yields a
// short apology rather than silence; a degraded session gets an explicit
// offline notice at trigger time.
var apologyPhrases = []string{
	"Sorry, something went wrong on my end.",
	"Sorry, I couldn't finish that. Please try again.",
	"Something broke while I was answering. Try once more.",
}

var offlinePhrases = []string{
	"I can't reach the speech service right now.",
	"The speech service is unavailable. I'll keep trying in the background.",
}

// fallbackTone synthesizes a short 48 kHz mono chime: two descending sine
// notes with a linear fade so the cutoff doesn't click. It stands in for
// the phrase audio when no local synthesis voice is installed; the phrase
// text itself goes to telemetry.
func fallbackTone() <-chan []byte {
	const (
		sampleRate = 48000
		chunkMs    = 20
		noteMs     = 180
	)
	ch := make(chan []byte, 2*noteMs/chunkMs+1)
	emit := func(hz float64, durMs int) {
		total := sampleRate * durMs / 1000
		perChunk := sampleRate * chunkMs / 1000
		phase := 0.0
		inc := 2 * math.Pi * hz / sampleRate
		for off := 0; off < total; off += perChunk {
			n := perChunk
			if off+n > total {
				n = total - off
			}
			buf := make([]byte, n*2)
			for i := 0; i < n; i++ {
				fade := 1.0 - float64(off+i)/float64(total)
				v := math.Sin(phase) * 7000.0 * fade
				s := int16(v)
				buf[2*i] = byte(uint16(s))
				buf[2*i+1] = byte(uint16(s) >> 8)
				phase += inc
			}
			ch <- buf
		}
	}
	emit(660, noteMs)
	emit(440, noteMs)
	close(ch)
	return ch
}
