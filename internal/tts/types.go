package tts

import (
	"context"

	"github.com/loqalabs/loqa-voice/internal/timing"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	SessionID string
	Text      string
	Voice     string
	// Stop is closed when the caller wants the utterance cut short. A stop
	// that arrives before rendering starts still applies.
	Stop <-chan struct{}
}

// SynthChunk contains PCM data. The first chunk of an utterance may carry
// only Timing; the last one has Final set.
type SynthChunk struct {
	SessionID  string
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Timing     []timing.Entry
	Frames     int
	Cancelled  bool
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// StyleSelector is implemented by synthesizers with named styles.
type StyleSelector interface {
	Styles() []string
	SelectStyle(name string) error
	ActiveStyle() string
}
