package synth

import (
	"context"
	"sync/atomic"

	"github.com/loqalabs/loqa-voice/internal/engine"
	"github.com/loqalabs/loqa-voice/internal/style"
	"github.com/loqalabs/loqa-voice/internal/voicebank"
)

// Frontend turns text into full-context labels.
type Frontend interface {
	// Stage reads the dictionary without disturbing the current one; the
	// returned commit switches over to it.
	Stage(dictionaryPath string) (commit func(), err error)
	Analyze(text string) ([]string, error)
	// Refresh releases the transient state of the last analysis.
	Refresh()
}

// Utterance is the per-utterance state of a Renderer.
type Utterance interface {
	StatesPerLabel() int
	TotalStates() int
	StateDuration(i int) int
	StateLogF0Mean(i int) float64
	SetStateLogF0Mean(i int, v float64)
	GenerateParameterTrajectory() error
	GenerateWaveform(ctx context.Context, stop *atomic.Bool, sink func([]int16) error) (engine.RenderStats, error)
	Refresh()
	FramePeriod() int
	SamplingRate() int
}

// Renderer loads voices and builds utterances from labels.
type Renderer interface {
	voicebank.Loader
	NewUtterance(labels []string, cfg style.RenderConfig) (Utterance, error)
	SamplingRate() int
}

type engineRenderer struct {
	*engine.Engine
}

// EngineRenderer adapts e to Renderer.
func EngineRenderer(e *engine.Engine) Renderer {
	return engineRenderer{Engine: e}
}

func (r engineRenderer) NewUtterance(labels []string, cfg style.RenderConfig) (Utterance, error) {
	u, err := r.Engine.NewUtterance(labels, cfg)
	if err != nil {
		return nil, err
	}
	return u, nil
}
