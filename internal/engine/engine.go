// Package engine is a compact HMM-based acoustic rendering engine: decision
// tree clustering, multi-voice interpolation, parameter generation with
// global variance and an MLSA vocoder.
package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/style"
	"github.com/loqalabs/loqa-voice/internal/voicebank"
)

// Options are the fixed properties of the rendered audio.
type Options struct {
	SamplingRate    int
	AudioBufferSize int
	// MSDThreshold is the interpolated voiced weight above which a log-F0
	// state is voiced.
	MSDThreshold float64
	// NoiseSeed seeds the unvoiced excitation.
	NoiseSeed uint64
}

// DefaultOptions returns 48 kHz output flushed every 4800 samples.
func DefaultOptions() Options {
	return Options{
		SamplingRate:    48000,
		AudioBufferSize: 4800,
		MSDThreshold:    0.5,
		NoiseSeed:       1,
	}
}

var (
	// ErrNotLoaded is returned when no voices have been loaded.
	ErrNotLoaded = errors.New("engine: models not loaded")
	// ErrNoLabels is returned when an utterance has no labels.
	ErrNoLabels = errors.New("engine: no labels")
)

type voice struct {
	duration   *model
	spectrum   *model
	logF0      *model
	lowPass    *model
	spectrumGV *model
	logF0GV    *model
}

// voiceSet is an immutable snapshot of everything LoadModels produced.
type voiceSet struct {
	voices         []voice
	numStates      int
	spectrumWin    []Window
	logF0Win       []Window
	lowPassWin     []Window
	gvOffPatterns  []string
	spectrumLength int
	logF0Length    int
	lowPassLength  int
}

// Engine renders utterances from the loaded voices.
type Engine struct {
	opts Options

	mu  sync.RWMutex
	set *voiceSet
}

// New returns an engine without voices.
func New(opts Options) (*Engine, error) {
	if opts.SamplingRate <= 0 {
		return nil, fmt.Errorf("engine: sampling rate must be positive, got %d", opts.SamplingRate)
	}
	if opts.AudioBufferSize <= 0 {
		return nil, fmt.Errorf("engine: audio buffer size must be positive, got %d", opts.AudioBufferSize)
	}
	if opts.MSDThreshold <= 0 || opts.MSDThreshold >= 1 {
		return nil, fmt.Errorf("engine: msd threshold must lie in (0,1), got %v", opts.MSDThreshold)
	}
	return &Engine{opts: opts}, nil
}

// SamplingRate returns the output rate in Hz.
func (e *Engine) SamplingRate() int { return e.opts.SamplingRate }

// NumModels returns the number of loaded voices.
func (e *Engine) NumModels() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.set == nil {
		return 0
	}
	return len(e.set.voices)
}

// NumStates returns the number of emitting states per label.
func (e *Engine) NumStates() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.set == nil {
		return 0
	}
	return e.set.numStates
}

// LoadModels decodes every voice and the shared windows. The engine keeps
// its previous voices unless the whole set loads.
func (e *Engine) LoadModels(sets []voicebank.ModelFileSet, windows voicebank.SharedWindowSet) error {
	if len(sets) == 0 {
		return voicebank.ErrNoModels
	}
	next := &voiceSet{voices: make([]voice, len(sets))}
	var err error
	if next.spectrumWin, err = readWindows(windows.Spectrum); err != nil {
		return err
	}
	if next.logF0Win, err = readWindows(windows.LogF0); err != nil {
		return err
	}
	if next.lowPassWin, err = readWindows(windows.LowPass); err != nil {
		return err
	}
	gvSwitch, err := readGVSwitch(windows.GVSwitch)
	if err != nil {
		return err
	}
	next.gvOffPatterns = gvSwitch.Disable

	for i, set := range sets {
		v, err := loadVoice(set)
		if err != nil {
			return err
		}
		next.voices[i] = v
	}
	if err := next.check(); err != nil {
		return err
	}

	e.mu.Lock()
	e.set = next
	e.mu.Unlock()
	return nil
}

func loadVoice(set voicebank.ModelFileSet) (voice, error) {
	var v voice
	pairs := []struct {
		dst  **model
		pair voicebank.FilePair
	}{
		{&v.duration, set.Duration},
		{&v.spectrum, set.Spectrum},
		{&v.logF0, set.LogF0},
		{&v.lowPass, set.LowPass},
		{&v.spectrumGV, set.SpectrumGV},
		{&v.logF0GV, set.LogF0GV},
	}
	for _, p := range pairs {
		m, err := loadModel(p.pair.Tree, p.pair.PDF)
		if err != nil {
			return voice{}, fmt.Errorf("voice %d: %w", set.Index, err)
		}
		*p.dst = m
	}
	return v, nil
}

// check verifies that all voices agree on their shapes and match the windows.
func (s *voiceSet) check() error {
	first := s.voices[0]
	if first.duration.pdf.NumWindows != 1 {
		return errors.New("voice 0: duration pdf must have one window")
	}
	s.numStates = first.duration.pdf.VectorLength
	s.spectrumLength = first.spectrum.pdf.VectorLength
	s.logF0Length = first.logF0.pdf.VectorLength
	s.lowPassLength = first.lowPass.pdf.VectorLength
	if s.logF0Length != 1 {
		return errors.New("voice 0: log-F0 stream must be one-dimensional")
	}
	if s.spectrumLength < 2 {
		return errors.New("voice 0: spectrum stream needs at least two coefficients")
	}

	for i, v := range s.voices {
		checks := []struct {
			name    string
			m       *model
			length  int
			windows int
			msd     bool
			states  int
		}{
			{"duration", v.duration, s.numStates, 1, false, 1},
			{"spectrum", v.spectrum, s.spectrumLength, len(s.spectrumWin), false, s.numStates},
			{"log-F0", v.logF0, s.logF0Length, len(s.logF0Win), true, s.numStates},
			{"low-pass", v.lowPass, s.lowPassLength, len(s.lowPassWin), false, s.numStates},
			{"spectrum GV", v.spectrumGV, s.spectrumLength, 1, false, 1},
			{"log-F0 GV", v.logF0GV, s.logF0Length, 1, false, 1},
		}
		for _, c := range checks {
			pdf := c.m.pdf
			if pdf.VectorLength != c.length {
				return fmt.Errorf("voice %d: %s vector length %d, expected %d", i, c.name, pdf.VectorLength, c.length)
			}
			if pdf.NumWindows != c.windows {
				return fmt.Errorf("voice %d: %s has %d windows, expected %d", i, c.name, pdf.NumWindows, c.windows)
			}
			if pdf.MSD != c.msd {
				return fmt.Errorf("voice %d: %s msd flag mismatch", i, c.name)
			}
			for state := range c.states {
				if _, ok := c.m.trees.trees[state]; !ok {
					return fmt.Errorf("voice %d: %s has no tree for state %d", i, c.name, state)
				}
			}
		}
	}
	return nil
}

// NewUtterance clusters labels against every voice, interpolates the
// distributions with the weights of cfg and computes the state durations.
func (e *Engine) NewUtterance(labels []string, cfg style.RenderConfig) (*Utterance, error) {
	e.mu.RLock()
	set := e.set
	e.mu.RUnlock()
	if set == nil {
		return nil, ErrNotLoaded
	}
	if len(labels) == 0 {
		return nil, ErrNoLabels
	}
	n := len(set.voices)
	for _, w := range []struct {
		name    string
		weights []float64
	}{{"spectral", cfg.SpectralWeights}, {"f0", cfg.F0Weights}, {"duration", cfg.DurationWeights}} {
		if len(w.weights) != n {
			return nil, fmt.Errorf("engine: %d %s weights for %d voices", len(w.weights), w.name, n)
		}
	}
	if cfg.FramePeriod <= 0 {
		return nil, fmt.Errorf("engine: frame period must be positive, got %d", cfg.FramePeriod)
	}
	return newUtterance(e.opts, set, labels, cfg.Clone())
}
