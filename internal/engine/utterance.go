package engine

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/loqalabs/loqa-voice/internal/style"
)

const (
	varianceFloor    = 1e-8
	maxStateDuration = 1 << 16
)

// ErrReleased is returned when an utterance is used after Refresh.
var ErrReleased = errors.New("engine: utterance released")

// stateStream holds the interpolated static and dynamic statistics of every
// state for one stream. Vectors are laid out window by window.
type stateStream struct {
	length int
	mean   [][]float64
	ivar   [][]float64
}

func newStateStream(states, length int) stateStream {
	return stateStream{
		length: length,
		mean:   make([][]float64, states),
		ivar:   make([][]float64, states),
	}
}

func (s *stateStream) set(state int, mean, variance []float64) {
	ivar := make([]float64, len(variance))
	for i, v := range variance {
		if !(v > varianceFloor) {
			v = varianceFloor
		}
		ivar[i] = 1 / v
	}
	s.mean[state] = mean
	s.ivar[state] = ivar
}

// Utterance is the per-utterance state of the engine: the loaded labels,
// their state durations and statistics, and once generated the per-frame
// parameter trajectory.
type Utterance struct {
	opts   Options
	set    *voiceSet
	labels []string
	cfg    style.RenderConfig

	durations []int
	spectrum  stateStream
	logF0     stateStream
	lowPass   stateStream
	voiced    []bool

	gvSpectrum []float64
	gvLogF0    []float64
	gvOn       []bool

	traj     *trajectory
	released bool
}

func interpolate(pdfs []Gaussian, weights []float64, width int) (mean, variance []float64, msd float64) {
	mean = make([]float64, width)
	variance = make([]float64, width)
	for i, g := range pdfs {
		w := weights[i]
		floats.AddScaled(mean, w, g.Mean)
		floats.AddScaled(variance, w*w, g.Variance)
		msd += w * g.Weight
	}
	return mean, variance, msd
}

func roundDuration(mean float64) int {
	if !(mean >= 1) {
		return 1
	}
	if mean > maxStateDuration {
		return maxStateDuration
	}
	return int(math.Round(mean))
}

func newUtterance(opts Options, set *voiceSet, labels []string, cfg style.RenderConfig) (*Utterance, error) {
	nstate := set.numStates
	total := len(labels) * nstate
	u := &Utterance{
		opts:      opts,
		set:       set,
		labels:    slices.Clone(labels),
		cfg:       cfg,
		durations: make([]int, total),
		spectrum:  newStateStream(total, set.spectrumLength),
		logF0:     newStateStream(total, set.logF0Length),
		lowPass:   newStateStream(total, set.lowPassLength),
		voiced:    make([]bool, total),
		gvOn:      make([]bool, len(labels)),
	}

	nv := len(set.voices)
	uniform := make([]float64, nv)
	for i := range uniform {
		uniform[i] = 1 / float64(nv)
	}
	pdfs := make([]Gaussian, nv)
	collect := func(pick func(voice) *model, state int, label string) error {
		for i, v := range set.voices {
			g, err := pick(v).find(state, label)
			if err != nil {
				return err
			}
			pdfs[i] = g
		}
		return nil
	}

	for li, label := range labels {
		if err := collect(func(v voice) *model { return v.duration }, 0, label); err != nil {
			return nil, fmt.Errorf("label %d duration: %w", li, err)
		}
		mean, _, _ := interpolate(pdfs, cfg.DurationWeights, nstate)
		for s := range nstate {
			u.durations[li*nstate+s] = roundDuration(mean[s])
		}

		for s := range nstate {
			idx := li*nstate + s
			if err := collect(func(v voice) *model { return v.spectrum }, s, label); err != nil {
				return nil, fmt.Errorf("label %d spectrum: %w", li, err)
			}
			m, v, _ := interpolate(pdfs, cfg.SpectralWeights, set.spectrumLength*len(set.spectrumWin))
			u.spectrum.set(idx, m, v)

			if err := collect(func(v voice) *model { return v.logF0 }, s, label); err != nil {
				return nil, fmt.Errorf("label %d log-F0: %w", li, err)
			}
			m, v, msd := interpolate(pdfs, cfg.F0Weights, set.logF0Length*len(set.logF0Win))
			u.logF0.set(idx, m, v)
			u.voiced[idx] = msd > opts.MSDThreshold

			if err := collect(func(v voice) *model { return v.lowPass }, s, label); err != nil {
				return nil, fmt.Errorf("label %d low-pass: %w", li, err)
			}
			m, v, _ = interpolate(pdfs, uniform, set.lowPassLength*len(set.lowPassWin))
			u.lowPass.set(idx, m, v)
		}
		u.gvOn[li] = !matchAny(set.gvOffPatterns, label)
	}

	if err := collect(func(v voice) *model { return v.spectrumGV }, 0, labels[0]); err != nil {
		return nil, fmt.Errorf("spectrum GV: %w", err)
	}
	u.gvSpectrum, _, _ = interpolate(pdfs, cfg.SpectralWeights, set.spectrumLength)
	if err := collect(func(v voice) *model { return v.logF0GV }, 0, labels[0]); err != nil {
		return nil, fmt.Errorf("log-F0 GV: %w", err)
	}
	u.gvLogF0, _, _ = interpolate(pdfs, cfg.F0Weights, set.logF0Length)
	return u, nil
}

// Labels returns the labels the utterance was built from.
func (u *Utterance) Labels() []string { return slices.Clone(u.labels) }

// StatesPerLabel returns the number of emitting states of every label.
func (u *Utterance) StatesPerLabel() int { return u.set.numStates }

// TotalStates returns len(Labels()) × StatesPerLabel().
func (u *Utterance) TotalStates() int { return len(u.durations) }

// StateDuration returns the duration of state i in frames.
func (u *Utterance) StateDuration(i int) int { return u.durations[i] }

// TotalFrames sums every state duration.
func (u *Utterance) TotalFrames() int {
	n := 0
	for _, d := range u.durations {
		n += d
	}
	return n
}

// StateVoiced reports whether state i emits a log-F0 value.
func (u *Utterance) StateVoiced(i int) bool { return u.voiced[i] }

// StateLogF0Mean returns the static log-F0 mean of state i.
func (u *Utterance) StateLogF0Mean(i int) float64 { return u.logF0.mean[i][0] }

// SetStateLogF0Mean overwrites the static log-F0 mean of state i. A
// previously generated trajectory is discarded.
func (u *Utterance) SetStateLogF0Mean(i int, v float64) {
	u.logF0.mean[i][0] = v
	u.traj = nil
}

// FramePeriod returns the frame shift in samples.
func (u *Utterance) FramePeriod() int { return u.cfg.FramePeriod }

// SamplingRate returns the output rate in Hz.
func (u *Utterance) SamplingRate() int { return u.opts.SamplingRate }

// Config returns the render configuration snapshotted at creation.
func (u *Utterance) Config() style.RenderConfig { return u.cfg.Clone() }

// Refresh releases the per-utterance buffers. The utterance cannot render
// afterwards.
func (u *Utterance) Refresh() {
	u.spectrum = stateStream{}
	u.logF0 = stateStream{}
	u.lowPass = stateStream{}
	u.traj = nil
	u.released = true
}
