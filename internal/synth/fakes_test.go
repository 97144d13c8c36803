package synth

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/engine"
	"github.com/loqalabs/loqa-voice/internal/engine/voicegen"
	"github.com/loqalabs/loqa-voice/internal/style"
	"github.com/loqalabs/loqa-voice/internal/voicebank"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeFrontend struct {
	labels    map[string][]string
	loadErr   error
	stages    int
	loads     int
	analyses  int
	refreshes int
}

func (f *fakeFrontend) Stage(string) (func(), error) {
	f.stages++
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return func() { f.loads++ }, nil
}

func (f *fakeFrontend) Analyze(text string) ([]string, error) {
	f.analyses++
	return f.labels[text], nil
}

func (f *fakeFrontend) Refresh() { f.refreshes++ }

type fakeUtterance struct {
	nstate    int
	durations []int
	lf0       []float64
	sets      int
	period    int
	rate      int
	generated bool
	refreshed bool
}

func (u *fakeUtterance) StatesPerLabel() int                { return u.nstate }
func (u *fakeUtterance) TotalStates() int                   { return len(u.durations) }
func (u *fakeUtterance) StateDuration(i int) int            { return u.durations[i] }
func (u *fakeUtterance) StateLogF0Mean(i int) float64       { return u.lf0[i] }
func (u *fakeUtterance) SetStateLogF0Mean(i int, v float64) { u.sets++; u.lf0[i] = v }
func (u *fakeUtterance) GenerateParameterTrajectory() error { u.generated = true; return nil }
func (u *fakeUtterance) Refresh()                           { u.refreshed = true }
func (u *fakeUtterance) FramePeriod() int                   { return u.period }
func (u *fakeUtterance) SamplingRate() int                  { return u.rate }

func (u *fakeUtterance) GenerateWaveform(ctx context.Context, stop *atomic.Bool, sink func([]int16) error) (engine.RenderStats, error) {
	var stats engine.RenderStats
	for _, d := range u.durations {
		for range d {
			if stop.Load() {
				stats.Stopped = true
				return stats, nil
			}
			if err := sink(make([]int16, u.period)); err != nil {
				return stats, err
			}
			stats.Frames++
			stats.Samples += u.period
		}
	}
	return stats, nil
}

type fakeRenderer struct {
	nstate    int
	pattern   []int
	lf0       func(state int) float64
	loadErr   error
	loads     int
	labels    [][]string
	configs   []style.RenderConfig
	utterance *fakeUtterance
}

func (r *fakeRenderer) LoadModels([]voicebank.ModelFileSet, voicebank.SharedWindowSet) error {
	r.loads++
	return r.loadErr
}

func (r *fakeRenderer) SamplingRate() int { return 48000 }

func (r *fakeRenderer) NewUtterance(labels []string, cfg style.RenderConfig) (Utterance, error) {
	r.labels = append(r.labels, labels)
	r.configs = append(r.configs, cfg)
	u := &fakeUtterance{nstate: r.nstate, period: cfg.FramePeriod, rate: 48000}
	for range labels {
		u.durations = append(u.durations, r.pattern...)
	}
	u.lf0 = make([]float64, len(u.durations))
	for i := range u.lf0 {
		if r.lf0 != nil {
			u.lf0[i] = r.lf0(i)
		}
	}
	r.utterance = u
	return u, nil
}

// voiceDirs writes n synthetic voices so the file checks of Load pass.
func voiceDirs(t *testing.T, n int) []string {
	t.Helper()
	specs := make([]voicegen.Spec, n)
	for i := range specs {
		specs[i] = voicegen.Default()
	}
	dirs, err := voicegen.WriteAll(t.TempDir(), specs...)
	if err != nil {
		t.Fatalf("write voices: %v", err)
	}
	return dirs
}

// row builds one style row for n voices with equal weights.
func row(n int, speed, pitch, alpha, volume float64) []float64 {
	out := make([]float64, 0, style.RowWidth(n))
	for range 3 * n {
		out = append(out, 1/float64(n))
	}
	return append(out, speed, pitch, alpha, volume)
}
