package engine_test

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/engine"
	"github.com/loqalabs/loqa-voice/internal/engine/voicegen"
	"github.com/loqalabs/loqa-voice/internal/style"
	"github.com/loqalabs/loqa-voice/internal/voicebank"
)

func label(phoneme string) string {
	return "x^x-" + phoneme + "+x=x/A:0_0_0"
}

func newEngine(t *testing.T, opts engine.Options, specs ...voicegen.Spec) (*engine.Engine, []string) {
	t.Helper()
	dirs, err := voicegen.WriteAll(t.TempDir(), specs...)
	if err != nil {
		t.Fatalf("write voices: %v", err)
	}
	e, err := engine.New(opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := voicebank.Open(dirs, e); err != nil {
		t.Fatalf("open voices: %v", err)
	}
	return e, dirs
}

func config(n int, period int) style.RenderConfig {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}
	return style.RenderConfig{
		SpectralWeights: w,
		F0Weights:       append([]float64(nil), w...),
		DurationWeights: append([]float64(nil), w...),
		FramePeriod:     period,
		Alpha:           0.55,
		Volume:          1,
	}
}

func TestLoadModelsAndDurations(t *testing.T) {
	e, _ := newEngine(t, engine.DefaultOptions(), voicegen.Default())
	if e.NumModels() != 1 || e.NumStates() != 5 {
		t.Fatalf("unexpected shape: %d models, %d states", e.NumModels(), e.NumStates())
	}
	u, err := e.NewUtterance([]string{label("a"), label("k"), label("sil")}, config(1, 240))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.TotalStates() != 15 || u.StatesPerLabel() != 5 {
		t.Fatalf("unexpected state count %d", u.TotalStates())
	}
	want := []int{4, 2, 6}
	for l, d := range want {
		for s := range 5 {
			if got := u.StateDuration(l*5 + s); got != d {
				t.Fatalf("label %d state %d: expected %d frames, got %d", l, s, d, got)
			}
		}
	}
	if !u.StateVoiced(0) || u.StateVoiced(5) || u.StateVoiced(10) {
		t.Fatal("expected only the vowel to be voiced")
	}
}

func TestDurationInterpolation(t *testing.T) {
	slow := voicegen.Default()
	slow.Duration = 8
	e, _ := newEngine(t, engine.DefaultOptions(), voicegen.Default(), slow)

	cfg := config(2, 240)
	u, err := e.NewUtterance([]string{label("a")}, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := u.StateDuration(0); got != 6 {
		t.Fatalf("expected blended duration 6, got %d", got)
	}

	cfg.DurationWeights = []float64{0, 1}
	u, err = e.NewUtterance([]string{label("a")}, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := u.StateDuration(0); got != 8 {
		t.Fatalf("expected duration 8, got %d", got)
	}

	cfg.DurationWeights = []float64{0, 0}
	u, err = e.NewUtterance([]string{label("a")}, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := u.StateDuration(0); got != 1 {
		t.Fatalf("durations must be at least one frame, got %d", got)
	}
}

func TestNewUtteranceRejectsBadInput(t *testing.T) {
	e, err := engine.New(engine.DefaultOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.NewUtterance([]string{label("a")}, config(1, 240)); !errors.Is(err, engine.ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded, got %v", err)
	}

	e, _ = newEngine(t, engine.DefaultOptions(), voicegen.Default())
	if _, err := e.NewUtterance(nil, config(1, 240)); !errors.Is(err, engine.ErrNoLabels) {
		t.Fatalf("expected ErrNoLabels, got %v", err)
	}
	if _, err := e.NewUtterance([]string{label("a")}, config(2, 240)); err == nil {
		t.Fatal("expected weight count error")
	}
}

func TestLoadModelsIsAllOrNothing(t *testing.T) {
	e, dirs := newEngine(t, engine.DefaultOptions(), voicegen.Default())

	broken := filepath.Join(t.TempDir(), "broken")
	if err := voicegen.Write(broken, voicegen.Default()); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(broken, voicebank.LogF0PDF), []byte("not msgpack"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := voicebank.Open([]string{dirs[0], broken}, e); err == nil {
		t.Fatal("expected corrupt pdf to fail")
	}
	if e.NumModels() != 1 {
		t.Fatalf("previous voices must survive a failed load, got %d", e.NumModels())
	}
}

func TestPitchMeanAccess(t *testing.T) {
	e, _ := newEngine(t, engine.DefaultOptions(), voicegen.Default())
	u, err := e.NewUtterance([]string{label("a"), label("sil")}, config(1, 240))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := math.Log(120) + 0.02
	if got := u.StateLogF0Mean(2); math.Abs(got-want) > 1e-12 {
		t.Fatalf("expected %v, got %v", want, got)
	}
	u.SetStateLogF0Mean(2, 5)
	if got := u.StateLogF0Mean(2); got != 5 {
		t.Fatalf("expected 5, got %v", got)
	}
}

func TestParameterTrajectory(t *testing.T) {
	e, _ := newEngine(t, engine.DefaultOptions(), voicegen.Default())
	labels := []string{label("a"), label("k"), label("o"), label("sil")}
	u, err := e.NewUtterance(labels, config(1, 240))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := u.GenerateParameterTrajectory(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	spectrum := u.SpectrumTrajectory()
	if len(spectrum) != u.TotalFrames() {
		t.Fatalf("expected %d frames, got %d", u.TotalFrames(), len(spectrum))
	}
	lf0, voiced := u.LogF0Trajectory()
	if len(lf0) != u.TotalFrames() {
		t.Fatalf("expected %d log-F0 frames, got %d", u.TotalFrames(), len(lf0))
	}
	// 20 vowel frames, 10 consonant frames, 20 vowel frames, 30 silence frames.
	for tf, v := range voiced {
		wantVoiced := tf < 20 || (tf >= 30 && tf < 50)
		if v != wantVoiced {
			t.Fatalf("frame %d: voiced=%v", tf, v)
		}
		if v && (math.IsNaN(lf0[tf]) || math.Abs(lf0[tf]-math.Log(120)) > 1) {
			t.Fatalf("frame %d: implausible log-F0 %v", tf, lf0[tf])
		}
	}
	for tf, row := range spectrum {
		for _, c := range row {
			if math.IsNaN(c) || math.IsInf(c, 0) {
				t.Fatalf("frame %d: non-finite coefficient", tf)
			}
		}
	}
}

func TestGenerateWaveformChunks(t *testing.T) {
	opts := engine.DefaultOptions()
	opts.AudioBufferSize = 1000
	e, _ := newEngine(t, opts, voicegen.Default())
	u, err := e.NewUtterance([]string{label("a"), label("sil")}, config(1, 240))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var chunks [][]int16
	stats, err := u.GenerateWaveform(context.Background(), new(atomic.Bool), func(pcm []int16) error {
		chunks = append(chunks, pcm)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	total := u.TotalFrames() * 240
	if stats.Stopped || stats.Frames != u.TotalFrames() || stats.Samples != total {
		t.Fatalf("unexpected stats %+v", stats)
	}
	sum := 0
	nonzero := false
	for i, c := range chunks {
		if i < len(chunks)-1 && len(c) != 1000 {
			t.Fatalf("chunk %d has %d samples", i, len(c))
		}
		sum += len(c)
		for _, s := range c {
			if s != 0 {
				nonzero = true
			}
		}
	}
	if sum != total {
		t.Fatalf("expected %d samples, got %d", total, sum)
	}
	if !nonzero {
		t.Fatal("expected audible output")
	}
}

func TestGenerateWaveformStops(t *testing.T) {
	opts := engine.DefaultOptions()
	opts.AudioBufferSize = 240
	e, _ := newEngine(t, opts, voicegen.Default())
	u, err := e.NewUtterance([]string{label("a"), label("o"), label("sil")}, config(1, 240))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var stop atomic.Bool
	stop.Store(true)
	calls := 0
	stats, err := u.GenerateWaveform(context.Background(), &stop, func([]int16) error {
		calls++
		return nil
	})
	if err != nil || !stats.Stopped || stats.Frames != 0 || calls != 0 {
		t.Fatalf("expected immediate stop, got %+v (%v, %d calls)", stats, err, calls)
	}

	stop.Store(false)
	stats, err = u.GenerateWaveform(context.Background(), &stop, func([]int16) error {
		calls++
		if calls == 3 {
			stop.Store(true)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !stats.Stopped || stats.Frames != 3 {
		t.Fatalf("expected stop after 3 frames, got %+v", stats)
	}
}

func TestGenerateWaveformAfterRefresh(t *testing.T) {
	e, _ := newEngine(t, engine.DefaultOptions(), voicegen.Default())
	u, err := e.NewUtterance([]string{label("a")}, config(1, 240))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	u.Refresh()
	if _, err := u.GenerateWaveform(context.Background(), nil, func([]int16) error { return nil }); !errors.Is(err, engine.ErrReleased) {
		t.Fatalf("expected ErrReleased, got %v", err)
	}
	if u.StateDuration(0) != 4 {
		t.Fatal("durations must remain readable after refresh")
	}
}
