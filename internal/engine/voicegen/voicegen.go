// Package voicegen writes small synthetic voices in the engine's file
// format. They sound like a buzzing vowel but exercise every stream, which
// makes them useful for smoke tests and demos.
package voicegen

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/loqalabs/loqa-voice/internal/engine"
	"github.com/loqalabs/loqa-voice/internal/voicebank"
)

// Question names used by the generated trees.
const (
	QuestionSilence = "C-Silence"
	QuestionVowel   = "C-Vowel"
)

// SilencePatterns match the centre phoneme of silence and pause labels.
var SilencePatterns = []string{"*-sil+*", "*-pau+*"}

// VowelPatterns match labels whose centre phoneme is a plain vowel.
var VowelPatterns = []string{"*-a+*", "*-e+*", "*-i+*", "*-o+*", "*-u+*", "*-v+*"}

// Spec describes a synthetic voice.
type Spec struct {
	NumStates   int
	Order       int
	LowPassTaps int
	// Mean state durations in frames.
	Duration        float64
	SilenceDuration float64
	// LogF0 is the natural log of the base pitch in Hz.
	LogF0 float64
	Gain  float64
	// VoicedWeight is the voiced probability of vowel states.
	VoicedWeight float64
}

// Default returns a five state voice around 120 Hz.
func Default() Spec {
	return Spec{
		NumStates:       5,
		Order:           4,
		LowPassTaps:     5,
		Duration:        4,
		SilenceDuration: 6,
		LogF0:           math.Log(120),
		Gain:            4,
		VoicedWeight:    0.9,
	}
}

func (s Spec) validate() error {
	switch {
	case s.NumStates <= 0:
		return fmt.Errorf("voicegen: NumStates must be positive")
	case s.Order < 2:
		return fmt.Errorf("voicegen: Order must be at least 2")
	case s.LowPassTaps <= 0 || s.LowPassTaps%2 == 0:
		return fmt.Errorf("voicegen: LowPassTaps must be a positive odd number")
	case s.Duration <= 0 || s.SilenceDuration <= 0:
		return fmt.Errorf("voicegen: durations must be positive")
	}
	return nil
}

// Write stores a complete voice, shared windows included, in dir.
func Write(dir string, s Spec) error {
	if err := s.validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	set := voicebank.NewModelFileSet(0, dir)

	if err := writeStream(set.Duration, 1, durationPDF(s)); err != nil {
		return err
	}
	if err := writeStream(set.Spectrum, s.NumStates, spectrumPDF(s)); err != nil {
		return err
	}
	if err := writeStream(set.LogF0, s.NumStates, logF0PDF(s)); err != nil {
		return err
	}
	if err := writeStream(set.LowPass, s.NumStates, lowPassPDF(s)); err != nil {
		return err
	}
	if err := writeStream(set.SpectrumGV, 1, gvPDF("gv-mgc", s.Order, 0.002)); err != nil {
		return err
	}
	if err := writeStream(set.LogF0GV, 1, gvPDF("gv-lf0", 1, 0.01)); err != nil {
		return err
	}
	return writeShared(voicebank.NewSharedWindowSet(dir))
}

// WriteAll writes one voice per spec into numbered subdirectories of root
// and returns their paths.
func WriteAll(root string, specs ...Spec) ([]string, error) {
	dirs := make([]string, len(specs))
	for i, s := range specs {
		dirs[i] = filepath.Join(root, fmt.Sprintf("voice%d", i))
		if err := Write(dirs[i], s); err != nil {
			return nil, err
		}
	}
	return dirs, nil
}

// tree clusters every state into silence (pdf 1), vowel (pdf 2) and other (pdf 3).
func tree(states int) engine.TreeFile {
	f := engine.TreeFile{
		Questions: []engine.Question{
			{Name: QuestionSilence, Patterns: SilencePatterns},
			{Name: QuestionVowel, Patterns: VowelPatterns},
		},
	}
	for state := range states {
		f.Trees = append(f.Trees, engine.Tree{
			State: state,
			Nodes: []engine.Node{
				{ID: 0, Question: QuestionSilence, Yes: 1, No: -1},
				{ID: -1, Question: QuestionVowel, Yes: 2, No: 3},
			},
		})
	}
	return f
}

func writeStream(pair voicebank.FilePair, states int, pdf *engine.PDFFile) error {
	if err := engine.WriteTreeFile(pair.Tree, tree(states)); err != nil {
		return err
	}
	return engine.WritePDFFile(pair.PDF, pdf)
}

func filled(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func durationPDF(s Spec) *engine.PDFFile {
	variance := filled(s.NumStates, 1)
	return &engine.PDFFile{
		Stream:       "duration",
		VectorLength: s.NumStates,
		NumWindows:   1,
		States: [][]engine.Gaussian{{
			{Mean: filled(s.NumStates, s.SilenceDuration), Variance: variance},
			{Mean: filled(s.NumStates, s.Duration), Variance: variance},
			{Mean: filled(s.NumStates, math.Max(1, s.Duration/2)), Variance: variance},
		}},
	}
}

// spectrumPDF gives every state a slightly different spectral tilt so the
// trajectory has some movement.
func spectrumPDF(s Spec) *engine.PDFFile {
	width := s.Order * 3
	pdf := &engine.PDFFile{Stream: "mgc", VectorLength: s.Order, NumWindows: 3}
	for state := range s.NumStates {
		cluster := func(gain, tilt float64) engine.Gaussian {
			mean := make([]float64, width)
			variance := filled(width, 0.001)
			mean[0] = gain
			for m := 1; m < s.Order; m++ {
				mean[m] = tilt / float64(m)
				variance[m] = 0.01
			}
			variance[0] = 0.01
			return engine.Gaussian{Mean: mean, Variance: variance}
		}
		tilt := 0.1 + 0.02*float64(state)
		pdf.States = append(pdf.States, []engine.Gaussian{
			cluster(s.Gain-4, 0),
			cluster(s.Gain, tilt),
			cluster(s.Gain-1, -tilt),
		})
	}
	return pdf
}

func logF0PDF(s Spec) *engine.PDFFile {
	pdf := &engine.PDFFile{Stream: "lf0", VectorLength: 1, NumWindows: 3, MSD: true}
	for state := range s.NumStates {
		mean := []float64{s.LogF0 + 0.01*float64(state), 0, 0}
		variance := []float64{0.01, 0.001, 0.001}
		pdf.States = append(pdf.States, []engine.Gaussian{
			{Mean: mean, Variance: variance, Weight: 0},
			{Mean: append([]float64(nil), mean...), Variance: variance, Weight: s.VoicedWeight},
			{Mean: append([]float64(nil), mean...), Variance: variance, Weight: 0.1},
		})
	}
	return pdf
}

func lowPassPDF(s Spec) *engine.PDFFile {
	taps := make([]float64, s.LowPassTaps)
	half := s.LowPassTaps / 2
	sum := 0.0
	for i := range taps {
		taps[i] = float64(half + 1 - abs(i-half))
		sum += taps[i]
	}
	for i := range taps {
		taps[i] /= sum
	}
	pdf := &engine.PDFFile{Stream: "lpf", VectorLength: s.LowPassTaps, NumWindows: 1}
	for range s.NumStates {
		g := engine.Gaussian{Mean: taps, Variance: filled(s.LowPassTaps, 1e-4)}
		pdf.States = append(pdf.States, []engine.Gaussian{g, g, g})
	}
	return pdf
}

func gvPDF(stream string, length int, target float64) *engine.PDFFile {
	g := engine.Gaussian{Mean: filled(length, target), Variance: filled(length, 1)}
	return &engine.PDFFile{
		Stream:       stream,
		VectorLength: length,
		NumWindows:   1,
		States:       [][]engine.Gaussian{{g, g, g}},
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func writeShared(w voicebank.SharedWindowSet) error {
	dynamic := []engine.Window{{1}, {-0.5, 0, 0.5}, {1, -2, 1}}
	for i, path := range w.Spectrum {
		if err := os.WriteFile(path, []byte(engine.FormatWindow(dynamic[i])), 0o644); err != nil {
			return err
		}
	}
	for i, path := range w.LogF0 {
		if err := os.WriteFile(path, []byte(engine.FormatWindow(dynamic[i])), 0o644); err != nil {
			return err
		}
	}
	for _, path := range w.LowPass {
		if err := os.WriteFile(path, []byte(engine.FormatWindow(engine.Window{1})), 0o644); err != nil {
			return err
		}
	}
	return engine.WriteGVSwitch(w.GVSwitch, engine.GVSwitchFile{Disable: SilencePatterns})
}
