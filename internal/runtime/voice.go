package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/engine"
	"github.com/loqalabs/loqa-voice/internal/frontend"
	"github.com/loqalabs/loqa-voice/internal/style"
	"github.com/loqalabs/loqa-voice/internal/synth"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

// OpenSession builds the engine and front-end described by cfg and loads
// the configured voices and styles into a new synthesis session.
func OpenSession(cfg config.Config, log *slog.Logger) (*synth.Synthesizer, error) {
	v := cfg.Voice
	e, err := engine.New(engine.Options{
		SamplingRate:    v.SamplingRate,
		AudioBufferSize: v.AudioBufferSize,
		MSDThreshold:    v.MSDThreshold,
		NoiseSeed:       1,
	})
	if err != nil {
		return nil, err
	}
	fe, err := newFrontend(cfg.TTS)
	if err != nil {
		return nil, err
	}

	bounds := v.Bounds()
	file := style.Uniform(len(v.ModelDirs), bounds)
	if v.StylesFile != "" {
		if file, err = style.LoadFile(v.StylesFile); err != nil {
			return nil, err
		}
	}
	weights, names, err := file.Flatten(len(v.ModelDirs), bounds)
	if err != nil {
		return nil, fmt.Errorf("styles: %w", err)
	}

	s := synth.New(fe, synth.EngineRenderer(e), synth.Options{Bounds: bounds, LogF0Floor: v.LogF0Floor()}, log)
	if err := s.Load(v.DictionaryDir, v.ModelDirs, weights, len(file.Styles)); err != nil {
		return nil, err
	}
	if err := s.NameStyles(names); err != nil {
		return nil, err
	}
	if v.DefaultStyle != "" {
		if err := s.SetStyleByName(v.DefaultStyle); err != nil {
			return nil, fmt.Errorf("default style %q: %w", v.DefaultStyle, err)
		}
	}
	return s, nil
}

func newFrontend(cfg config.TTSConfig) (synth.Frontend, error) {
	if cfg.Frontend == "exec" {
		return frontend.NewExec(cfg.FrontendCommand, time.Duration(cfg.FrontendTimeoutMS)*time.Millisecond)
	}
	return frontend.NewBuiltin(), nil
}

func newSynthesizer(cfg config.Config, log *slog.Logger) (tts.Synthesizer, error) {
	switch cfg.TTS.Mode {
	case "hts":
		session, err := OpenSession(cfg, log)
		if err != nil {
			return nil, err
		}
		return tts.NewHTSSynth(session)
	default:
		return tts.NewMockSynth(cfg.TTS.SampleRate, cfg.TTS.ChunkDurationMS), nil
	}
}
