// Package synth drives one synthesis session at a time: voice loading, style
// selection, utterance preparation, rendering and cancellation.
package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-voice/internal/style"
	"github.com/loqalabs/loqa-voice/internal/timing"
	"github.com/loqalabs/loqa-voice/internal/voicebank"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrConfiguration is returned for invalid Load arguments.
	ErrConfiguration = errors.New("synth: invalid configuration")
	// ErrResourceLoad wraps failures to read the dictionary or voice files.
	ErrResourceLoad = errors.New("synth: resource load failed")
	// ErrNotLoaded is returned by helpers that need loaded voices.
	ErrNotLoaded = errors.New("synth: voices not loaded")
	// ErrBusy is returned by Load, Prepare, Synthesis and Close while a
	// render is in progress.
	ErrBusy = errors.New("synth: session busy")
)

// State is the phase of the synthesis session.
type State int32

const (
	StateIdle State = iota
	StatePrepared
	StateRendering
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrepared:
		return "prepared"
	case StateRendering:
		return "rendering"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options tune the session.
type Options struct {
	Bounds style.Bounds
	// LogF0Floor is the lowest log-F0 mean a pitch shift may produce.
	LogF0Floor float64
}

// DefaultOptions uses the default bounds and a 10 Hz pitch floor.
func DefaultOptions() Options {
	return Options{Bounds: style.DefaultBounds(), LogF0Floor: math.Log(10)}
}

// Result describes a Synthesis call.
type Result struct {
	Frames  int
	Samples int
	// Cancelled is set when Stop ended the render early.
	Cancelled bool
}

// Synthesizer is the session facade. The render itself runs outside the
// session lock, so style queries and SetStyle stay responsive while
// Synthesis streams; Stop never blocks.
type Synthesizer struct {
	frontend Frontend
	renderer Renderer
	opts     Options
	logger   *slog.Logger
	metrics  *metrics

	mu         sync.Mutex
	repo       *voicebank.Repository
	table      *style.Table
	styleIndex int
	active     style.RenderConfig
	labels     []string
	utt        Utterance
	entries    []timing.Entry

	loaded atomic.Bool
	state  atomic.Int32
	stop   atomic.Bool
}

// New returns an unloaded synthesizer.
func New(frontend Frontend, renderer Renderer, opts Options, log *slog.Logger) *Synthesizer {
	s := &Synthesizer{
		frontend: frontend,
		renderer: renderer,
		opts:     opts,
		logger:   log.With(slog.String("component", "synthesizer")),
	}
	m, err := newMetrics()
	if err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	s.metrics = m
	return s
}

// Load reads the dictionary and the voices in modelDirs and installs the
// style table. weights must hold numStyles rows of len(modelDirs)×3+4
// values. Nothing changes on error: the dictionary is only committed once
// the voices opened. Style 0 is selected on success.
func (s *Synthesizer) Load(dictionaryPath string, modelDirs []string, weights []float64, numStyles int) error {
	switch {
	case dictionaryPath == "":
		return fmt.Errorf("%w: dictionary path is empty", ErrConfiguration)
	case len(modelDirs) == 0:
		return fmt.Errorf("%w: no model directories", ErrConfiguration)
	case len(weights) == 0:
		return fmt.Errorf("%w: style weights are empty", ErrConfiguration)
	case numStyles <= 0:
		return fmt.Errorf("%w: numStyles must be positive, got %d", ErrConfiguration, numStyles)
	}
	if err := s.opts.Bounds.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	table, err := style.NewTable(weights, len(modelDirs), numStyles)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == StateRendering {
		return ErrBusy
	}

	commit, err := s.frontend.Stage(dictionaryPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrResourceLoad, err)
	}
	repo, err := voicebank.Open(modelDirs, s.renderer)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrResourceLoad, err)
	}

	commit()
	s.releaseLocked()
	s.state.Store(int32(StateIdle))
	s.repo = repo
	s.table = table
	s.loaded.Store(true)
	s.setStyleLocked(0)
	s.logger.Info("voices loaded",
		slog.Int("models", repo.NumModels()),
		slog.Int("styles", numStyles),
		slog.String("dictionary", dictionaryPath),
	)
	return nil
}

// NameStyles attaches names to the loaded style rows.
func (s *Synthesizer) NameStyles(names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.table == nil {
		return ErrNotLoaded
	}
	table, err := s.table.WithNames(names)
	if err != nil {
		return err
	}
	s.table = table
	return nil
}

// Loaded reports whether Load has succeeded.
func (s *Synthesizer) Loaded() bool { return s.loaded.Load() }

// State returns the current session phase.
func (s *Synthesizer) State() State { return State(s.state.Load()) }

// SamplingRate returns the output rate of the renderer.
func (s *Synthesizer) SamplingRate() int { return s.renderer.SamplingRate() }

// Styles returns the style names, empty for unnamed rows.
func (s *Synthesizer) Styles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.Names()
}

// SetStyle makes style index active for the next Prepare. It reports false
// and changes nothing when index is out of range or nothing is loaded.
func (s *Synthesizer) SetStyle(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStyleLocked(index)
}

// SetStyleByName selects a named style.
func (s *Synthesizer) SetStyleByName(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.table == nil {
		return ErrNotLoaded
	}
	index, err := s.table.Index(name)
	if err != nil {
		return err
	}
	s.setStyleLocked(index)
	return nil
}

func (s *Synthesizer) setStyleLocked(index int) bool {
	cfg, ok := s.table.Config(index, s.opts.Bounds)
	if !ok {
		return false
	}
	s.styleIndex = index
	s.active = cfg
	return true
}

// ActiveConfig returns the active style index and a copy of its configuration.
func (s *Synthesizer) ActiveConfig() (int, style.RenderConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.styleIndex, s.active.Clone()
}

// Prepare analyzes text and generates the parameter trajectory with the
// active style. It does nothing before Load. Text that analyzes to at most
// the two boundary silences leaves the session prepared but empty.
func (s *Synthesizer) Prepare(text string) error {
	_, span := tracer.Start(context.Background(), "synth.Prepare",
		trace.WithAttributes(attribute.Int("text.bytes", len(text))))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.repo == nil {
		return nil
	}
	if s.State() == StateRendering {
		return recordSpanError(span, ErrBusy)
	}
	s.stop.Store(false)
	s.releaseLocked()

	labels, err := s.frontend.Analyze(text)
	if err != nil {
		s.state.Store(int32(StateIdle))
		return recordSpanError(span, fmt.Errorf("analyze text: %w", err))
	}
	s.labels = labels
	span.SetAttributes(attribute.Int("labels", len(labels)), attribute.Int("style", s.styleIndex))
	if len(labels) <= 2 {
		s.state.Store(int32(StatePrepared))
		s.metrics.recordPrepare(context.Background(), false)
		return nil
	}

	cfg := s.active.Clone()
	utt, err := s.renderer.NewUtterance(labels[1:], cfg)
	if err != nil {
		s.labels = nil
		s.state.Store(int32(StateIdle))
		return recordSpanError(span, fmt.Errorf("load labels: %w", err))
	}
	if cfg.PitchShift != 0 {
		shift := cfg.PitchShift * math.Ln2 / 12
		for i := range utt.TotalStates() {
			utt.SetStateLogF0Mean(i, math.Max(utt.StateLogF0Mean(i)+shift, s.opts.LogF0Floor))
		}
	}
	if err := utt.GenerateParameterTrajectory(); err != nil {
		utt.Refresh()
		s.labels = nil
		s.state.Store(int32(StateIdle))
		return recordSpanError(span, fmt.Errorf("generate trajectory: %w", err))
	}
	s.utt = utt
	s.entries = timing.Extract(labels, utt, utt.FramePeriod(), utt.SamplingRate())
	s.state.Store(int32(StatePrepared))
	s.metrics.recordPrepare(context.Background(), true)
	s.logger.Debug("utterance prepared",
		slog.Int("labels", len(labels)),
		slog.Int("style", s.styleIndex),
		slog.Int("frame_period", cfg.FramePeriod),
	)
	return nil
}

// PhonemeSequence returns the prepared utterance as "phoneme,ms,...", or
// an empty string when nothing with content is prepared.
func (s *Synthesizer) PhonemeSequence() string {
	return timing.Format(s.Timing())
}

// Timing returns the phoneme entries of the prepared utterance.
func (s *Synthesizer) Timing() []timing.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.repo == nil || len(s.labels) <= 2 {
		return nil
	}
	return append([]timing.Entry(nil), s.entries...)
}

// Synthesis renders the prepared utterance into sink, which may be nil.
// Stop ends the render early without error. The session is idle afterwards
// and the prepared utterance is released.
func (s *Synthesizer) Synthesis(ctx context.Context, sink func([]int16) error) (Result, error) {
	ctx, span := tracer.Start(ctx, "synth.Synthesis")
	defer span.End()

	s.mu.Lock()
	if s.repo == nil {
		s.mu.Unlock()
		return Result{}, nil
	}
	if s.State() == StateRendering {
		s.mu.Unlock()
		return Result{}, recordSpanError(span, ErrBusy)
	}
	utt := s.utt
	s.state.Store(int32(StateRendering))
	s.mu.Unlock()

	if sink == nil {
		sink = func([]int16) error { return nil }
	}
	var (
		res Result
		err error
	)
	if utt != nil {
		stats, genErr := utt.GenerateWaveform(ctx, &s.stop, sink)
		res = Result{Frames: stats.Frames, Samples: stats.Samples, Cancelled: stats.Stopped}
		if genErr != nil {
			err = recordSpanError(span, fmt.Errorf("generate waveform: %w", genErr))
		}
		s.metrics.recordRender(ctx, res)
		if res.Cancelled {
			s.logger.Info("render stopped", slog.Int("frames", res.Frames))
		}
	}
	span.SetAttributes(
		attribute.Int("frames", res.Frames),
		attribute.Int("samples", res.Samples),
		attribute.Bool("cancelled", res.Cancelled),
	)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
	s.frontend.Refresh()
	s.state.Store(int32(StateIdle))
	return res, err
}

// Stop asks an in-flight or upcoming render to end at its next frame.
func (s *Synthesizer) Stop() {
	if !s.loaded.Load() {
		return
	}
	s.stop.Store(true)
}

// Close releases the prepared utterance. It fails while rendering.
func (s *Synthesizer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == StateRendering {
		return ErrBusy
	}
	s.releaseLocked()
	s.state.Store(int32(StateIdle))
	return nil
}

func (s *Synthesizer) releaseLocked() {
	if s.utt != nil {
		s.utt.Refresh()
		s.utt = nil
	}
	s.labels = nil
	s.entries = nil
}

func recordSpanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
