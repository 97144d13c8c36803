// Package style holds the style interpolation table and derives the render
// configuration a style selects.
package style

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// Scalars is the number of knobs stored after the three weight segments of a row.
const Scalars = 4

var (
	// ErrEmptyTable is returned when a table would hold no styles.
	ErrEmptyTable = errors.New("style: empty table")
	// ErrNotFound is returned when a style name is unknown.
	ErrNotFound = errors.New("style: not found")
)

// Bounds are the clamp limits applied to the scalar knobs of a style.
type Bounds struct {
	BasePeriod  int
	MinPeriod   int
	MaxPeriod   int
	MinHalftone float64
	MaxHalftone float64
	MinAlpha    float64
	MaxAlpha    float64
	MinVolume   float64
	MaxVolume   float64
	// Fallbacks used when a knob is NaN.
	DefaultAlpha  float64
	DefaultVolume float64
}

// DefaultBounds mirrors the limits of the reference voice setup: 48 kHz audio
// with a 240 sample frame period.
func DefaultBounds() Bounds {
	return Bounds{
		BasePeriod:    240,
		MinPeriod:     60,
		MaxPeriod:     960,
		MinHalftone:   -24,
		MaxHalftone:   24,
		MinAlpha:      0,
		MaxAlpha:      0.9,
		MinVolume:     0,
		MaxVolume:     10,
		DefaultAlpha:  0.55,
		DefaultVolume: 1,
	}
}

// Validate reports inconsistent bounds.
func (b Bounds) Validate() error {
	switch {
	case b.BasePeriod <= 0:
		return errors.New("style: base period must be positive")
	case b.MinPeriod <= 0 || b.MinPeriod > b.MaxPeriod:
		return errors.New("style: period bounds must satisfy 0 < min <= max")
	case b.MinHalftone > b.MaxHalftone:
		return errors.New("style: halftone bounds inverted")
	case b.MinAlpha > b.MaxAlpha || b.MaxAlpha >= 1 || b.MinAlpha <= -1:
		return errors.New("style: alpha bounds must lie inside (-1, 1) with min <= max")
	case b.MinVolume > b.MaxVolume:
		return errors.New("style: volume bounds inverted")
	}
	return nil
}

// RenderConfig is the active configuration derived from one style row.
// Weights are passed through as stored; the scalars are already clamped.
type RenderConfig struct {
	SpectralWeights []float64
	F0Weights       []float64
	DurationWeights []float64
	FramePeriod     int
	PitchShift      float64
	Alpha           float64
	Volume          float64
}

// Clone returns a deep copy.
func (c RenderConfig) Clone() RenderConfig {
	c.SpectralWeights = slices.Clone(c.SpectralWeights)
	c.F0Weights = slices.Clone(c.F0Weights)
	c.DurationWeights = slices.Clone(c.DurationWeights)
	return c
}

// Equal compares two configurations field by field.
func (c RenderConfig) Equal(o RenderConfig) bool {
	return slices.Equal(c.SpectralWeights, o.SpectralWeights) &&
		slices.Equal(c.F0Weights, o.F0Weights) &&
		slices.Equal(c.DurationWeights, o.DurationWeights) &&
		c.FramePeriod == o.FramePeriod &&
		c.PitchShift == o.PitchShift &&
		c.Alpha == o.Alpha &&
		c.Volume == o.Volume
}

// Table is an immutable numStyles × (numModels×3 + 4) weight table.
type Table struct {
	numModels int
	numStyles int
	weights   []float64
	names     []string
}

// RowWidth is the number of values per style for numModels voices.
func RowWidth(numModels int) int {
	return numModels*3 + Scalars
}

// NewTable copies weights into a new table.
func NewTable(weights []float64, numModels, numStyles int) (*Table, error) {
	if numModels <= 0 {
		return nil, fmt.Errorf("style: numModels must be positive, got %d", numModels)
	}
	if numStyles <= 0 || len(weights) == 0 {
		return nil, ErrEmptyTable
	}
	if want := numStyles * RowWidth(numModels); len(weights) != want {
		return nil, fmt.Errorf("style: expected %d weights for %d styles of %d models, got %d", want, numStyles, numModels, len(weights))
	}
	return &Table{
		numModels: numModels,
		numStyles: numStyles,
		weights:   slices.Clone(weights),
	}, nil
}

// WithNames returns a copy of the table whose styles can be looked up by name.
func (t *Table) WithNames(names []string) (*Table, error) {
	if len(names) != t.numStyles {
		return nil, fmt.Errorf("style: %d names for %d styles", len(names), t.numStyles)
	}
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("style: duplicate name %q", name)
		}
		seen[name] = struct{}{}
	}
	out := *t
	out.names = slices.Clone(names)
	return &out, nil
}

func (t *Table) NumStyles() int {
	if t == nil {
		return 0
	}
	return t.numStyles
}

func (t *Table) NumModels() int {
	if t == nil {
		return 0
	}
	return t.numModels
}

// Names returns the style names, empty strings for unnamed rows.
func (t *Table) Names() []string {
	if t == nil {
		return nil
	}
	if t.names == nil {
		return make([]string, t.numStyles)
	}
	return slices.Clone(t.names)
}

// Index resolves a style name.
func (t *Table) Index(name string) (int, error) {
	if t != nil {
		for i, n := range t.names {
			if n != "" && n == name {
				return i, nil
			}
		}
	}
	return -1, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// Row returns a copy of the raw values of style index.
func (t *Table) Row(index int) ([]float64, bool) {
	if t == nil || index < 0 || index >= t.numStyles {
		return nil, false
	}
	base := index * RowWidth(t.numModels)
	return slices.Clone(t.weights[base : base+RowWidth(t.numModels)]), true
}

// Config derives the render configuration of style index. It reports false
// when index is outside [0, NumStyles).
func (t *Table) Config(index int, b Bounds) (RenderConfig, bool) {
	row, ok := t.Row(index)
	if !ok {
		return RenderConfig{}, false
	}
	n := t.numModels
	knobs := row[3*n:]
	return RenderConfig{
		SpectralWeights: row[0:n:n],
		F0Weights:       row[n : 2*n : 2*n],
		DurationWeights: row[2*n : 3*n : 3*n],
		FramePeriod:     FramePeriod(b, knobs[0]),
		PitchShift:      clamp(knobs[1], b.MinHalftone, b.MaxHalftone, 0),
		Alpha:           clamp(knobs[2], b.MinAlpha, b.MaxAlpha, b.DefaultAlpha),
		Volume:          clamp(knobs[3], b.MinVolume, b.MaxVolume, b.DefaultVolume),
	}, true
}

// FramePeriod converts a speed factor into a clamped frame period in samples.
func FramePeriod(b Bounds, speed float64) int {
	f := float64(b.BasePeriod) / speed
	if math.IsNaN(f) {
		f = float64(b.BasePeriod)
	}
	f = math.Round(f)
	if f > float64(b.MaxPeriod) {
		return b.MaxPeriod
	}
	if f < float64(b.MinPeriod) {
		return b.MinPeriod
	}
	return int(f)
}

func clamp(v, lo, hi, fallback float64) float64 {
	if math.IsNaN(v) {
		v = fallback
	}
	return math.Max(lo, math.Min(hi, v))
}
