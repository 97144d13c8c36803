package style

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk form of a style table.
type File struct {
	Styles []Entry `yaml:"styles"`
}

// Entry describes one style. Omitted knobs take the neutral value.
type Entry struct {
	Name     string    `yaml:"name"`
	Spectral []float64 `yaml:"spectral"`
	F0       []float64 `yaml:"f0"`
	Duration []float64 `yaml:"duration"`
	Speed    *float64  `yaml:"speed,omitempty"`
	Pitch    float64   `yaml:"pitch"`
	Alpha    *float64  `yaml:"alpha,omitempty"`
	Volume   *float64  `yaml:"volume,omitempty"`
}

// LoadFile reads a YAML style file.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read style file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse style file: %w", err)
	}
	return f, nil
}

// Flatten lays the styles out as a flat weight table for numModels voices.
func (f File) Flatten(numModels int, b Bounds) (weights []float64, names []string, err error) {
	if len(f.Styles) == 0 {
		return nil, nil, ErrEmptyTable
	}
	weights = make([]float64, 0, len(f.Styles)*RowWidth(numModels))
	for i, s := range f.Styles {
		for _, seg := range []struct {
			name   string
			values []float64
		}{{"spectral", s.Spectral}, {"f0", s.F0}, {"duration", s.Duration}} {
			if len(seg.values) != numModels {
				return nil, nil, fmt.Errorf("styles[%d].%s: expected %d weights, got %d", i, seg.name, numModels, len(seg.values))
			}
			weights = append(weights, seg.values...)
		}
		weights = append(weights,
			valueOr(s.Speed, 1),
			s.Pitch,
			valueOr(s.Alpha, b.DefaultAlpha),
			valueOr(s.Volume, b.DefaultVolume),
		)
		names = append(names, s.Name)
	}
	return weights, names, nil
}

// Uniform returns a single style that weights every voice equally.
func Uniform(numModels int, b Bounds) File {
	w := make([]float64, numModels)
	for i := range w {
		w[i] = 1 / float64(numModels)
	}
	speed, alpha, volume := 1.0, b.DefaultAlpha, b.DefaultVolume
	return File{Styles: []Entry{{
		Name:     "default",
		Spectral: w,
		F0:       append([]float64(nil), w...),
		Duration: append([]float64(nil), w...),
		Speed:    &speed,
		Alpha:    &alpha,
		Volume:   &volume,
	}}}
}

func valueOr(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}
