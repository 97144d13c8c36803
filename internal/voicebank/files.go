package voicebank

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Per-voice file names inside a model directory.
const (
	DurationTree = "tree-dur.inf"
	DurationPDF  = "dur.pdf"
	SpectrumTree = "tree-mgc.inf"
	SpectrumPDF  = "mgc.pdf"
	LogF0Tree    = "tree-lf0.inf"
	LogF0PDF     = "lf0.pdf"
	LowPassTree  = "tree-lpf.inf"
	LowPassPDF   = "lpf.pdf"

	SpectrumGVTree = "tree-gv-mgc.inf"
	SpectrumGVPDF  = "gv-mgc.pdf"
	LogF0GVTree    = "tree-gv-lf0.inf"
	LogF0GVPDF     = "gv-lf0.pdf"

	GVSwitch = "gv-switch.inf"
)

// Regression window file names, read from the first model directory only.
var (
	SpectrumWindows = []string{"mgc.win1", "mgc.win2", "mgc.win3"}
	LogF0Windows    = []string{"lf0.win1", "lf0.win2", "lf0.win3"}
	LowPassWindows  = []string{"lpf.win1"}
)

// FilePair names a decision tree and the coefficient file its leaves index into.
type FilePair struct {
	Tree string
	PDF  string
}

// ModelFileSet is the set of files backing one voice.
type ModelFileSet struct {
	Index      int
	Dir        string
	Duration   FilePair
	Spectrum   FilePair
	LogF0      FilePair
	LowPass    FilePair
	SpectrumGV FilePair
	LogF0GV    FilePair
}

// SharedWindowSet holds the regression windows and the GV switch shared by all voices.
type SharedWindowSet struct {
	Spectrum []string
	LogF0    []string
	LowPass  []string
	GVSwitch string
}

// ErrNoModels is returned when no model directory is given.
var ErrNoModels = errors.New("voicebank: no model directories")

// NewModelFileSet derives the file names for the voice stored in dir.
func NewModelFileSet(index int, dir string) ModelFileSet {
	join := func(name string) string { return filepath.Join(dir, name) }
	return ModelFileSet{
		Index:      index,
		Dir:        dir,
		Duration:   FilePair{Tree: join(DurationTree), PDF: join(DurationPDF)},
		Spectrum:   FilePair{Tree: join(SpectrumTree), PDF: join(SpectrumPDF)},
		LogF0:      FilePair{Tree: join(LogF0Tree), PDF: join(LogF0PDF)},
		LowPass:    FilePair{Tree: join(LowPassTree), PDF: join(LowPassPDF)},
		SpectrumGV: FilePair{Tree: join(SpectrumGVTree), PDF: join(SpectrumGVPDF)},
		LogF0GV:    FilePair{Tree: join(LogF0GVTree), PDF: join(LogF0GVPDF)},
	}
}

// NewSharedWindowSet derives the shared window and GV switch paths from dir.
func NewSharedWindowSet(dir string) SharedWindowSet {
	joinAll := func(names []string) []string {
		out := make([]string, len(names))
		for i, name := range names {
			out[i] = filepath.Join(dir, name)
		}
		return out
	}
	return SharedWindowSet{
		Spectrum: joinAll(SpectrumWindows),
		LogF0:    joinAll(LogF0Windows),
		LowPass:  joinAll(LowPassWindows),
		GVSwitch: filepath.Join(dir, GVSwitch),
	}
}

// Files lists every path of the set in a stable order.
func (s ModelFileSet) Files() []string {
	return []string{
		s.Duration.Tree, s.Duration.PDF,
		s.Spectrum.Tree, s.Spectrum.PDF,
		s.LogF0.Tree, s.LogF0.PDF,
		s.LowPass.Tree, s.LowPass.PDF,
		s.SpectrumGV.Tree, s.SpectrumGV.PDF,
		s.LogF0GV.Tree, s.LogF0GV.PDF,
	}
}

// Files lists every shared path in a stable order.
func (w SharedWindowSet) Files() []string {
	out := make([]string, 0, len(w.Spectrum)+len(w.LogF0)+len(w.LowPass)+1)
	out = append(out, w.Spectrum...)
	out = append(out, w.LogF0...)
	out = append(out, w.LowPass...)
	return append(out, w.GVSwitch)
}

// Plan derives one file set per directory plus the shared windows of dirs[0].
func Plan(dirs []string) ([]ModelFileSet, SharedWindowSet, error) {
	if len(dirs) == 0 {
		return nil, SharedWindowSet{}, ErrNoModels
	}
	sets := make([]ModelFileSet, len(dirs))
	for i, dir := range dirs {
		if dir == "" {
			return nil, SharedWindowSet{}, fmt.Errorf("voicebank: model directory %d is empty", i)
		}
		sets[i] = NewModelFileSet(i, dir)
	}
	return sets, NewSharedWindowSet(dirs[0]), nil
}

// Verify checks that every planned file exists and is a regular file.
func Verify(sets []ModelFileSet, windows SharedWindowSet) error {
	var missing []error
	check := func(path string) {
		info, err := os.Stat(path)
		if err != nil {
			missing = append(missing, err)
			return
		}
		if !info.Mode().IsRegular() {
			missing = append(missing, fmt.Errorf("%s: not a regular file", path))
		}
	}
	for _, set := range sets {
		for _, path := range set.Files() {
			check(path)
		}
	}
	for _, path := range windows.Files() {
		check(path)
	}
	return errors.Join(missing...)
}
