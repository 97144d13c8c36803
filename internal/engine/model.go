package engine

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"
)

// Gaussian is one clustered output distribution. Weight is the voiced
// probability of a multi-space distribution and is ignored otherwise.
type Gaussian struct {
	Mean     []float64 `msgpack:"mean"`
	Variance []float64 `msgpack:"variance"`
	Weight   float64   `msgpack:"weight,omitempty"`
}

// PDFFile is the msgpack form of a coefficient file. States holds one pdf
// list per tree state; duration and GV files carry a single list.
type PDFFile struct {
	Stream       string       `msgpack:"stream"`
	VectorLength int          `msgpack:"vector_length"`
	NumWindows   int          `msgpack:"num_windows"`
	MSD          bool         `msgpack:"msd"`
	States       [][]Gaussian `msgpack:"states"`
}

// Width is the length of every mean and variance vector in the file.
func (f *PDFFile) Width() int {
	return f.VectorLength * f.NumWindows
}

func (f *PDFFile) validate() error {
	if f.VectorLength <= 0 {
		return fmt.Errorf("stream %q: vector length must be positive", f.Stream)
	}
	if f.NumWindows <= 0 {
		return fmt.Errorf("stream %q: window count must be positive", f.Stream)
	}
	if len(f.States) == 0 {
		return fmt.Errorf("stream %q: no states", f.Stream)
	}
	width := f.Width()
	for s, pdfs := range f.States {
		if len(pdfs) == 0 {
			return fmt.Errorf("stream %q: state %d has no pdfs", f.Stream, s)
		}
		for i, g := range pdfs {
			if len(g.Mean) != width || len(g.Variance) != width {
				return fmt.Errorf("stream %q: state %d pdf %d: expected %d values", f.Stream, s, i+1, width)
			}
			for _, v := range g.Variance {
				if !(v > 0) {
					return fmt.Errorf("stream %q: state %d pdf %d: variance must be positive", f.Stream, s, i+1)
				}
			}
			if f.MSD && (g.Weight < 0 || g.Weight > 1) {
				return fmt.Errorf("stream %q: state %d pdf %d: msd weight outside [0,1]", f.Stream, s, i+1)
			}
		}
	}
	return nil
}

func readPDFFile(path string) (*PDFFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f PDFFile
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &f, nil
}

// WritePDFFile stores f in msgpack form.
func WritePDFFile(path string, f *PDFFile) error {
	data, err := msgpack.Marshal(f)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// model pairs a compiled tree set with the pdfs its leaves index into.
type model struct {
	trees *treeSet
	pdf   *PDFFile
}

func loadModel(treePath, pdfPath string) (*model, error) {
	tf, err := readTreeFile(treePath)
	if err != nil {
		return nil, err
	}
	trees, err := compileTrees(tf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", treePath, err)
	}
	pdf, err := readPDFFile(pdfPath)
	if err != nil {
		return nil, err
	}
	for state, tree := range trees.trees {
		if state < 0 || state >= len(pdf.States) {
			return nil, fmt.Errorf("%s: tree for state %d has no pdfs in %s", treePath, state, pdfPath)
		}
		n := len(pdf.States[state])
		if tree.leaf > n {
			return nil, fmt.Errorf("%s: state %d leaf %d exceeds %d pdfs", treePath, state, tree.leaf, n)
		}
		for id, node := range tree.nodes {
			for _, next := range []int{node.yes, node.no} {
				if next > n {
					return nil, fmt.Errorf("%s: state %d node %d leaf %d exceeds %d pdfs", treePath, state, id, next, n)
				}
			}
		}
	}
	return &model{trees: trees, pdf: pdf}, nil
}

// find returns the pdf clustered for label at state.
func (m *model) find(state int, label string) (Gaussian, error) {
	idx, err := m.trees.search(state, label)
	if err != nil {
		return Gaussian{}, err
	}
	return m.pdf.States[state][idx], nil
}

// Window is a regression window centred on its middle coefficient.
type Window []float64

// Half is the number of coefficients on each side of the centre.
func (w Window) Half() int { return len(w) / 2 }

// ParseWindow reads a window in the "count c0 c1 ..." text form.
func ParseWindow(text string) (Window, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil, errors.New("empty window")
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, fmt.Errorf("window size: %w", err)
	}
	if n <= 0 || n%2 == 0 {
		return nil, fmt.Errorf("window size must be a positive odd number, got %d", n)
	}
	if len(fields)-1 != n {
		return nil, fmt.Errorf("window declares %d coefficients, found %d", n, len(fields)-1)
	}
	w := make(Window, n)
	for i, field := range fields[1:] {
		if w[i], err = strconv.ParseFloat(field, 64); err != nil {
			return nil, fmt.Errorf("window coefficient %d: %w", i, err)
		}
	}
	return w, nil
}

// FormatWindow renders w in the form ParseWindow reads.
func FormatWindow(w Window) string {
	parts := make([]string, 0, len(w)+1)
	parts = append(parts, strconv.Itoa(len(w)))
	for _, c := range w {
		parts = append(parts, strconv.FormatFloat(c, 'g', -1, 64))
	}
	return strings.Join(parts, " ") + "\n"
}

func readWindows(paths []string) ([]Window, error) {
	out := make([]Window, len(paths))
	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if out[i], err = ParseWindow(string(data)); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if len(out) > 0 && (len(out[0]) != 1 || out[0][0] != 1) {
		return nil, fmt.Errorf("%s: first window must be the static window \"1 1\"", paths[0])
	}
	return out, nil
}

// GVSwitchFile lists the label patterns for which global variance is not
// enforced, typically silences and pauses.
type GVSwitchFile struct {
	Disable []string `yaml:"disable"`
}

func readGVSwitch(path string) (GVSwitchFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return GVSwitchFile{}, err
	}
	var f GVSwitchFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return GVSwitchFile{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// WriteGVSwitch stores f as YAML.
func WriteGVSwitch(path string, f GVSwitchFile) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
