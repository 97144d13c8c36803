package engine

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// trajectory is the generated per-frame parameter sequence.
type trajectory struct {
	spectrum [][]float64
	logF0    []float64
	voiced   []bool
	lowPass  [][]float64
}

// frameMap expands state durations into per-frame state and label indices.
func (u *Utterance) frameMap() (states, labels []int) {
	n := u.TotalFrames()
	states = make([]int, 0, n)
	labels = make([]int, 0, n)
	for s, d := range u.durations {
		for range d {
			states = append(states, s)
			labels = append(labels, s/u.set.numStates)
		}
	}
	return states, labels
}

// GenerateParameterTrajectory solves the maximum likelihood parameter
// sequence of every stream and applies global variance to the spectrum and
// log-F0 streams.
func (u *Utterance) GenerateParameterTrajectory() error {
	if u.released {
		return ErrReleased
	}
	states, labels := u.frameMap()
	frames := len(states)
	gvOn := make([]bool, frames)
	for t, l := range labels {
		gvOn[t] = u.gvOn[l]
	}

	traj := &trajectory{
		spectrum: newMatrix(frames, u.set.spectrumLength),
		logF0:    make([]float64, frames),
		voiced:   make([]bool, frames),
		lowPass:  newMatrix(frames, u.set.lowPassLength),
	}

	for m := range u.set.spectrumLength {
		c, err := solveStream(u.set.spectrumWin, &u.spectrum, m, states, nil)
		if err != nil {
			return fmt.Errorf("spectrum dimension %d: %w", m, err)
		}
		applyGV(c, gvOn, u.gvSpectrum[m])
		for t, v := range c {
			traj.spectrum[t][m] = v
		}
	}

	for m := range u.set.lowPassLength {
		c, err := solveStream(u.set.lowPassWin, &u.lowPass, m, states, nil)
		if err != nil {
			return fmt.Errorf("low-pass dimension %d: %w", m, err)
		}
		for t, v := range c {
			traj.lowPass[t][m] = v
		}
	}

	for t, s := range states {
		traj.voiced[t] = u.voiced[s]
	}
	var voicedFrames []int
	for t, v := range traj.voiced {
		if v {
			voicedFrames = append(voicedFrames, t)
		}
	}
	if len(voicedFrames) > 0 {
		c, err := solveStream(u.set.logF0Win, &u.logF0, 0, states, traj.voiced)
		if err != nil {
			return fmt.Errorf("log-F0: %w", err)
		}
		voicedGV := make([]bool, len(voicedFrames))
		for i, t := range voicedFrames {
			voicedGV[i] = gvOn[t]
		}
		applyGV(c, voicedGV, u.gvLogF0[0])
		for i, t := range voicedFrames {
			traj.logF0[t] = c[i]
		}
	}

	u.traj = traj
	return nil
}

func newMatrix(rows, cols int) [][]float64 {
	backing := make([]float64, rows*cols)
	out := make([][]float64, rows)
	for i := range out {
		out[i] = backing[i*cols : (i+1)*cols : (i+1)*cols]
	}
	return out
}

// solveStream gathers the window statistics of dimension m frame by frame
// and solves for the static trajectory. With a non-nil mask only masked
// frames take part, and a dynamic window touching an unmasked frame or the
// sequence edge contributes nothing.
func solveStream(windows []Window, s *stateStream, m int, states []int, mask []bool) ([]float64, error) {
	frames := make([]int, 0, len(states))
	for t := range states {
		if mask == nil || mask[t] {
			frames = append(frames, t)
		}
	}
	mean := make([][]float64, len(windows))
	ivar := make([][]float64, len(windows))
	for k, w := range windows {
		mean[k] = make([]float64, len(frames))
		ivar[k] = make([]float64, len(frames))
		half := w.Half()
		for i, t := range frames {
			st := states[t]
			mean[k][i] = s.mean[st][k*s.length+m]
			iv := s.ivar[st][k*s.length+m]
			if k > 0 {
				for j := -half; j <= half; j++ {
					if w[j+half] == 0 {
						continue
					}
					n := t + j
					if n < 0 || n >= len(states) || (mask != nil && !mask[n]) {
						iv = 0
						break
					}
				}
			}
			ivar[k][i] = iv
		}
	}
	return solveTrajectory(windows, mean, ivar)
}

// solveTrajectory solves (WᵀUW)c = WᵀUμ for the static sequence c, where W
// stacks the regression windows and U holds the inverse variances.
func solveTrajectory(windows []Window, mean, ivar [][]float64) ([]float64, error) {
	frames := len(mean[0])
	if frames == 0 {
		return nil, nil
	}
	maxHalf := 0
	for _, w := range windows {
		maxHalf = max(maxHalf, w.Half())
	}
	band := min(2*maxHalf, frames-1)

	r := mat.NewSymBandDense(frames, band, nil)
	rhs := make([]float64, frames)
	for k, w := range windows {
		half := w.Half()
		for t := range frames {
			iv := ivar[k][t]
			if iv == 0 {
				continue
			}
			mu := mean[k][t]
			for j1, c1 := range w {
				t1 := t + j1 - half
				if c1 == 0 || t1 < 0 || t1 >= frames {
					continue
				}
				rhs[t1] += c1 * iv * mu
				for j2 := j1; j2 < len(w); j2++ {
					t2 := t + j2 - half
					c2 := w[j2]
					if c2 == 0 || t2 >= frames {
						continue
					}
					r.SetSymBand(t1, t2, r.At(t1, t2)+c1*c2*iv)
				}
			}
		}
	}

	var chol mat.BandCholesky
	if ok := chol.Factorize(r); !ok {
		return nil, errors.New("trajectory matrix is not positive definite")
	}
	var c mat.VecDense
	if err := chol.SolveVecTo(&c, mat.NewVecDense(frames, rhs)); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, err
		}
	}
	out := make([]float64, frames)
	for t := range out {
		out[t] = c.AtVec(t)
	}
	return out, nil
}

// applyGV scales the enabled frames of c around their mean so their
// variance matches the global variance target.
func applyGV(c []float64, enabled []bool, target float64) {
	if !(target > 0) {
		return
	}
	values := make([]float64, 0, len(c))
	for t, on := range enabled {
		if on {
			values = append(values, c[t])
		}
	}
	if len(values) < 2 {
		return
	}
	mean, variance := stat.PopMeanVariance(values, nil)
	if !(variance > 0) {
		return
	}
	scale := math.Sqrt(target / variance)
	for t, on := range enabled {
		if on {
			c[t] = (c[t]-mean)*scale + mean
		}
	}
}

// SpectrumTrajectory returns a copy of the generated spectral frames.
func (u *Utterance) SpectrumTrajectory() [][]float64 {
	if u.traj == nil {
		return nil
	}
	out := newMatrix(len(u.traj.spectrum), u.set.spectrumLength)
	for t, row := range u.traj.spectrum {
		copy(out[t], row)
	}
	return out
}

// LogF0Trajectory returns the generated log-F0 per frame and whether the
// frame is voiced. Unvoiced frames carry zero.
func (u *Utterance) LogF0Trajectory() ([]float64, []bool) {
	if u.traj == nil {
		return nil, nil
	}
	return append([]float64(nil), u.traj.logF0...), append([]bool(nil), u.traj.voiced...)
}
