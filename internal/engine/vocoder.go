package engine

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync/atomic"

	"gonum.org/v1/gonum/floats"
)

const padeOrder = 4

// Fourth order Padé approximation of exp() used by the MLSA filter.
var pade = [padeOrder + 1]float64{1.0, 4.999273e-1, 1.067005e-1, 1.170221e-2, 5.656279e-4}

// mlsa is a mel log spectrum approximation filter of order m.
type mlsa struct {
	m     int
	alpha float64
	d     []float64
}

func newMLSA(m int, alpha float64) *mlsa {
	return &mlsa{m: m, alpha: alpha, d: make([]float64, 3*(padeOrder+1)+padeOrder*(m+2))}
}

// mc2b converts mel-cepstrum to MLSA filter coefficients in place of b.
func mc2b(mc, b []float64, alpha float64) {
	m := len(mc) - 1
	b[m] = mc[m]
	for i := m - 1; i >= 0; i-- {
		b[i] = mc[i] - alpha*b[i+1]
	}
}

func (f *mlsa) fir(x float64, b []float64, aa float64, d []float64) float64 {
	m, a := f.m, f.alpha
	d[0] = x
	d[1] = aa*d[0] + a*d[1]
	for i := 2; i <= m; i++ {
		d[i] += a * (d[i+1] - d[i-1])
	}
	y := 0.0
	for i := 2; i <= m; i++ {
		y += d[i] * b[i]
	}
	for i := m + 1; i > 1; i-- {
		d[i] = d[i-1]
	}
	return y
}

func (f *mlsa) stage1(x float64, b []float64, aa float64, d []float64) float64 {
	pt := d[padeOrder+1:]
	out := 0.0
	for i := padeOrder; i >= 1; i-- {
		d[i] = aa*pt[i-1] + f.alpha*d[i]
		pt[i] = d[i] * b[1]
		v := pt[i] * pade[i]
		if i&1 == 1 {
			x += v
		} else {
			x -= v
		}
		out += v
	}
	pt[0] = x
	return out + x
}

func (f *mlsa) stage2(x float64, b []float64, aa float64, d []float64) float64 {
	pt := d[padeOrder*(f.m+2):]
	out := 0.0
	for i := padeOrder; i >= 1; i-- {
		pt[i] = f.fir(pt[i-1], b, aa, d[(i-1)*(f.m+2):])
		v := pt[i] * pade[i]
		if i&1 == 1 {
			x += v
		} else {
			x -= v
		}
		out += v
	}
	pt[0] = x
	return out + x
}

func (f *mlsa) filter(x float64, b []float64) float64 {
	aa := 1 - f.alpha*f.alpha
	x = f.stage1(x, b, aa, f.d)
	return f.stage2(x, b, aa, f.d[2*(padeOrder+1):])
}

// vocoder turns per-frame parameters into samples.
type vocoder struct {
	rate   float64
	period int
	volume float64
	filter *mlsa

	c, cc, cinc []float64
	first       bool

	phase float64
	pulse []float64
	noise []float64
	rng   *rand.Rand
}

func newVocoder(order, lowPassLength int, cfgAlpha, volume float64, period, rate int, seed uint64) *vocoder {
	return &vocoder{
		rate:   float64(rate),
		period: period,
		volume: volume,
		filter: newMLSA(order, cfgAlpha),
		c:      make([]float64, order+1),
		cc:     make([]float64, order+1),
		cinc:   make([]float64, order+1),
		first:  true,
		pulse:  make([]float64, lowPassLength),
		noise:  make([]float64, lowPassLength),
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func push(h []float64, x float64) {
	if len(h) == 0 {
		return
	}
	copy(h[1:], h[:len(h)-1])
	h[0] = x
}

// excite returns the next excitation sample for pitch period p (0 when
// unvoiced), mixing pulse and noise through the low-pass filter lpf.
func (v *vocoder) excite(p float64, lpf []float64) float64 {
	noise := v.rng.NormFloat64()
	pulse := 0.0
	if p > 0 {
		v.phase++
		if v.phase >= p {
			pulse = math.Sqrt(p)
			v.phase -= p
		}
	} else {
		v.phase = 0
	}
	push(v.pulse, pulse)
	push(v.noise, noise)
	if p == 0 {
		return noise
	}
	if len(lpf) == 0 {
		return pulse
	}
	return floats.Dot(lpf, v.pulse) + v.noise[len(v.noise)/2] - floats.Dot(lpf, v.noise)
}

// frame renders one frame and appends its samples to out.
func (v *vocoder) frame(mc []float64, logF0 float64, voiced bool, lpf []float64, out []int16) []int16 {
	mc2b(mc, v.cc, v.filter.alpha)
	if v.first {
		copy(v.c, v.cc)
		v.first = false
	}
	for i := range v.cinc {
		v.cinc[i] = (v.cc[i] - v.c[i]) / float64(v.period)
	}
	p := 0.0
	if voiced {
		p = v.rate / math.Exp(logF0)
	}
	for range v.period {
		x := v.excite(p, lpf)
		x *= math.Exp(v.c[0])
		x = v.filter.filter(x, v.c)
		out = append(out, toSample(x*v.volume))
		floats.Add(v.c, v.cinc)
	}
	copy(v.c, v.cc)
	return out
}

func toSample(x float64) int16 {
	switch {
	case math.IsNaN(x):
		return 0
	case x >= math.MaxInt16:
		return math.MaxInt16
	case x <= math.MinInt16:
		return math.MinInt16
	}
	return int16(x)
}

// RenderStats describes a waveform generation run.
type RenderStats struct {
	Frames  int
	Samples int
	// Stopped is set when the stop flag ended generation early.
	Stopped bool
}

// GenerateWaveform renders the trajectory, generating it first if needed,
// and hands the samples to sink in chunks of the audio buffer size. The stop
// flag is checked before every frame; once it is set generation ends without
// error and samples not yet handed to sink are dropped. Each chunk passed to
// sink is freshly allocated.
func (u *Utterance) GenerateWaveform(ctx context.Context, stop *atomic.Bool, sink func([]int16) error) (RenderStats, error) {
	var stats RenderStats
	if u.released {
		return stats, ErrReleased
	}
	if u.traj == nil {
		if err := u.GenerateParameterTrajectory(); err != nil {
			return stats, err
		}
	}
	if sink == nil {
		return stats, errors.New("engine: nil sink")
	}
	traj := u.traj
	voc := newVocoder(u.set.spectrumLength-1, u.set.lowPassLength, u.cfg.Alpha, u.cfg.Volume,
		u.cfg.FramePeriod, u.opts.SamplingRate, u.opts.NoiseSeed)

	size := u.opts.AudioBufferSize
	pending := make([]int16, 0, size+u.cfg.FramePeriod)
	for t := range traj.spectrum {
		if stop != nil && stop.Load() {
			stats.Stopped = true
			return stats, nil
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		pending = voc.frame(traj.spectrum[t], traj.logF0[t], traj.voiced[t], traj.lowPass[t], pending)
		stats.Frames++
		for len(pending) >= size {
			chunk := make([]int16, size)
			copy(chunk, pending)
			pending = append(pending[:0], pending[size:]...)
			if err := sink(chunk); err != nil {
				return stats, err
			}
			stats.Samples += size
		}
	}
	if len(pending) > 0 {
		chunk := append([]int16(nil), pending...)
		if err := sink(chunk); err != nil {
			return stats, err
		}
		stats.Samples += len(chunk)
	}
	return stats, nil
}
