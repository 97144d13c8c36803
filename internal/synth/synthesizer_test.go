package synth

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/engine"
	"github.com/loqalabs/loqa-voice/internal/frontend"
	"github.com/loqalabs/loqa-voice/internal/style"
)

var sentence = []string{"xx^xx-sil+a=xx", "xx^sil-a+k=a", "sil^a-k+a=sil", "a^k-a+sil=xx", "k^a-sil+xx=xx"}

func fakeSession(t *testing.T, opts Options, fr *fakeFrontend, r *fakeRenderer, weights []float64, numStyles int) *Synthesizer {
	t.Helper()
	s := New(fr, r, opts, newLogger())
	if err := s.Load(t.TempDir(), voiceDirs(t, 1), weights, numStyles); err != nil {
		t.Fatalf("load: %v", err)
	}
	return s
}

func TestLoadRejectsInvalidArguments(t *testing.T) {
	dirs := voiceDirs(t, 1)
	dict := t.TempDir()
	valid := row(1, 1, 0, 0.55, 1)
	cases := []struct {
		name      string
		dict      string
		dirs      []string
		weights   []float64
		numStyles int
	}{
		{"empty dictionary", "", dirs, valid, 1},
		{"no models", dict, nil, valid, 1},
		{"no weights", dict, dirs, nil, 1},
		{"zero styles", dict, dirs, valid, 0},
		{"length mismatch", dict, dirs, valid[:6], 1},
		{"too many styles", dict, dirs, valid, 2},
	}
	for _, c := range cases {
		fr := &fakeFrontend{}
		r := &fakeRenderer{nstate: 1, pattern: []int{1}}
		s := New(fr, r, DefaultOptions(), newLogger())
		err := s.Load(c.dict, c.dirs, c.weights, c.numStyles)
		if !errors.Is(err, ErrConfiguration) {
			t.Fatalf("%s: expected ErrConfiguration, got %v", c.name, err)
		}
		if s.Loaded() || fr.stages != 0 || r.loads != 0 {
			t.Fatalf("%s: nothing may be touched on a configuration error", c.name)
		}
	}
}

func TestLoadResourceErrors(t *testing.T) {
	boom := errors.New("boom")
	s := New(&fakeFrontend{loadErr: boom}, &fakeRenderer{}, DefaultOptions(), newLogger())
	err := s.Load(t.TempDir(), voiceDirs(t, 1), row(1, 1, 0, 0.55, 1), 1)
	if !errors.Is(err, ErrResourceLoad) || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped resource error, got %v", err)
	}

	fr := &fakeFrontend{}
	r := &fakeRenderer{}
	s = New(fr, r, DefaultOptions(), newLogger())
	err = s.Load(t.TempDir(), []string{t.TempDir()}, row(1, 1, 0, 0.55, 1), 1)
	if !errors.Is(err, ErrResourceLoad) {
		t.Fatalf("expected ErrResourceLoad for missing files, got %v", err)
	}
	if r.loads != 0 || s.Loaded() {
		t.Fatal("renderer must not see incomplete voices")
	}
	if fr.stages != 1 || fr.loads != 0 {
		t.Fatalf("dictionary must be staged but not committed, got %d stages %d commits", fr.stages, fr.loads)
	}
	if s.SetStyle(0) {
		t.Fatal("SetStyle must fail while unloaded")
	}
}

func TestLoadSelectsFirstStyle(t *testing.T) {
	weights := append(row(1, 1.0, 0, 0.55, 1.0), row(1, 2, 3, 0.3, 2)...)
	s := fakeSession(t, DefaultOptions(), &fakeFrontend{}, &fakeRenderer{}, weights, 2)
	index, cfg := s.ActiveConfig()
	if index != 0 || cfg.FramePeriod != 240 || cfg.PitchShift != 0 || cfg.Alpha != 0.55 || cfg.Volume != 1 {
		t.Fatalf("unexpected initial config %d %+v", index, cfg)
	}
	if !s.SetStyle(1) {
		t.Fatal("expected style 1 to exist")
	}
	_, cfg = s.ActiveConfig()
	if cfg.FramePeriod != 120 || cfg.PitchShift != 3 {
		t.Fatalf("unexpected style 1 config %+v", cfg)
	}
}

func TestSetStyleOutOfRangeIsNoop(t *testing.T) {
	weights := append(row(1, 1.0, 0, 0.55, 1.0), row(1, 2, 3, 0.3, 2)...)
	s := fakeSession(t, DefaultOptions(), &fakeFrontend{}, &fakeRenderer{}, weights, 2)
	s.SetStyle(1)
	beforeIndex, before := s.ActiveConfig()
	for _, idx := range []int{-1, 2, 99} {
		if s.SetStyle(idx) {
			t.Fatalf("SetStyle(%d) must report false", idx)
		}
	}
	afterIndex, after := s.ActiveConfig()
	if beforeIndex != afterIndex || !before.Equal(after) {
		t.Fatalf("config changed: %+v -> %+v", before, after)
	}
}

func TestSetStyleClamps(t *testing.T) {
	weights := append(row(1, 0.001, 100, 5, -3), row(1, 1000, -100, -1, 50)...)
	s := fakeSession(t, DefaultOptions(), &fakeFrontend{}, &fakeRenderer{}, weights, 2)
	b := style.DefaultBounds()
	for i := range 2 {
		s.SetStyle(i)
		_, cfg := s.ActiveConfig()
		if cfg.FramePeriod < b.MinPeriod || cfg.FramePeriod > b.MaxPeriod ||
			cfg.PitchShift < b.MinHalftone || cfg.PitchShift > b.MaxHalftone ||
			cfg.Alpha < b.MinAlpha || cfg.Alpha > b.MaxAlpha ||
			cfg.Volume < b.MinVolume || cfg.Volume > b.MaxVolume {
			t.Fatalf("style %d escaped its bounds: %+v", i, cfg)
		}
	}
}

func TestSetStyleByName(t *testing.T) {
	weights := append(row(1, 1, 0, 0.55, 1), row(1, 1, 2, 0.55, 1)...)
	s := fakeSession(t, DefaultOptions(), &fakeFrontend{}, &fakeRenderer{}, weights, 2)
	if err := s.NameStyles([]string{"calm", "bright"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.SetStyleByName("bright"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if index, _ := s.ActiveConfig(); index != 1 {
		t.Fatalf("expected style 1, got %d", index)
	}
	if err := s.SetStyleByName("angry"); !errors.Is(err, style.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := strings.Join(s.Styles(), ","); got != "calm,bright" {
		t.Fatalf("unexpected names %q", got)
	}
}

func TestUnloadedSessionIsInert(t *testing.T) {
	fr := &fakeFrontend{}
	s := New(fr, &fakeRenderer{}, DefaultOptions(), newLogger())
	s.Stop()
	if err := s.Prepare("hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.PhonemeSequence() != "" {
		t.Fatal("expected empty phoneme sequence")
	}
	res, err := s.Synthesis(context.Background(), nil)
	if err != nil || res != (Result{}) {
		t.Fatalf("unexpected synthesis result %+v %v", res, err)
	}
	if fr.analyses != 0 || fr.refreshes != 0 {
		t.Fatal("front-end must not be used before Load")
	}
}

func TestPrepareEmptyText(t *testing.T) {
	fr := &fakeFrontend{labels: map[string][]string{"": {"sil", "sil"}}}
	r := &fakeRenderer{nstate: 1, pattern: []int{1}}
	s := fakeSession(t, DefaultOptions(), fr, r, row(1, 1, 0, 0.55, 1), 1)
	if err := s.Prepare(""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.State() != StatePrepared {
		t.Fatalf("expected prepared, got %s", s.State())
	}
	if s.PhonemeSequence() != "" || len(r.labels) != 0 {
		t.Fatal("no trajectory work may happen for empty text")
	}
	res, err := s.Synthesis(context.Background(), nil)
	if err != nil || res.Frames != 0 {
		t.Fatalf("unexpected result %+v %v", res, err)
	}
	if fr.refreshes != 1 || s.State() != StateIdle {
		t.Fatalf("expected one refresh and idle state, got %d %s", fr.refreshes, s.State())
	}
}

func TestPrepareSkipsLeadingSilence(t *testing.T) {
	fr := &fakeFrontend{labels: map[string][]string{"aka": sentence}}
	r := &fakeRenderer{nstate: 2, pattern: []int{1, 1}}
	s := fakeSession(t, DefaultOptions(), fr, r, row(1, 1, 0, 0.55, 1), 1)
	if err := s.Prepare("aka"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.labels) != 1 || len(r.labels[0]) != len(sentence)-1 || r.labels[0][0] != sentence[1] {
		t.Fatalf("engine must receive labels[1:], got %v", r.labels)
	}
	if !r.utterance.generated {
		t.Fatal("trajectory must be generated during prepare")
	}
}

func TestZeroPitchShiftLeavesMeans(t *testing.T) {
	fr := &fakeFrontend{labels: map[string][]string{"aka": sentence}}
	r := &fakeRenderer{nstate: 2, pattern: []int{1, 1}, lf0: func(i int) float64 { return 4 + 0.1*float64(i) }}
	s := fakeSession(t, DefaultOptions(), fr, r, row(1, 1, 0, 0.55, 1), 1)
	if err := s.Prepare("aka"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.utterance.sets != 0 {
		t.Fatalf("expected no mean rewrites, got %d", r.utterance.sets)
	}
	for i, v := range r.utterance.lf0 {
		if v != 4+0.1*float64(i) {
			t.Fatalf("state %d changed to %v", i, v)
		}
	}
}

func TestPitchShiftLaw(t *testing.T) {
	baseMean := func(i int) float64 {
		if i%2 == 0 {
			return math.Log(200)
		}
		return math.Log(12)
	}
	for _, h := range []float64{12, -5, -24, 7.5} {
		fr := &fakeFrontend{labels: map[string][]string{"aka": sentence}}
		r := &fakeRenderer{nstate: 2, pattern: []int{1, 1}, lf0: baseMean}
		opts := DefaultOptions()
		s := fakeSession(t, opts, fr, r, row(1, 1, h, 0.55, 1), 1)
		if err := s.Prepare("aka"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for i, got := range r.utterance.lf0 {
			want := math.Max(baseMean(i)+h*math.Ln2/12, opts.LogF0Floor)
			if math.Abs(got-want) > 1e-12 {
				t.Fatalf("h=%v state %d: expected %v, got %v", h, i, want, got)
			}
		}
	}
}

func TestSingleVowelTiming(t *testing.T) {
	opts := DefaultOptions()
	opts.Bounds.MinPeriod = 1
	fr := &fakeFrontend{labels: map[string][]string{"a": {"xx^xx-sil+a=xx", "xx^sil-a+sil=xx", "sil^a-sil+xx=xx"}}}
	r := &fakeRenderer{nstate: 2, pattern: []int{2, 3}}
	s := fakeSession(t, opts, fr, r, row(1, 48, 0, 0.55, 1), 1)
	if _, cfg := s.ActiveConfig(); cfg.FramePeriod != 5 {
		t.Fatalf("expected frame period 5, got %d", cfg.FramePeriod)
	}
	if err := s.Prepare("a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "a," + strconv.Itoa(2*5*1000/48000+3*5*1000/48000)
	if got := s.PhonemeSequence(); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestStyleChangeAppliesToNextPrepare(t *testing.T) {
	fr := &fakeFrontend{labels: map[string][]string{"aka": sentence}}
	r := &fakeRenderer{nstate: 1, pattern: []int{2}}
	weights := append(row(1, 1, 0, 0.55, 1), row(1, 2, 0, 0.55, 1)...)
	s := fakeSession(t, DefaultOptions(), fr, r, weights, 2)
	if err := s.Prepare("aka"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.SetStyle(1)
	res, err := s.Synthesis(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Samples != res.Frames*240 {
		t.Fatalf("pending render must keep its frame period, got %+v", res)
	}
	if err := s.Prepare("aka"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.configs[1].FramePeriod != 120 {
		t.Fatalf("expected new style on next prepare, got %d", r.configs[1].FramePeriod)
	}
}

func TestSynthesisReleasesUtterance(t *testing.T) {
	fr := &fakeFrontend{labels: map[string][]string{"aka": sentence}}
	r := &fakeRenderer{nstate: 1, pattern: []int{2}}
	s := fakeSession(t, DefaultOptions(), fr, r, row(1, 1, 0, 0.55, 1), 1)
	if err := s.Prepare("aka"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.PhonemeSequence() == "" {
		t.Fatal("expected timing after prepare")
	}
	res, err := s.Synthesis(context.Background(), nil)
	if err != nil || res.Cancelled || res.Frames != 8 {
		t.Fatalf("unexpected result %+v %v", res, err)
	}
	if !r.utterance.refreshed || fr.refreshes != 1 || s.State() != StateIdle {
		t.Fatal("synthesis must release the utterance and refresh the front-end")
	}
	if s.PhonemeSequence() != "" {
		t.Fatal("timing must be cleared after synthesis")
	}
	if res, _ := s.Synthesis(context.Background(), nil); res.Frames != 0 {
		t.Fatal("a second synthesis has nothing to render")
	}
}

func TestStopBeforeSynthesisCancelsRender(t *testing.T) {
	fr := &fakeFrontend{labels: map[string][]string{"aka": sentence}}
	r := &fakeRenderer{nstate: 1, pattern: []int{2}}
	s := fakeSession(t, DefaultOptions(), fr, r, row(1, 1, 0, 0.55, 1), 1)
	if err := s.Prepare("aka"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Stop()
	res, err := s.Synthesis(context.Background(), nil)
	if err != nil || !res.Cancelled || res.Frames != 0 {
		t.Fatalf("expected cancelled render, got %+v %v", res, err)
	}
	if err := s.Prepare("aka"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err = s.Synthesis(context.Background(), nil)
	if err != nil || res.Cancelled || res.Frames != 8 {
		t.Fatalf("prepare must clear the stop flag, got %+v %v", res, err)
	}
}

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	opts := engine.DefaultOptions()
	opts.AudioBufferSize = 240
	e, err := engine.New(opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return e
}

func newEngineSession(t *testing.T) *Synthesizer {
	t.Helper()
	s := New(frontend.NewBuiltin(), EngineRenderer(newEngine(t)), DefaultOptions(), newLogger())
	if err := s.Load(t.TempDir(), voiceDirs(t, 2), row(2, 1, 2, 0.55, 1), 1); err != nil {
		t.Fatalf("load: %v", err)
	}
	return s
}

func lexiconDir(t *testing.T, doc string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, frontend.LexiconFile), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestFailedReloadKeepsDictionary(t *testing.T) {
	s := New(frontend.NewBuiltin(), EngineRenderer(newEngine(t)), DefaultOptions(), newLogger())
	dictA := lexiconDir(t, "words:\n  hello: [a, k]\n")
	if err := s.Load(dictA, voiceDirs(t, 2), row(2, 1, 2, 0.55, 1), 1); err != nil {
		t.Fatalf("load: %v", err)
	}
	dictB := lexiconDir(t, "words:\n  hello: [i, i, i, i]\n")
	err := s.Load(dictB, []string{t.TempDir()}, row(1, 1, 0, 0.55, 1), 1)
	if !errors.Is(err, ErrResourceLoad) {
		t.Fatalf("expected ErrResourceLoad, got %v", err)
	}

	if err := s.Prepare("hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tokens := strings.Split(s.PhonemeSequence(), ",")
	if len(tokens) != 4 || tokens[0] != "a" || tokens[2] != "k" {
		t.Fatalf("previous dictionary must stay active, got %v", tokens)
	}
	if _, err := s.Synthesis(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStyleQueriesDuringRender(t *testing.T) {
	fr := &fakeFrontend{labels: map[string][]string{"aka": sentence}}
	r := &fakeRenderer{nstate: 1, pattern: []int{2}}
	weights := append(row(1, 1, 0, 0.55, 1), row(1, 2, 0, 0.55, 1)...)
	s := fakeSession(t, DefaultOptions(), fr, r, weights, 2)
	if err := s.NameStyles([]string{"calm", "bright"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Prepare("aka"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	var startOnce, releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }
	t.Cleanup(unblock)
	done := make(chan struct{})
	var res Result
	go func() {
		defer close(done)
		res, _ = s.Synthesis(context.Background(), func([]int16) error {
			startOnce.Do(func() {
				close(started)
				<-release
			})
			return nil
		})
	}()
	<-started

	answered := make(chan []string, 1)
	go func() {
		names := s.Styles()
		s.SetStyle(1)
		s.ActiveConfig()
		s.Timing()
		answered <- names
	}()
	select {
	case names := <-answered:
		if strings.Join(names, ",") != "calm,bright" {
			t.Fatalf("unexpected names %v", names)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("style queries blocked behind the render")
	}
	if err := s.Prepare("aka"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy from prepare while rendering, got %v", err)
	}
	if _, err := s.Synthesis(context.Background(), nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy from a second synthesis, got %v", err)
	}
	if err := s.Close(); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy from close, got %v", err)
	}

	unblock()
	<-done
	if res.Frames != 8 || res.Cancelled {
		t.Fatalf("render must finish untouched, got %+v", res)
	}
	if index, _ := s.ActiveConfig(); index != 1 || s.State() != StateIdle {
		t.Fatalf("expected style 1 and idle state, got %d %s", index, s.State())
	}
	if err := s.Prepare("aka"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.configs[len(r.configs)-1].FramePeriod != 120 {
		t.Fatal("style chosen during the render must apply to the next prepare")
	}
}

func TestEngineTokenCountLaw(t *testing.T) {
	s := newEngineSession(t)
	for _, text := range []string{"a", "hello world", "你好, ok"} {
		if err := s.Prepare(text); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		s.mu.Lock()
		n := len(s.labels)
		s.mu.Unlock()
		tokens := strings.Split(s.PhonemeSequence(), ",")
		if len(tokens) != 2*(n-2) {
			t.Fatalf("%q: expected %d tokens for %d labels, got %d", text, 2*(n-2), n, len(tokens))
		}
		if _, err := s.Synthesis(context.Background(), nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

func TestEngineStopDuringRender(t *testing.T) {
	s := newEngineSession(t)
	if err := s.Prepare("hello world"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var (
		res Result
		err error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err = s.Synthesis(context.Background(), func([]int16) error {
			once.Do(func() {
				close(started)
				<-release
			})
			return nil
		})
	}()
	<-started
	if s.State() != StateRendering {
		t.Fatalf("expected rendering, got %s", s.State())
	}
	s.Stop()
	close(release)
	<-done
	if err != nil || !res.Cancelled {
		t.Fatalf("expected cancelled render, got %+v %v", res, err)
	}
	if s.State() != StateIdle {
		t.Fatalf("expected idle after cancel, got %s", s.State())
	}

	if err := s.Prepare("ok"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err = s.Synthesis(context.Background(), nil)
	if err != nil || res.Cancelled || res.Samples == 0 {
		t.Fatalf("expected a full render after re-prepare, got %+v %v", res, err)
	}
}

func TestCloseWhileIdle(t *testing.T) {
	s := newEngineSession(t)
	if err := s.Prepare("ok"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.PhonemeSequence() != "" {
		t.Fatal("close must drop the prepared utterance")
	}
}
