package frontend

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func centre(label string) string {
	start := strings.IndexByte(label, '-')
	end := strings.IndexByte(label, '+')
	return label[start+1 : end]
}

func centres(labels []string) []string {
	out := make([]string, len(labels))
	for i, l := range labels {
		out[i] = centre(l)
	}
	return out
}

func loadedBuiltin(t *testing.T, lexicon string) *Builtin {
	t.Helper()
	dir := t.TempDir()
	if lexicon != "" {
		if err := os.WriteFile(filepath.Join(dir, LexiconFile), []byte(lexicon), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	b := NewBuiltin()
	if err := b.Load(dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return b
}

func TestBuiltinRequiresLoad(t *testing.T) {
	if _, err := NewBuiltin().Analyze("hi"); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded, got %v", err)
	}
	if err := NewBuiltin().Load(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected missing dictionary error")
	}
}

func TestBuiltinStageKeepsLexiconUntilCommit(t *testing.T) {
	b := loadedBuiltin(t, "words:\n  hello: [a, k]\n")
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, LexiconFile), []byte("words:\n  hello: [i, i]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	commit, err := b.Stage(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	labels, err := b.Analyze("hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.Join(centres(labels), " "); got != "sil a k sil" {
		t.Fatalf("staged lexicon leaked before commit: %q", got)
	}
	commit()
	labels, err = b.Analyze("hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.Join(centres(labels), " "); got != "sil i i sil" {
		t.Fatalf("expected committed lexicon, got %q", got)
	}
}

func TestBuiltinEmptyText(t *testing.T) {
	b := loadedBuiltin(t, "")
	for _, text := range []string{"", "   ", "!?。"} {
		labels, err := b.Analyze(text)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(labels) != 0 {
			t.Fatalf("%q: expected no labels, got %v", text, labels)
		}
	}
}

func TestBuiltinLexiconAndSpelling(t *testing.T) {
	b := loadedBuiltin(t, "words:\n  Hello: [h, e, l, o]\n")
	labels, err := b.Analyze("hello, ok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := strings.Join(centres(labels), " ")
	if got != "sil h e l o pau o k sil" {
		t.Fatalf("unexpected phonemes %q", got)
	}
	if !strings.HasPrefix(labels[1], "xx^sil-h+e=l/A:0_1_4/B:1_2/") {
		t.Fatalf("unexpected context %q", labels[1])
	}
}

func TestBuiltinMandarin(t *testing.T) {
	b := loadedBuiltin(t, "")
	labels, err := b.Analyze("你好")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := centres(labels)
	if got[0] != Silence || got[len(got)-1] != Silence {
		t.Fatalf("labels must be bounded by silence: %v", got)
	}
	if strings.Join(got[1:len(got)-1], " ") != "n i h ao" {
		t.Fatalf("unexpected phonemes %v", got)
	}
	if !strings.Contains(labels[2], "/A:3_2_2/") {
		t.Fatalf("expected third tone on %q", labels[2])
	}
}

func TestBuiltinNormalizesWidth(t *testing.T) {
	b := loadedBuiltin(t, "")
	labels, err := b.Analyze("ＯＫ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.Join(centres(labels), " "); got != "sil o k sil" {
		t.Fatalf("unexpected phonemes %q", got)
	}
	b.Refresh()
	if b.phones != nil {
		t.Fatal("refresh must drop analysis state")
	}
}

func TestExecAnalyzer(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	e, err := NewExec(`sh -c "cat" analyzer`, 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.Analyze("x"); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded, got %v", err)
	}
	if err := e.Load(t.TempDir()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	labels, err := e.Analyze("xx^xx-sil+a=xx\n\nxx^sil-a+sil=xx\nsil^a-sil+xx=xx\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(labels) != 3 || centre(labels[1]) != "a" {
		t.Fatalf("unexpected labels %v", labels)
	}
}

func TestNewExecRejectsEmpty(t *testing.T) {
	if _, err := NewExec("  ", 0); err == nil {
		t.Fatal("expected error for empty command")
	}
}
