// Package frontend turns text into full-context labels for the engine.
package frontend

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/mozillazg/go-pinyin"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// LexiconFile is looked up inside the dictionary directory.
const LexiconFile = "lexicon.yaml"

// Boundary phonemes.
const (
	Silence = "sil"
	Pause   = "pau"
	none    = "xx"
)

// ErrNotLoaded is returned by Analyze before Load succeeded.
var ErrNotLoaded = errors.New("frontend: dictionary not loaded")

// Lexicon maps lower-case words to phoneme sequences.
type Lexicon struct {
	Words map[string][]string `yaml:"words"`
}

// Builtin is a small rule-based analyzer. Han characters are read with
// their Mandarin initial and toned final, Latin words come from the lexicon
// or are spelled letter by letter, and punctuation becomes a pause.
type Builtin struct {
	mu       sync.Mutex
	loaded   bool
	lexicon  map[string][]string
	initials pinyin.Args
	finals   pinyin.Args
	phones   []phone
}

type phone struct {
	symbol string
	tone   int
	word   int
	pos    int
	length int
}

// NewBuiltin returns an analyzer that needs Load before use.
func NewBuiltin() *Builtin {
	initials := pinyin.NewArgs()
	initials.Style = pinyin.Initials
	finals := pinyin.NewArgs()
	finals.Style = pinyin.FinalsTone3
	return &Builtin{initials: initials, finals: finals}
}

// Load reads the lexicon of the dictionary directory and installs it.
func (b *Builtin) Load(dictionaryPath string) error {
	commit, err := b.Stage(dictionaryPath)
	if err != nil {
		return err
	}
	commit()
	return nil
}

// Stage reads the lexicon of the dictionary directory without touching the
// analyzer. The returned commit installs it. A directory without a lexicon
// is valid.
func (b *Builtin) Stage(dictionaryPath string) (func(), error) {
	info, err := os.Stat(dictionaryPath)
	if err != nil {
		return nil, fmt.Errorf("open dictionary: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open dictionary: %s is not a directory", dictionaryPath)
	}
	lexicon := map[string][]string{}
	data, err := os.ReadFile(filepath.Join(dictionaryPath, LexiconFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read lexicon: %w", err)
	default:
		var l Lexicon
		if err := yaml.Unmarshal(data, &l); err != nil {
			return nil, fmt.Errorf("parse lexicon: %w", err)
		}
		for word, phones := range l.Words {
			if len(phones) == 0 {
				return nil, fmt.Errorf("lexicon word %q has no phonemes", word)
			}
			lexicon[strings.ToLower(word)] = phones
		}
	}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.lexicon = lexicon
		b.loaded = true
	}, nil
}

// Analyze returns the labels of text bounded by silences, or no labels when
// text holds nothing speakable.
func (b *Builtin) Analyze(text string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.loaded {
		return nil, ErrNotLoaded
	}
	b.phones = b.phones[:0]
	b.split(norm.NFKC.String(text))
	for len(b.phones) > 0 && b.phones[len(b.phones)-1].symbol == Pause {
		b.phones = b.phones[:len(b.phones)-1]
	}
	if len(b.phones) == 0 {
		return nil, nil
	}
	seq := make([]phone, 0, len(b.phones)+2)
	seq = append(seq, phone{symbol: Silence, word: -1})
	seq = append(seq, b.phones...)
	seq = append(seq, phone{symbol: Silence, word: -1})
	return render(seq), nil
}

// Refresh drops the phones kept from the last analysis.
func (b *Builtin) Refresh() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.phones = nil
}

func (b *Builtin) split(text string) {
	word := 0
	var latin []rune
	flush := func() {
		if len(latin) == 0 {
			return
		}
		b.addWord(word, b.latin(string(latin)), 0)
		word++
		latin = latin[:0]
	}
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			syms, tone := b.han(r)
			if len(syms) > 0 {
				b.addWord(word, syms, tone)
				word++
			}
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'':
			latin = append(latin, r)
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			if n := len(b.phones); n > 0 && b.phones[n-1].symbol != Pause {
				b.phones = append(b.phones, phone{symbol: Pause, word: -1})
			}
		}
	}
	flush()
}

func (b *Builtin) addWord(word int, syms []string, tone int) {
	for i, s := range syms {
		b.phones = append(b.phones, phone{symbol: s, tone: tone, word: word, pos: i + 1, length: len(syms)})
	}
}

func (b *Builtin) han(r rune) ([]string, int) {
	var syms []string
	if initial := first(pinyin.SinglePinyin(r, b.initials)); initial != "" {
		syms = append(syms, initial)
	}
	final := first(pinyin.SinglePinyin(r, b.finals))
	tone := 0
	if n := len(final); n > 0 && final[n-1] >= '0' && final[n-1] <= '9' {
		tone = int(final[n-1] - '0')
		final = final[:n-1]
	}
	if final != "" {
		syms = append(syms, final)
	}
	return syms, tone
}

func (b *Builtin) latin(word string) []string {
	lower := strings.ToLower(word)
	if phones, ok := b.lexicon[lower]; ok {
		return phones
	}
	var out []string
	for _, r := range lower {
		if r == '\'' {
			continue
		}
		out = append(out, string(r))
	}
	return out
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// render formats each phone as
// p1^p2-p3+p4=p5/A:tone_pos_length/B:word_words/C:index_phones.
func render(seq []phone) []string {
	words := 0
	for _, p := range seq {
		words = max(words, p.word+1)
	}
	symbol := func(i int) string {
		if i < 0 || i >= len(seq) {
			return none
		}
		return seq[i].symbol
	}
	labels := make([]string, len(seq))
	for i, p := range seq {
		var sb strings.Builder
		sb.WriteString(symbol(i - 2))
		sb.WriteByte('^')
		sb.WriteString(symbol(i - 1))
		sb.WriteByte('-')
		sb.WriteString(p.symbol)
		sb.WriteByte('+')
		sb.WriteString(symbol(i + 1))
		sb.WriteByte('=')
		sb.WriteString(symbol(i + 2))
		sb.WriteString("/A:")
		sb.WriteString(strconv.Itoa(p.tone))
		sb.WriteByte('_')
		sb.WriteString(strconv.Itoa(p.pos))
		sb.WriteByte('_')
		sb.WriteString(strconv.Itoa(p.length))
		sb.WriteString("/B:")
		sb.WriteString(strconv.Itoa(p.word + 1))
		sb.WriteByte('_')
		sb.WriteString(strconv.Itoa(words))
		sb.WriteString("/C:")
		sb.WriteString(strconv.Itoa(i + 1))
		sb.WriteByte('_')
		sb.WriteString(strconv.Itoa(len(seq)))
		labels[i] = sb.String()
	}
	return labels
}
