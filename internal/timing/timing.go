// Package timing derives the phoneme/duration manifest of an utterance.
package timing

import (
	"fmt"
	"strconv"
	"strings"
)

// Entry is one phoneme and how long it sounds.
type Entry struct {
	Phoneme      string `json:"phoneme"`
	Milliseconds int    `json:"ms"`
}

// Durations exposes the state durations of a rendered label sequence.
type Durations interface {
	StatesPerLabel() int
	StateDuration(i int) int
}

// PhonemeOf returns the text strictly between the first '-' and the first
// '+' of label, or the whole label when either is missing.
func PhonemeOf(label string) string {
	start := strings.IndexByte(label, '-')
	end := strings.IndexByte(label, '+')
	if start < 0 || end < 0 || end <= start {
		return label
	}
	return label[start+1 : end]
}

// Extract pairs every inner label with its duration. labels is the full
// sequence including both boundary silences; durations covers labels[1:],
// which is what the engine was given. Each state contributes
// floor(frames × framePeriod × 1000 / samplingRate) milliseconds.
func Extract(labels []string, durations Durations, framePeriod, samplingRate int) []Entry {
	if len(labels) <= 2 || samplingRate <= 0 {
		return nil
	}
	nstate := durations.StatesPerLabel()
	inner := labels[1 : len(labels)-1]
	entries := make([]Entry, len(inner))
	for i, label := range inner {
		ms := 0
		for j := range nstate {
			frames := durations.StateDuration(i*nstate + j)
			ms += frames * framePeriod * 1000 / samplingRate
		}
		entries[i] = Entry{Phoneme: PhonemeOf(label), Milliseconds: ms}
	}
	return entries
}

// Format renders entries as "phoneme,ms,phoneme,ms,...".
func Format(entries []Entry) string {
	var sb strings.Builder
	for i, e := range entries {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(e.Phoneme)
		sb.WriteByte(',')
		sb.WriteString(strconv.Itoa(e.Milliseconds))
	}
	return sb.String()
}

// Parse reads the form written by Format.
func Parse(s string) ([]Entry, error) {
	if s == "" {
		return nil, nil
	}
	tokens := strings.Split(s, ",")
	if len(tokens)%2 != 0 {
		return nil, fmt.Errorf("timing: odd token count %d", len(tokens))
	}
	entries := make([]Entry, 0, len(tokens)/2)
	for i := 0; i < len(tokens); i += 2 {
		ms, err := strconv.Atoi(tokens[i+1])
		if err != nil {
			return nil, fmt.Errorf("timing: entry %d: %w", i/2, err)
		}
		entries = append(entries, Entry{Phoneme: tokens[i], Milliseconds: ms})
	}
	return entries, nil
}

// Total sums the durations of entries.
func Total(entries []Entry) int {
	total := 0
	for _, e := range entries {
		total += e.Milliseconds
	}
	return total
}
