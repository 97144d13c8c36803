package tts

import (
	"context"
	"encoding/binary"
	"math"
	"unicode/utf8"

	"github.com/loqalabs/loqa-voice/internal/timing"
)

const mockMillisPerRune = 60

type mockSynth struct {
	sampleRate int
	chunkMS    int
}

// NewMockSynth returns a synthesizer that renders a quiet tone lasting
// mockMillisPerRune per input rune. It needs no voice files.
func NewMockSynth(sampleRate, chunkMS int) Synthesizer {
	if chunkMS <= 0 {
		chunkMS = 100
	}
	return &mockSynth{sampleRate: sampleRate, chunkMS: chunkMS}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		var entries []timing.Entry
		for _, r := range req.Text {
			entries = append(entries, timing.Entry{Phoneme: string(r), Milliseconds: mockMillisPerRune})
		}
		send := func(c SynthChunk) bool {
			c.SessionID = req.SessionID
			c.SampleRate = m.sampleRate
			c.Channels = 1
			select {
			case chunks <- c:
				return true
			case <-ctx.Done():
				errs <- ctx.Err()
				return false
			}
		}
		if len(entries) > 0 && !send(SynthChunk{Timing: entries}) {
			return
		}
		stopped := func() bool {
			select {
			case <-req.Stop:
				return true
			default:
				return false
			}
		}

		total := utf8.RuneCountInString(req.Text) * mockMillisPerRune * m.sampleRate / 1000
		step := m.chunkMS * m.sampleRate / 1000
		for start := 0; start < total; start += step {
			if stopped() {
				send(SynthChunk{PCM: []byte{}, Cancelled: true, Final: true})
				return
			}
			n := min(step, total-start)
			pcm := make([]byte, 2*n)
			for i := range n {
				v := int16(1000 * math.Sin(2*math.Pi*440*float64(start+i)/float64(m.sampleRate)))
				binary.LittleEndian.PutUint16(pcm[2*i:], uint16(v))
			}
			if !send(SynthChunk{PCM: pcm}) {
				return
			}
		}
		send(SynthChunk{PCM: []byte{}, Final: true})
	}()
	return chunks, errs
}
