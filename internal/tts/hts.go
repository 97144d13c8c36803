package tts

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/synth"
)

type htsSynth struct {
	session *synth.Synthesizer
	mu      sync.Mutex
}

// NewHTSSynth streams utterances rendered by a loaded synthesis session.
// Requests are served one at a time.
func NewHTSSynth(session *synth.Synthesizer) (Synthesizer, error) {
	if session == nil || !session.Loaded() {
		return nil, fmt.Errorf("tts: synthesis session not loaded")
	}
	return &htsSynth{session: session}, nil
}

func (h *htsSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		h.mu.Lock()
		defer h.mu.Unlock()

		rate := h.session.SamplingRate()
		send := func(c SynthChunk) error {
			c.SessionID = req.SessionID
			c.SampleRate = rate
			c.Channels = 1
			select {
			case chunks <- c:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if req.Voice != "" {
			if err := h.session.SetStyleByName(req.Voice); err != nil {
				errs <- fmt.Errorf("select style %q: %w", req.Voice, err)
				return
			}
		}
		if err := h.session.Prepare(req.Text); err != nil {
			errs <- err
			return
		}
		// Prepare clears the session stop flag, so stops are forwarded
		// only from here on; an earlier one is still pending on req.Stop.
		select {
		case <-req.Stop:
			h.session.Stop()
		default:
		}
		rendered := make(chan struct{})
		defer close(rendered)
		go func() {
			select {
			case <-req.Stop:
				h.session.Stop()
			case <-rendered:
			}
		}()
		if entries := h.session.Timing(); len(entries) > 0 {
			if err := send(SynthChunk{Timing: entries}); err != nil {
				h.session.Stop()
				_, _ = h.session.Synthesis(ctx, nil)
				errs <- err
				return
			}
		}
		res, err := h.session.Synthesis(ctx, func(samples []int16) error {
			return send(SynthChunk{PCM: encodePCM(samples)})
		})
		if err != nil {
			errs <- err
			return
		}
		if err := send(SynthChunk{PCM: []byte{}, Frames: res.Frames, Cancelled: res.Cancelled, Final: true}); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (h *htsSynth) Styles() []string { return h.session.Styles() }

func (h *htsSynth) SelectStyle(name string) error { return h.session.SetStyleByName(name) }

func (h *htsSynth) ActiveStyle() string {
	index, _ := h.session.ActiveConfig()
	names := h.session.Styles()
	if index < len(names) {
		return names[index]
	}
	return ""
}

func encodePCM(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}
