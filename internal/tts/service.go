package tts

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/journal"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/timing"
)

type Service struct {
	cfg     config.TTSConfig
	bus     *bus.Client
	synth   Synthesizer
	journal *journal.Store
	subs    []*nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger

	// render serializes requests so stop targets the session being spoken.
	render  sync.Mutex
	mu      sync.Mutex
	closed  bool
	current *activeRequest
}

type activeRequest struct {
	sessionID string
	stop      chan struct{}
	stopped   bool
}

func NewService(parent context.Context, cfg config.TTSConfig, busClient *bus.Client, synth Synthesizer, store *journal.Store, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		bus:     busClient,
		synth:   synth,
		journal: store,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectTTSRequest: s.handleRequest,
		protocol.SubjectTTSStop:    s.handleStop,
		protocol.SubjectTTSStyle:   s.handleStyle,
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Subscribe(subject, handler)
		if err != nil {
			s.unsubscribe()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return s.bus.Flush()
}

func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.unsubscribe()
	s.wg.Wait()
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || len(s.subs) > 0 }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		s.render.Lock()
		defer s.render.Unlock()

		timeout := time.Duration(s.cfg.RequestTimeoutMS) * time.Millisecond
		if timeout <= 0 {
			timeout = 45 * time.Second
		}
		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		defer cancel()

		stop := s.begin(req.SessionID)
		defer s.end()

		record := journal.Utterance{SessionID: req.SessionID, Style: req.Voice, Text: req.Text}
		chunks, errs := s.synth.Synthesize(ctx, SynthRequest{SessionID: req.SessionID, Text: req.Text, Voice: req.Voice, Stop: stop})
		sequence := 0
		for chunks != nil || errs != nil {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					chunks = nil
					continue
				}
				if chunk.Timing != nil {
					record.Phonemes = timing.Format(chunk.Timing)
					s.publish(protocol.SubjectTTSTiming, protocol.TTSTiming{SessionID: req.SessionID, Target: req.Target, Phonemes: chunk.Timing})
				}
				if chunk.PCM == nil {
					continue
				}
				chunk.Sequence = sequence
				sequence++
				if chunk.Final {
					record.Frames = chunk.Frames
					record.Cancelled = chunk.Cancelled
				} else {
					record.Samples += len(chunk.PCM) / 2
				}
				s.publishChunk(req, chunk)
			case err, ok := <-errs:
				if ok && err != nil {
					s.logger.Warn("tts synthesis error", slogError(err))
					record.Error = err.Error()
				}
				errs = nil
			}
		}
		s.finish(req, record)
	}()
}

func (s *Service) finish(req protocol.TTSRequest, record journal.Utterance) {
	status := protocol.TTSStatus{
		SessionID: req.SessionID,
		Target:    req.Target,
		Completed: record.Error == "" && !record.Cancelled,
		Cancelled: record.Cancelled || errors.Is(s.ctx.Err(), context.Canceled),
		Error:     record.Error,
		Timestamp: time.Now().UTC(),
	}
	if s.journal != nil {
		id, err := s.journal.Record(context.WithoutCancel(s.ctx), record)
		if err != nil {
			s.logger.Warn("failed to journal utterance", slogError(err))
		}
		status.UtteranceID = id
	}
	s.publish(protocol.SubjectTTSDone, status)
}

func (s *Service) handleStop(msg *nats.Msg) {
	var req protocol.TTSStop
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.logger.Warn("failed to decode tts stop", slogError(err))
			return
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.current
	if current == nil || current.stopped || (req.SessionID != "" && req.SessionID != current.sessionID) {
		return
	}
	s.logger.Info("tts stop requested", slog.String("session_id", current.sessionID))
	current.stopped = true
	close(current.stop)
}

func (s *Service) handleStyle(msg *nats.Msg) {
	var (
		req   protocol.StyleRequest
		reply protocol.StyleReply
	)
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			reply.Error = err.Error()
		}
	}
	selector, ok := s.synth.(StyleSelector)
	switch {
	case reply.Error != "":
	case !ok:
		reply.Error = "styles not supported"
	default:
		if req.Style != "" {
			if err := selector.SelectStyle(req.Style); err != nil {
				reply.Error = err.Error()
			}
		}
		reply.Styles = selector.Styles()
		reply.Active = selector.ActiveStyle()
	}
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal style reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond to style request", slogError(err))
	}
}

// begin makes sessionID the stop target and returns the channel a stop
// request closes.
func (s *Service) begin(sessionID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = &activeRequest{sessionID: sessionID, stop: make(chan struct{})}
	return s.current.stop
}

func (s *Service) end() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
}

func (s *Service) publishChunk(req protocol.TTSRequest, chunk SynthChunk) {
	s.publish(protocol.SubjectTTSAudio, protocol.AudioChunk{
		SessionID:  req.SessionID,
		Target:     req.Target,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		Sequence:   chunk.Sequence,
		PCM:        chunk.PCM,
		Final:      chunk.Final,
	})
}

func (s *Service) publish(subject string, v any) {
	if err := s.bus.PublishJSON(subject, v); err != nil {
		s.logger.Warn("failed to publish tts message", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
