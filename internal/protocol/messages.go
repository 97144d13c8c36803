package protocol

import (
	"time"

	"github.com/loqalabs/loqa-voice/internal/timing"
)

// TTSRequest asks for text to be spoken. Voice names a style; empty keeps
// the active one.
type TTSRequest struct {
	SessionID string `json:"session_id"`
	Target    string `json:"target,omitempty"`
	Text      string `json:"text"`
	Voice     string `json:"voice,omitempty"`
}

// AudioChunk carries little-endian 16-bit PCM.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	Target     string `json:"target,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Sequence   int    `json:"sequence"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// TTSTiming lists the phonemes of an utterance before its audio is sent.
type TTSTiming struct {
	SessionID string         `json:"session_id"`
	Target    string         `json:"target,omitempty"`
	Phonemes  []timing.Entry `json:"phonemes"`
}

// TTSStatus reports how a request ended.
type TTSStatus struct {
	SessionID   string    `json:"session_id"`
	Target      string    `json:"target,omitempty"`
	UtteranceID string    `json:"utterance_id,omitempty"`
	Completed   bool      `json:"completed"`
	Cancelled   bool      `json:"cancelled,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// TTSStop cancels the render of a session, or any render when SessionID is empty.
type TTSStop struct {
	SessionID string `json:"session_id,omitempty"`
}

// StyleRequest selects a style by name. An empty name only lists styles.
type StyleRequest struct {
	Style string `json:"style,omitempty"`
}

// StyleReply answers a StyleRequest.
type StyleReply struct {
	Styles []string `json:"styles"`
	Active string   `json:"active,omitempty"`
	Error  string   `json:"error,omitempty"`
}

const (
	SubjectTTSRequest = "tts.request"
	SubjectTTSAudio   = "tts.audio"
	SubjectTTSTiming  = "tts.timing"
	SubjectTTSDone    = "tts.done"
	SubjectTTSStop    = "tts.stop"
	SubjectTTSStyle   = "tts.style"
)
