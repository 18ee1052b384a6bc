// Package speech wraps live streaming connections to the speech recognizer.
// A Session owns one speaker's connection, its reconnection policy, and the
// ordered delivery of that speaker's transcript events.
package speech

import (
	"context"
	"time"
)

// State is the connection state of a speaker's recognizer session.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TranscriptEvent is an immutable recognition result for one speaker.
type TranscriptEvent struct {
	SpeakerID  string
	Text       string
	Language   string
	Confidence float64
	Final      bool
	Timestamp  time.Time
}

// Stream is one live bidirectional connection to the recognizer. Outbound is
// raw PCM audio; inbound is a sequence of transcript events. Events is closed
// when the connection ends for any reason; Err reports why.
type Stream interface {
	SendAudio(pcm []byte) error
	Events() <-chan TranscriptEvent
	Close() error
	Err() error
}

// Dialer opens recognizer streams. The production implementation is the
// websocket client; tests substitute fakes.
type Dialer interface {
	Dial(ctx context.Context, cfg StreamConfig) (Stream, error)
}

// StreamConfig parameterizes one recognizer connection.
type StreamConfig struct {
	SpeakerID  string
	SampleRate int
	Language   string // hint; empty means provider auto-detect
}
