package store

import (
	"context"
	"time"
)

// TranscriptRecord is one finalized transcript to persist.
type TranscriptRecord struct {
	MeetingID  string
	SpeakerID  string
	Text       string
	Language   string
	Confidence float64
	Timestamp  time.Time
}

// CaptionStore is the durable-store boundary consumed by the orchestrator.
// The concrete implementation is *Store (pgx-backed). All writes from the
// live caption path are best-effort; failures are logged, never fatal.
type CaptionStore interface {
	// SaveTranscript persists a final transcript and returns its id.
	SaveTranscript(ctx context.Context, rec TranscriptRecord) (string, error)
	// SaveTranslation persists one successful translation of a transcript.
	SaveTranslation(ctx context.Context, transcriptID, targetLang, translatedText string) error
	// ListenerLanguages returns listener id -> preferred language for a
	// meeting. Listeners without a stored preference are absent from the map.
	ListenerLanguages(ctx context.Context, meetingID string) (map[string]string, error)
	Close()
}
