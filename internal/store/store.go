// Package store persists finalized transcripts and translations and serves
// per-listener language preferences from Postgres.
package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

// New connects to Postgres and verifies the connection.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// SaveTranscript inserts a final transcript row and returns its id.
func (s *Store) SaveTranscript(ctx context.Context, rec TranscriptRecord) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO caption_transcripts (transcript_id, meeting_id, speaker_id, text, language, confidence, spoken_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id, rec.MeetingID, rec.SpeakerID, rec.Text, rec.Language, rec.Confidence, rec.Timestamp)
	if err != nil {
		return "", fmt.Errorf("insert transcript: %w", err)
	}
	return id, nil
}

// SaveTranslation inserts one translation row for a transcript.
func (s *Store) SaveTranslation(ctx context.Context, transcriptID, targetLang, translatedText string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO caption_translations (transcript_id, target_lang, translated_text)
		VALUES ($1, $2, $3)
		ON CONFLICT (transcript_id, target_lang) DO NOTHING
	`, transcriptID, targetLang, translatedText)
	if err != nil {
		return fmt.Errorf("insert translation: %w", err)
	}
	return nil
}

// ListenerLanguages returns the preferred caption language per listener for
// a meeting.
func (s *Store) ListenerLanguages(ctx context.Context, meetingID string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT listener_id, preferred_lang
		FROM caption_preferences
		WHERE meeting_id = $1
	`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}
	defer rows.Close()

	prefs := make(map[string]string)
	for rows.Next() {
		var listenerID, lang string
		if err := rows.Scan(&listenerID, &lang); err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		prefs[listenerID] = lang
	}
	return prefs, rows.Err()
}
