// Package testutil provides thread-safe in-memory fakes for the worker's
// external boundaries: the durable store, the translation provider, the
// meeting transport, and the speech recognizer stream.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linguameet/caption-worker/internal/speech"
	"github.com/linguameet/caption-worker/internal/store"
)

// MockStore is an in-memory store.CaptionStore.
type MockStore struct {
	mu sync.Mutex

	Transcripts  []store.TranscriptRecord
	Translations map[string][]Translation // transcript id -> rows
	Prefs        map[string]map[string]string

	SaveTranscriptErr  error
	SaveTranslationErr error
	PrefsErr           error

	SaveTranscriptCalls  int
	SaveTranslationCalls int
	PrefsCalls           int
}

// Translation is one persisted translation row.
type Translation struct {
	TargetLang string
	Text       string
}

func NewMockStore() *MockStore {
	return &MockStore{
		Translations: make(map[string][]Translation),
		Prefs:        make(map[string]map[string]string),
	}
}

// SetPreference seeds a listener's language preference for a meeting.
func (m *MockStore) SetPreference(meetingID, listenerID, lang string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Prefs[meetingID] == nil {
		m.Prefs[meetingID] = make(map[string]string)
	}
	m.Prefs[meetingID][listenerID] = lang
}

func (m *MockStore) SaveTranscript(_ context.Context, rec store.TranscriptRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveTranscriptCalls++
	if m.SaveTranscriptErr != nil {
		return "", m.SaveTranscriptErr
	}
	m.Transcripts = append(m.Transcripts, rec)
	return fmt.Sprintf("transcript-%d", len(m.Transcripts)), nil
}

func (m *MockStore) SaveTranslation(_ context.Context, transcriptID, targetLang, translatedText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveTranslationCalls++
	if m.SaveTranslationErr != nil {
		return m.SaveTranslationErr
	}
	m.Translations[transcriptID] = append(m.Translations[transcriptID], Translation{TargetLang: targetLang, Text: translatedText})
	return nil
}

func (m *MockStore) ListenerLanguages(_ context.Context, meetingID string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PrefsCalls++
	if m.PrefsErr != nil {
		return nil, m.PrefsErr
	}
	out := make(map[string]string, len(m.Prefs[meetingID]))
	for k, v := range m.Prefs[meetingID] {
		out[k] = v
	}
	return out, nil
}

func (m *MockStore) Close() {}

// TranscriptCount returns how many transcripts were persisted.
func (m *MockStore) TranscriptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Transcripts)
}

// TranslationRows returns all persisted translations across transcripts.
func (m *MockStore) TranslationRows() []Translation {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []Translation
	for _, t := range m.Translations {
		rows = append(rows, t...)
	}
	return rows
}

// MockTranslator is a scripted translate.Translator.
type MockTranslator struct {
	mu sync.Mutex

	// Responses maps target language to translated text. Missing targets
	// return an error.
	Responses map[string]string
	// Fail lists target languages that always error.
	Fail map[string]bool
	// Delay is applied before answering, honoring ctx cancellation.
	Delay time.Duration

	Calls map[string]int
}

func NewMockTranslator(responses map[string]string) *MockTranslator {
	return &MockTranslator{
		Responses: responses,
		Fail:      make(map[string]bool),
		Calls:     make(map[string]int),
	}
}

func (m *MockTranslator) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	m.mu.Lock()
	m.Calls[targetLang]++
	delay := m.Delay
	failed := m.Fail[targetLang]
	resp, ok := m.Responses[targetLang]
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	if failed || !ok {
		return "", fmt.Errorf("no translation for %s", targetLang)
	}
	return resp, nil
}

// CallCount returns provider calls for one target language.
func (m *MockTranslator) CallCount(targetLang string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[targetLang]
}

// TotalCalls returns provider calls across all target languages.
func (m *MockTranslator) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		n += c
	}
	return n
}

// MockTransport records delivery.Transport sends.
type MockTransport struct {
	mu sync.Mutex

	Broadcasts [][]byte
	Targeted   map[string][][]byte

	// FailCount makes the next N sends fail.
	FailCount int
	SendCalls int
}

func NewMockTransport() *MockTransport {
	return &MockTransport{Targeted: make(map[string][][]byte)}
}

func (m *MockTransport) SendToListener(_ context.Context, listenerID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SendCalls++
	if m.FailCount > 0 {
		m.FailCount--
		return fmt.Errorf("transport write failed")
	}
	cp := append([]byte(nil), data...)
	m.Targeted[listenerID] = append(m.Targeted[listenerID], cp)
	return nil
}

func (m *MockTransport) SendToAll(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SendCalls++
	if m.FailCount > 0 {
		m.FailCount--
		return fmt.Errorf("transport write failed")
	}
	cp := append([]byte(nil), data...)
	m.Broadcasts = append(m.Broadcasts, cp)
	return nil
}

// BroadcastCount returns how many broadcasts were recorded.
func (m *MockTransport) BroadcastCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Broadcasts)
}

// ListenerMessages returns the raw payloads sent to one listener.
func (m *MockTransport) ListenerMessages(listenerID string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.Targeted[listenerID]))
	copy(out, m.Targeted[listenerID])
	return out
}

// FakeStream is a scripted speech.Stream.
type FakeStream struct {
	mu         sync.Mutex
	events     chan speech.TranscriptEvent
	err        error
	closed     bool
	closeCalls int
	frames     [][]byte
}

func NewFakeStream() *FakeStream {
	return &FakeStream{events: make(chan speech.TranscriptEvent, 64)}
}

func (s *FakeStream) Events() <-chan speech.TranscriptEvent { return s.events }

func (s *FakeStream) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream closed")
	}
	s.frames = append(s.frames, append([]byte(nil), pcm...))
	return nil
}

func (s *FakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// CloseCalls returns how many times Close was invoked.
func (s *FakeStream) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

func (s *FakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Emit pushes a transcript event to the session.
func (s *FakeStream) Emit(ev speech.TranscriptEvent) {
	s.events <- ev
}

// FailWith ends the stream with an error, as on an unexpected disconnect.
func (s *FakeStream) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.err = err
		close(s.events)
	}
}

// FrameCount returns how many audio frames were written to the stream.
func (s *FakeStream) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// FakeDialer hands out FakeStreams, or errors when failing.
type FakeDialer struct {
	mu      sync.Mutex
	failing bool
	calls   int
	streams []*FakeStream
}

func NewFakeDialer() *FakeDialer {
	return &FakeDialer{}
}

// SetFailing makes subsequent dials fail (or succeed again).
func (d *FakeDialer) SetFailing(failing bool) {
	d.mu.Lock()
	d.failing = failing
	d.mu.Unlock()
}

func (d *FakeDialer) Dial(ctx context.Context, _ speech.StreamConfig) (speech.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.failing {
		return nil, fmt.Errorf("recognizer unavailable")
	}
	s := NewFakeStream()
	d.streams = append(d.streams, s)
	return s, nil
}

// DialCalls returns the number of dial attempts.
func (d *FakeDialer) DialCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// StreamCount returns how many streams were handed out.
func (d *FakeDialer) StreamCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}

// Stream returns the i-th stream handed out.
func (d *FakeDialer) Stream(i int) *FakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[i]
}

// WaitForStream blocks until the dialer has handed out at least n streams.
func (d *FakeDialer) WaitForStream(t *testing.T, n int) *FakeStream {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		if len(d.streams) >= n {
			s := d.streams[n-1]
			d.mu.Unlock()
			return s
		}
		d.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for recognizer stream %d", n)
	return nil
}

// WaitFor polls cond until it is true or the deadline passes.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
