package caption

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linguameet/caption-worker/internal/delivery"
	"github.com/linguameet/caption-worker/internal/logging"
	"github.com/linguameet/caption-worker/internal/speech"
	"github.com/linguameet/caption-worker/internal/store"
	"github.com/linguameet/caption-worker/internal/translate"
)

// MeetingSession holds the live caption state for one meeting: the set of
// active speaker sessions, the active listener identities, and per-speaker
// sequence counters. It is created and destroyed only by the Orchestrator.
type MeetingSession struct {
	id        string
	deliverer *delivery.Deliverer
	fanout    *translate.Fanout
	store     store.CaptionStore
	dialer    speech.Dialer
	speechCfg SpeechConfig

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	mu           sync.Mutex
	speakers     map[string]*speech.Session
	speakerNames map[string]string
	listeners    map[string]struct{}
	seq          map[string]uint64
}

// SpeechConfig carries the recognizer session settings a meeting applies to
// every speaker.
type SpeechConfig struct {
	SampleRate    int
	Language      string
	MaxReconnects int
	BackoffBase   time.Duration
}

func newMeetingSession(id string, transport delivery.Transport, fanout *translate.Fanout,
	cs store.CaptionStore, dialer speech.Dialer, speechCfg SpeechConfig) *MeetingSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &MeetingSession{
		id:           id,
		deliverer:    delivery.NewDeliverer(id, transport),
		fanout:       fanout,
		store:        cs,
		dialer:       dialer,
		speechCfg:    speechCfg,
		ctx:          ctx,
		cancel:       cancel,
		speakers:     make(map[string]*speech.Session),
		speakerNames: make(map[string]string),
		listeners:    make(map[string]struct{}),
		seq:          make(map[string]uint64),
	}
}

// sessionFor returns the speaker's session, lazily creating one on first
// audio. A session in the failed state stays in the map so audio keeps being
// dropped until the speaker is re-detected (left and rejoined).
func (m *MeetingSession) sessionFor(speakerID string) *speech.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.speakers[speakerID]; ok {
		return s
	}
	if m.closed.Load() {
		return nil
	}

	s := speech.NewSession(m.dialer, speech.Config{
		SpeakerID:     speakerID,
		SpeakerName:   m.speakerNames[speakerID],
		SampleRate:    m.speechCfg.SampleRate,
		Language:      m.speechCfg.Language,
		MaxReconnects: m.speechCfg.MaxReconnects,
		BackoffBase:   m.speechCfg.BackoffBase,
	}, speech.Handlers{
		OnTranscript:  m.handleTranscript,
		OnStateChange: m.handleStateChange,
	})
	m.speakers[speakerID] = s
	logging.Info(logging.CategoryOrchestrator, "speech session created meeting=%s speaker=%s", m.id, speakerID)
	return s
}

func (m *MeetingSession) removeSpeaker(speakerID string) {
	m.mu.Lock()
	s, ok := m.speakers[speakerID]
	if ok {
		delete(m.speakers, speakerID)
	}
	m.mu.Unlock()

	if ok {
		s.Close()
		logging.Info(logging.CategoryOrchestrator, "speech session removed meeting=%s speaker=%s", m.id, speakerID)
	}
}

func (m *MeetingSession) setSpeakerName(speakerID, name string) {
	m.mu.Lock()
	m.speakerNames[speakerID] = name
	m.mu.Unlock()
}

func (m *MeetingSession) speakerName(speakerID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name := m.speakerNames[speakerID]; name != "" {
		return name
	}
	return speakerID
}

func (m *MeetingSession) addListener(listenerID string) {
	m.mu.Lock()
	m.listeners[listenerID] = struct{}{}
	m.mu.Unlock()
}

func (m *MeetingSession) removeListener(listenerID string) {
	m.mu.Lock()
	delete(m.listeners, listenerID)
	m.mu.Unlock()
}

func (m *MeetingSession) activeListeners() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	return ids
}

func (m *MeetingSession) nextSeq(speakerID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[speakerID]++
	return m.seq[speakerID]
}

// close tears down every speaker session. Queued transcript events still
// drain, but delivery is suppressed by the closed flag.
func (m *MeetingSession) close() {
	m.closed.Store(true)
	m.cancel()

	m.mu.Lock()
	sessions := make([]*speech.Session, 0, len(m.speakers))
	for _, s := range m.speakers {
		sessions = append(sessions, s)
	}
	m.speakers = make(map[string]*speech.Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// handleTranscript runs on the speaker's dispatch goroutine, so events for
// one speaker are processed strictly in arrival order.
func (m *MeetingSession) handleTranscript(ev speech.TranscriptEvent) {
	if m.closed.Load() {
		return
	}

	seq := m.nextSeq(ev.SpeakerID)

	if !ev.Final {
		// Interim captions go out immediately and untranslated.
		msg := m.newCaption(ev)
		msg.Seq = seq
		msg.TranslatedText = ev.Text
		msg.TargetLanguage = ev.Language
		m.deliverer.Broadcast(m.ctx, msg)
		return
	}

	m.handleFinal(ev, seq)
}

func (m *MeetingSession) handleFinal(ev speech.TranscriptEvent, seq uint64) {
	// Persist the transcript first so translations can reference it. Failure
	// is logged and the meeting continues live without the record.
	transcriptID := ""
	{
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		id, err := m.store.SaveTranscript(ctx, store.TranscriptRecord{
			MeetingID:  m.id,
			SpeakerID:  ev.SpeakerID,
			Text:       ev.Text,
			Language:   ev.Language,
			Confidence: ev.Confidence,
			Timestamp:  ev.Timestamp,
		})
		cancel()
		if err != nil {
			logging.Warning(logging.CategoryOrchestrator, "transcript persist failed meeting=%s speaker=%s: %v",
				m.id, ev.SpeakerID, err)
		} else {
			transcriptID = id
		}
	}

	// Preferences are read fresh per fan-out so mid-meeting changes take
	// effect on the next final transcript.
	prefs := m.listenerPreferences()
	listeners := m.activeListeners()

	targetSet := make(map[string]bool)
	for _, listenerID := range listeners {
		if lang, ok := prefs[listenerID]; ok && lang != "" {
			targetSet[lang] = true
		}
	}
	targets := make([]string, 0, len(targetSet))
	for lang := range targetSet {
		targets = append(targets, lang)
	}

	// The fan-out deliberately outlives a concurrent Stop; the liveness check
	// below suppresses late delivery instead.
	results := m.fanout.TranslateAll(context.WithoutCancel(m.ctx), ev.Text, ev.Language, targets)

	if m.closed.Load() {
		return
	}

	for _, listenerID := range listeners {
		msg := m.newCaption(ev)
		msg.Seq = seq
		lang, hasPref := prefs[listenerID]
		res, resolved := results[lang]
		switch {
		case hasPref && resolved && res.OK:
			msg.TranslatedText = res.Text
			msg.TargetLanguage = lang
		default:
			// No stored preference, or this language degraded: deliver the
			// original text rather than nothing.
			msg.TranslatedText = ev.Text
			msg.TargetLanguage = ev.Language
		}
		m.deliverer.DeliverToListener(m.ctx, listenerID, msg)
	}

	if transcriptID == "" {
		return
	}
	for lang, res := range results {
		if !res.OK || lang == ev.Language {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.store.SaveTranslation(ctx, transcriptID, lang, res.Text); err != nil {
			logging.Warning(logging.CategoryOrchestrator, "translation persist failed meeting=%s lang=%s: %v",
				m.id, lang, err)
		}
		cancel()
	}
}

func (m *MeetingSession) newCaption(ev speech.TranscriptEvent) delivery.CaptionMessage {
	msg := delivery.NewCaption(m.id, ev.SpeakerID, m.speakerName(ev.SpeakerID))
	msg.Text = ev.Text
	msg.Language = ev.Language
	msg.Confidence = ev.Confidence
	msg.Final = ev.Final
	return msg
}

func (m *MeetingSession) listenerPreferences() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	prefs, err := m.store.ListenerLanguages(ctx, m.id)
	if err != nil {
		logging.Warning(logging.CategoryOrchestrator, "preference read failed meeting=%s: %v", m.id, err)
		return nil
	}
	return prefs
}

// handleStateChange is invoked synchronously from speech sessions and must
// stay non-blocking.
func (m *MeetingSession) handleStateChange(speakerID string, from, to speech.State) {
	logging.Debug(logging.CategoryOrchestrator, "speech session state meeting=%s speaker=%s %s -> %s",
		m.id, speakerID, from, to)

	if to == speech.StateFailed && !m.closed.Load() {
		logging.Warning(logging.CategoryOrchestrator, "transcription degraded meeting=%s speaker=%s", m.id, speakerID)
		notice := delivery.NewNotice(m.id, speakerID, "live transcription is temporarily unavailable for this speaker")
		go m.deliverer.BroadcastNotice(m.ctx, notice)
	}
}
