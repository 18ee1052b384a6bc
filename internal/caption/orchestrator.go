// Package caption coordinates live captioning for meetings: one
// MeetingSession per meeting, each owning its speakers' recognizer sessions,
// listener identities, and the transcript -> translation -> delivery
// sequencing. Failures local to one speaker, listener, or target language are
// contained and never abort the meeting.
package caption

import (
	"errors"
	"sync"
	"time"

	"github.com/linguameet/caption-worker/internal/delivery"
	"github.com/linguameet/caption-worker/internal/logging"
	"github.com/linguameet/caption-worker/internal/speech"
	"github.com/linguameet/caption-worker/internal/store"
	"github.com/linguameet/caption-worker/internal/translate"
)

var (
	// ErrAlreadyActive is returned by Start when a meeting session exists.
	ErrAlreadyActive = errors.New("meeting already active")
	// ErrNotActive is returned by Stop when no meeting session exists.
	ErrNotActive = errors.New("meeting not active")
)

// Orchestrator manages the lifecycle of all meeting sessions in this worker.
// Operations for different meetings are fully independent.
type Orchestrator struct {
	dialer    speech.Dialer
	fanout    *translate.Fanout
	store     store.CaptionStore
	speechCfg SpeechConfig

	mu       sync.RWMutex
	meetings map[string]*MeetingSession
}

// New creates an orchestrator over the given recognizer dialer, translation
// fan-out, and durable store.
func New(dialer speech.Dialer, fanout *translate.Fanout, cs store.CaptionStore, speechCfg SpeechConfig) *Orchestrator {
	if speechCfg.SampleRate <= 0 {
		speechCfg.SampleRate = 16000
	}
	return &Orchestrator{
		dialer:    dialer,
		fanout:    fanout,
		store:     cs,
		speechCfg: speechCfg,
		meetings:  make(map[string]*MeetingSession),
	}
}

// Start creates the meeting session. Speaker sessions are created lazily as
// audio arrives, so Start returns immediately.
func (o *Orchestrator) Start(meetingID string, transport delivery.Transport) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.meetings[meetingID]; exists {
		return ErrAlreadyActive
	}
	o.meetings[meetingID] = newMeetingSession(meetingID, transport, o.fanout, o.store, o.dialer, o.speechCfg)
	logging.Info(logging.CategoryOrchestrator, "meeting session started meeting=%s", meetingID)
	return nil
}

// Stop closes every speaker session and removes the meeting. A second Stop
// returns ErrNotActive and has no further effect.
func (o *Orchestrator) Stop(meetingID string) error {
	o.mu.Lock()
	m, exists := o.meetings[meetingID]
	if exists {
		delete(o.meetings, meetingID)
	}
	o.mu.Unlock()

	if !exists {
		return ErrNotActive
	}
	m.close()
	logging.Info(logging.CategoryOrchestrator, "meeting session stopped meeting=%s", meetingID)
	return nil
}

func (o *Orchestrator) meeting(meetingID string) *MeetingSession {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.meetings[meetingID]
}

// OnAudioFrame routes one PCM frame to the speaker's recognizer session,
// creating the session on the speaker's first frame. Frames for unknown
// meetings are dropped.
func (o *Orchestrator) OnAudioFrame(meetingID, speakerID string, pcm []byte) {
	m := o.meeting(meetingID)
	if m == nil {
		logging.Debug(logging.CategoryOrchestrator, "dropping frame for inactive meeting meeting=%s speaker=%s",
			meetingID, speakerID)
		return
	}
	if s := m.sessionFor(speakerID); s != nil {
		s.SendFrame(pcm)
	}
}

// OnSpeakerJoined records the speaker's display name for caption attribution.
func (o *Orchestrator) OnSpeakerJoined(meetingID, speakerID, displayName string) {
	if m := o.meeting(meetingID); m != nil {
		m.setSpeakerName(speakerID, displayName)
	}
}

// OnSpeakerLeft closes and removes the speaker's session. An in-flight
// transcript for that speaker still completes its fan-out.
func (o *Orchestrator) OnSpeakerLeft(meetingID, speakerID string) {
	if m := o.meeting(meetingID); m != nil {
		m.removeSpeaker(speakerID)
	}
}

// OnListenerJoined registers a caption recipient for the meeting.
func (o *Orchestrator) OnListenerJoined(meetingID, listenerID string) {
	if m := o.meeting(meetingID); m != nil {
		m.addListener(listenerID)
	}
}

// OnListenerLeft removes a caption recipient.
func (o *Orchestrator) OnListenerLeft(meetingID, listenerID string) {
	if m := o.meeting(meetingID); m != nil {
		m.removeListener(listenerID)
	}
}

// SpeakerStatus describes one speaker session for the status API.
type SpeakerStatus struct {
	SpeakerID    string    `json:"speakerId"`
	Name         string    `json:"name"`
	State        string    `json:"state"`
	LastActivity time.Time `json:"lastActivity"`
}

// MeetingStatus describes one active meeting for the status API.
type MeetingStatus struct {
	MeetingID string          `json:"meetingId"`
	Listeners int             `json:"listeners"`
	Speakers  []SpeakerStatus `json:"speakers"`
}

// ActiveMeetings reports every active meeting and its speaker sessions.
func (o *Orchestrator) ActiveMeetings() []MeetingStatus {
	o.mu.RLock()
	sessions := make([]*MeetingSession, 0, len(o.meetings))
	for _, m := range o.meetings {
		sessions = append(sessions, m)
	}
	o.mu.RUnlock()

	statuses := make([]MeetingStatus, 0, len(sessions))
	for _, m := range sessions {
		m.mu.Lock()
		st := MeetingStatus{
			MeetingID: m.id,
			Listeners: len(m.listeners),
			Speakers:  make([]SpeakerStatus, 0, len(m.speakers)),
		}
		for id, s := range m.speakers {
			name := m.speakerNames[id]
			if name == "" {
				name = id
			}
			st.Speakers = append(st.Speakers, SpeakerStatus{
				SpeakerID:    id,
				Name:         name,
				State:        s.State().String(),
				LastActivity: s.LastActivity(),
			})
		}
		m.mu.Unlock()
		statuses = append(statuses, st)
	}
	return statuses
}
