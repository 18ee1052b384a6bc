// Package delivery formats caption updates and sends them to listeners over
// the meeting transport. Deliveries are best-effort: captions are perishable,
// so a failed send gets one immediate retry and is then dropped.
package delivery

import (
	"time"

	"github.com/google/uuid"
)

// Message types on the caption wire.
const (
	TypeCaption = "caption"
	TypeNotice  = "notice"
)

// CaptionMessage is one outbound caption update. Interim updates always carry
// TranslatedText equal to Text. Never persisted; exists only in transit.
type CaptionMessage struct {
	Type           string  `json:"type"`
	MessageID      string  `json:"messageId"`
	MeetingID      string  `json:"meetingId"`
	SpeakerID      string  `json:"speakerId"`
	SpeakerName    string  `json:"speakerName"`
	Text           string  `json:"text"`
	Language       string  `json:"language"`
	TranslatedText string  `json:"translatedText"`
	TargetLanguage string  `json:"targetLanguage"`
	Final          bool    `json:"isFinal"`
	Confidence     float64 `json:"confidence"`
	Seq            uint64  `json:"seq"`
	TimestampMs    int64   `json:"timestampMs"`
}

// NoticeMessage is a system notice, e.g. degraded transcription for a speaker.
type NoticeMessage struct {
	Type        string `json:"type"`
	MessageID   string `json:"messageId"`
	MeetingID   string `json:"meetingId"`
	SpeakerID   string `json:"speakerId,omitempty"`
	Notice      string `json:"notice"`
	TimestampMs int64  `json:"timestampMs"`
}

// NewCaption builds a caption message with a fresh id and delivery timestamp.
func NewCaption(meetingID, speakerID, speakerName string) CaptionMessage {
	return CaptionMessage{
		Type:        TypeCaption,
		MessageID:   uuid.NewString(),
		MeetingID:   meetingID,
		SpeakerID:   speakerID,
		SpeakerName: speakerName,
		TimestampMs: time.Now().UnixMilli(),
	}
}

// NewNotice builds a system notice message.
func NewNotice(meetingID, speakerID, notice string) NoticeMessage {
	return NoticeMessage{
		Type:        TypeNotice,
		MessageID:   uuid.NewString(),
		MeetingID:   meetingID,
		SpeakerID:   speakerID,
		Notice:      notice,
		TimestampMs: time.Now().UnixMilli(),
	}
}
