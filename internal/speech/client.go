package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/linguameet/caption-worker/internal/logging"
)

// WSDialer opens websocket streams to the speech recognizer.
type WSDialer struct {
	baseURL        string
	apiKey         string
	connectTimeout time.Duration
}

// NewWSDialer creates a dialer for the recognizer endpoint.
func NewWSDialer(baseURL, apiKey string, connectTimeout time.Duration) *WSDialer {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &WSDialer{baseURL: baseURL, apiKey: apiKey, connectTimeout: connectTimeout}
}

// Dial opens one recognizer connection for a speaker.
func (d *WSDialer) Dial(ctx context.Context, cfg StreamConfig) (Stream, error) {
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer URL: %w", err)
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("encoding", "linear16")
	q.Set("interim_results", "true")
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	u.RawQuery = q.Encode()

	headers := http.Header{}
	if d.apiKey != "" {
		headers.Set("Authorization", "Bearer "+d.apiKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: d.connectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, d.connectTimeout)
	defer cancel()
	conn, resp, err := dialer.DialContext(dialCtx, u.String(), headers)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("dial recognizer: %w", err)
	}
	resp.Body.Close()

	ws := &wsStream{
		speakerID: cfg.SpeakerID,
		conn:      conn,
		events:    make(chan TranscriptEvent, 64),
		done:      make(chan struct{}),
	}
	go ws.readLoop()
	go ws.keepAlive()

	logging.Info(logging.CategorySpeech, "recognizer stream opened speaker=%s", cfg.SpeakerID)
	return ws, nil
}

// recognizerMessage is the inbound JSON frame from the recognizer.
type recognizerMessage struct {
	Type       string  `json:"type"` // "transcript", "error", "close"
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
	Timestamp  int64   `json:"timestamp_ms"`
	Message    string  `json:"message,omitempty"`
}

type wsStream struct {
	speakerID string
	conn      *websocket.Conn
	events    chan TranscriptEvent
	done      chan struct{}

	writeMu sync.Mutex
	errMu   sync.Mutex
	err     error

	closeOnce sync.Once
}

func (s *wsStream) Events() <-chan TranscriptEvent { return s.events }

func (s *wsStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *wsStream) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// SendAudio writes one PCM frame to the recognizer.
func (s *wsStream) SendAudio(pcm []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return fmt.Errorf("write audio frame: %w", err)
	}
	return nil
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *wsStream) readLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.setErr(err)
				}
			}
			return
		}

		var msg recognizerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Warning(logging.CategorySpeech, "bad recognizer message speaker=%s: %v", s.speakerID, err)
			continue
		}

		switch msg.Type {
		case "transcript":
			if msg.Text == "" {
				continue
			}
			ts := time.Now()
			if msg.Timestamp > 0 {
				ts = time.UnixMilli(msg.Timestamp)
			}
			s.events <- TranscriptEvent{
				SpeakerID:  s.speakerID,
				Text:       msg.Text,
				Language:   msg.Language,
				Confidence: msg.Confidence,
				Final:      msg.IsFinal,
				Timestamp:  ts,
			}
		case "error":
			s.setErr(fmt.Errorf("recognizer error: %s", msg.Message))
			return
		case "close":
			return
		}
	}
}

// keepAlive pings the recognizer so idle connections are not reaped mid-pause.
func (s *wsStream) keepAlive() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(2*time.Second))
			s.writeMu.Unlock()
		}
	}
}
