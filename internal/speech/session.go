package speech

import (
	"context"
	"sync"
	"time"

	"github.com/linguameet/caption-worker/internal/logging"
)

// Config parameterizes one speaker's session.
type Config struct {
	SpeakerID   string
	SpeakerName string
	SampleRate  int
	Language    string

	// MaxReconnects bounds reconnection attempts per disconnect; BackoffBase
	// is the first retry delay, doubling per attempt.
	MaxReconnects int
	BackoffBase   time.Duration

	// QueueSize bounds the ordered per-speaker event queue.
	QueueSize int
}

// Handlers receive session events. OnTranscript is invoked from a single
// goroutine per session, in strict event order; a slow handler delays only
// this speaker's later events. OnStateChange must not block.
type Handlers struct {
	OnTranscript  func(ev TranscriptEvent)
	OnStateChange func(speakerID string, from, to State)
}

// Session owns one speaker's recognizer connection, including reconnection
// with exponential backoff. Frames arriving while the connection is down are
// dropped; transcription resumes from the reconnect point with no replay.
type Session struct {
	cfg      Config
	dialer   Dialer
	handlers Handlers

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	state        State
	stream       Stream
	lastActivity time.Time

	queue chan TranscriptEvent
}

// NewSession creates and starts a session for one speaker. The connection is
// established in the background; the session starts in the connecting state.
func NewSession(dialer Dialer, cfg Config, handlers Handlers) *Session {
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:          cfg,
		dialer:       dialer,
		handlers:     handlers,
		ctx:          ctx,
		cancel:       cancel,
		state:        StateConnecting,
		lastActivity: time.Now(),
		queue:        make(chan TranscriptEvent, cfg.QueueSize),
	}

	s.wg.Add(2)
	go s.run()
	go s.dispatch()
	return s
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the time of the last audio frame or transcript event.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// SendFrame forwards one PCM frame to the recognizer. Frames are dropped
// when the connection is not open.
func (s *Session) SendFrame(pcm []byte) {
	s.mu.Lock()
	stream := s.stream
	open := s.state == StateOpen
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if !open || stream == nil {
		return
	}
	if err := stream.SendAudio(pcm); err != nil {
		logging.Warning(logging.CategorySpeech, "audio write failed speaker=%s: %v", s.cfg.SpeakerID, err)
		// Wake the read loop so the reconnect path takes over.
		stream.Close()
	}
}

// Close ends the session gracefully. Queued transcript events still drain
// through the dispatch goroutine.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = StateClosed
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	s.notify(from, StateClosed)
	s.cancel()
	if stream != nil {
		stream.Close()
	}
}

// Wait blocks until the session's goroutines have exited.
func (s *Session) Wait() {
	s.wg.Wait()
}

// setState transitions the session state unless it is already terminal.
func (s *Session) setState(to State) bool {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateFailed || s.state == to {
		s.mu.Unlock()
		return false
	}
	from := s.state
	s.state = to
	s.mu.Unlock()

	s.notify(from, to)
	return true
}

func (s *Session) notify(from, to State) {
	if s.handlers.OnStateChange != nil {
		s.handlers.OnStateChange(s.cfg.SpeakerID, from, to)
	}
}

func (s *Session) setStream(st Stream) {
	s.mu.Lock()
	s.stream = st
	s.mu.Unlock()
}

// run owns the connect/pump/reconnect loop.
func (s *Session) run() {
	defer s.wg.Done()
	defer close(s.queue)

	immediate := true
	for {
		stream, ok := s.connect(immediate)
		if !ok {
			return
		}
		immediate = false

		s.setStream(stream)
		if !s.setState(StateOpen) {
			// Closed while dialing.
			stream.Close()
			return
		}

		s.pump(stream)
		s.setStream(nil)
		// The stream has ended; Close releases its connection and keepalive.
		stream.Close()

		if s.ctx.Err() != nil || s.State() == StateClosed {
			return
		}
		if err := stream.Err(); err != nil {
			logging.Warning(logging.CategorySpeech, "recognizer stream lost speaker=%s: %v", s.cfg.SpeakerID, err)
		} else {
			logging.Info(logging.CategorySpeech, "recognizer stream ended speaker=%s, reconnecting", s.cfg.SpeakerID)
		}
		if !s.setState(StateConnecting) {
			return
		}
	}
}

// connect dials the recognizer, retrying with exponential backoff. It returns
// ok=false once the session is closed or the attempt budget is exhausted; in
// the latter case the session transitions to failed.
func (s *Session) connect(immediate bool) (Stream, bool) {
	streamCfg := StreamConfig{
		SpeakerID:  s.cfg.SpeakerID,
		SampleRate: s.cfg.SampleRate,
		Language:   s.cfg.Language,
	}

	if immediate {
		stream, err := s.dialer.Dial(s.ctx, streamCfg)
		if err == nil {
			return stream, true
		}
		if s.ctx.Err() != nil {
			return nil, false
		}
		logging.Warning(logging.CategorySpeech, "recognizer connect failed speaker=%s: %v", s.cfg.SpeakerID, err)
	}

	delay := s.cfg.BackoffBase
	for attempt := 1; attempt <= s.cfg.MaxReconnects; attempt++ {
		select {
		case <-s.ctx.Done():
			return nil, false
		case <-time.After(delay):
		}

		stream, err := s.dialer.Dial(s.ctx, streamCfg)
		if err == nil {
			return stream, true
		}
		if s.ctx.Err() != nil {
			return nil, false
		}
		logging.Warning(logging.CategorySpeech, "recognizer reconnect failed speaker=%s attempt=%d/%d: %v",
			s.cfg.SpeakerID, attempt, s.cfg.MaxReconnects, err)
		delay *= 2
	}

	s.setState(StateFailed)
	return nil, false
}

// pump forwards stream events into the ordered queue until the stream ends.
func (s *Session) pump(stream Stream) {
	for ev := range stream.Events() {
		s.mu.Lock()
		s.lastActivity = time.Now()
		s.mu.Unlock()

		select {
		case s.queue <- ev:
		default:
			// Queue full; block, but give up if the session ends first.
			select {
			case s.queue <- ev:
			case <-s.ctx.Done():
			}
		}
	}
}

// dispatch processes queued events one at a time, preserving per-speaker
// order even while a final transcript's fan-out is in flight.
func (s *Session) dispatch() {
	defer s.wg.Done()
	for ev := range s.queue {
		if s.handlers.OnTranscript != nil {
			s.handlers.OnTranscript(ev)
		}
	}
}
