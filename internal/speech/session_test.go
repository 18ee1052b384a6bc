package speech_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linguameet/caption-worker/internal/speech"
	"github.com/linguameet/caption-worker/internal/testutil"
)

// stateRecorder collects state transitions from a session.
type stateRecorder struct {
	mu          sync.Mutex
	transitions []speech.State
}

func (r *stateRecorder) record(_ string, _, to speech.State) {
	r.mu.Lock()
	r.transitions = append(r.transitions, to)
	r.mu.Unlock()
}

func (r *stateRecorder) count(s speech.State) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.transitions {
		if t == s {
			n++
		}
	}
	return n
}

func testConfig() speech.Config {
	return speech.Config{
		SpeakerID:     "speaker-1",
		SampleRate:    16000,
		MaxReconnects: 3,
		BackoffBase:   time.Millisecond,
	}
}

func TestSessionDeliversEventsInOrder(t *testing.T) {
	dialer := testutil.NewFakeDialer()

	var mu sync.Mutex
	var got []speech.TranscriptEvent
	s := speech.NewSession(dialer, testConfig(), speech.Handlers{
		OnTranscript: func(ev speech.TranscriptEvent) {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		},
	})
	defer s.Close()

	stream := dialer.WaitForStream(t, 1)
	stream.Emit(speech.TranscriptEvent{SpeakerID: "speaker-1", Text: "hel", Final: false})
	stream.Emit(speech.TranscriptEvent{SpeakerID: "speaker-1", Text: "hello", Final: false})
	stream.Emit(speech.TranscriptEvent{SpeakerID: "speaker-1", Text: "hello there", Final: true})

	testutil.WaitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, "three transcript events")

	mu.Lock()
	defer mu.Unlock()
	if got[0].Text != "hel" || got[1].Text != "hello" || got[2].Text != "hello there" {
		t.Fatalf("events out of order: %+v", got)
	}
	if !got[2].Final {
		t.Fatal("final flag lost")
	}
}

func TestSessionOpensAndReportsState(t *testing.T) {
	dialer := testutil.NewFakeDialer()
	rec := &stateRecorder{}
	s := speech.NewSession(dialer, testConfig(), speech.Handlers{OnStateChange: rec.record})
	defer s.Close()

	testutil.WaitFor(t, time.Second, func() bool {
		return s.State() == speech.StateOpen
	}, "session to open")
}

func TestSessionDropsFramesUntilOpen(t *testing.T) {
	dialer := testutil.NewFakeDialer()
	dialer.SetFailing(true)

	cfg := testConfig()
	cfg.MaxReconnects = 100
	s := speech.NewSession(dialer, cfg, speech.Handlers{})
	defer s.Close()

	// Still connecting; the frame must be dropped without blocking.
	s.SendFrame([]byte{1, 2, 3})

	dialer.SetFailing(false)
	testutil.WaitFor(t, time.Second, func() bool {
		return s.State() == speech.StateOpen
	}, "session to open")

	s.SendFrame([]byte{4, 5, 6})
	stream := dialer.WaitForStream(t, 1)
	testutil.WaitFor(t, time.Second, func() bool {
		return stream.FrameCount() == 1
	}, "exactly the post-open frame to reach the stream")
}

func TestSessionReconnectsAfterDisconnect(t *testing.T) {
	dialer := testutil.NewFakeDialer()
	rec := &stateRecorder{}

	var mu sync.Mutex
	var got []string
	s := speech.NewSession(dialer, testConfig(), speech.Handlers{
		OnTranscript: func(ev speech.TranscriptEvent) {
			mu.Lock()
			got = append(got, ev.Text)
			mu.Unlock()
		},
		OnStateChange: rec.record,
	})
	defer s.Close()

	first := dialer.WaitForStream(t, 1)
	first.Emit(speech.TranscriptEvent{Text: "before"})
	first.FailWith(errors.New("connection reset"))

	second := dialer.WaitForStream(t, 2)
	testutil.WaitFor(t, time.Second, func() bool {
		return s.State() == speech.StateOpen
	}, "session to reopen")
	second.Emit(speech.TranscriptEvent{Text: "after"})

	testutil.WaitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, "events across the reconnect")

	mu.Lock()
	defer mu.Unlock()
	if got[0] != "before" || got[1] != "after" {
		t.Fatalf("events = %v, want [before after]", got)
	}
	if rec.count(speech.StateOpen) != 2 {
		t.Fatalf("open transitions = %d, want 2", rec.count(speech.StateOpen))
	}
}

func TestSessionClosesEndedStreamBeforeReconnect(t *testing.T) {
	dialer := testutil.NewFakeDialer()
	s := speech.NewSession(dialer, testConfig(), speech.Handlers{})
	defer s.Close()

	first := dialer.WaitForStream(t, 1)
	first.FailWith(errors.New("connection reset"))

	dialer.WaitForStream(t, 2)
	testutil.WaitFor(t, time.Second, func() bool {
		return s.State() == speech.StateOpen
	}, "session to reopen")

	// The dead stream must be released, not just replaced, so its connection
	// and keepalive do not outlive the reconnect.
	testutil.WaitFor(t, time.Second, func() bool {
		return first.CloseCalls() >= 1
	}, "ended stream to be closed")
}

func TestSessionFailsAfterReconnectExhaustion(t *testing.T) {
	dialer := testutil.NewFakeDialer()
	dialer.SetFailing(true)
	rec := &stateRecorder{}

	s := speech.NewSession(dialer, testConfig(), speech.Handlers{OnStateChange: rec.record})

	testutil.WaitFor(t, 2*time.Second, func() bool {
		return s.State() == speech.StateFailed
	}, "session to fail")

	// The failed transition is reported exactly once, not once per attempt.
	time.Sleep(20 * time.Millisecond)
	if n := rec.count(speech.StateFailed); n != 1 {
		t.Fatalf("failed transitions = %d, want exactly 1", n)
	}
	// Initial immediate dial plus the bounded retry budget.
	if calls := dialer.DialCalls(); calls != 4 {
		t.Fatalf("dial attempts = %d, want 4 (1 immediate + 3 retries)", calls)
	}

	// Frames to a failed session are dropped silently.
	s.SendFrame([]byte{1})
}

func TestSessionCloseIsGraceful(t *testing.T) {
	dialer := testutil.NewFakeDialer()
	rec := &stateRecorder{}
	s := speech.NewSession(dialer, testConfig(), speech.Handlers{OnStateChange: rec.record})

	testutil.WaitFor(t, time.Second, func() bool {
		return s.State() == speech.StateOpen
	}, "session to open")

	s.Close()
	s.Close() // idempotent
	s.Wait()

	if s.State() != speech.StateClosed {
		t.Fatalf("state = %v, want closed", s.State())
	}
	if rec.count(speech.StateClosed) != 1 {
		t.Fatalf("closed transitions = %d, want 1", rec.count(speech.StateClosed))
	}
	if rec.count(speech.StateFailed) != 0 {
		t.Fatal("graceful close must not report a failure")
	}
}

func TestSessionDrainsQueuedEventsAfterClose(t *testing.T) {
	dialer := testutil.NewFakeDialer()

	var mu sync.Mutex
	var got int
	s := speech.NewSession(dialer, testConfig(), speech.Handlers{
		OnTranscript: func(speech.TranscriptEvent) {
			mu.Lock()
			got++
			mu.Unlock()
		},
	})

	stream := dialer.WaitForStream(t, 1)
	for i := 0; i < 5; i++ {
		stream.Emit(speech.TranscriptEvent{Text: "queued"})
	}
	s.Close()
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	if got != 5 {
		t.Fatalf("processed %d queued events, want 5", got)
	}
}
