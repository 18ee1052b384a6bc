package caption_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/linguameet/caption-worker/internal/caption"
	"github.com/linguameet/caption-worker/internal/delivery"
	"github.com/linguameet/caption-worker/internal/speech"
	"github.com/linguameet/caption-worker/internal/testutil"
	"github.com/linguameet/caption-worker/internal/translate"
)

type fixture struct {
	orch       *caption.Orchestrator
	dialer     *testutil.FakeDialer
	translator *testutil.MockTranslator
	store      *testutil.MockStore
	transport  *testutil.MockTransport
}

func newFixture(t *testing.T, responses map[string]string) *fixture {
	t.Helper()
	f := &fixture{
		dialer:     testutil.NewFakeDialer(),
		translator: testutil.NewMockTranslator(responses),
		store:      testutil.NewMockStore(),
		transport:  testutil.NewMockTransport(),
	}
	fanout := translate.NewFanout(f.translator, translate.NewLRUCache(time.Minute, 128), time.Second)
	f.orch = caption.New(f.dialer, fanout, f.store, caption.SpeechConfig{
		SampleRate:    16000,
		MaxReconnects: 2,
		BackoffBase:   time.Millisecond,
	})
	return f
}

// emit drives one transcript event through the pipeline by feeding the
// speaker's fake recognizer stream.
func (f *fixture) emit(t *testing.T, meetingID, speakerID string, ev speech.TranscriptEvent, streamIdx int) {
	t.Helper()
	// First audio frame creates the speaker session lazily.
	f.orch.OnAudioFrame(meetingID, speakerID, []byte{0, 0})
	stream := f.dialer.WaitForStream(t, streamIdx+1)
	ev.SpeakerID = speakerID
	stream.Emit(ev)
}

func decodeCaptions(t *testing.T, payloads [][]byte) []delivery.CaptionMessage {
	t.Helper()
	out := make([]delivery.CaptionMessage, 0, len(payloads))
	for _, p := range payloads {
		var msg delivery.CaptionMessage
		if err := json.Unmarshal(p, &msg); err != nil {
			t.Fatalf("unmarshal caption: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func TestStartTwiceReturnsAlreadyActive(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.orch.Start("room-1", f.transport); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := f.orch.Start("room-1", f.transport); !errors.Is(err, caption.ErrAlreadyActive) {
		t.Fatalf("second start = %v, want ErrAlreadyActive", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.orch.Start("room-1", f.transport); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.orch.Stop("room-1"); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := f.orch.Stop("room-1"); !errors.Is(err, caption.ErrNotActive) {
		t.Fatalf("second stop = %v, want ErrNotActive", err)
	}
}

func TestUnknownMeetingFrameIsDropped(t *testing.T) {
	f := newFixture(t, nil)
	f.orch.OnAudioFrame("no-such-meeting", "alice", []byte{0, 0})
	if f.dialer.StreamCount() != 0 {
		t.Fatal("frame for inactive meeting must not create a session")
	}
}

func TestInterimCaptionBroadcastUntranslated(t *testing.T) {
	f := newFixture(t, map[string]string{"ta": "x"})
	if err := f.orch.Start("room-1", f.transport); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.orch.OnListenerJoined("room-1", "bala")
	f.store.SetPreference("room-1", "bala", "ta")

	f.emit(t, "room-1", "alice", speech.TranscriptEvent{
		Text: "hello eve", Language: "en", Final: false,
	}, 0)

	testutil.WaitFor(t, time.Second, func() bool {
		return f.transport.BroadcastCount() == 1
	}, "interim broadcast")

	msgs := decodeCaptions(t, f.transport.Broadcasts)
	if msgs[0].Final {
		t.Fatal("interim caption marked final")
	}
	if msgs[0].TranslatedText != "hello eve" || msgs[0].TargetLanguage != "en" {
		t.Fatalf("interim caption translated: %+v", msgs[0])
	}
	// Interim results never touch the translator or the store.
	if f.translator.TotalCalls() != 0 {
		t.Fatalf("translator calls = %d, want 0", f.translator.TotalCalls())
	}
	if f.store.TranscriptCount() != 0 {
		t.Fatalf("transcripts persisted = %d, want 0", f.store.TranscriptCount())
	}
}

func TestFinalCaptionPerListenerLanguage(t *testing.T) {
	f := newFixture(t, map[string]string{"ta": "அனைவருக்கும் வணக்கம்"})
	if err := f.orch.Start("room-1", f.transport); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.orch.OnSpeakerJoined("room-1", "alice", "Alice")
	f.orch.OnListenerJoined("room-1", "bala")
	f.orch.OnListenerJoined("room-1", "carol")
	f.store.SetPreference("room-1", "bala", "ta")
	f.store.SetPreference("room-1", "carol", "en")

	f.emit(t, "room-1", "alice", speech.TranscriptEvent{
		Text: "Hello everyone", Language: "en", Confidence: 0.92, Final: true,
		Timestamp: time.Now(),
	}, 0)

	testutil.WaitFor(t, time.Second, func() bool {
		return len(f.transport.ListenerMessages("bala")) == 1 &&
			len(f.transport.ListenerMessages("carol")) == 1
	}, "per-listener captions")

	bala := decodeCaptions(t, f.transport.ListenerMessages("bala"))[0]
	if bala.TranslatedText != "அனைவருக்கும் வணக்கம்" || bala.TargetLanguage != "ta" {
		t.Fatalf("tamil listener caption: %+v", bala)
	}
	if bala.Text != "Hello everyone" || bala.SpeakerName != "Alice" || !bala.Final {
		t.Fatalf("caption attribution: %+v", bala)
	}

	// Same language as the speaker: identity, no provider involvement.
	carol := decodeCaptions(t, f.transport.ListenerMessages("carol"))[0]
	if carol.TranslatedText != "Hello everyone" || carol.TargetLanguage != "en" {
		t.Fatalf("english listener caption: %+v", carol)
	}
	if f.translator.CallCount("en") != 0 {
		t.Fatal("identity language must not reach the provider")
	}

	if f.store.TranscriptCount() != 1 {
		t.Fatalf("transcripts persisted = %d, want 1", f.store.TranscriptCount())
	}
	rows := f.store.TranslationRows()
	if len(rows) != 1 || rows[0].TargetLang != "ta" {
		t.Fatalf("translation rows = %+v, want one ta row", rows)
	}
}

func TestDegradedLanguageFallsBackToOriginal(t *testing.T) {
	f := newFixture(t, map[string]string{})
	f.translator.Fail["ta"] = true
	if err := f.orch.Start("room-1", f.transport); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.orch.OnListenerJoined("room-1", "bala")
	f.store.SetPreference("room-1", "bala", "ta")

	f.emit(t, "room-1", "alice", speech.TranscriptEvent{
		Text: "Hello everyone", Language: "en", Final: true,
	}, 0)

	testutil.WaitFor(t, time.Second, func() bool {
		return len(f.transport.ListenerMessages("bala")) == 1
	}, "degraded caption")

	msg := decodeCaptions(t, f.transport.ListenerMessages("bala"))[0]
	if msg.TranslatedText != "Hello everyone" || msg.TargetLanguage != "en" {
		t.Fatalf("degraded caption = %+v, want original text", msg)
	}
	if rows := f.store.TranslationRows(); len(rows) != 0 {
		t.Fatalf("degraded translation persisted: %+v", rows)
	}
}

func TestListenerWithoutPreferenceGetsOriginal(t *testing.T) {
	f := newFixture(t, map[string]string{"ta": "x"})
	if err := f.orch.Start("room-1", f.transport); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.orch.OnListenerJoined("room-1", "guest")

	f.emit(t, "room-1", "alice", speech.TranscriptEvent{
		Text: "good morning", Language: "en", Final: true,
	}, 0)

	testutil.WaitFor(t, time.Second, func() bool {
		return len(f.transport.ListenerMessages("guest")) == 1
	}, "guest caption")

	msg := decodeCaptions(t, f.transport.ListenerMessages("guest"))[0]
	if msg.TranslatedText != "good morning" || msg.TargetLanguage != "en" {
		t.Fatalf("guest caption = %+v, want original text", msg)
	}
	if f.translator.TotalCalls() != 0 {
		t.Fatal("no preference means no translation work")
	}
}

func TestPreferenceChangeAppliesToNextFinal(t *testing.T) {
	f := newFixture(t, map[string]string{"ta": "ஒன்று", "fr": "deux"})
	if err := f.orch.Start("room-1", f.transport); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.orch.OnListenerJoined("room-1", "bala")
	f.store.SetPreference("room-1", "bala", "ta")

	f.emit(t, "room-1", "alice", speech.TranscriptEvent{Text: "one", Language: "en", Final: true}, 0)
	testutil.WaitFor(t, time.Second, func() bool {
		return len(f.transport.ListenerMessages("bala")) == 1
	}, "first caption")

	// The listener switches language mid-meeting; the next final transcript
	// picks it up.
	f.store.SetPreference("room-1", "bala", "fr")

	stream := f.dialer.Stream(0)
	stream.Emit(speech.TranscriptEvent{SpeakerID: "alice", Text: "two", Language: "en", Final: true})
	testutil.WaitFor(t, time.Second, func() bool {
		return len(f.transport.ListenerMessages("bala")) == 2
	}, "second caption")

	msgs := decodeCaptions(t, f.transport.ListenerMessages("bala"))
	if msgs[0].TargetLanguage != "ta" || msgs[0].TranslatedText != "ஒன்று" {
		t.Fatalf("first caption = %+v, want ta", msgs[0])
	}
	if msgs[1].TargetLanguage != "fr" || msgs[1].TranslatedText != "deux" {
		t.Fatalf("second caption = %+v, want fr", msgs[1])
	}
}

func TestDepartedListenerStopsReceiving(t *testing.T) {
	f := newFixture(t, map[string]string{"ta": "x"})
	if err := f.orch.Start("room-1", f.transport); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.orch.OnListenerJoined("room-1", "bala")
	f.store.SetPreference("room-1", "bala", "ta")

	f.emit(t, "room-1", "alice", speech.TranscriptEvent{Text: "one", Language: "en", Final: true}, 0)
	testutil.WaitFor(t, time.Second, func() bool {
		return len(f.transport.ListenerMessages("bala")) == 1
	}, "first caption")

	f.orch.OnListenerLeft("room-1", "bala")

	stream := f.dialer.Stream(0)
	stream.Emit(speech.TranscriptEvent{SpeakerID: "alice", Text: "two", Language: "en", Final: true})
	testutil.WaitFor(t, time.Second, func() bool {
		return f.store.TranscriptCount() == 2
	}, "second transcript")

	time.Sleep(20 * time.Millisecond)
	if got := len(f.transport.ListenerMessages("bala")); got != 1 {
		t.Fatalf("departed listener received %d captions, want 1", got)
	}
}

func TestSpeakerFailureBroadcastsOneNotice(t *testing.T) {
	f := newFixture(t, nil)
	f.dialer.SetFailing(true)
	if err := f.orch.Start("room-1", f.transport); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.orch.OnListenerJoined("room-1", "bala")

	f.orch.OnAudioFrame("room-1", "alice", []byte{0, 0})

	testutil.WaitFor(t, 2*time.Second, func() bool {
		return f.transport.BroadcastCount() == 1
	}, "degraded notice")

	var notice delivery.NoticeMessage
	if err := json.Unmarshal(f.transport.Broadcasts[0], &notice); err != nil {
		t.Fatalf("unmarshal notice: %v", err)
	}
	if notice.Type != delivery.TypeNotice || notice.SpeakerID != "alice" {
		t.Fatalf("notice = %+v", notice)
	}

	// Further frames stay dropped without re-dialing or repeat notices.
	calls := f.dialer.DialCalls()
	f.orch.OnAudioFrame("room-1", "alice", []byte{0, 0})
	time.Sleep(20 * time.Millisecond)
	if f.dialer.DialCalls() != calls {
		t.Fatal("failed speaker session must not re-dial on new audio")
	}
	if f.transport.BroadcastCount() != 1 {
		t.Fatalf("notices = %d, want exactly 1", f.transport.BroadcastCount())
	}

	// Other speakers keep working.
	f.dialer.SetFailing(false)
	f.orch.OnAudioFrame("room-1", "bob", []byte{0, 0})
	f.dialer.WaitForStream(t, 1)
}

func TestSpeakerRejoinAfterFailureGetsFreshSession(t *testing.T) {
	f := newFixture(t, nil)
	f.dialer.SetFailing(true)
	if err := f.orch.Start("room-1", f.transport); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.orch.OnAudioFrame("room-1", "alice", []byte{0, 0})

	testutil.WaitFor(t, 2*time.Second, func() bool {
		for _, m := range f.orch.ActiveMeetings() {
			for _, s := range m.Speakers {
				if s.SpeakerID == "alice" && s.State == "failed" {
					return true
				}
			}
		}
		return false
	}, "speaker session to fail")

	f.dialer.SetFailing(false)
	f.orch.OnSpeakerLeft("room-1", "alice")
	f.orch.OnAudioFrame("room-1", "alice", []byte{0, 0})

	testutil.WaitFor(t, time.Second, func() bool {
		for _, m := range f.orch.ActiveMeetings() {
			for _, s := range m.Speakers {
				if s.SpeakerID == "alice" && s.State == "open" {
					return true
				}
			}
		}
		return false
	}, "fresh session after rejoin")
}

func TestStopSuppressesLateDelivery(t *testing.T) {
	f := newFixture(t, map[string]string{"ta": "x"})
	f.translator.Delay = 50 * time.Millisecond
	if err := f.orch.Start("room-1", f.transport); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.orch.OnListenerJoined("room-1", "bala")
	f.store.SetPreference("room-1", "bala", "ta")

	f.emit(t, "room-1", "alice", speech.TranscriptEvent{
		Text: "stop race", Language: "en", Final: true,
	}, 0)

	// Stop while the fan-out is still sleeping in the provider.
	testutil.WaitFor(t, time.Second, func() bool {
		return f.translator.CallCount("ta") == 1
	}, "fan-out to start")
	if err := f.orch.Stop("room-1"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := len(f.transport.ListenerMessages("bala")); got != 0 {
		t.Fatalf("late captions delivered after stop: %d", got)
	}
}

func TestActiveMeetingsStatus(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.orch.Start("room-1", f.transport); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.orch.OnSpeakerJoined("room-1", "alice", "Alice")
	f.orch.OnListenerJoined("room-1", "bala")
	f.orch.OnAudioFrame("room-1", "alice", []byte{0, 0})
	f.dialer.WaitForStream(t, 1)

	meetings := f.orch.ActiveMeetings()
	if len(meetings) != 1 {
		t.Fatalf("active meetings = %d, want 1", len(meetings))
	}
	m := meetings[0]
	if m.MeetingID != "room-1" || m.Listeners != 1 || len(m.Speakers) != 1 {
		t.Fatalf("status = %+v", m)
	}
	if m.Speakers[0].Name != "Alice" {
		t.Fatalf("speaker name = %q, want Alice", m.Speakers[0].Name)
	}

	if err := f.orch.Stop("room-1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := len(f.orch.ActiveMeetings()); got != 0 {
		t.Fatalf("active meetings after stop = %d, want 0", got)
	}
}

func TestMeetingsAreIsolated(t *testing.T) {
	f := newFixture(t, map[string]string{"fr": "bonjour"})
	if err := f.orch.Start("room-1", f.transport); err != nil {
		t.Fatalf("start room-1: %v", err)
	}
	other := testutil.NewMockTransport()
	if err := f.orch.Start("room-2", other); err != nil {
		t.Fatalf("start room-2: %v", err)
	}
	f.orch.OnListenerJoined("room-1", "bala")
	f.orch.OnListenerJoined("room-2", "carol")
	f.store.SetPreference("room-2", "carol", "fr")

	f.emit(t, "room-2", "alice", speech.TranscriptEvent{
		Text: "hello", Language: "en", Final: true,
	}, 0)

	testutil.WaitFor(t, time.Second, func() bool {
		return len(other.ListenerMessages("carol")) == 1
	}, "room-2 caption")

	if got := len(f.transport.ListenerMessages("bala")); got != 0 {
		t.Fatalf("room-1 listener received room-2 captions: %d", got)
	}
}

func TestSequenceNumbersIncreasePerSpeaker(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.orch.Start("room-1", f.transport); err != nil {
		t.Fatalf("start: %v", err)
	}

	f.emit(t, "room-1", "alice", speech.TranscriptEvent{Text: "a", Language: "en"}, 0)
	stream := f.dialer.Stream(0)
	stream.Emit(speech.TranscriptEvent{SpeakerID: "alice", Text: "ab", Language: "en"})
	stream.Emit(speech.TranscriptEvent{SpeakerID: "alice", Text: "abc", Language: "en"})

	testutil.WaitFor(t, time.Second, func() bool {
		return f.transport.BroadcastCount() == 3
	}, "three interim broadcasts")

	msgs := decodeCaptions(t, f.transport.Broadcasts)
	for i, msg := range msgs {
		if msg.Seq != uint64(i+1) {
			t.Fatalf("caption %d seq = %d, want %d", i, msg.Seq, i+1)
		}
	}
}
