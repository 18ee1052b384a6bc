// Package job runs one caption job: it connects to a LiveKit room, feeds
// every participant's audio track into the orchestrator, and carries caption
// messages back out over the room's data channel.
package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"

	"github.com/linguameet/caption-worker/internal/audio"
	"github.com/linguameet/caption-worker/internal/caption"
	"github.com/linguameet/caption-worker/internal/config"
	"github.com/linguameet/caption-worker/internal/logging"
)

// Job represents a single room job execution.
type Job struct {
	JobID        string
	RoomName     string
	Token        string
	URL          string
	Config       *config.Config
	Orchestrator *caption.Orchestrator

	mu      sync.Mutex
	readers map[string]*audio.TrackReader // speaker identity -> reader
}

// Run connects to the room and captions it until ctx is cancelled.
func (j *Job) Run(ctx context.Context) error {
	logging.Info(logging.CategoryJob, "starting caption job jobID=%s room=%s", j.JobID, j.RoomName)

	j.readers = make(map[string]*audio.TrackReader)
	transport := newRoomTransport()

	// The meeting session must exist before room callbacks can fire.
	if err := j.Orchestrator.Start(j.RoomName, transport); err != nil {
		if errors.Is(err, caption.ErrAlreadyActive) {
			return fmt.Errorf("meeting %s already captioned by this worker", j.RoomName)
		}
		return fmt.Errorf("start meeting session: %w", err)
	}
	defer func() {
		if err := j.Orchestrator.Stop(j.RoomName); err != nil && !errors.Is(err, caption.ErrNotActive) {
			logging.Warning(logging.CategoryJob, "stop meeting session room=%s: %v", j.RoomName, err)
		}
	}()

	callbacks := &lksdk.RoomCallback{
		OnDisconnected: func() {
			logging.Info(logging.CategoryJob, "disconnected from room room=%s", j.RoomName)
		},
		OnParticipantConnected: func(participant *lksdk.RemoteParticipant) {
			identity := participant.Identity()
			if isAgentIdentity(identity) {
				return
			}
			logging.Info(logging.CategoryJob, "participant connected identity=%s", identity)
			j.Orchestrator.OnSpeakerJoined(j.RoomName, identity, participant.Name())
			j.Orchestrator.OnListenerJoined(j.RoomName, identity)
		},
		OnParticipantDisconnected: func(participant *lksdk.RemoteParticipant) {
			identity := participant.Identity()
			if isAgentIdentity(identity) {
				return
			}
			logging.Info(logging.CategoryJob, "participant disconnected identity=%s", identity)
			j.Orchestrator.OnListenerLeft(j.RoomName, identity)
			j.Orchestrator.OnSpeakerLeft(j.RoomName, identity)
			j.removeReader(identity)
		},
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if track.Kind() != webrtc.RTPCodecTypeAudio {
					return
				}
				j.handleTrack(rp, track)
			},
			OnTrackUnsubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if track.Kind() != webrtc.RTPCodecTypeAudio {
					return
				}
				identity := rp.Identity()
				logging.Info(logging.CategoryJob, "track unsubscribed participant=%s", identity)
				j.Orchestrator.OnSpeakerLeft(j.RoomName, identity)
				j.removeReader(identity)
			},
		},
	}

	room, err := lksdk.ConnectToRoomWithToken(j.URL, j.Token, callbacks)
	if err != nil {
		return fmt.Errorf("connect to room: %w", err)
	}
	defer room.Disconnect()

	transport.attach(room)
	defer transport.detach()

	logging.Info(logging.CategoryJob, "connected to room room=%s identity=%s", room.Name(), room.LocalParticipant.Identity())

	// Register participants already in the room and subscribe their tracks.
	for _, p := range room.GetRemoteParticipants() {
		identity := p.Identity()
		if isAgentIdentity(identity) {
			continue
		}
		logging.Info(logging.CategoryJob, "existing participant identity=%s", identity)
		j.Orchestrator.OnSpeakerJoined(j.RoomName, identity, p.Name())
		j.Orchestrator.OnListenerJoined(j.RoomName, identity)

		for _, pub := range p.TrackPublications() {
			if pub.Kind() != lksdk.TrackKindAudio {
				continue
			}
			remotePub, ok := pub.(*lksdk.RemoteTrackPublication)
			if !ok {
				continue
			}
			if !remotePub.IsSubscribed() {
				remotePub.SetSubscribed(true)
			}
			if track := remotePub.Track(); track != nil {
				if remoteTrack, ok := track.(*webrtc.TrackRemote); ok {
					j.handleTrack(p, remoteTrack)
				}
			}
		}
	}

	<-ctx.Done()
	logging.Info(logging.CategoryJob, "context cancelled, exiting jobID=%s", j.JobID)

	j.stopAllReaders()
	return nil
}

// handleTrack starts decoding one participant's audio track into the
// orchestrator. The speaker's recognizer session is created lazily by the
// orchestrator on the first frame.
func (j *Job) handleTrack(rp *lksdk.RemoteParticipant, track *webrtc.TrackRemote) {
	identity := rp.Identity()
	if isAgentIdentity(identity) {
		return
	}

	j.mu.Lock()
	if _, exists := j.readers[identity]; exists {
		j.mu.Unlock()
		logging.Warning(logging.CategoryJob, "track reader already exists participant=%s", identity)
		return
	}

	reader, err := audio.NewTrackReader(identity, j.Config.SpeechSampleRate, func(pcm []byte) {
		j.Orchestrator.OnAudioFrame(j.RoomName, identity, pcm)
	})
	if err != nil {
		j.mu.Unlock()
		logging.Error(logging.CategoryJob, "create track reader participant=%s: %v", identity, err)
		return
	}
	j.readers[identity] = reader
	j.mu.Unlock()

	j.Orchestrator.OnSpeakerJoined(j.RoomName, identity, rp.Name())
	reader.Start(track)
	logging.Info(logging.CategoryJob, "track subscribed participant=%s", identity)
}

func (j *Job) removeReader(identity string) {
	j.mu.Lock()
	reader, ok := j.readers[identity]
	if ok {
		delete(j.readers, identity)
	}
	j.mu.Unlock()

	if ok {
		reader.Stop()
	}
}

func (j *Job) stopAllReaders() {
	j.mu.Lock()
	readers := make([]*audio.TrackReader, 0, len(j.readers))
	for _, r := range j.readers {
		readers = append(readers, r)
	}
	j.readers = make(map[string]*audio.TrackReader)
	j.mu.Unlock()

	for _, r := range readers {
		r.Stop()
	}
}

func isAgentIdentity(identity string) bool {
	return strings.HasPrefix(identity, "agent-")
}
