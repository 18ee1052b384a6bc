package job

import (
	"context"
	"fmt"
	"sync"

	lksdk "github.com/livekit/server-sdk-go/v2"
)

// roomTransport sends caption payloads over LiveKit reliable data packets.
// It is created before the room connection completes; sends before the room
// is attached fail and are handled by the deliverer's retry/drop policy.
type roomTransport struct {
	mu   sync.RWMutex
	room *lksdk.Room
}

func newRoomTransport() *roomTransport {
	return &roomTransport{}
}

func (t *roomTransport) attach(room *lksdk.Room) {
	t.mu.Lock()
	t.room = room
	t.mu.Unlock()
}

func (t *roomTransport) detach() {
	t.mu.Lock()
	t.room = nil
	t.mu.Unlock()
}

func (t *roomTransport) SendToListener(ctx context.Context, listenerID string, data []byte) error {
	return t.publish(ctx, data, []string{listenerID})
}

func (t *roomTransport) SendToAll(ctx context.Context, data []byte) error {
	return t.publish(ctx, data, nil)
}

func (t *roomTransport) publish(ctx context.Context, data []byte, identities []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.RLock()
	room := t.room
	t.mu.RUnlock()
	if room == nil {
		return fmt.Errorf("room not connected")
	}

	opts := []lksdk.DataPublishOption{lksdk.WithDataPublishReliable(true)}
	if len(identities) > 0 {
		opts = append(opts, lksdk.WithDataPublishDestination(identities))
	}
	if err := room.LocalParticipant.PublishDataPacket(lksdk.UserData(data), opts...); err != nil {
		return fmt.Errorf("publish data packet: %w", err)
	}
	return nil
}
