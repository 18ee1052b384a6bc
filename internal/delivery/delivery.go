package delivery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/linguameet/caption-worker/internal/logging"
)

// Transport sends encoded messages to meeting participants. Implementations
// must be safe for concurrent use; the LiveKit data-packet transport lives in
// internal/job.
type Transport interface {
	SendToListener(ctx context.Context, listenerID string, data []byte) error
	SendToAll(ctx context.Context, data []byte) error
}

// Deliverer sends caption and notice messages over a meeting's transport.
type Deliverer struct {
	meetingID string
	transport Transport
	timeout   time.Duration
}

// NewDeliverer creates a deliverer for one meeting.
func NewDeliverer(meetingID string, transport Transport) *Deliverer {
	return &Deliverer{
		meetingID: meetingID,
		transport: transport,
		timeout:   3 * time.Second,
	}
}

// DeliverToListener sends a caption to one listener.
func (d *Deliverer) DeliverToListener(ctx context.Context, listenerID string, msg CaptionMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Error(logging.CategoryDelivery, "marshal caption meeting=%s: %v", d.meetingID, err)
		return
	}
	d.send(ctx, func(ctx context.Context) error {
		return d.transport.SendToListener(ctx, listenerID, data)
	}, "listener="+listenerID)
}

// Broadcast sends a caption to every listener in the meeting.
func (d *Deliverer) Broadcast(ctx context.Context, msg CaptionMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Error(logging.CategoryDelivery, "marshal caption meeting=%s: %v", d.meetingID, err)
		return
	}
	d.send(ctx, func(ctx context.Context) error {
		return d.transport.SendToAll(ctx, data)
	}, "all")
}

// BroadcastNotice sends a system notice to every listener in the meeting.
func (d *Deliverer) BroadcastNotice(ctx context.Context, msg NoticeMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Error(logging.CategoryDelivery, "marshal notice meeting=%s: %v", d.meetingID, err)
		return
	}
	d.send(ctx, func(ctx context.Context) error {
		return d.transport.SendToAll(ctx, data)
	}, "all")
}

// send attempts one delivery with a single immediate retry. Captions are
// superseded by the next utterance, so a second failure drops the message.
func (d *Deliverer) send(ctx context.Context, fn func(ctx context.Context) error, audience string) {
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := fn(sendCtx)
	if err == nil {
		return
	}
	if sendCtx.Err() != nil && ctx.Err() != nil {
		// Caller gone; no retry.
		return
	}

	retryCtx, cancelRetry := context.WithTimeout(ctx, d.timeout)
	defer cancelRetry()
	if retryErr := fn(retryCtx); retryErr != nil {
		logging.Warning(logging.CategoryDelivery, "delivery failed meeting=%s audience=%s: %v (retry: %v)",
			d.meetingID, audience, err, retryErr)
	}
}
