package realtime

import (
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/metrics"
)

// Broadcaster fans a successfully persisted mutation out to every member of
// the owning board's room, including the originating session: clients rely
// on the echo of their own mutation as the persistence confirmation.
// Delivery is at-most-once with no retry; a member leaving or disconnecting
// concurrently simply misses the frame.
type Broadcaster struct {
	registry  *Registry
	relay     *Relay
	collector *metrics.Collector
	logger    *log.Logger
}

// NewBroadcaster creates a Broadcaster over the given registry. relay may be
// nil for single-instance deployments.
func NewBroadcaster(registry *Registry, relay *Relay, collector *metrics.Collector, logger *log.Logger) *Broadcaster {
	return &Broadcaster{registry: registry, relay: relay, collector: collector, logger: logger}
}

// Broadcast encodes the event once and delivers it to the board's current
// members, then hands it to the relay so members connected to other
// instances receive it too. origin is the connection id of the mutating
// session, recorded for diagnostics only; the origin is a regular room
// member and receives its own echo.
func (b *Broadcaster) Broadcast(boardID, event string, payload any, origin string) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		b.logger.WithFields(log.Fields{"board": boardID, "event": event}).Errorf("encode broadcast: %v", err)
		return
	}

	b.collector.RecordBroadcast()
	b.logger.WithFields(log.Fields{
		"board":  boardID,
		"event":  event,
		"origin": origin,
	}).Debug("broadcasting")

	b.DeliverLocal(boardID, frame)
	if b.relay != nil {
		b.relay.Publish(boardID, frame)
	}
}

// DeliverLocal queues the frame for every session currently joined to the
// board on this instance.
func (b *Broadcaster) DeliverLocal(boardID string, frame []byte) {
	for _, member := range b.registry.MembersOf(boardID) {
		if member.deliver(frame) {
			b.collector.RecordDelivery()
		} else {
			b.collector.RecordDrop()
			b.logger.WithFields(log.Fields{
				"board":   boardID,
				"session": member.id,
			}).Warn("frame dropped: send buffer full or session closed")
		}
	}
}

func encodeFrame(event string, payload any) ([]byte, error) {
	data, err := sonic.ConfigStd.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return sonic.ConfigStd.Marshal(domain.Envelope{Event: event, Data: data})
}

func decodeEnvelope(raw []byte) (domain.Envelope, error) {
	var env domain.Envelope
	if err := sonic.ConfigStd.Unmarshal(raw, &env); err != nil {
		return domain.Envelope{}, err
	}
	if env.Event == "" {
		return domain.Envelope{}, domain.NewValidationError("missing event name")
	}
	return env, nil
}

func decodePayload(data []byte, v any) error {
	if len(data) == 0 {
		return domain.NewValidationError("missing payload")
	}
	if err := sonic.ConfigStd.Unmarshal(data, v); err != nil {
		return domain.NewValidationError("malformed payload")
	}
	return nil
}
