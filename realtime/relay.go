package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	publishTimeout    = 5 * time.Second
	publishBufferSize = 256
)

type relayEnvelope struct {
	InstanceID string          `json:"instanceId"`
	BoardID    string          `json:"boardId"`
	Frame      json.RawMessage `json:"frame"`
}

// Relay bridges broadcasts between instances over a redis pub/sub channel so
// room members connected to different instances still observe each other's
// mutations. Each instance tags frames with its own id and skips them on the
// way back in; local delivery never depends on redis.
type Relay struct {
	client     *redis.Client
	channel    string
	instanceID string
	logger     *log.Logger
	out        chan []byte
}

// NewRelay creates a Relay publishing and subscribing on the given channel.
// The publish pump it starts lives for the lifetime of the process.
func NewRelay(client *redis.Client, channel string, logger *log.Logger) *Relay {
	r := &Relay{
		client:     client,
		channel:    channel,
		instanceID: uuid.NewString(),
		logger:     logger,
		out:        make(chan []byte, publishBufferSize),
	}
	go r.publishPump()
	return r
}

// Publish queues an encoded frame for the relay channel, best effort. Frames
// are published by a single pump in the order they were queued, so the
// per-connection mutation order observed locally is preserved for members on
// other instances. A full queue drops the frame rather than block broadcast.
func (r *Relay) Publish(boardID string, frame []byte) {
	env := relayEnvelope{InstanceID: r.instanceID, BoardID: boardID, Frame: frame}
	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Errorf("relay: marshal envelope: %v", err)
		return
	}
	select {
	case r.out <- data:
	default:
		r.logger.Warn("relay: publish queue full, frame dropped")
	}
}

func (r *Relay) publishPump() {
	for data := range r.out {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := r.client.Publish(ctx, r.channel, data).Err()
		cancel()
		if err != nil {
			r.logger.Errorf("relay: publish: %v", err)
		}
	}
}

// Run subscribes to the relay channel and delivers frames from other
// instances until the context is cancelled, reconnecting when the pub/sub
// channel closes.
func (r *Relay) Run(ctx context.Context, deliver func(boardID string, frame []byte)) {
	for {
		sub := r.client.Subscribe(ctx, r.channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var env relayEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.logger.Errorf("relay: unable to parse frame: %v", err)
					continue
				}
				if env.InstanceID == r.instanceID {
					continue
				}
				deliver(env.BoardID, env.Frame)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("relay: pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}
