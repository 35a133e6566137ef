package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"agenthub/internal/logging"

	"github.com/go-redis/redis/v8"
)

const (
	channelPrefix       = "chat:conversation:"
	redisPublishTimeout = 5 * time.Second
)

// RedisBroadcaster distributes events across gateway nodes via Redis pub/sub.
// Local group membership stays in an embedded Hub; Publish goes through Redis
// so every node (including the publisher's own) delivers from the same
// ordered stream.
type RedisBroadcaster struct {
	local  *Hub
	client redis.UniversalClient
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// NewRedisBroadcaster subscribes to the conversation channel pattern and
// starts the delivery loop.
func NewRedisBroadcaster(client redis.UniversalClient) (*RedisBroadcaster, error) {
	ctx, cancel := context.WithCancel(context.Background())

	pubsub := client.PSubscribe(ctx, channelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to broadcast channels: %w", err)
	}

	b := &RedisBroadcaster{
		local:  NewHub(),
		client: client,
		pubsub: pubsub,
		cancel: cancel,
	}
	go b.receiveLoop(ctx)
	return b, nil
}

// Join adds a session to the local group registry.
func (b *RedisBroadcaster) Join(conversationID uint, s Subscriber) {
	b.local.Join(conversationID, s)
}

// Leave removes a session from the local group registry.
func (b *RedisBroadcaster) Leave(conversationID uint, s Subscriber) {
	b.local.Leave(conversationID, s)
}

// Publish sends the event through Redis; delivery to local sessions happens
// when the message arrives back on the subscription.
func (b *RedisBroadcaster) Publish(conversationID uint, ev *Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logging.S().Errorw("failed to marshal broadcast event", "error", err)
		return
	}
	ctx, cancelPub := context.WithTimeout(context.Background(), redisPublishTimeout)
	defer cancelPub()
	channel := channelPrefix + strconv.FormatUint(uint64(conversationID), 10)
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		logging.S().Errorw("failed to publish broadcast event",
			"conversation_id", conversationID,
			"error", err,
		)
	}
}

func (b *RedisBroadcaster) receiveLoop(ctx context.Context) {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			conversationID, err := conversationFromChannel(msg.Channel)
			if err != nil {
				logging.S().Warnw("broadcast on unexpected channel", "channel", msg.Channel)
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logging.S().Warnw("malformed broadcast payload", "channel", msg.Channel, "error", err)
				continue
			}
			b.local.Publish(conversationID, &ev)
		}
	}
}

// Close stops the delivery loop and the subscription.
func (b *RedisBroadcaster) Close() error {
	b.cancel()
	return b.pubsub.Close()
}

func conversationFromChannel(channel string) (uint, error) {
	raw := strings.TrimPrefix(channel, channelPrefix)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(id), nil
}
