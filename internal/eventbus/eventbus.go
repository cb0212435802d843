package eventbus

import (
	"context"
	"sync/atomic"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

type Channel string

const RoomEvents Channel = "room_events"

func (c Channel) buildChannel(roomID string) string {
	return string(c) + ":" + roomID
}

// RoomChannel is the redis channel carrying the events of one room
func RoomChannel(roomID string) string {
	return RoomEvents.buildChannel(roomID)
}

// Publisher is the part of *redis.Client the mirror needs
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type roomEvent struct {
	roomID string
	msg    []byte
}

// Mirror republishes room broadcasts on redis for observers outside the
// signaling server. Publishing never blocks the caller: events that do
// not fit the buffer are dropped.
type Mirror struct {
	rdb     Publisher
	events  chan roomEvent
	dropped atomic.Int64
}

func NewMirror(rdb Publisher, buffer int) *Mirror {
	if buffer <= 0 {
		buffer = 256
	}
	return &Mirror{
		rdb:    rdb,
		events: make(chan roomEvent, buffer),
	}
}

func (m *Mirror) Publish(roomID string, msg []byte) {
	select {
	case m.events <- roomEvent{roomID: roomID, msg: msg}:
	default:
		n := m.dropped.Add(1)
		log.Warn().Str("service", "eventbus").Str("room", roomID).Int64("dropped", n).Msg("mirror buffer is full")
	}
}

// Dropped reports how many events did not fit the buffer
func (m *Mirror) Dropped() int64 {
	return m.dropped.Load()
}

// Run publishes buffered events until ctx is done
func (m *Mirror) Run(ctx context.Context) {
	log.Debug().Str("service", "eventbus").Msg("start")

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			if err := m.rdb.Publish(ctx, RoomChannel(ev.roomID), ev.msg).Err(); err != nil {
				log.Error().Err(err).Str("service", "eventbus").Str("room", ev.roomID).Msg("publish room event")
			}
		}
	}
}

type Subscription struct {
	pubsub *redis.PubSub
}

func (s *Subscription) Channel() <-chan *redis.Message {
	return s.pubsub.Channel()
}

func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

// SubscribeRoom follows the mirrored events of a room
func SubscribeRoom(ctx context.Context, rdb *redis.Client, roomID string) (*Subscription, error) {
	pubsub := rdb.Subscribe(ctx, RoomChannel(roomID))
	// Wait until subscription is created
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	return &Subscription{pubsub: pubsub}, nil
}
