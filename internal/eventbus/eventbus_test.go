package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
)

type published struct {
	channel string
	message []byte
}

type mockPublisher struct {
	sync.Mutex
	messages []published
	err      error
}

func (p *mockPublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	p.Lock()
	defer p.Unlock()

	if p.err != nil {
		return redis.NewIntResult(0, p.err)
	}
	p.messages = append(p.messages, published{channel: channel, message: message.([]byte)})
	return redis.NewIntResult(1, nil)
}

func (p *mockPublisher) count() int {
	p.Lock()
	defer p.Unlock()

	return len(p.messages)
}

func TestRoomChannel(t *testing.T) {
	assert.Equal(t, "room_events:abc-defg-hij", RoomChannel("abc-defg-hij"))
}

func TestMirrorPublishes(t *testing.T) {
	pub := &mockPublisher{}
	m := NewMirror(pub, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.Publish("r1", []byte(`{"type":"user-joined"}`))
	m.Publish("r2", []byte(`{"type":"chat"}`))

	assert.Eventually(t, func() bool { return pub.count() == 2 }, time.Second, 5*time.Millisecond)

	pub.Lock()
	defer pub.Unlock()
	assert.Equal(t, "room_events:r1", pub.messages[0].channel)
	assert.Equal(t, `{"type":"user-joined"}`, string(pub.messages[0].message))
	assert.Equal(t, "room_events:r2", pub.messages[1].channel)
}

func TestMirrorDropsWhenFull(t *testing.T) {
	m := NewMirror(&mockPublisher{}, 1)

	m.Publish("r1", []byte("a"))
	m.Publish("r1", []byte("b"))
	m.Publish("r1", []byte("c"))

	assert.Equal(t, int64(2), m.Dropped())
}

func TestMirrorSurvivesPublishErrors(t *testing.T) {
	pub := &mockPublisher{err: errors.New("redis is down")}
	m := NewMirror(pub, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	m.Publish("r1", []byte("a"))
	m.Publish("r1", []byte("b"))
	assert.Eventually(t, func() bool { return len(m.events) == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("mirror did not stop")
	}
}
