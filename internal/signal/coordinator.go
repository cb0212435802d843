// Package signal coordinates rooms, peers and the media negotiation
// protocol between signaling connections and the media engine.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-meet/internal/core"
	"github.com/isqad/livelook-meet/internal/media"
	"github.com/isqad/livelook-meet/internal/telemetry"
)

// WebSocket close codes used by the coordinator
const (
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)

const defaultNegotiationTimeout = 15 * time.Second

// Sender is the outbound half of a connection. Write must not block:
// a slow or closed connection reports an error instead.
type Sender interface {
	Write(msg []byte) error
	Close(code int, reason string) error
}

// Mirror receives a copy of every room broadcast. Publish must not block.
type Mirror interface {
	Publish(roomID string, msg []byte)
}

type Options struct {
	Pool               *media.Pool
	Meets              core.MeetStorer
	Mirror             Mirror
	NegotiationTimeout time.Duration
}

type handlerFunc func(ctx context.Context, s *PeerSession, payload json.RawMessage) error

type Coordinator struct {
	pool    *media.Pool
	meets   core.MeetStorer
	mirror  Mirror
	timeout time.Duration

	handlers map[MessageType]handlerFunc
	draining atomic.Bool

	state     sync.RWMutex
	registry  *Registry
	rooms     *RoomDirectory
	producers *ProducerIndex
}

func New(opts Options) *Coordinator {
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = defaultNegotiationTimeout
	}

	c := &Coordinator{
		pool:      opts.Pool,
		meets:     opts.Meets,
		mirror:    opts.Mirror,
		timeout:   opts.NegotiationTimeout,
		registry:  newRegistry(),
		rooms:     newRoomDirectory(),
		producers: newProducerIndex(),
	}

	c.handlers = map[MessageType]handlerFunc{
		JoinRoomMessage:                 c.onJoinRoom,
		LeaveRoomMessage:                c.onLeaveRoom,
		ChatMessage:                     c.onChat,
		GetRouterRtpCapabilitiesMessage: c.onGetRouterRtpCapabilities,
		CreateProducerTransportMessage:  c.onCreateTransport(media.DirectionSend),
		ConnectProducerTransportMessage: c.onConnectTransport(media.DirectionSend),
		ProduceMessage:                  c.onProduce,
		CreateConsumerTransportMessage:  c.onCreateTransport(media.DirectionRecv),
		ConnectConsumerTransportMessage: c.onConnectTransport(media.DirectionRecv),
		ConsumeMessage:                  c.onConsume,
		ResumeMessage:                   c.onResume,
		ProducerPausedMessage:           c.onProducerState(ProducerPausedMessage),
		ProducerResumedMessage:          c.onProducerState(ProducerResumedMessage),
		ProducerClosedMessage:           c.onProducerState(ProducerClosedMessage),
	}

	return c
}

// Connect registers an authenticated connection. It must complete before
// any message of the connection is handled.
func (c *Coordinator) Connect(id core.ConnID, peer core.Peer, sender Sender) error {
	s := newPeerSession(id, peer, sender)

	c.state.Lock()
	added := c.registry.add(s)
	c.state.Unlock()

	if !added {
		return errors.New("connection is already registered")
	}

	telemetry.ConnectionOpened()
	log.Debug().Str("service", "signal").Str("conn", string(id)).Str("peer", string(peer.ID)).Msg("connection registered")

	return nil
}

// Disconnect leaves every room of the connection and releases all of its
// media resources.
func (c *Coordinator) Disconnect(ctx context.Context, id core.ConnID) {
	s, ok := c.session(id)
	if !ok {
		return
	}

	s.op.Lock()
	defer s.op.Unlock()

	if !c.live(s) {
		return
	}

	for _, roomID := range s.roomIDs() {
		c.leave(ctx, s, roomID)
	}

	c.state.Lock()
	res := s.reset()
	c.unindexLocked(s, res)
	c.registry.remove(id)
	c.state.Unlock()

	c.release(ctx, res)

	telemetry.ConnectionClosed()
	log.Debug().Str("service", "signal").Str("conn", string(id)).Str("peer", string(s.peer.ID)).Msg("connection released")
}

// HandleMessage processes one inbound message. Messages of a connection are
// handled one at a time in the order they arrive.
func (c *Coordinator) HandleMessage(ctx context.Context, id core.ConnID, raw []byte) {
	s, ok := c.session(id)
	if !ok {
		log.Warn().Str("service", "signal").Str("conn", string(id)).Msg("message from unknown connection")
		return
	}

	s.op.Lock()
	defer s.op.Unlock()

	if !c.live(s) {
		return
	}

	env := Envelope{}
	if err := json.Unmarshal(raw, &env); err != nil {
		telemetry.MessageHandled("invalid", ProtocolError.String())
		c.replyError(s, ErrInvalidMessage)
		return
	}

	handler, ok := c.handlers[env.Type]
	if !ok {
		telemetry.MessageHandled("unknown", "ignored")
		log.Debug().Str("service", "signal").Str("conn", string(id)).Str("type", string(env.Type)).Msg("unknown message type")
		return
	}

	if err := handler(ctx, s, env.Payload); err != nil {
		e := asError(err)
		telemetry.MessageHandled(string(env.Type), e.Kind.String())
		log.Warn().Str("service", "signal").
			Str("conn", string(id)).
			Str("peer", string(s.peer.ID)).
			Str("type", string(env.Type)).
			Str("kind", e.Kind.String()).
			Err(e).
			Msg("message failed")
		c.replyError(s, e)

		// an unreachable engine is not coming back for this process
		if e.Kind == ResourceExhaustion && !errors.Is(e, ErrDraining) {
			c.Drain(e)
		}
		return
	}

	telemetry.MessageHandled(string(env.Type), "ok")
}

// Drain makes the coordinator refuse new negotiations. It is called once the
// media engine can no longer be trusted.
func (c *Coordinator) Drain(cause error) {
	if c.draining.CompareAndSwap(false, true) {
		log.Error().Str("service", "signal").Err(cause).Msg("media engine lost, draining")
	}
}

func (c *Coordinator) Draining() bool {
	return c.draining.Load()
}

// WatchEngine drains the coordinator when the engine reports a dead worker
func (c *Coordinator) WatchEngine(ctx context.Context, engine media.Engine) {
	go func() {
		select {
		case <-ctx.Done():
		case err := <-engine.Died():
			c.Drain(err)
		}
	}()
}

// EvictRoom force-disconnects every member of a room
func (c *Coordinator) EvictRoom(ctx context.Context, roomID, reason string) {
	c.state.Lock()
	var members []*PeerSession
	for _, id := range c.rooms.members(roomID) {
		s, ok := c.registry.get(id)
		if !ok {
			c.rooms.leave(roomID, id)
			continue
		}
		members = append(members, s)
	}
	if !c.rooms.exists(roomID) {
		c.pool.Release(roomID)
	}
	c.state.Unlock()

	log.Error().Str("service", "signal").Str("room", roomID).Int("members", len(members)).Str("reason", reason).Msg("evicting room")

	for _, s := range members {
		_ = s.sender.Close(CloseInternalError, reason)
		c.Disconnect(ctx, s.conn)
	}
}

// Shutdown closes every connection
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.state.RLock()
	ids := c.registry.ids()
	c.state.RUnlock()

	for _, id := range ids {
		if s, ok := c.session(id); ok {
			_ = s.sender.Close(CloseGoingAway, "server is shutting down")
		}
		c.Disconnect(ctx, id)
	}
}

func (c *Coordinator) session(id core.ConnID) (*PeerSession, bool) {
	c.state.RLock()
	defer c.state.RUnlock()

	return c.registry.get(id)
}

// live reports whether s is still the registered session of its connection
func (c *Coordinator) live(s *PeerSession) bool {
	current, ok := c.session(s.conn)
	return ok && current == s
}

func (c *Coordinator) reply(s *PeerSession, t MessageType, payload interface{}) {
	msg, err := Encode(t, payload)
	if err != nil {
		log.Error().Str("service", "signal").Err(err).Str("type", string(t)).Msg("encode reply")
		return
	}
	if err := s.sender.Write(msg); err != nil {
		log.Debug().Str("service", "signal").Str("conn", string(s.conn)).Err(err).Msg("reply dropped")
	}
}

func (c *Coordinator) replyError(s *PeerSession, e *Error) {
	c.reply(s, ErrorMessage, ErrorPayload{Message: e.Message, Retryable: e.Retryable})
}
