package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-meet/internal/core"
	"github.com/isqad/livelook-meet/internal/media"
	"github.com/isqad/livelook-meet/internal/telemetry"
)

type transportMessages struct {
	name      string
	created   MessageType
	connected MessageType
	ack       string
	failure   string
}

var directionMessages = map[media.Direction]transportMessages{
	media.DirectionSend: {
		name:      "producer",
		created:   ProducerTransportCreatedMessage,
		connected: ProducerConnectedMessage,
		ack:       "Producer connected successfully!",
		failure:   "Failed to create producer transport",
	},
	media.DirectionRecv: {
		name:      "consumer",
		created:   SubTransportCreatedMessage,
		connected: SubConnectedMessage,
		ack:       "Consumer connected successfully!",
		failure:   "Failed to Create ConsumerTransport",
	},
}

func (c *Coordinator) onGetRouterRtpCapabilities(ctx context.Context, s *PeerSession, _ json.RawMessage) error {
	if c.Draining() {
		return ErrDraining
	}

	caps, err := c.pool.Pick(s.currentRoom()).RtpCapabilities(ctx)
	if err != nil {
		return negotiationError("Failed to get router capabilities", err)
	}

	c.reply(s, RouterCapabilitiesMessage, CapabilitiesPayload{RtpCapabilities: caps})
	return nil
}

func (c *Coordinator) onCreateTransport(dir media.Direction) handlerFunc {
	msgs := directionMessages[dir]

	return func(ctx context.Context, s *PeerSession, _ json.RawMessage) error {
		if c.Draining() {
			return ErrDraining
		}

		// a transport still waiting for connect is replaced, a connected one is kept
		s.Lock()
		slot := s.slot(dir)
		if slot.usable() {
			s.Unlock()
			return protocolError("%s transport already exists", msgs.name)
		}
		stale := slot.release()
		s.Unlock()

		if stale != nil {
			closeTransport(ctx, stale)
		}

		router := c.pool.Pick(s.currentRoom())
		t, err := router.CreateWebRtcTransport(ctx, media.TransportOptions{Direction: dir, PeerID: string(s.peer.ID)})
		if err != nil {
			return negotiationError(msgs.failure, err)
		}
		telemetry.TransportsOpened(1)

		transportID := t.ID()
		timer := time.AfterFunc(c.timeout, func() {
			c.expireTransport(s, dir, transportID)
		})

		s.Lock()
		*slot = transportSlot{transport: t, router: router, state: TransportCreated, timer: timer}
		s.Unlock()

		c.reply(s, msgs.created, TransportCreatedPayload{Params: t.Params()})
		return nil
	}
}

// expireTransport tears down a transport that never finished its connect
// phase and tells the client to start over.
func (c *Coordinator) expireTransport(s *PeerSession, dir media.Direction, transportID string) {
	s.op.Lock()
	defer s.op.Unlock()

	if !c.live(s) {
		return
	}

	s.Lock()
	slot := s.slot(dir)
	if slot.transport == nil || slot.transport.ID() != transportID || slot.state != TransportCreated {
		s.Unlock()
		return
	}
	t := slot.release()
	s.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	closeTransport(ctx, t)

	name := directionMessages[dir].name
	log.Warn().Str("service", "signal").Str("conn", string(s.conn)).Str("transport", transportID).Msgf("%s transport negotiation timed out", name)

	c.replyError(s, &Error{
		Kind:      NegotiationFailure,
		Message:   fmt.Sprintf("%s transport negotiation timed out", name),
		Retryable: true,
	})
}

func (c *Coordinator) onConnectTransport(dir media.Direction) handlerFunc {
	msgs := directionMessages[dir]

	return func(ctx context.Context, s *PeerSession, payload json.RawMessage) error {
		req := ConnectTransportPayload{}
		if err := decode(payload, &req); err != nil {
			return err
		}
		if req.DtlsParameters == nil {
			return protocolError("dtlsParameters are required")
		}
		if c.Draining() {
			return ErrDraining
		}

		s.Lock()
		slot := s.slot(dir)
		switch {
		case slot.transport == nil:
			s.Unlock()
			return protocolError("%s transport does not exist", msgs.name)
		case slot.state != TransportCreated:
			s.Unlock()
			return protocolError("%s transport is already connected", msgs.name)
		case req.TransportID != "" && req.TransportID != slot.transport.ID():
			s.Unlock()
			return notFoundError("Transport %s not found", req.TransportID)
		}
		t := slot.transport
		s.Unlock()

		if err := t.Connect(ctx, *req.DtlsParameters); err != nil {
			return negotiationError(fmt.Sprintf("Failed to connect %s transport", msgs.name), err)
		}

		s.Lock()
		slot.state = TransportConnected
		slot.stopTimer()
		s.Unlock()

		c.reply(s, msgs.connected, AckPayload{Message: msgs.ack})
		return nil
	}
}

func (c *Coordinator) onProduce(ctx context.Context, s *PeerSession, payload json.RawMessage) error {
	req := ProducePayload{}
	if err := decode(payload, &req); err != nil {
		return err
	}
	switch {
	case !req.Kind.Valid():
		return protocolError("invalid kind %q", req.Kind)
	case !req.AppData.Type.Valid():
		return protocolError("invalid producer type %q", req.AppData.Type)
	case req.AppData.RoomID == "":
		return ErrRoomRequired
	case len(req.RtpParameters) == 0:
		return protocolError("rtpParameters are required")
	}
	if !s.inRoom(req.AppData.RoomID) {
		return ErrNotInRoom
	}
	if c.Draining() {
		return ErrDraining
	}

	s.Lock()
	slot := s.slot(media.DirectionSend)
	if !slot.usable() {
		s.Unlock()
		return protocolError("producer transport is not connected")
	}
	if req.TransportID != "" && req.TransportID != slot.transport.ID() {
		s.Unlock()
		return notFoundError("Transport %s not found", req.TransportID)
	}
	t, router := slot.transport, slot.router
	s.Unlock()

	p, err := t.Produce(ctx, media.ProduceOptions{
		Kind:          req.Kind,
		RtpParameters: req.RtpParameters,
		AppData: media.AppData{
			Type:   req.AppData.Type,
			RoomID: req.AppData.RoomID,
			PeerID: string(s.peer.ID),
		},
	})
	if err != nil {
		return negotiationError("Failed to produce", err)
	}
	telemetry.ProducersOpened(1)

	c.state.Lock()
	s.Lock()
	s.producers[p.ID()] = p
	slot.state = TransportActive
	s.Unlock()

	entry := &producerEntry{
		producer:  p,
		router:    router,
		owner:     s.conn,
		peer:      s.peer.ID,
		room:      req.AppData.RoomID,
		consumers: make(map[string]core.ConnID),
	}
	c.producers.add(entry)

	c.reply(s, ProducedMessage, ProducedPayload{ID: p.ID()})
	c.encodeAndBroadcastLocked(entry.room, NewProducerMessage, entry.info(), s.conn)
	c.state.Unlock()

	log.Info().Str("service", "signal").Str("peer", string(s.peer.ID)).Str("producer", p.ID()).Str("type", string(req.AppData.Type)).Msg("producer created")

	return nil
}

func (c *Coordinator) onConsume(ctx context.Context, s *PeerSession, payload json.RawMessage) error {
	req := ConsumePayload{}
	if err := decode(payload, &req); err != nil {
		return err
	}
	if req.ProducerID == "" {
		return protocolError("producerId is required")
	}
	if len(req.RtpCapabilities) == 0 {
		return protocolError("rtpCapabilities are required")
	}
	if c.Draining() {
		return ErrDraining
	}

	c.state.RLock()
	entry, found := c.producers.get(req.ProducerID)
	c.state.RUnlock()
	if !found {
		return notFoundError("Producer not found")
	}

	s.Lock()
	slot := s.slot(media.DirectionRecv)
	if !slot.usable() {
		s.Unlock()
		return protocolError("consumer transport is not connected")
	}
	t, router := slot.transport, slot.router
	s.Unlock()

	// the receive transport may live on another router than the producer
	if router.ID() != entry.router.ID() {
		if err := router.PipeProducer(ctx, req.ProducerID, entry.router); err != nil {
			return negotiationError("Failed to consume", err)
		}
	}

	ok, err := router.CanConsume(ctx, req.ProducerID, req.RtpCapabilities)
	if err != nil {
		return negotiationError("Failed to consume", err)
	}
	if !ok {
		log.Warn().Str("service", "signal").Str("conn", string(s.conn)).Str("producer", req.ProducerID).Msg("cannot consume")
		return &Error{Kind: NegotiationFailure, Message: "Cannot consume", Err: media.ErrIncompatible}
	}

	cons, err := t.Consume(ctx, media.ConsumeOptions{
		ProducerID:      req.ProducerID,
		RtpCapabilities: req.RtpCapabilities,
		Paused:          entry.producer.Kind() == media.KindVideo,
	})
	if err != nil {
		return negotiationError("Failed to consume", err)
	}
	telemetry.ConsumersOpened(1)

	c.state.Lock()
	if current, ok := c.producers.get(req.ProducerID); !ok || current != entry {
		c.state.Unlock()
		closeLogged(ctx, "consumer", cons.ID(), cons.Close)
		telemetry.ConsumersClosed(1)
		return notFoundError("Producer not found")
	}
	entry.consumers[cons.ID()] = s.conn
	s.Lock()
	s.consumers[cons.ID()] = cons
	slot.state = TransportActive
	s.Unlock()
	c.state.Unlock()

	c.reply(s, SubscribedMessage, SubscribedPayload{Consumer: ConsumerInfo{
		ProducerID:    req.ProducerID,
		ID:            cons.ID(),
		Kind:          cons.Kind(),
		RtpParameters: cons.RtpParameters(),
	}})

	return nil
}

func (c *Coordinator) onResume(ctx context.Context, s *PeerSession, payload json.RawMessage) error {
	req := ResumePayload{}
	if err := decode(payload, &req); err != nil {
		return err
	}
	if req.ID == "" {
		return protocolError("consumer id is required")
	}

	cons, ok := s.consumer(req.ID)
	if !ok {
		return notFoundError("Consumer not found")
	}
	if err := cons.Resume(ctx); err != nil {
		return negotiationError("Failed to resume consumer", err)
	}

	c.reply(s, ResumedMessage, AckPayload{Message: "Resumed"})
	return nil
}

// onProducerState applies pause, resume or close to every producer of the
// sender with the given type and tells the rest of the room.
func (c *Coordinator) onProducerState(action MessageType) handlerFunc {
	return func(ctx context.Context, s *PeerSession, payload json.RawMessage) error {
		req := ProducerStatePayload{}
		if err := decode(payload, &req); err != nil {
			return err
		}
		if req.RoomID == "" {
			return ErrRoomRequired
		}
		if !req.Type.Valid() {
			return protocolError("invalid producer type %q", req.Type)
		}
		if !s.inRoom(req.RoomID) {
			return ErrNotInRoom
		}

		notice := ProducerStatePayload{UserID: s.peer.ID, Type: req.Type}
		producers := s.producersOfType(req.Type)

		if action == ProducerClosedMessage {
			c.closeProducers(ctx, s, req.RoomID, producers, notice)
			return nil
		}

		for _, p := range producers {
			var err error
			if action == ProducerPausedMessage {
				err = p.Pause(ctx)
			} else {
				err = p.Resume(ctx)
			}
			if err != nil {
				return negotiationError(fmt.Sprintf("Failed to update %s producer", req.Type), err)
			}
		}

		c.broadcast(req.RoomID, action, notice, s.conn)
		return nil
	}
}

func (c *Coordinator) closeProducers(ctx context.Context, s *PeerSession, roomID string, producers []media.Producer, notice ProducerStatePayload) {
	c.state.Lock()
	s.Lock()
	for _, p := range producers {
		delete(s.producers, p.ID())
	}
	s.Unlock()

	for _, p := range producers {
		if e, ok := c.producers.remove(p.ID()); ok {
			c.dropConsumersLocked(e)
		}
	}
	c.encodeAndBroadcastLocked(roomID, ProducerClosedMessage, notice, s.conn)
	c.state.Unlock()

	c.release(ctx, resources{producers: producers})
}
