package signal

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/isqad/livelook-meet/internal/core"
	"github.com/isqad/livelook-meet/internal/media"
	"github.com/isqad/livelook-meet/internal/telemetry"
)

const releaseParallelism = 8

// leave removes the session from a room and releases all of its media.
// Remaining members learn about every closed producer before the leave
// notification. Leaving a room the session is not in is a no-op. The
// caller holds s.op.
func (c *Coordinator) leave(ctx context.Context, s *PeerSession, roomID string) {
	c.state.Lock()
	removed, destroyed := c.rooms.leave(roomID, s.conn)
	if !removed {
		c.state.Unlock()
		return
	}

	s.Lock()
	delete(s.rooms, roomID)
	s.Unlock()

	res := s.reset()
	closed := c.unindexLocked(s, res)

	for _, e := range closed {
		if !c.rooms.exists(e.room) {
			continue
		}
		c.encodeAndBroadcastLocked(e.room, ProducerClosedMessage, ProducerStatePayload{UserID: s.peer.ID, Type: e.producer.AppData().Type}, s.conn)
	}

	if destroyed {
		c.pool.Release(roomID)
		telemetry.RoomDestroyed()
	} else {
		c.encodeAndBroadcastLocked(roomID, UserLeftMessage, UserEventPayload{
			User:    UserInfo{ID: s.peer.ID},
			Message: "user left the room",
		}, s.conn)
	}
	c.state.Unlock()

	log.Info().Str("service", "signal").Str("room", roomID).Str("peer", string(s.peer.ID)).Bool("destroyed", destroyed).Msg("peer left room")

	c.release(ctx, res)
}

// unindexLocked drops the producers and consumers of res from the index.
// Consumers other sessions hold on the removed producers are dropped from
// their sessions too; the engine closes them along with the producer.
func (c *Coordinator) unindexLocked(s *PeerSession, res resources) []*producerEntry {
	var closed []*producerEntry

	for _, p := range res.producers {
		if e, ok := c.producers.remove(p.ID()); ok {
			c.dropConsumersLocked(e)
			closed = append(closed, e)
		}
	}

	for _, cons := range res.consumers {
		if e, ok := c.producers.get(cons.ProducerID()); ok {
			delete(e.consumers, cons.ID())
		}
	}

	return closed
}

func (c *Coordinator) dropConsumersLocked(e *producerEntry) {
	for consumerID, connID := range e.consumers {
		holder, ok := c.registry.get(connID)
		if !ok {
			continue
		}

		holder.Lock()
		_, held := holder.consumers[consumerID]
		delete(holder.consumers, consumerID)
		holder.Unlock()

		if held {
			telemetry.ConsumersClosed(1)
		}
	}
	e.consumers = map[string]core.ConnID{}
}

// release closes engine resources, consumers and producers first and the
// transports last.
func (c *Coordinator) release(ctx context.Context, res resources) {
	if len(res.producers)+len(res.consumers)+len(res.transports) == 0 {
		return
	}

	p := pool.New().WithMaxGoroutines(releaseParallelism)
	for _, cons := range res.consumers {
		cons := cons
		p.Go(func() { closeLogged(ctx, "consumer", cons.ID(), cons.Close) })
	}
	for _, prod := range res.producers {
		prod := prod
		p.Go(func() { closeLogged(ctx, "producer", prod.ID(), prod.Close) })
	}
	p.Wait()

	p = pool.New().WithMaxGoroutines(releaseParallelism)
	for _, t := range res.transports {
		t := t
		p.Go(func() { closeLogged(ctx, "transport", t.ID(), t.Close) })
	}
	p.Wait()

	telemetry.ConsumersClosed(len(res.consumers))
	telemetry.ProducersClosed(len(res.producers))
	telemetry.TransportsClosed(len(res.transports))
}

func closeLogged(ctx context.Context, what, id string, closeFn func(context.Context) error) {
	if err := closeFn(ctx); err != nil {
		log.Warn().Str("service", "signal").Str(what, id).Err(err).Msg("close failed")
	}
}

// closeTransport releases a single transport outside of a full teardown
func closeTransport(ctx context.Context, t media.Transport) {
	closeLogged(ctx, "transport", t.ID(), t.Close)
	telemetry.TransportsClosed(1)
}
