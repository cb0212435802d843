package signal

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-meet/internal/core"
)

// broadcastLocked delivers msg to every member of the room except exclude.
// The caller holds c.state. Delivery is best effort per recipient. It
// returns false when the room lists a connection the registry does not know.
func (c *Coordinator) broadcastLocked(roomID string, msg []byte, exclude core.ConnID) bool {
	consistent := true

	for _, id := range c.rooms.members(roomID) {
		if id == exclude {
			continue
		}

		s, ok := c.registry.get(id)
		if !ok {
			consistent = false
			continue
		}

		if err := s.sender.Write(msg); err != nil {
			log.Debug().Str("service", "signal").Str("room", roomID).Str("conn", string(id)).Err(err).Msg("broadcast skipped")
		}
	}

	if c.mirror != nil {
		c.mirror.Publish(roomID, msg)
	}

	return consistent
}

// broadcast encodes and fans out a message under the state lock. A room found
// inconsistent is evicted.
func (c *Coordinator) broadcast(roomID string, t MessageType, payload interface{}, exclude core.ConnID) {
	msg, err := Encode(t, payload)
	if err != nil {
		log.Error().Str("service", "signal").Err(err).Str("type", string(t)).Msg("encode broadcast")
		return
	}

	c.state.RLock()
	consistent := c.broadcastLocked(roomID, msg, exclude)
	c.state.RUnlock()

	if !consistent {
		go c.EvictRoom(context.Background(), roomID, "room state is inconsistent")
	}
}

// encodeAndBroadcastLocked is broadcast for callers that already hold c.state
func (c *Coordinator) encodeAndBroadcastLocked(roomID string, t MessageType, payload interface{}, exclude core.ConnID) {
	msg, err := Encode(t, payload)
	if err != nil {
		log.Error().Str("service", "signal").Err(err).Str("type", string(t)).Msg("encode broadcast")
		return
	}

	if !c.broadcastLocked(roomID, msg, exclude) {
		go c.EvictRoom(context.Background(), roomID, "room state is inconsistent")
	}
}
