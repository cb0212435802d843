package signal

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-meet/internal/telemetry"
)

func decode(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return &Error{Kind: ProtocolError, Message: ErrInvalidMessage.Message, Err: err}
	}
	return nil
}

func (c *Coordinator) onJoinRoom(ctx context.Context, s *PeerSession, payload json.RawMessage) error {
	req := RoomPayload{}
	if err := decode(payload, &req); err != nil {
		return err
	}
	if req.RoomID == "" {
		return ErrRoomRequired
	}

	if c.meets != nil {
		exists, err := c.meets.Exists(ctx, req.RoomID)
		if err != nil {
			return &Error{Kind: NegotiationFailure, Message: "Failed to join room", Err: err}
		}
		if !exists {
			return ErrMeetNotFound
		}
	}

	c.state.Lock()
	defer c.state.Unlock()

	created, added := c.rooms.join(req.RoomID, s.conn)
	if created {
		router := c.pool.Pick(req.RoomID)
		telemetry.RoomCreated()
		log.Debug().Str("service", "signal").Str("room", req.RoomID).Str("router", router.ID()).Msg("room created")
	}

	if added {
		s.Lock()
		s.rooms[req.RoomID] = struct{}{}
		s.Unlock()
	}

	users := make([]UserInfo, 0)
	for _, id := range c.rooms.members(req.RoomID) {
		if id == s.conn {
			continue
		}
		if member, ok := c.registry.get(id); ok {
			users = append(users, userInfo(member.peer))
		}
	}
	sort.SliceStable(users, func(i, j int) bool { return users[i].ID < users[j].ID })

	c.reply(s, JoinSuccessMessage, JoinSuccessPayload{
		Users:     users,
		Producers: c.producers.inRoom(req.RoomID, s.conn),
	})

	// a repeated join only refreshes the roster of the joiner
	if added {
		c.encodeAndBroadcastLocked(req.RoomID, UserJoinedMessage, UserEventPayload{
			User:    userInfo(s.peer),
			Message: "new user joined room",
		}, s.conn)

		log.Info().Str("service", "signal").Str("room", req.RoomID).Str("peer", string(s.peer.ID)).Msg("peer joined room")
	}

	return nil
}

func (c *Coordinator) onLeaveRoom(ctx context.Context, s *PeerSession, payload json.RawMessage) error {
	req := RoomPayload{}
	if err := decode(payload, &req); err != nil {
		return err
	}
	if req.RoomID == "" {
		return ErrRoomRequired
	}

	c.leave(ctx, s, req.RoomID)
	return nil
}

func (c *Coordinator) onChat(ctx context.Context, s *PeerSession, payload json.RawMessage) error {
	req := ChatPayload{}
	if err := decode(payload, &req); err != nil {
		return err
	}
	if req.RoomID == "" {
		return ErrRoomRequired
	}
	if !s.inRoom(req.RoomID) {
		return ErrNotInRoom
	}

	c.broadcast(req.RoomID, ChatMessage, ChatPayload{
		RoomID:    req.RoomID,
		Message:   req.Message,
		FirstName: s.peer.FirstName,
		LastName:  s.peer.LastName,
	}, s.conn)

	return nil
}
