package signal

import "github.com/isqad/livelook-meet/internal/core"

type Stats struct {
	Connections int  `json:"connections"`
	Rooms       int  `json:"rooms"`
	Producers   int  `json:"producers"`
	Draining    bool `json:"draining"`
}

func (c *Coordinator) Stats() Stats {
	c.state.RLock()
	defer c.state.RUnlock()

	return Stats{
		Connections: len(c.registry.conns),
		Rooms:       len(c.rooms.rooms),
		Producers:   c.producers.size(),
		Draining:    c.Draining(),
	}
}

func (c *Coordinator) Rooms() []string {
	c.state.RLock()
	defer c.state.RUnlock()

	return c.rooms.ids()
}

func (c *Coordinator) RoomExists(roomID string) bool {
	c.state.RLock()
	defer c.state.RUnlock()

	return c.rooms.exists(roomID)
}

func (c *Coordinator) RoomMembers(roomID string) []core.ConnID {
	c.state.RLock()
	defer c.state.RUnlock()

	return c.rooms.members(roomID)
}

// FindProducer resolves a producer by id, whatever room it belongs to
func (c *Coordinator) FindProducer(id string) (ProducerInfo, bool) {
	c.state.RLock()
	defer c.state.RUnlock()

	e, ok := c.producers.get(id)
	if !ok {
		return ProducerInfo{}, false
	}
	return e.info(), true
}

func (c *Coordinator) Session(id core.ConnID) (Snapshot, bool) {
	s, ok := c.session(id)
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}
