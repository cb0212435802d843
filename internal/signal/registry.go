package signal

import (
	"sort"

	"github.com/isqad/livelook-meet/internal/core"
	"github.com/isqad/livelook-meet/internal/media"
)

// The structures below are not safe for concurrent use. The coordinator
// guards all of them with one lock so that membership, roster and
// producer changes are observed atomically.

// Registry maps live connections to their sessions
type Registry struct {
	conns map[core.ConnID]*PeerSession
}

func newRegistry() *Registry {
	return &Registry{conns: make(map[core.ConnID]*PeerSession)}
}

func (r *Registry) add(s *PeerSession) bool {
	if _, ok := r.conns[s.conn]; ok {
		return false
	}
	r.conns[s.conn] = s
	return true
}

func (r *Registry) remove(id core.ConnID) {
	delete(r.conns, id)
}

func (r *Registry) get(id core.ConnID) (*PeerSession, bool) {
	s, ok := r.conns[id]
	return s, ok
}

func (r *Registry) ids() []core.ConnID {
	ids := make([]core.ConnID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// RoomDirectory maps room ids to the connections joined to them
type RoomDirectory struct {
	rooms map[string]map[core.ConnID]struct{}
}

func newRoomDirectory() *RoomDirectory {
	return &RoomDirectory{rooms: make(map[string]map[core.ConnID]struct{})}
}

// join adds conn to the room, creating the room when absent
func (d *RoomDirectory) join(roomID string, conn core.ConnID) (created, added bool) {
	members, ok := d.rooms[roomID]
	if !ok {
		members = make(map[core.ConnID]struct{})
		d.rooms[roomID] = members
		created = true
	}
	if _, ok := members[conn]; ok {
		return created, false
	}
	members[conn] = struct{}{}
	return created, true
}

// leave removes conn and destroys the room once it is empty
func (d *RoomDirectory) leave(roomID string, conn core.ConnID) (removed, destroyed bool) {
	members, ok := d.rooms[roomID]
	if !ok {
		return false, false
	}
	if _, ok := members[conn]; !ok {
		return false, false
	}
	delete(members, conn)
	if len(members) == 0 {
		delete(d.rooms, roomID)
		return true, true
	}
	return true, false
}

func (d *RoomDirectory) has(roomID string, conn core.ConnID) bool {
	_, ok := d.rooms[roomID][conn]
	return ok
}

func (d *RoomDirectory) exists(roomID string) bool {
	_, ok := d.rooms[roomID]
	return ok
}

func (d *RoomDirectory) members(roomID string) []core.ConnID {
	members := d.rooms[roomID]
	ids := make([]core.ConnID, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (d *RoomDirectory) ids() []string {
	ids := make([]string, 0, len(d.rooms))
	for id := range d.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type producerEntry struct {
	producer media.Producer
	router   media.Router
	owner    core.ConnID
	peer     core.PeerID
	room     string

	// consumer id -> consuming connection
	consumers map[string]core.ConnID
}

func (e *producerEntry) info() ProducerInfo {
	return ProducerInfo{
		ID:     e.producer.ID(),
		UserID: e.peer,
		Kind:   e.producer.Kind(),
		Type:   e.producer.AppData().Type,
	}
}

// ProducerIndex resolves producers by id across all rooms
type ProducerIndex struct {
	entries map[string]*producerEntry
}

func newProducerIndex() *ProducerIndex {
	return &ProducerIndex{entries: make(map[string]*producerEntry)}
}

func (x *ProducerIndex) add(e *producerEntry) {
	x.entries[e.producer.ID()] = e
}

func (x *ProducerIndex) get(id string) (*producerEntry, bool) {
	e, ok := x.entries[id]
	return e, ok
}

func (x *ProducerIndex) remove(id string) (*producerEntry, bool) {
	e, ok := x.entries[id]
	if ok {
		delete(x.entries, id)
	}
	return e, ok
}

// inRoom lists the producers of a room except those owned by exclude
func (x *ProducerIndex) inRoom(roomID string, exclude core.ConnID) []ProducerInfo {
	out := make([]ProducerInfo, 0)
	for _, e := range x.entries {
		if e.room == roomID && e.owner != exclude {
			out = append(out, e.info())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (x *ProducerIndex) size() int {
	return len(x.entries)
}
