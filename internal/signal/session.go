package signal

import (
	"sort"
	"sync"
	"time"

	"github.com/isqad/livelook-meet/internal/core"
	"github.com/isqad/livelook-meet/internal/media"
)

// TransportState tracks the two-phase handshake of a transport slot
type TransportState int

const (
	TransportAbsent TransportState = iota
	TransportCreated
	TransportConnected
	TransportActive
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportCreated:
		return "created"
	case TransportConnected:
		return "connected"
	case TransportActive:
		return "active"
	case TransportClosed:
		return "closed"
	}
	return "absent"
}

func (s TransportState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type transportSlot struct {
	transport media.Transport
	router    media.Router
	state     TransportState
	timer     *time.Timer
}

func (s *transportSlot) usable() bool {
	return s.transport != nil && (s.state == TransportConnected || s.state == TransportActive)
}

func (s *transportSlot) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// release empties the slot and hands back its transport for closing. A slot
// that held a transport is left Closed until a new one is created.
func (s *transportSlot) release() media.Transport {
	s.stopTimer()
	t := s.transport
	*s = transportSlot{}
	if t != nil {
		s.state = TransportClosed
	}
	return t
}

// PeerSession is the media state of one connection
type PeerSession struct {
	conn   core.ConnID
	peer   core.Peer
	sender Sender

	// serializes protocol operations of this connection, including
	// teardown and negotiation timeouts
	op sync.Mutex

	sync.Mutex
	rooms     map[string]struct{}
	send      transportSlot
	recv      transportSlot
	producers map[string]media.Producer
	consumers map[string]media.Consumer
}

func newPeerSession(conn core.ConnID, peer core.Peer, sender Sender) *PeerSession {
	return &PeerSession{
		conn:      conn,
		peer:      peer,
		sender:    sender,
		rooms:     make(map[string]struct{}),
		producers: make(map[string]media.Producer),
		consumers: make(map[string]media.Consumer),
	}
}

func (s *PeerSession) slot(dir media.Direction) *transportSlot {
	if dir == media.DirectionSend {
		return &s.send
	}
	return &s.recv
}

// currentRoom picks the room whose router serves new transports
func (s *PeerSession) currentRoom() string {
	s.Lock()
	defer s.Unlock()

	for id := range s.rooms {
		return id
	}
	return ""
}

func (s *PeerSession) inRoom(roomID string) bool {
	s.Lock()
	defer s.Unlock()

	_, ok := s.rooms[roomID]
	return ok
}

func (s *PeerSession) roomIDs() []string {
	s.Lock()
	defer s.Unlock()

	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	return ids
}

func (s *PeerSession) producersOfType(t media.StreamType) []media.Producer {
	s.Lock()
	defer s.Unlock()

	var out []media.Producer
	for _, p := range s.producers {
		if p.AppData().Type == t {
			out = append(out, p)
		}
	}
	return out
}

func (s *PeerSession) consumer(id string) (media.Consumer, bool) {
	s.Lock()
	defer s.Unlock()

	c, ok := s.consumers[id]
	return c, ok
}

// resources empties the session and hands back everything that still has
// to be closed on the engine
type resources struct {
	producers  []media.Producer
	consumers  []media.Consumer
	transports []media.Transport
}

func (s *PeerSession) reset() resources {
	s.Lock()
	defer s.Unlock()

	res := resources{}
	for _, p := range s.producers {
		res.producers = append(res.producers, p)
	}
	for _, c := range s.consumers {
		res.consumers = append(res.consumers, c)
	}
	for _, slot := range []*transportSlot{&s.send, &s.recv} {
		if t := slot.release(); t != nil {
			res.transports = append(res.transports, t)
		}
	}

	s.producers = make(map[string]media.Producer)
	s.consumers = make(map[string]media.Consumer)

	return res
}

// Snapshot is a read-only view of a session used by diagnostics and tests
type Snapshot struct {
	Peer            UserInfo       `json:"peer"`
	Rooms           []string       `json:"rooms"`
	SendState       TransportState `json:"sendState"`
	RecvState       TransportState `json:"recvState"`
	ProducerCount   int            `json:"producers"`
	ConsumerCount   int            `json:"consumers"`
	SendTransportID string         `json:"sendTransportId,omitempty"`
	RecvTransportID string         `json:"recvTransportId,omitempty"`
}

func (s *PeerSession) snapshot() Snapshot {
	s.Lock()
	defer s.Unlock()

	snap := Snapshot{
		Peer:          userInfo(s.peer),
		SendState:     s.send.state,
		RecvState:     s.recv.state,
		ProducerCount: len(s.producers),
		ConsumerCount: len(s.consumers),
	}
	for id := range s.rooms {
		snap.Rooms = append(snap.Rooms, id)
	}
	sort.Strings(snap.Rooms)
	if s.send.transport != nil {
		snap.SendTransportID = s.send.transport.ID()
	}
	if s.recv.transport != nil {
		snap.RecvTransportID = s.recv.transport.ID()
	}
	return snap
}
