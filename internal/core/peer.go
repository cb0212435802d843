package core

import (
	"strings"

	"github.com/google/uuid"
)

// PeerID is the identifier of the authenticated user behind a connection
type PeerID string

// ConnID identifies one signaling connection. It is generated at accept time
// and never reused.
type ConnID string

func NewConnID() ConnID {
	return ConnID(uuid.New().String())
}

// Peer is the identity resolved once per connection
type Peer struct {
	ID        PeerID `json:"id" db:"id"`
	FirstName string `json:"firstName" db:"first_name"`
	LastName  string `json:"lastName" db:"last_name"`
}

func (p Peer) DisplayName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}
