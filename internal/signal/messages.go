package signal

import (
	"encoding/json"

	"github.com/isqad/livelook-meet/internal/core"
	"github.com/isqad/livelook-meet/internal/media"
)

type MessageType string

// Inbound
const (
	JoinRoomMessage                 MessageType = "join-room"
	LeaveRoomMessage                MessageType = "leave-room"
	ChatMessage                     MessageType = "chat"
	GetRouterRtpCapabilitiesMessage MessageType = "getRouterRtpCapabilities"
	CreateProducerTransportMessage  MessageType = "createProducerTransport"
	ConnectProducerTransportMessage MessageType = "connectProducerTransport"
	ProduceMessage                  MessageType = "produce"
	CreateConsumerTransportMessage  MessageType = "createConsumerTransport"
	ConnectConsumerTransportMessage MessageType = "connectConsumerTransport"
	ConsumeMessage                  MessageType = "consume"
	ResumeMessage                   MessageType = "resume"
	ProducerPausedMessage           MessageType = "producerPaused"
	ProducerResumedMessage          MessageType = "producerResumed"
	ProducerClosedMessage           MessageType = "producerClosed"
)

// Outbound. chat and the producer state types are shared with inbound.
const (
	JoinSuccessMessage              MessageType = "join-success"
	UserJoinedMessage               MessageType = "user-joined"
	UserLeftMessage                 MessageType = "user-left"
	RouterCapabilitiesMessage       MessageType = "routerCapabilities"
	ProducerTransportCreatedMessage MessageType = "producerTransportCreated"
	ProducerConnectedMessage        MessageType = "producerConnected"
	ProducedMessage                 MessageType = "produced"
	NewProducerMessage              MessageType = "newProducer"
	SubTransportCreatedMessage      MessageType = "subTransportCreated"
	SubConnectedMessage             MessageType = "subConnected"
	SubscribedMessage               MessageType = "subscribed"
	ResumedMessage                  MessageType = "resumed"
	ErrorMessage                    MessageType = "error"
)

// Envelope is the shape of every message in both directions
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func Encode(t MessageType, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

type RoomPayload struct {
	RoomID string `json:"roomId"`
}

type ChatPayload struct {
	RoomID    string `json:"roomId"`
	Message   string `json:"message"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

type ConnectTransportPayload struct {
	TransportID    string                `json:"transportId,omitempty"`
	DtlsParameters *media.DtlsParameters `json:"dtlsParameters"`
}

type ProduceAppData struct {
	Type   media.StreamType `json:"type"`
	RoomID string           `json:"roomId"`
}

type ProducePayload struct {
	TransportID   string          `json:"transportId,omitempty"`
	Kind          media.MediaKind `json:"kind"`
	RtpParameters json.RawMessage `json:"rtpParameters"`
	AppData       ProduceAppData  `json:"appData"`
}

type ConsumePayload struct {
	ProducerID      string          `json:"producerId"`
	RtpCapabilities json.RawMessage `json:"rtpCapabilities"`
}

type ResumePayload struct {
	ID string `json:"id"`
}

type ProducerStatePayload struct {
	RoomID string           `json:"roomId,omitempty"`
	UserID core.PeerID      `json:"userId,omitempty"`
	Type   media.StreamType `json:"type"`
}

type UserInfo struct {
	ID        core.PeerID `json:"id"`
	FirstName string      `json:"firstName,omitempty"`
	LastName  string      `json:"lastName,omitempty"`
}

func userInfo(p core.Peer) UserInfo {
	return UserInfo{ID: p.ID, FirstName: p.FirstName, LastName: p.LastName}
}

// ProducerInfo describes an active producer to room members
type ProducerInfo struct {
	ID     string           `json:"id"`
	UserID core.PeerID      `json:"userId"`
	Kind   media.MediaKind  `json:"kind"`
	Type   media.StreamType `json:"type"`
}

type JoinSuccessPayload struct {
	Users     []UserInfo     `json:"users"`
	Producers []ProducerInfo `json:"producers"`
}

type UserEventPayload struct {
	User    UserInfo `json:"user"`
	Message string   `json:"message"`
}

type CapabilitiesPayload struct {
	RtpCapabilities json.RawMessage `json:"rtpCapabilities"`
}

type TransportCreatedPayload struct {
	Params media.TransportParams `json:"params"`
}

type AckPayload struct {
	Message string `json:"message"`
}

type ProducedPayload struct {
	ID string `json:"id"`
}

type ConsumerInfo struct {
	ProducerID    string          `json:"producerId"`
	ID            string          `json:"id"`
	Kind          media.MediaKind `json:"kind"`
	RtpParameters json.RawMessage `json:"rtpParameters"`
}

type SubscribedPayload struct {
	Consumer ConsumerInfo `json:"consumer"`
}

type ErrorPayload struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}
