package media

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v3"
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// StreamType is the app-level tag of a producer. A peer publishes at most
// one producer per type.
type StreamType string

const (
	StreamAudio  StreamType = "audio"
	StreamVideo  StreamType = "video"
	StreamScreen StreamType = "screen"
)

func (t StreamType) Valid() bool {
	return t == StreamAudio || t == StreamVideo || t == StreamScreen
}

type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// AppData is attached to every producer. PeerID is mandatory: producers are
// attributed to their owner at lookup time.
type AppData struct {
	Type   StreamType `json:"type"`
	RoomID string     `json:"roomId"`
	PeerID string     `json:"userId"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Address    string `json:"address"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DtlsParameters struct {
	Role         string                   `json:"role,omitempty"`
	Fingerprints []webrtc.DTLSFingerprint `json:"fingerprints"`
}

var (
	ErrNoFingerprints = errors.New("dtls parameters without fingerprints")
	ErrBadDtlsRole    = errors.New("invalid dtls role")
)

func (p DtlsParameters) Validate() error {
	switch p.Role {
	case "", "auto", "client", "server":
	default:
		return fmt.Errorf("%w: %q", ErrBadDtlsRole, p.Role)
	}
	if len(p.Fingerprints) == 0 {
		return ErrNoFingerprints
	}
	for _, f := range p.Fingerprints {
		if f.Algorithm == "" || f.Value == "" {
			return ErrNoFingerprints
		}
	}
	return nil
}

// TransportParams is what the client needs to build its side of the transport
type TransportParams struct {
	ID             string               `json:"id"`
	IceParameters  webrtc.ICEParameters `json:"iceParameters"`
	IceCandidates  []IceCandidate       `json:"iceCandidates"`
	DtlsParameters DtlsParameters       `json:"dtlsParameters"`
}

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RtpCodecCapability struct {
	Kind                 MediaKind              `json:"kind"`
	MimeType             string                 `json:"mimeType"`
	PreferredPayloadType uint8                  `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32                 `json:"clockRate"`
	Channels             uint16                 `json:"channels,omitempty"`
	Parameters           map[string]interface{} `json:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback         `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtension struct {
	Kind        MediaKind `json:"kind"`
	URI         string    `json:"uri"`
	PreferredID int       `json:"preferredId"`
	Direction   string    `json:"direction,omitempty"`
}

type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

type RtpCodecParameters struct {
	MimeType     string                 `json:"mimeType"`
	PayloadType  uint8                  `json:"payloadType"`
	ClockRate    uint32                 `json:"clockRate"`
	Channels     uint16                 `json:"channels,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback         `json:"rtcpFeedback,omitempty"`
}

type RtpEncoding struct {
	SSRC uint32 `json:"ssrc,omitempty"`
	Rid  string `json:"rid,omitempty"`
}

// RtpParameters holds the fields this service inspects. The raw client
// payload is always forwarded untouched to the engine.
type RtpParameters struct {
	Mid       string               `json:"mid,omitempty"`
	Codecs    []RtpCodecParameters `json:"codecs"`
	Encodings []RtpEncoding        `json:"encodings,omitempty"`
}

var ErrNoCodecs = errors.New("rtp parameters without codecs")

func ParseRtpParameters(raw json.RawMessage) (*RtpParameters, error) {
	params := &RtpParameters{}
	if err := json.Unmarshal(raw, params); err != nil {
		return nil, err
	}
	if len(params.Codecs) == 0 {
		return nil, ErrNoCodecs
	}
	return params, nil
}

func ParseRtpCapabilities(raw json.RawMessage) (*RtpCapabilities, error) {
	caps := &RtpCapabilities{}
	if err := json.Unmarshal(raw, caps); err != nil {
		return nil, err
	}
	return caps, nil
}

// KindOfMime returns the media kind encoded in a mime type like "video/VP8"
func KindOfMime(mime string) MediaKind {
	prefix, _, _ := strings.Cut(strings.ToLower(mime), "/")
	return MediaKind(prefix)
}

// SupportsCodec reports whether caps contain a codec matching mime type,
// clock rate and channel count.
func (c *RtpCapabilities) SupportsCodec(codec RtpCodecParameters) bool {
	for _, cap := range c.Codecs {
		if !strings.EqualFold(cap.MimeType, codec.MimeType) || cap.ClockRate != codec.ClockRate {
			continue
		}
		if codec.Channels > 1 && cap.Channels != codec.Channels {
			continue
		}
		return true
	}
	return false
}
