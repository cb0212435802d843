package natsengine

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/isqad/livelook-meet/internal/media"
)

// Subjects look like <prefix>.<worker>.<method>
const (
	methodGetRouter       = "worker.getRouter"
	methodRtpCapabilities = "router.rtpCapabilities"
	methodCreateTransport = "router.createWebRtcTransport"
	methodCanConsume      = "router.canConsume"
	methodPipeIn          = "router.pipeIn"
	methodConnect         = "transport.connect"
	methodProduce         = "transport.produce"
	methodConsume         = "transport.consume"
	methodCloseTransport  = "transport.close"
	methodPauseProducer   = "producer.pause"
	methodResumeProducer  = "producer.resume"
	methodCloseProducer   = "producer.close"
	methodPipeOut         = "producer.pipeOut"
	methodPauseConsumer   = "consumer.pause"
	methodResumeConsumer  = "consumer.resume"
	methodCloseConsumer   = "consumer.close"

	diedTopic   = "died"
	workerQueue = "mediaworker"
)

func subject(prefix string, worker int, method string) string {
	return fmt.Sprintf("%s.%d.%s", prefix, worker, method)
}

func diedSubject(prefix string, worker int) string {
	return subject(prefix, worker, diedTopic)
}

// Piped producers stream on <prefix>.pipe.<producer>.rtp and announce their
// end on <prefix>.pipe.<producer>.closed
const (
	pipeRTP    = "rtp"
	pipeClosed = "closed"
)

func pipeSubject(prefix, producerID, topic string) string {
	return fmt.Sprintf("%s.pipe.%s.%s", prefix, producerID, topic)
}

// Request carries the arguments of every method; unused fields are omitted
type Request struct {
	RouterID        string                `json:"routerId,omitempty"`
	TransportID     string                `json:"transportId,omitempty"`
	ProducerID      string                `json:"producerId,omitempty"`
	ConsumerID      string                `json:"consumerId,omitempty"`
	PeerID          string                `json:"peerId,omitempty"`
	Direction       media.Direction       `json:"direction,omitempty"`
	Kind            media.MediaKind       `json:"kind,omitempty"`
	RtpParameters   json.RawMessage       `json:"rtpParameters,omitempty"`
	RtpCapabilities json.RawMessage       `json:"rtpCapabilities,omitempty"`
	DtlsParameters  *media.DtlsParameters `json:"dtlsParameters,omitempty"`
	AppData         *media.AppData        `json:"appData,omitempty"`
	Paused          bool                  `json:"paused,omitempty"`
}

type Reply struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Code  string          `json:"code,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type routerData struct {
	RouterID string `json:"routerId"`
}

type canConsumeData struct {
	CanConsume bool `json:"canConsume"`
}

type produceData struct {
	ID string `json:"id"`
}

type consumeData struct {
	ID            string          `json:"id"`
	ProducerID    string          `json:"producerId"`
	Kind          media.MediaKind `json:"kind"`
	RtpParameters json.RawMessage `json:"rtpParameters"`
	Paused        bool            `json:"paused"`
}

type pipeData struct {
	Kind          media.MediaKind `json:"kind"`
	RtpParameters json.RawMessage `json:"rtpParameters"`
	AppData       media.AppData   `json:"appData"`
}

type diedEvent struct {
	Error string `json:"error"`
}

var errorCodes = map[string]error{
	"closed":            media.ErrClosed,
	"incompatible":      media.ErrIncompatible,
	"not_connected":     media.ErrNotConnected,
	"already_connected": media.ErrAlreadyConnected,
	"wrong_direction":   media.ErrWrongDirection,
	"unsupported_codec": media.ErrUnsupportedCodec,
	"producer_missing":  media.ErrProducerNotFound,
	"invalid_rtp":       media.ErrInvalidRtpParameters,
	"no_fingerprints":   media.ErrNoFingerprints,
	"bad_dtls_role":     media.ErrBadDtlsRole,
	"cannot_pipe":       media.ErrCannotPipe,
	"not_found":         errObjectNotFound,
}

var errObjectNotFound = errors.New("media object not found on worker")

func codeOf(err error) string {
	for code, known := range errorCodes {
		if errors.Is(err, known) {
			return code
		}
	}
	return ""
}

func errorOf(r Reply) error {
	if known, ok := errorCodes[r.Code]; ok {
		return fmt.Errorf("%w: %s", known, r.Error)
	}
	return errors.New(r.Error)
}

func okReply(data interface{}) []byte {
	r := Reply{OK: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return errReply(err)
		}
		r.Data = raw
	}
	out, _ := json.Marshal(r)
	return out
}

func errReply(err error) []byte {
	out, _ := json.Marshal(Reply{Error: err.Error(), Code: codeOf(err)})
	return out
}
