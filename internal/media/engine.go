package media

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrClosed               = errors.New("media object is closed")
	ErrIncompatible         = errors.New("rtp capabilities are not compatible with the producer")
	ErrNotConnected         = errors.New("transport is not connected")
	ErrAlreadyConnected     = errors.New("transport is already connected")
	ErrWrongDirection       = errors.New("operation not allowed for transport direction")
	ErrUnsupportedCodec     = errors.New("codec is not supported by the router")
	ErrProducerNotFound     = errors.New("producer not found on router")
	ErrNoRouters            = errors.New("engine has no routers")
	ErrEngineUnavailable    = errors.New("media engine is unavailable")
	ErrInvalidRtpParameters = errors.New("invalid rtp parameters")
	ErrCannotPipe           = errors.New("routers cannot be piped")
)

type TransportOptions struct {
	Direction Direction
	PeerID    string
}

type ProduceOptions struct {
	Kind          MediaKind
	RtpParameters json.RawMessage
	AppData       AppData
}

type ConsumeOptions struct {
	ProducerID      string
	RtpCapabilities json.RawMessage
	Paused          bool
}

// Router is one media router living inside an engine worker.
// PipeProducer makes a producer of source consumable on this router under
// the same id. Piping an already piped producer is a no-op.
type Router interface {
	ID() string
	RtpCapabilities(ctx context.Context) (json.RawMessage, error)
	CreateWebRtcTransport(ctx context.Context, opts TransportOptions) (Transport, error)
	CanConsume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage) (bool, error)
	PipeProducer(ctx context.Context, producerID string, source Router) error
}

type Transport interface {
	ID() string
	Direction() Direction
	Params() TransportParams
	Connect(ctx context.Context, dtls DtlsParameters) error
	Produce(ctx context.Context, opts ProduceOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error)
	Close(ctx context.Context) error
}

type Producer interface {
	ID() string
	Kind() MediaKind
	AppData() AppData
	Paused() bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close(ctx context.Context) error
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind
	RtpParameters() json.RawMessage
	Paused() bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close(ctx context.Context) error
}

// Engine is the media capability provider: a set of workers, each owning a router.
// Died delivers an error once when a worker is lost; the process can no
// longer serve consistent state after that.
type Engine interface {
	Routers() []Router
	Died() <-chan error
	Close() error
}
