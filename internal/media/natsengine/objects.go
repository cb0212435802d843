package natsengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/isqad/livelook-meet/internal/media"
)

type Router struct {
	engine *Engine
	worker int
	id     string
}

func (r *Router) ID() string {
	return r.id
}

func (r *Router) RtpCapabilities(ctx context.Context) (json.RawMessage, error) {
	var caps json.RawMessage
	if err := r.engine.call(ctx, r.worker, methodRtpCapabilities, Request{RouterID: r.id}, &caps); err != nil {
		return nil, err
	}
	return caps, nil
}

func (r *Router) CreateWebRtcTransport(ctx context.Context, opts media.TransportOptions) (media.Transport, error) {
	params := media.TransportParams{}
	req := Request{RouterID: r.id, Direction: opts.Direction, PeerID: opts.PeerID}
	if err := r.engine.call(ctx, r.worker, methodCreateTransport, req, &params); err != nil {
		return nil, err
	}

	return &Transport{router: r, direction: opts.Direction, params: params}, nil
}

func (r *Router) CanConsume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage) (bool, error) {
	data := canConsumeData{}
	req := Request{RouterID: r.id, ProducerID: producerID, RtpCapabilities: rtpCapabilities}
	if err := r.engine.call(ctx, r.worker, methodCanConsume, req, &data); err != nil {
		return false, err
	}
	return data.CanConsume, nil
}

// PipeProducer asks the source worker to relay the producer over NATS and the
// worker of r to republish the relay under the original producer id.
func (r *Router) PipeProducer(ctx context.Context, producerID string, source media.Router) error {
	src, ok := source.(*Router)
	if !ok || src.engine != r.engine {
		return fmt.Errorf("%w: %s to %s", media.ErrCannotPipe, source.ID(), r.id)
	}
	if src.worker == r.worker {
		return nil
	}

	data := pipeData{}
	if err := r.engine.call(ctx, src.worker, methodPipeOut, Request{ProducerID: producerID}, &data); err != nil {
		return err
	}

	req := Request{
		RouterID:      r.id,
		ProducerID:    producerID,
		Kind:          data.Kind,
		RtpParameters: data.RtpParameters,
		AppData:       &data.AppData,
	}
	return r.engine.call(ctx, r.worker, methodPipeIn, req, nil)
}

type Transport struct {
	router    *Router
	direction media.Direction
	params    media.TransportParams
}

func (t *Transport) ID() string {
	return t.params.ID
}

func (t *Transport) Direction() media.Direction {
	return t.direction
}

func (t *Transport) Params() media.TransportParams {
	return t.params
}

func (t *Transport) call(ctx context.Context, method string, req Request, out interface{}) error {
	req.TransportID = t.params.ID
	return t.router.engine.call(ctx, t.router.worker, method, req, out)
}

func (t *Transport) Connect(ctx context.Context, dtls media.DtlsParameters) error {
	return t.call(ctx, methodConnect, Request{DtlsParameters: &dtls}, nil)
}

func (t *Transport) Produce(ctx context.Context, opts media.ProduceOptions) (media.Producer, error) {
	data := produceData{}
	appData := opts.AppData
	req := Request{Kind: opts.Kind, RtpParameters: opts.RtpParameters, AppData: &appData}
	if err := t.call(ctx, methodProduce, req, &data); err != nil {
		return nil, err
	}

	return &Producer{remote: remote{router: t.router, id: data.ID}, kind: opts.Kind, appData: opts.AppData}, nil
}

func (t *Transport) Consume(ctx context.Context, opts media.ConsumeOptions) (media.Consumer, error) {
	data := consumeData{}
	req := Request{ProducerID: opts.ProducerID, RtpCapabilities: opts.RtpCapabilities, Paused: opts.Paused}
	if err := t.call(ctx, methodConsume, req, &data); err != nil {
		return nil, err
	}

	return &Consumer{
		remote:        remote{router: t.router, id: data.ID, paused: data.Paused},
		producerID:    data.ProducerID,
		kind:          data.Kind,
		rtpParameters: data.RtpParameters,
	}, nil
}

func (t *Transport) Close(ctx context.Context) error {
	return t.call(ctx, methodCloseTransport, Request{}, nil)
}

// remote keeps the local view of a worker-side producer or consumer
type remote struct {
	router *Router
	id     string

	sync.RWMutex
	paused bool
}

func (o *remote) ID() string {
	return o.id
}

func (o *remote) Paused() bool {
	o.RLock()
	defer o.RUnlock()

	return o.paused
}

func (o *remote) toggle(ctx context.Context, method string, req Request, paused bool) error {
	if err := o.router.engine.call(ctx, o.router.worker, method, req, nil); err != nil {
		return err
	}

	o.Lock()
	o.paused = paused
	o.Unlock()
	return nil
}

type Producer struct {
	remote
	kind    media.MediaKind
	appData media.AppData
}

func (p *Producer) Kind() media.MediaKind {
	return p.kind
}

func (p *Producer) AppData() media.AppData {
	return p.appData
}

func (p *Producer) Pause(ctx context.Context) error {
	return p.toggle(ctx, methodPauseProducer, Request{ProducerID: p.id}, true)
}

func (p *Producer) Resume(ctx context.Context) error {
	return p.toggle(ctx, methodResumeProducer, Request{ProducerID: p.id}, false)
}

func (p *Producer) Close(ctx context.Context) error {
	return p.router.engine.call(ctx, p.router.worker, methodCloseProducer, Request{ProducerID: p.id}, nil)
}

type Consumer struct {
	remote
	producerID    string
	kind          media.MediaKind
	rtpParameters json.RawMessage
}

func (c *Consumer) ProducerID() string {
	return c.producerID
}

func (c *Consumer) Kind() media.MediaKind {
	return c.kind
}

func (c *Consumer) RtpParameters() json.RawMessage {
	return c.rtpParameters
}

func (c *Consumer) Pause(ctx context.Context) error {
	return c.toggle(ctx, methodPauseConsumer, Request{ConsumerID: c.id}, true)
}

func (c *Consumer) Resume(ctx context.Context) error {
	return c.toggle(ctx, methodResumeConsumer, Request{ConsumerID: c.id}, false)
}

func (c *Consumer) Close(ctx context.Context) error {
	return c.router.engine.call(ctx, c.router.worker, methodCloseConsumer, Request{ConsumerID: c.id}, nil)
}
