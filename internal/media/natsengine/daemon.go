package natsengine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-meet/internal/media"
)

// Daemon exposes one router of a local engine as a NATS media worker
type Daemon struct {
	nc     *nats.Conn
	prefix string
	worker int
	engine media.Engine
	router media.Router
	sub    *nats.Subscription

	ctx    context.Context
	cancel context.CancelFunc

	sync.Mutex
	transports map[string]media.Transport
	producers  map[string]media.Producer
	consumers  map[string]media.Consumer

	pipeSend media.Transport
	pipeRecv media.Transport
	relays   map[string]media.Consumer
	pipes    map[string]*pipe
}

func NewDaemon(nc *nats.Conn, prefix string, worker int, engine media.Engine) (*Daemon, error) {
	routers := engine.Routers()
	if len(routers) == 0 {
		return nil, media.ErrNoRouters
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		nc:         nc,
		prefix:     prefix,
		worker:     worker,
		engine:     engine,
		router:     routers[0],
		ctx:        ctx,
		cancel:     cancel,
		transports: make(map[string]media.Transport),
		producers:  make(map[string]media.Producer),
		consumers:  make(map[string]media.Consumer),
		relays:     make(map[string]media.Consumer),
		pipes:      make(map[string]*pipe),
	}, nil
}

// Start subscribes to the worker subjects and watches the engine for death
func (d *Daemon) Start() error {
	var err error
	d.sub, err = d.nc.QueueSubscribe(subject(d.prefix, d.worker, ">"), workerQueue, d.handle)
	if err != nil {
		return err
	}

	go func() {
		err, ok := <-d.engine.Died()
		if !ok {
			return
		}
		d.announceDeath(err)
	}()

	log.Info().Str("service", "mediaworker").Int("worker", d.worker).Str("router", d.router.ID()).Msg("start media worker")

	return d.nc.Flush()
}

// Run serves until ctx is done
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return d.Stop()
}

func (d *Daemon) Stop() error {
	log.Info().Str("service", "mediaworker").Int("worker", d.worker).Msg("stop media worker")

	d.cancel()
	if d.sub != nil {
		if err := d.sub.Unsubscribe(); err != nil {
			log.Error().Str("service", "mediaworker").Err(err).Msg("unsubscribe")
		}
	}

	d.Lock()
	pipes := d.pipes
	d.pipes = make(map[string]*pipe)
	d.Unlock()
	for _, p := range pipes {
		p.unsubscribe()
	}

	return d.engine.Close()
}

func (d *Daemon) announceDeath(cause error) {
	payload, _ := json.Marshal(diedEvent{Error: cause.Error()})
	if err := d.nc.Publish(diedSubject(d.prefix, d.worker), payload); err != nil {
		log.Error().Str("service", "mediaworker").Err(err).Msg("publish death")
	}
}

func (d *Daemon) handle(msg *nats.Msg) {
	method := strings.TrimPrefix(msg.Subject, fmt.Sprintf("%s.%d.", d.prefix, d.worker))
	if method == diedTopic {
		return
	}

	req := Request{}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		d.respond(msg, errReply(fmt.Errorf("%w: %v", media.ErrInvalidRtpParameters, err)))
		return
	}

	log.Debug().Str("service", "mediaworker").Str("method", method).Msg("request")

	ctx := context.Background()
	data, err := d.dispatch(ctx, method, req)
	if err != nil {
		d.respond(msg, errReply(err))
		return
	}
	d.respond(msg, okReply(data))
}

func (d *Daemon) respond(msg *nats.Msg, payload []byte) {
	if err := msg.Respond(payload); err != nil {
		log.Error().Str("service", "mediaworker").Err(err).Msg("respond")
	}
}

func (d *Daemon) dispatch(ctx context.Context, method string, req Request) (interface{}, error) {
	switch method {
	case methodGetRouter:
		return routerData{RouterID: d.router.ID()}, nil
	case methodRtpCapabilities:
		return d.router.RtpCapabilities(ctx)
	case methodCreateTransport:
		t, err := d.router.CreateWebRtcTransport(ctx, media.TransportOptions{Direction: req.Direction, PeerID: req.PeerID})
		if err != nil {
			return nil, err
		}
		d.Lock()
		d.transports[t.ID()] = t
		d.Unlock()
		return t.Params(), nil
	case methodCanConsume:
		ok, err := d.router.CanConsume(ctx, d.localProducerID(req.ProducerID), req.RtpCapabilities)
		if err != nil {
			return nil, err
		}
		return canConsumeData{CanConsume: ok}, nil
	case methodConnect:
		t, err := d.transport(req.TransportID)
		if err != nil {
			return nil, err
		}
		if req.DtlsParameters == nil {
			return nil, media.ErrNoFingerprints
		}
		return nil, t.Connect(ctx, *req.DtlsParameters)
	case methodProduce:
		return d.produce(ctx, req)
	case methodConsume:
		return d.consume(ctx, req)
	case methodCloseTransport:
		t, err := d.transport(req.TransportID)
		if err != nil {
			return nil, err
		}
		d.Lock()
		delete(d.transports, req.TransportID)
		d.Unlock()
		return nil, t.Close(ctx)
	case methodPauseProducer, methodResumeProducer, methodCloseProducer:
		return nil, d.producerOp(ctx, method, req.ProducerID)
	case methodPauseConsumer, methodResumeConsumer, methodCloseConsumer:
		return nil, d.consumerOp(ctx, method, req.ConsumerID)
	case methodPipeOut:
		return d.pipeOut(ctx, req.ProducerID)
	case methodPipeIn:
		return nil, d.pipeIn(ctx, req)
	}

	return nil, fmt.Errorf("unknown method %q", method)
}

func (d *Daemon) produce(ctx context.Context, req Request) (interface{}, error) {
	t, err := d.transport(req.TransportID)
	if err != nil {
		return nil, err
	}

	opts := media.ProduceOptions{Kind: req.Kind, RtpParameters: req.RtpParameters}
	if req.AppData != nil {
		opts.AppData = *req.AppData
	}

	p, err := t.Produce(ctx, opts)
	if err != nil {
		return nil, err
	}

	d.Lock()
	d.producers[p.ID()] = p
	d.Unlock()

	return produceData{ID: p.ID()}, nil
}

func (d *Daemon) consume(ctx context.Context, req Request) (interface{}, error) {
	t, err := d.transport(req.TransportID)
	if err != nil {
		return nil, err
	}

	c, err := t.Consume(ctx, media.ConsumeOptions{
		ProducerID:      d.localProducerID(req.ProducerID),
		RtpCapabilities: req.RtpCapabilities,
		Paused:          req.Paused,
	})
	if err != nil {
		return nil, err
	}

	d.Lock()
	d.consumers[c.ID()] = c
	d.Unlock()

	return consumeData{
		ID:            c.ID(),
		ProducerID:    req.ProducerID,
		Kind:          c.Kind(),
		RtpParameters: c.RtpParameters(),
		Paused:        c.Paused(),
	}, nil
}

func (d *Daemon) producerOp(ctx context.Context, method, id string) error {
	d.Lock()
	p, ok := d.producers[id]
	if ok && method == methodCloseProducer {
		delete(d.producers, id)
	}
	d.Unlock()
	if !ok {
		return fmt.Errorf("%w: producer %s", errObjectNotFound, id)
	}

	switch method {
	case methodPauseProducer:
		return p.Pause(ctx)
	case methodResumeProducer:
		return p.Resume(ctx)
	}
	return p.Close(ctx)
}

func (d *Daemon) consumerOp(ctx context.Context, method, id string) error {
	d.Lock()
	c, ok := d.consumers[id]
	if ok && method == methodCloseConsumer {
		delete(d.consumers, id)
	}
	d.Unlock()
	if !ok {
		return fmt.Errorf("%w: consumer %s", errObjectNotFound, id)
	}

	switch method {
	case methodPauseConsumer:
		return c.Pause(ctx)
	case methodResumeConsumer:
		return c.Resume(ctx)
	}
	return c.Close(ctx)
}

func (d *Daemon) transport(id string) (media.Transport, error) {
	d.Lock()
	defer d.Unlock()

	t, ok := d.transports[id]
	if !ok {
		return nil, fmt.Errorf("%w: transport %s", errObjectNotFound, id)
	}
	return t, nil
}
