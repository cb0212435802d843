package loopback

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/isqad/livelook-meet/internal/media"
)

type Transport struct {
	id        string
	router    *Router
	direction media.Direction
	params    media.TransportParams
	port      uint16

	sync.Mutex
	connected bool
	closed    bool
	remote    media.DtlsParameters
	producers map[string]*Producer
	consumers map[string]*Consumer
	nextMid   int
}

func (t *Transport) ID() string {
	return t.id
}

func (t *Transport) Direction() media.Direction {
	return t.direction
}

func (t *Transport) Params() media.TransportParams {
	return t.params
}

func (t *Transport) Port() uint16 {
	return t.port
}

func (t *Transport) Connect(ctx context.Context, dtls media.DtlsParameters) error {
	if err := dtls.Validate(); err != nil {
		return err
	}

	t.Lock()
	defer t.Unlock()

	if t.closed {
		return media.ErrClosed
	}
	if t.connected {
		return media.ErrAlreadyConnected
	}
	t.connected = true
	t.remote = dtls

	return nil
}

func (t *Transport) ready(want media.Direction) error {
	t.Lock()
	defer t.Unlock()

	switch {
	case t.closed:
		return media.ErrClosed
	case t.direction != want:
		return media.ErrWrongDirection
	case !t.connected:
		return media.ErrNotConnected
	}
	return nil
}

func (t *Transport) Produce(ctx context.Context, opts media.ProduceOptions) (media.Producer, error) {
	if err := t.ready(media.DirectionSend); err != nil {
		return nil, err
	}
	if !opts.Kind.Valid() {
		return nil, fmt.Errorf("%w: kind %q", media.ErrInvalidRtpParameters, opts.Kind)
	}

	params, err := media.ParseRtpParameters(opts.RtpParameters)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrInvalidRtpParameters, err)
	}
	codec := params.Codecs[0]
	if media.KindOfMime(codec.MimeType) != opts.Kind {
		return nil, fmt.Errorf("%w: %s codec for %s producer", media.ErrInvalidRtpParameters, codec.MimeType, opts.Kind)
	}
	if !t.router.caps.SupportsCodec(codec) {
		return nil, fmt.Errorf("%w: %s", media.ErrUnsupportedCodec, codec.MimeType)
	}

	var ssrc uint32
	if len(params.Encodings) > 0 {
		ssrc = params.Encodings[0].SSRC
	}

	p := &Producer{
		id:            uuid.New().String(),
		kind:          opts.Kind,
		appData:       opts.AppData,
		rtpParameters: opts.RtpParameters,
		codec:         codec,
		ssrc:          ssrc,
		transport:     t,
		consumers:     make(map[string]*Consumer),
	}

	t.Lock()
	if t.closed {
		t.Unlock()
		return nil, media.ErrClosed
	}
	t.producers[p.id] = p
	t.Unlock()

	t.router.addProducer(p)

	return p, nil
}

func (t *Transport) Consume(ctx context.Context, opts media.ConsumeOptions) (media.Consumer, error) {
	if err := t.ready(media.DirectionRecv); err != nil {
		return nil, err
	}

	ok, err := t.router.CanConsume(ctx, opts.ProducerID, opts.RtpCapabilities)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, media.ErrIncompatible
	}

	producer, found := t.router.producer(opts.ProducerID)
	if !found {
		return nil, media.ErrProducerNotFound
	}

	t.Lock()
	mid := strconv.Itoa(t.nextMid)
	t.nextMid++
	t.Unlock()

	ssrc := rand.Uint32()
	rtpParameters, err := json.Marshal(media.RtpParameters{
		Mid:       mid,
		Codecs:    []media.RtpCodecParameters{producer.codec},
		Encodings: []media.RtpEncoding{{SSRC: ssrc}},
	})
	if err != nil {
		return nil, err
	}

	c := &Consumer{
		id:            uuid.New().String(),
		producer:      producer,
		transport:     t,
		rtpParameters: rtpParameters,
		ssrc:          ssrc,
		paused:        opts.Paused,
		packets:       make(chan []byte, consumerQueueSize),
		done:          make(chan struct{}),
	}

	if err := producer.addConsumer(c); err != nil {
		return nil, err
	}

	t.Lock()
	if t.closed {
		t.Unlock()
		producer.removeConsumer(c.id)
		return nil, media.ErrClosed
	}
	t.consumers[c.id] = c
	t.Unlock()

	return c, nil
}

func (t *Transport) Close(ctx context.Context) error {
	t.Lock()
	if t.closed {
		t.Unlock()
		return nil
	}
	t.closed = true

	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.producers = map[string]*Producer{}
	t.consumers = map[string]*Consumer{}
	t.Unlock()

	for _, p := range producers {
		_ = p.Close(ctx)
	}
	for _, c := range consumers {
		_ = c.Close(ctx)
	}

	t.router.removeTransport(t.id)
	t.router.engine.ports.Deallocate(t.port)

	return nil
}

func (t *Transport) removeProducer(id string) {
	t.Lock()
	delete(t.producers, id)
	t.Unlock()
}

func (t *Transport) removeConsumer(id string) {
	t.Lock()
	delete(t.consumers, id)
	t.Unlock()
}
