package natsengine

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-meet/internal/media"
)

type rtpReader interface {
	ReadRTP(ctx context.Context) (*rtp.Packet, error)
}

type rtpWriter interface {
	WriteRTP(pkt *rtp.Packet) error
}

// pipe is the local copy of a producer hosted by another worker
type pipe struct {
	producer media.Producer
	subs     []*nats.Subscription
}

func (p *pipe) unsubscribe() {
	for _, sub := range p.subs {
		_ = sub.Unsubscribe()
	}
}

// pipeOut starts relaying a hosted producer to the pipe subjects. The relay
// consumes the producer on a connected receive transport of this worker.
func (d *Daemon) pipeOut(ctx context.Context, producerID string) (interface{}, error) {
	d.Lock()
	p, ok := d.producers[producerID]
	relay, relaying := d.relays[producerID]
	d.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", media.ErrProducerNotFound, producerID)
	}
	if relaying {
		return pipeData{Kind: relay.Kind(), RtpParameters: relay.RtpParameters(), AppData: p.AppData()}, nil
	}

	t, err := d.pipeTransport(ctx, media.DirectionRecv)
	if err != nil {
		return nil, err
	}
	caps, err := d.router.RtpCapabilities(ctx)
	if err != nil {
		return nil, err
	}

	c, err := t.Consume(ctx, media.ConsumeOptions{ProducerID: producerID, RtpCapabilities: caps})
	if err != nil {
		return nil, err
	}
	reader, ok := c.(rtpReader)
	if !ok {
		_ = c.Close(ctx)
		return nil, fmt.Errorf("%w: consumer does not expose rtp", media.ErrCannotPipe)
	}

	d.Lock()
	d.relays[producerID] = c
	d.Unlock()

	go d.relay(producerID, reader)

	log.Debug().Str("service", "mediaworker").Int("worker", d.worker).Str("producer", producerID).Msg("pipe out")

	return pipeData{Kind: c.Kind(), RtpParameters: c.RtpParameters(), AppData: p.AppData()}, nil
}

func (d *Daemon) relay(producerID string, reader rtpReader) {
	defer func() {
		d.Lock()
		delete(d.relays, producerID)
		d.Unlock()

		if err := d.nc.Publish(pipeSubject(d.prefix, producerID, pipeClosed), nil); err != nil {
			log.Error().Str("service", "mediaworker").Err(err).Msg("publish pipe closed")
		}
	}()

	for {
		pkt, err := reader.ReadRTP(d.ctx)
		if err != nil {
			return
		}
		buf, err := pkt.Marshal()
		if err != nil {
			continue
		}
		if err := d.nc.Publish(pipeSubject(d.prefix, producerID, pipeRTP), buf); err != nil {
			log.Error().Str("service", "mediaworker").Err(err).Msg("publish pipe rtp")
		}
	}
}

// pipeIn republishes a relayed producer on the router of this worker. The
// local producer is reachable under the original producer id.
func (d *Daemon) pipeIn(ctx context.Context, req Request) error {
	d.Lock()
	_, ok := d.pipes[req.ProducerID]
	d.Unlock()
	if ok {
		return nil
	}

	t, err := d.pipeTransport(ctx, media.DirectionSend)
	if err != nil {
		return err
	}

	opts := media.ProduceOptions{Kind: req.Kind, RtpParameters: req.RtpParameters}
	if req.AppData != nil {
		opts.AppData = *req.AppData
	}
	p, err := t.Produce(ctx, opts)
	if err != nil {
		return err
	}
	writer, ok := p.(rtpWriter)
	if !ok {
		_ = p.Close(ctx)
		return fmt.Errorf("%w: producer does not accept rtp", media.ErrCannotPipe)
	}

	id := req.ProducerID
	local := &pipe{producer: p}

	rtpSub, err := d.nc.Subscribe(pipeSubject(d.prefix, id, pipeRTP), func(msg *nats.Msg) {
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(msg.Data); err != nil {
			return
		}
		_ = writer.WriteRTP(pkt)
	})
	if err != nil {
		_ = p.Close(ctx)
		return err
	}
	local.subs = append(local.subs, rtpSub)

	closedSub, err := d.nc.Subscribe(pipeSubject(d.prefix, id, pipeClosed), func(*nats.Msg) {
		d.unpipe(id)
	})
	if err != nil {
		local.unsubscribe()
		_ = p.Close(ctx)
		return err
	}
	local.subs = append(local.subs, closedSub)

	d.Lock()
	d.pipes[id] = local
	d.Unlock()

	log.Debug().Str("service", "mediaworker").Int("worker", d.worker).Str("producer", id).Str("local", p.ID()).Msg("pipe in")

	return d.nc.Flush()
}

// unpipe drops the local copy of a producer once its origin is gone
func (d *Daemon) unpipe(producerID string) {
	d.Lock()
	p, ok := d.pipes[producerID]
	delete(d.pipes, producerID)
	d.Unlock()
	if !ok {
		return
	}

	p.unsubscribe()
	if err := p.producer.Close(context.Background()); err != nil {
		log.Error().Str("service", "mediaworker").Err(err).Msg("close piped producer")
	}
}

// localProducerID maps a piped producer id onto the local producer
func (d *Daemon) localProducerID(id string) string {
	d.Lock()
	defer d.Unlock()

	if p, ok := d.pipes[id]; ok {
		return p.producer.ID()
	}
	return id
}

// pipeTransport returns the worker-owned transport used for router piping
func (d *Daemon) pipeTransport(ctx context.Context, dir media.Direction) (media.Transport, error) {
	d.Lock()
	defer d.Unlock()

	slot := &d.pipeRecv
	if dir == media.DirectionSend {
		slot = &d.pipeSend
	}
	if *slot != nil {
		return *slot, nil
	}

	t, err := d.router.CreateWebRtcTransport(ctx, media.TransportOptions{Direction: dir, PeerID: "pipe"})
	if err != nil {
		return nil, err
	}
	dtls := media.DtlsParameters{Role: "client", Fingerprints: t.Params().DtlsParameters.Fingerprints}
	if err := t.Connect(ctx, dtls); err != nil {
		_ = t.Close(ctx)
		return nil, err
	}

	*slot = t
	return t, nil
}
