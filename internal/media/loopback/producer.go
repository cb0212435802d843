package loopback

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-meet/internal/media"
)

const (
	consumerQueueSize = 128
	feedbackQueueSize = 16
)

type Producer struct {
	id            string
	kind          media.MediaKind
	appData       media.AppData
	rtpParameters json.RawMessage
	codec         media.RtpCodecParameters
	ssrc          uint32
	transport     *Transport

	sync.RWMutex
	paused    bool
	closed    bool
	consumers map[string]*Consumer
	pipes     []*Router

	feedback chan []byte
	once     sync.Once
}

func (p *Producer) ID() string {
	return p.id
}

func (p *Producer) Kind() media.MediaKind {
	return p.kind
}

func (p *Producer) AppData() media.AppData {
	return p.appData
}

func (p *Producer) Paused() bool {
	p.RLock()
	defer p.RUnlock()

	return p.paused
}

func (p *Producer) Pause(ctx context.Context) error {
	return p.setPaused(true)
}

func (p *Producer) Resume(ctx context.Context) error {
	return p.setPaused(false)
}

func (p *Producer) setPaused(paused bool) error {
	p.Lock()
	defer p.Unlock()

	if p.closed {
		return media.ErrClosed
	}
	p.paused = paused
	return nil
}

// Close closes the producer and every consumer attached to it
func (p *Producer) Close(ctx context.Context) error {
	p.Lock()
	if p.closed {
		p.Unlock()
		return nil
	}
	p.closed = true
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.consumers = map[string]*Consumer{}
	pipes := p.pipes
	p.pipes = nil
	p.Unlock()

	for _, c := range consumers {
		_ = c.Close(ctx)
	}

	p.transport.removeProducer(p.id)
	p.transport.router.removeProducer(p.id)
	for _, r := range pipes {
		r.removeProducer(p.id)
	}

	return nil
}

// WriteRTP forwards a packet to every consumer that is not paused.
// Packets written while the producer is paused are dropped.
func (p *Producer) WriteRTP(pkt *rtp.Packet) error {
	p.RLock()
	if p.closed {
		p.RUnlock()
		return media.ErrClosed
	}
	if p.paused {
		p.RUnlock()
		return nil
	}
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.RUnlock()

	for _, c := range consumers {
		c.forward(pkt)
	}
	return nil
}

// ReadRTCP blocks until a consumer asks the producer for feedback
// (a key frame) or ctx is done.
func (p *Producer) ReadRTCP(ctx context.Context) ([]rtcp.Packet, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case buf := <-p.feedbackChan():
		return rtcp.Unmarshal(buf)
	}
}

func (p *Producer) feedbackChan() chan []byte {
	p.once.Do(func() {
		p.feedback = make(chan []byte, feedbackQueueSize)
	})
	return p.feedback
}

func (p *Producer) requestKeyFrame(senderSSRC uint32) {
	buf, err := rtcp.Marshal([]rtcp.Packet{
		&rtcp.PictureLossIndication{SenderSSRC: senderSSRC, MediaSSRC: p.ssrc},
	})
	if err != nil {
		log.Error().Str("service", "loopback").Err(err).Msg("marshal pli")
		return
	}

	select {
	case p.feedbackChan() <- buf:
	default:
	}
}

func (p *Producer) addConsumer(c *Consumer) error {
	p.Lock()
	defer p.Unlock()

	if p.closed {
		return media.ErrClosed
	}
	p.consumers[c.id] = c
	return nil
}

func (p *Producer) pipeTo(r *Router) error {
	p.Lock()
	defer p.Unlock()

	if p.closed {
		return media.ErrClosed
	}
	r.addProducer(p)
	p.pipes = append(p.pipes, r)
	return nil
}

func (p *Producer) removeConsumer(id string) {
	p.Lock()
	delete(p.consumers, id)
	p.Unlock()
}
