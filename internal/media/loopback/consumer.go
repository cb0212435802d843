package loopback

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pion/rtp"

	"github.com/isqad/livelook-meet/internal/media"
)

type Consumer struct {
	id            string
	producer      *Producer
	transport     *Transport
	rtpParameters json.RawMessage
	ssrc          uint32

	sync.RWMutex
	paused bool
	closed bool

	packets chan []byte
	done    chan struct{}
}

func (c *Consumer) ID() string {
	return c.id
}

func (c *Consumer) ProducerID() string {
	return c.producer.id
}

func (c *Consumer) Kind() media.MediaKind {
	return c.producer.kind
}

func (c *Consumer) RtpParameters() json.RawMessage {
	return c.rtpParameters
}

func (c *Consumer) SSRC() uint32 {
	return c.ssrc
}

func (c *Consumer) Paused() bool {
	c.RLock()
	defer c.RUnlock()

	return c.paused
}

func (c *Consumer) Pause(ctx context.Context) error {
	c.Lock()
	defer c.Unlock()

	if c.closed {
		return media.ErrClosed
	}
	c.paused = true
	return nil
}

// Resume unpauses the consumer. A video consumer asks its producer for a
// key frame so the receiver can start decoding right away.
func (c *Consumer) Resume(ctx context.Context) error {
	c.Lock()
	if c.closed {
		c.Unlock()
		return media.ErrClosed
	}
	wasPaused := c.paused
	c.paused = false
	c.Unlock()

	if wasPaused && c.Kind() == media.KindVideo {
		c.producer.requestKeyFrame(c.ssrc)
	}
	return nil
}

func (c *Consumer) Close(ctx context.Context) error {
	c.Lock()
	if c.closed {
		c.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.Unlock()

	c.producer.removeConsumer(c.id)
	c.transport.removeConsumer(c.id)

	return nil
}

// ReadRTP returns the next forwarded packet, rewritten with the consumer SSRC.
// It fails with media.ErrClosed once the consumer is closed.
func (c *Consumer) ReadRTP(ctx context.Context) (*rtp.Packet, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, media.ErrClosed
	case buf := <-c.packets:
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf); err != nil {
			return nil, err
		}
		return pkt, nil
	}
}

func (c *Consumer) forward(pkt *rtp.Packet) {
	c.RLock()
	skip := c.paused || c.closed
	c.RUnlock()
	if skip {
		return
	}

	out := *pkt
	out.Header.SSRC = c.ssrc
	buf, err := out.Marshal()
	if err != nil {
		return
	}

	// slow readers lose packets instead of stalling the producer
	select {
	case c.packets <- buf:
	default:
	}
}
