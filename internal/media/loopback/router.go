package loopback

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/isqad/livelook-meet/internal/media"
)

type Router struct {
	id     string
	engine *Engine
	caps   media.RtpCapabilities

	sync.RWMutex
	transports map[string]*Transport
	producers  map[string]*Producer
}

func newRouter(id string, engine *Engine, caps media.RtpCapabilities) *Router {
	return &Router{
		id:         id,
		engine:     engine,
		caps:       caps,
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
	}
}

func (r *Router) ID() string {
	return r.id
}

func (r *Router) RtpCapabilities(ctx context.Context) (json.RawMessage, error) {
	return json.Marshal(r.caps)
}

func (r *Router) CreateWebRtcTransport(ctx context.Context, opts media.TransportOptions) (media.Transport, error) {
	if opts.Direction != media.DirectionSend && opts.Direction != media.DirectionRecv {
		return nil, fmt.Errorf("%w: %q", media.ErrWrongDirection, opts.Direction)
	}

	port, err := r.engine.ports.Allocate()
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	t := &Transport{
		id:        id,
		router:    r,
		direction: opts.Direction,
		port:      port,
		params: media.TransportParams{
			ID: id,
			IceParameters: webrtc.ICEParameters{
				UsernameFragment: randomToken(16),
				Password:         randomToken(32),
				ICELite:          true,
			},
			IceCandidates: []media.IceCandidate{{
				Foundation: "udpcandidate",
				Priority:   1076302079,
				IP:         r.engine.announcedIP,
				Address:    r.engine.announcedIP,
				Protocol:   "udp",
				Port:       port,
				Type:       "host",
			}},
			DtlsParameters: media.DtlsParameters{
				Role:         "auto",
				Fingerprints: r.engine.fingerprints,
			},
		},
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}

	r.Lock()
	r.transports[id] = t
	r.Unlock()

	return t, nil
}

func (r *Router) CanConsume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage) (bool, error) {
	p, ok := r.producer(producerID)
	if !ok {
		return false, media.ErrProducerNotFound
	}

	caps, err := media.ParseRtpCapabilities(rtpCapabilities)
	if err != nil {
		return false, fmt.Errorf("%w: %v", media.ErrInvalidRtpParameters, err)
	}

	return caps.SupportsCodec(p.codec), nil
}

// PipeProducer shares a producer of another router of the same engine.
// Routers of one engine live in one process, so the producer object itself
// is registered on r.
func (r *Router) PipeProducer(ctx context.Context, producerID string, source media.Router) error {
	src, ok := source.(*Router)
	if !ok || src.engine != r.engine {
		return fmt.Errorf("%w: %s to %s", media.ErrCannotPipe, source.ID(), r.id)
	}
	if src == r {
		return nil
	}
	if _, ok := r.producer(producerID); ok {
		return nil
	}

	p, ok := src.producer(producerID)
	if !ok {
		return media.ErrProducerNotFound
	}
	return p.pipeTo(r)
}

// Producer looks up a live producer on this router
func (r *Router) Producer(id string) (*Producer, bool) {
	return r.producer(id)
}

func (r *Router) producer(id string) (*Producer, bool) {
	r.RLock()
	defer r.RUnlock()

	p, ok := r.producers[id]
	return p, ok
}

func (r *Router) addProducer(p *Producer) {
	r.Lock()
	r.producers[p.id] = p
	r.Unlock()
}

func (r *Router) removeProducer(id string) {
	r.Lock()
	delete(r.producers, id)
	r.Unlock()
}

func (r *Router) removeTransport(id string) {
	r.Lock()
	delete(r.transports, id)
	r.Unlock()
}

func (r *Router) closeAll() {
	r.RLock()
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.RUnlock()

	for _, t := range transports {
		_ = t.Close(context.Background())
	}
}
