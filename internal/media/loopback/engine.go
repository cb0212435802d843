// Package loopback is an in-process media engine. It runs the complete
// transport/producer/consumer state machine and forwards RTP between
// producers and consumers in memory, without opening sockets. It backs
// development servers and tests.
package loopback

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-meet/internal/config"
	"github.com/isqad/livelook-meet/internal/media"
)

type Options struct {
	Workers     int
	Codecs      []config.CodecSpec
	AnnouncedIP string
	MinPort     uint16
	MaxPort     uint16
}

// OptionsFromConfig maps the media section of the config onto engine options
func OptionsFromConfig(cfg config.MediaConfig) Options {
	return Options{
		Workers:     cfg.Workers,
		Codecs:      cfg.Codecs,
		AnnouncedIP: cfg.AnnouncedIP,
		MinPort:     cfg.RTCMinPort,
		MaxPort:     cfg.RTCMaxPort,
	}
}

type Engine struct {
	routers      []*Router
	ports        *PortsAllocator
	fingerprints []webrtc.DTLSFingerprint
	announcedIP  string

	died     chan error
	dieOnce  sync.Once
	closeMux sync.Mutex
	closed   bool
}

func New(opts Options) (*Engine, error) {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if len(opts.Codecs) == 0 {
		opts.Codecs = config.DefaultCodecs
	}
	if opts.MinPort == 0 && opts.MaxPort == 0 {
		opts.MinPort, opts.MaxPort = 10000, 11000
	}
	if opts.AnnouncedIP == "" {
		opts.AnnouncedIP = "127.0.0.1"
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, err
	}
	fingerprints, err := cert.GetFingerprints()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		ports:        NewPortsAllocator(opts.MinPort, opts.MaxPort),
		fingerprints: fingerprints,
		announcedIP:  opts.AnnouncedIP,
		died:         make(chan error, 1),
	}

	caps := media.RouterCapabilities(opts.Codecs)
	for i := 0; i < opts.Workers; i++ {
		e.routers = append(e.routers, newRouter(fmt.Sprintf("loopback-%d", i), e, caps))
	}

	log.Info().Str("service", "loopback").Int("routers", len(e.routers)).Msg("media engine started")

	return e, nil
}

func (e *Engine) Routers() []media.Router {
	out := make([]media.Router, 0, len(e.routers))
	for _, r := range e.routers {
		out = append(out, r)
	}
	return out
}

func (e *Engine) Died() <-chan error {
	return e.died
}

// Kill simulates the loss of a worker
func (e *Engine) Kill(err error) {
	e.dieOnce.Do(func() {
		e.died <- err
	})
}

// PortsInUse reports how many transports hold an rtc port
func (e *Engine) PortsInUse() int {
	return e.ports.InUse()
}

func (e *Engine) Close() error {
	e.closeMux.Lock()
	defer e.closeMux.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	for _, r := range e.routers {
		r.closeAll()
	}
	return nil
}

func randomToken(n int) string {
	s := strings.ReplaceAll(uuid.New().String()+uuid.New().String(), "-", "")
	return s[:n]
}
