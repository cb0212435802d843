// Package natsengine talks to out-of-process media workers over NATS
// request/reply. Each worker owns one router and answers on
// <prefix>.<worker>.<method>; it announces its death on <prefix>.<worker>.died.
package natsengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-meet/internal/config"
	"github.com/isqad/livelook-meet/internal/media"
)

const defaultRequestTimeout = 5 * time.Second

type Options struct {
	URL     string
	Prefix  string
	Workers int
	Timeout time.Duration
}

func OptionsFromConfig(cfg config.MediaConfig) Options {
	return Options{
		URL:     cfg.NATSURL,
		Prefix:  cfg.SubjectPrefix,
		Workers: cfg.Workers,
	}
}

type Engine struct {
	nc      *nats.Conn
	ownConn bool
	prefix  string
	timeout time.Duration

	routers []*Router
	subs    []*nats.Subscription

	died    chan error
	dieOnce sync.Once

	closeMux sync.Mutex
	closed   bool
}

// Connect dials NATS and attaches to the configured workers
func Connect(ctx context.Context, opts Options) (*Engine, error) {
	e := &Engine{}

	nc, err := nats.Connect(opts.URL,
		nats.Name("livelook-meet"),
		nats.NoEcho(),
		nats.ClosedHandler(func(*nats.Conn) {
			e.closeMux.Lock()
			closing := e.closed
			e.closeMux.Unlock()
			if !closing {
				e.die(errors.New("nats connection closed"))
			}
		}),
	)
	if err != nil {
		return nil, err
	}

	if err := e.attach(ctx, nc, opts); err != nil {
		nc.Close()
		return nil, err
	}
	e.ownConn = true

	return e, nil
}

// New attaches to workers over an existing connection
func New(ctx context.Context, nc *nats.Conn, opts Options) (*Engine, error) {
	e := &Engine{}
	if err := e.attach(ctx, nc, opts); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) attach(ctx context.Context, nc *nats.Conn, opts Options) error {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRequestTimeout
	}

	e.nc = nc
	e.prefix = opts.Prefix
	e.timeout = opts.Timeout
	e.died = make(chan error, 1)

	for w := 0; w < opts.Workers; w++ {
		worker := w
		sub, err := nc.Subscribe(diedSubject(e.prefix, worker), func(msg *nats.Msg) {
			event := diedEvent{}
			_ = json.Unmarshal(msg.Data, &event)
			e.die(fmt.Errorf("media worker %d died: %s", worker, event.Error))
		})
		if err != nil {
			e.unsubscribe()
			return err
		}
		e.subs = append(e.subs, sub)

		data := routerData{}
		if err := e.call(ctx, worker, methodGetRouter, Request{}, &data); err != nil {
			e.unsubscribe()
			return err
		}
		e.routers = append(e.routers, &Router{engine: e, worker: worker, id: data.RouterID})

		log.Info().Str("service", "natsengine").Int("worker", worker).Str("router", data.RouterID).Msg("attached to media worker")
	}

	return nil
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

func (e *Engine) Close() error {
	e.closeMux.Lock()
	if e.closed {
		e.closeMux.Unlock()
		return nil
	}
	e.closed = true
	e.closeMux.Unlock()

	e.unsubscribe()
	if e.ownConn {
		return e.nc.Drain()
	}
	return nil
}

func (e *Engine) die(err error) {
	e.dieOnce.Do(func() {
		log.Error().Str("service", "natsengine").Err(err).Msg("media engine died")
		e.died <- err
	})
}

func (e *Engine) unsubscribe() {
	for _, sub := range e.subs {
		_ = sub.Unsubscribe()
	}
	e.subs = nil
}

func (e *Engine) call(ctx context.Context, worker int, method string, req Request, out interface{}) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	msg, err := e.nc.RequestWithContext(ctx, subject(e.prefix, worker, method), payload)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, nats.ErrTimeout) ||
			errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrConnectionClosed) {
			return fmt.Errorf("%w: %s: %v", media.ErrEngineUnavailable, method, err)
		}
		return err
	}

	reply := Reply{}
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("%s: bad reply: %w", method, err)
	}
	if !reply.OK {
		return errorOf(reply)
	}
	if out != nil && len(reply.Data) > 0 {
		return json.Unmarshal(reply.Data, out)
	}
	return nil
}
