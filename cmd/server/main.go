package main

import (
	"context"
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	_ "github.com/jackc/pgx/v4/stdlib"

	"github.com/isqad/livelook-meet/internal/auth"
	"github.com/isqad/livelook-meet/internal/config"
	"github.com/isqad/livelook-meet/internal/core"
	"github.com/isqad/livelook-meet/internal/eventbus"
	"github.com/isqad/livelook-meet/internal/media"
	"github.com/isqad/livelook-meet/internal/media/loopback"
	"github.com/isqad/livelook-meet/internal/media/natsengine"
	sig "github.com/isqad/livelook-meet/internal/signal"
	"github.com/isqad/livelook-meet/internal/ws"
)

const mirrorBuffer = 1024

func main() {
	app := &cli.App{
		Name:        "livelook-meet",
		Usage:       "Meeting signaling server",
		Description: "",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "env",
				Usage:    "environment: either 'development' or 'production'",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to yaml config, LIVELOOK_* environment variables override it",
			},
			&cli.StringFlag{
				Name:  "address",
				Usage: "listen IP and port, example: ':8080' for listen on 0.0.0.0:8080, overrides config",
			},
		},
		Action: startServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func startServer(c *cli.Context) error {
	env, err := core.ParseEnvironment(c.String("env"))
	if err != nil {
		return err
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("address") {
		cfg.Address = c.String("address")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		peers core.PeerStorer
		meets core.MeetStorer
	)
	if cfg.Database.DSN != "" {
		db, err := sqlx.Connect("pgx", cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer db.Close()

		peers = core.NewPeerRepository(db)
		if cfg.Database.RequireMeet {
			meets = core.NewMeetRepository(db)
		}
	} else {
		log.Warn().Str("service", "server").Msg("no database configured, peers are taken from token claims")
	}

	var mirror sig.Mirror
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr: cfg.Redis.Addr,
			DB:   cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}

		m := eventbus.NewMirror(rdb, mirrorBuffer)
		go m.Run(ctx)
		mirror = m
	}

	engine, err := newEngine(ctx, cfg.Media)
	if err != nil {
		return err
	}
	defer engine.Close()

	pool, err := media.NewPool(engine, media.RoundRobin())
	if err != nil {
		return err
	}

	coordinator := sig.New(sig.Options{
		Pool:               pool,
		Meets:              meets,
		Mirror:             mirror,
		NegotiationTimeout: cfg.Signal.NegotiationTimeout,
	})
	coordinator.WatchEngine(ctx, engine)

	wsApp := ws.New(ws.WsAppOptions{
		Env:         env,
		Address:     cfg.Address,
		Signal:      cfg.Signal,
		Coordinator: coordinator,
		Resolver:    auth.NewJWTResolver(cfg.JWT.Secret, peers),
	})

	return wsApp.Start()
}

func newEngine(ctx context.Context, cfg config.MediaConfig) (media.Engine, error) {
	switch cfg.Engine {
	case config.NATSEngine:
		engine, err := natsengine.Connect(ctx, natsengine.OptionsFromConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("attach media workers: %w", err)
		}
		return engine, nil
	default:
		return loopback.New(loopback.OptionsFromConfig(cfg))
	}
}
