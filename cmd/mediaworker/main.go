package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/isqad/livelook-meet/internal/config"
	"github.com/isqad/livelook-meet/internal/media/loopback"
	"github.com/isqad/livelook-meet/internal/media/natsengine"
)

func main() {
	app := &cli.App{
		Name:        "livelook-mediaworker",
		Usage:       "Media worker serving one router over NATS",
		Description: "",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to yaml config, LIVELOOK_* environment variables override it",
			},
			&cli.StringFlag{
				Name:  "natsAddr",
				Usage: "Address to connect to NATS server, overrides media.nats_url",
			},
			&cli.IntFlag{
				Name:     "worker",
				Usage:    "index of the worker, from 0 to media.workers-1",
				Required: true,
			},
		},
		Action: start,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Printf("%v\n", err)
	}
}

func start(c *cli.Context) error {
	log.Logger = log.Output(zerolog.NewConsoleWriter())

	// workers never verify tokens
	cfg, err := config.Load(c.String("config"))
	if err != nil && !errors.Is(err, config.ErrNoJWTSecret) {
		return err
	}
	if c.IsSet("natsAddr") {
		cfg.Media.NATSURL = c.String("natsAddr")
	}

	opts := loopback.OptionsFromConfig(cfg.Media)
	opts.Workers = 1
	engine, err := loopback.New(opts)
	if err != nil {
		return err
	}

	nc, err := nats.Connect(cfg.Media.NATSURL, nats.Name(fmt.Sprintf("livelook-mediaworker-%d", c.Int("worker"))))
	if err != nil {
		return err
	}
	defer nc.Drain()

	daemon, err := natsengine.NewDaemon(nc, cfg.Media.SubjectPrefix, c.Int("worker"), engine)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return daemon.Run(ctx)
}
