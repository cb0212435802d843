package main

import (
	"context"
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/isqad/livelook-meet/internal/bot"
	"github.com/isqad/livelook-meet/internal/eventbus"
)

func main() {
	app := &cli.App{
		Name:        "livelook-bot",
		Usage:       "Signaling probe: joins a room and publishes a video producer",
		Description: "",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Value: "localhost:8080",
				Usage: "main host of server",
			},
			&cli.BoolFlag{
				Name:  "secure",
				Usage: "connect with wss",
			},
			&cli.StringFlag{
				Name:     "token",
				Usage:    "JWT for authenticate",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "room",
				Usage:    "room to join",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "redis",
				Usage: "redis address, when set the room events mirror is printed too",
			},
		},
		Action: startBot,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Printf("%v\n", err)
	}
}

func startBot(c *cli.Context) error {
	log.Logger = log.Output(zerolog.NewConsoleWriter())

	if addr := c.String("redis"); addr != "" {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		rdb := redis.NewClient(&redis.Options{Addr: addr})
		defer rdb.Close()

		subscription, err := eventbus.SubscribeRoom(ctx, rdb, c.String("room"))
		if err != nil {
			return err
		}
		defer subscription.Close()

		go func() {
			for msg := range subscription.Channel() {
				log.Info().Str("service", "mirror").Str("channel", msg.Channel).Msg(msg.Payload)
			}
		}()
	}

	b, err := bot.New(bot.Options{
		Host:   c.String("host"),
		Secure: c.Bool("secure"),
		Token:  c.String("token"),
		RoomID: c.String("room"),
	})
	if err != nil {
		return err
	}

	return b.Start()
}
