// Package bot is a scripted signaling client: it joins a room and walks the publish
// handshake against a running server, reporting every event it receives.
package bot

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-meet/internal/media"
	sig "github.com/isqad/livelook-meet/internal/signal"
)

type Options struct {
	Host   string
	Secure bool
	Token  string
	RoomID string
}

type Bot struct {
	Options

	// OnEvent is called for every server message
	OnEvent func(env sig.Envelope)

	fingerprints []webrtc.DTLSFingerprint
	ssrc         uint32

	lock          sync.Mutex
	websocketConn *websocket.Conn
	transportID   string
}

func New(opts Options) (*Bot, error) {
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

	ssrc := make([]byte, 4)
	if _, err := rand.Read(ssrc); err != nil {
		return nil, err
	}

	return &Bot{
		Options:      opts,
		fingerprints: fingerprints,
		ssrc:         binary.BigEndian.Uint32(ssrc),
	}, nil
}

func (bot *Bot) endpoint() string {
	scheme := "ws"
	if bot.Secure {
		scheme = "wss"
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     bot.Host,
		Path:     "/ws",
		RawQuery: url.Values{"token": []string{bot.Token}}.Encode(),
	}
	return u.String()
}

// Start runs the bot until SIGINT/SIGTERM or until the server hangs up
func (bot *Bot) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return bot.Run(ctx)
}

func (bot *Bot) Run(ctx context.Context) error {
	dialer := &websocket.Dialer{
		HandshakeTimeout: 45 * time.Second,
	}

	c, resp, err := dialer.DialContext(ctx, bot.endpoint(), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	defer c.Close()

	bot.websocketConn = c

	if err := bot.send(sig.JoinRoomMessage, sig.RoomPayload{RoomID: bot.RoomID}); err != nil {
		return err
	}

	done := make(chan error, 1)

	go func() {
		for {
			if err := bot.readMessage(c); err != nil {
				done <- err
				return
			}
		}
	}()

	select {
	case err := <-done:
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Info().Str("service", "bot").Msg("interrupt")

		// Cleanly close the connection by sending a close message and then
		// waiting (with timeout) for the server to close the connection.
		bot.lock.Lock()
		err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		bot.lock.Unlock()
		if err != nil {
			return err
		}

		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return nil
	}
}

func (bot *Bot) send(t sig.MessageType, payload interface{}) error {
	msg, err := sig.Encode(t, payload)
	if err != nil {
		return err
	}

	bot.lock.Lock()
	defer bot.lock.Unlock()

	return bot.websocketConn.WriteMessage(websocket.TextMessage, msg)
}

func (bot *Bot) readMessage(conn *websocket.Conn) error {
	_, message, err := conn.ReadMessage()
	if err != nil {
		return err
	}

	env := sig.Envelope{}
	if err := json.Unmarshal(message, &env); err != nil {
		return err
	}

	log.Info().Str("service", "bot").Str("type", string(env.Type)).RawJSON("payload", rawOrNull(env.Payload)).Msg("event")
	if bot.OnEvent != nil {
		bot.OnEvent(env)
	}

	switch env.Type {
	case sig.JoinSuccessMessage:
		return bot.send(sig.GetRouterRtpCapabilitiesMessage, sig.RoomPayload{RoomID: bot.RoomID})
	case sig.RouterCapabilitiesMessage:
		return bot.send(sig.CreateProducerTransportMessage, sig.RoomPayload{RoomID: bot.RoomID})
	case sig.ProducerTransportCreatedMessage:
		created := sig.TransportCreatedPayload{}
		if err := json.Unmarshal(env.Payload, &created); err != nil {
			return err
		}
		bot.transportID = created.Params.ID

		return bot.send(sig.ConnectProducerTransportMessage, sig.ConnectTransportPayload{
			TransportID: bot.transportID,
			DtlsParameters: &media.DtlsParameters{
				Role:         "client",
				Fingerprints: bot.fingerprints,
			},
		})
	case sig.ProducerConnectedMessage:
		params, err := json.Marshal(media.RtpParameters{
			Codecs: []media.RtpCodecParameters{
				{MimeType: webrtc.MimeTypeVP8, PayloadType: 96, ClockRate: 90000},
			},
			Encodings: []media.RtpEncoding{{SSRC: bot.ssrc}},
		})
		if err != nil {
			return err
		}

		return bot.send(sig.ProduceMessage, sig.ProducePayload{
			TransportID:   bot.transportID,
			Kind:          media.KindVideo,
			RtpParameters: params,
			AppData:       sig.ProduceAppData{Type: media.StreamVideo, RoomID: bot.RoomID},
		})
	case sig.ErrorMessage:
		payload := sig.ErrorPayload{}
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return err
		}
		log.Error().Str("service", "bot").Str("message", payload.Message).Bool("retryable", payload.Retryable).Msg("server error")
	}

	return nil
}

func rawOrNull(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
