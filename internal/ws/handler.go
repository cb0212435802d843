package ws

import (
	"context"
	"errors"
	"net/http"

	"github.com/isqad/melody"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/isqad/livelook-meet/internal/auth"
	"github.com/isqad/livelook-meet/internal/core"
	sig "github.com/isqad/livelook-meet/internal/signal"
)

const (
	wsConnKey    = "conn"
	wsPeerKey    = "peer"
	wsLimiterKey = "limiter"
	wsAuthErrKey = "auth_error"

	rateLimitReason = "rate limit exceeded"
)

var errNoConn = errors.New("session has no connection id")

func (app *WsApp) WsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		peer, err := auth.PeerFromRequest(r)
		if err != nil {
			log.Error().Err(err).Str("service", "websockets").Msg("can't get the peer from request context")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		sessKeys := make(map[string]interface{})
		sessKeys[wsConnKey] = core.NewConnID()
		sessKeys[wsPeerKey] = *peer
		sessKeys[wsLimiterKey] = app.newLimiter()

		if err := app.websocket.HandleRequestWithKeys(w, r, sessKeys); err != nil {
			log.Error().Err(err).Str("service", "websockets").Msg("can't handle request")
		}
	}
}

func (app *WsApp) rejectHandler(w http.ResponseWriter, r *http.Request, err error) {
	log.Warn().Err(err).Str("service", "websockets").Str("ip", r.RemoteAddr).Msg("authentication failed")

	sessKeys := map[string]interface{}{wsAuthErrKey: err}
	if err := app.websocket.HandleRequestWithKeys(w, r, sessKeys); err != nil {
		log.Error().Err(err).Str("service", "websockets").Msg("can't handle request")
	}
}

func (app *WsApp) newLimiter() *rate.Limiter {
	if app.Signal.MessagesPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := app.Signal.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(app.Signal.MessagesPerSecond), burst)
}

func (app *WsApp) ConnectHandler() func(session *melody.Session) {
	return func(session *melody.Session) {
		if err, ok := session.Keys[wsAuthErrKey].(error); ok {
			closeWsSession(session, sig.ClosePolicyViolation, auth.CloseReason(err))
			return
		}

		id, err := connFromSession(session)
		if err != nil {
			log.Error().Err(err).Str("service", "websockets").Msg("extract connection")
			closeWsSession(session, sig.CloseInternalError, "")
			return
		}
		peer, _ := session.Keys[wsPeerKey].(core.Peer)

		if err := app.Coordinator.Connect(id, peer, &sessionSender{session: session}); err != nil {
			log.Error().Err(err).Str("service", "websockets").Str("conn", string(id)).Msg("register connection")
			closeWsSession(session, sig.CloseInternalError, "")
			return
		}

		log.Info().Str("service", "websockets").Str("conn", string(id)).Str("peer", string(peer.ID)).Msg("connected")
	}
}

func (app *WsApp) DisconnectHandler() func(session *melody.Session) {
	return func(session *melody.Session) {
		id, err := connFromSession(session)
		if err != nil {
			// rejected before registration
			return
		}

		app.Coordinator.Disconnect(context.Background(), id)
		log.Info().Str("service", "websockets").Str("conn", string(id)).Msg("disconnected")
	}
}

func (app *WsApp) HandleMessage() func(s *melody.Session, msg []byte) {
	return func(s *melody.Session, msg []byte) {
		id, err := connFromSession(s)
		if err != nil {
			return
		}

		if limiter, ok := s.Keys[wsLimiterKey].(*rate.Limiter); ok && !limiter.Allow() {
			log.Warn().Str("service", "websockets").Str("conn", string(id)).Msg(rateLimitReason)
			closeWsSession(s, sig.ClosePolicyViolation, rateLimitReason)
			return
		}

		app.Coordinator.HandleMessage(s.Request.Context(), id, msg)
	}
}

func (app *WsApp) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if app.Coordinator.Draining() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("draining"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

func connFromSession(s *melody.Session) (core.ConnID, error) {
	id, ok := s.Keys[wsConnKey].(core.ConnID)
	if !ok {
		return "", errNoConn
	}
	return id, nil
}

func closeWsSession(s *melody.Session, code int, reason string) {
	if err := s.CloseWithMsg(melody.FormatCloseMessage(code, reason)); err != nil {
		log.Debug().Err(err).Str("service", "websockets").Msg("close session")
	}
}
