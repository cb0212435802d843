package ws

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/isqad/melody"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-meet/internal/api"
	"github.com/isqad/livelook-meet/internal/auth"
	"github.com/isqad/livelook-meet/internal/config"
	"github.com/isqad/livelook-meet/internal/core"
	sig "github.com/isqad/livelook-meet/internal/signal"
)

// AppOptions is options of the application
type WsAppOptions struct {
	Env         core.Environment
	Address     string
	Signal      config.SignalConfig
	Coordinator *sig.Coordinator
	Resolver    auth.Resolver

	websocket *melody.Melody
}

// App is application for Websocket server
type WsApp struct {
	WsAppOptions
}

func New(options WsAppOptions) *WsApp {
	options.websocket = melody.New()
	options.websocket.Config.MaxMessageSize = 200 * 1024 // 200K
	if options.Signal.MaxMessageSize > 0 {
		options.websocket.Config.MaxMessageSize = options.Signal.MaxMessageSize
	}
	if options.Signal.WriteBuffer > 0 {
		options.websocket.Config.MessageBufferSize = options.Signal.WriteBuffer
	}

	app := &WsApp{
		options,
	}
	return app
}

func (app *WsApp) Start() error {
	quit := make(chan os.Signal, 1)
	done := make(chan struct{}, 1)

	app.initLogger()
	router := app.Router()

	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	server := &http.Server{
		Addr:              app.Address,
		Handler:           router,
		ReadHeaderTimeout: 1 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	server.RegisterOnShutdown(func() {
		log.Warn().Msg("received signal to terminate the server")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		app.Coordinator.Shutdown(ctx)
		if err := app.websocket.Close(); err != nil {
			log.Error().Err(err).Str("service", "ws").Msg("close websocket hub")
		}

		log.Info().Msg("all services are stopped")
		close(done)
	})

	// Shutdown the HTTP server
	go func() {
		<-quit
		log.Warn().Msg("the server is going shutting down")

		// Wait 20 seconds for close http connections
		waitIdleConnCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		server.SetKeepAlivesEnabled(false)
		if err := server.Shutdown(waitIdleConnCtx); err != nil {
			log.Fatal().Err(err).Msg("can't gracefully shutdown the server")
		}
	}()

	log.Info().Str("address", app.Address).Str("env", string(app.Env)).Msg("listening")

	err := server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server has been closed immediatelly")
	}

	<-done
	log.Info().Msg("server stopped")

	return nil
}

func (app *WsApp) initLogger() {
	cw := zerolog.NewConsoleWriter()
	log.Logger = log.Output(cw)

	level := zerolog.InfoLevel

	if app.Env.IsDevelopment() {
		level = zerolog.DebugLevel
	}

	zerolog.SetGlobalLevel(level)
}

// Router constructs http router
func (app *WsApp) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	app.websocket.HandleConnect(app.ConnectHandler())
	app.websocket.HandleDisconnect(app.DisconnectHandler())
	app.websocket.HandleMessage(app.HandleMessage())
	app.websocket.HandleError(func(s *melody.Session, err error) {
		log.Error().Err(err).Str("service", "ws").Msg("error in websocket session")
	})

	tokenAuth := auth.NewTokenAuth(app.Resolver)
	// The socket is upgraded anyway so the client sees a close reason
	tokenAuth.AuthFailFunc = app.rejectHandler

	r.With(tokenAuth.Middleware).Get("/ws", app.WsHandler())
	r.Get("/healthz", app.HealthHandler())
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Mount("/api/v1", api.NewApp(api.AppOptions{
		Inspector: app.Coordinator,
		Resolver:  app.Resolver,
	}).Router())

	return r
}
