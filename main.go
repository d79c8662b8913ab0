/*
Package main is the entry point for the OpsChat conversation engine.

The engine runs as a local daemon between an external renderer and the agent
backend. It holds the reconciled conversation state, streams turns and
approval decisions to the backend, keeps the out-of-band socket alive and
exposes everything through a small HTTP bridge API.

Startup order:
1. Load configuration from environment variables, then apply flags
2. Initialize structured logging
3. Build the backend client, socket connection and conversation controller
4. Set up HTTP middleware and register bridge routes
5. Run until interrupted, then shut everything down in reverse order
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"opschat/core"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		backendURL     string
		socketURL      string
		port           string
		conversationID string
		logLevel       string
	)

	cmd := &cobra.Command{
		Use:           "opschat",
		Short:         "Streaming conversation engine for the ops agent",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			config := core.LoadConfig()

			flags := cmd.Flags()
			if flags.Changed("backend") {
				config.BackendURL = backendURL
			}
			if flags.Changed("socket") {
				config.SocketURL = socketURL
			}
			if flags.Changed("port") {
				config.Port = port
			}
			if flags.Changed("conversation") {
				config.ConversationID = conversationID
			}
			if flags.Changed("log-level") {
				config.LogLevel = logLevel
			}
			if err := config.Validate(); err != nil {
				return err
			}
			return run(config)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&backendURL, "backend", "", "agent backend base URL (overrides BACKEND_URL)")
	flags.StringVar(&socketURL, "socket", "", "socket endpoint URL (overrides SOCKET_URL)")
	flags.StringVar(&port, "port", "", "bridge API port (overrides PORT)")
	flags.StringVar(&conversationID, "conversation", "", "conversation id to bind at startup (overrides CONVERSATION_ID)")
	flags.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL)")
	return cmd
}

func run(config *core.Config) error {
	logger := core.InitializeLogger(config)
	logger.Info("Starting OpsChat conversation engine")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cache := core.NewTranscriptCache(config.CacheMaxAge, config.CleanupInterval, logger)
	defer cache.Close()

	client := core.NewBackendClient(config.BackendURL, logger)
	socket := core.NewConnectionManager(config.Connection(), core.NewWebsocketDialer(10*time.Second), logger)

	controller := core.NewConversationController(core.ControllerOptions{
		ConversationID: config.ConversationID,
		Transport:      client,
		Socket:         socket,
		Cache:          cache,
		Codec:          core.NewCodec(logger.WithField("component", "codec"), config.LogTruncateLength),
		Logger:         logger,
		RequestTimeout: config.RequestTimeout,
	})
	socket.SetEventHandler(controller.HandleConnectionEvent)
	socket.Bind(config.ConversationID)

	loopCtx, stopLoop := context.WithCancel(context.Background())
	go func() {
		_ = controller.Run(loopCtx)
	}()

	// A failed first dial is retried in the background
	if err := socket.Connect(ctx); err != nil {
		logger.WithError(err).Warn("Initial socket connect failed; retrying in background")
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	if config.DebugMode {
		e.Use(debugBodyDump(logger, config.LogTruncateLength))
	}

	server := core.NewServer(controller, cache, config, logger)
	server.RegisterRoutes(e)

	serverErr := make(chan error, 1)
	go func() {
		logger.WithField("port", config.Port).Info("Starting bridge API")
		if err := e.Start(fmt.Sprintf(":%s", config.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down...")
	case err := <-serverErr:
		logger.WithError(err).Error("Bridge API failed")
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to gracefully shutdown bridge API")
	}
	stopLoop()
	<-controller.Stopped()
	socket.Disconnect()

	logger.Info("Shutdown complete")
	return runErr
}

// debugBodyDump logs request and response bodies, skipping the state stream.
func debugBodyDump(logger *logrus.Logger, limit int) echo.MiddlewareFunc {
	return middleware.BodyDumpWithConfig(middleware.BodyDumpConfig{
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/state/stream"
		},
		Handler: func(c echo.Context, reqBody, resBody []byte) {
			logger.WithFields(logrus.Fields{
				"path":     c.Path(),
				"status":   c.Response().Status,
				"request":  truncateBody(reqBody, limit),
				"response": truncateBody(resBody, limit),
			}).Debug("Bridge request")
		},
	})
}

func truncateBody(body []byte, limit int) string {
	if limit > 0 && len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
