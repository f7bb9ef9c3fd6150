package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/gohub/internal/chat"
	"github.com/Tyrowin/gohub/internal/config"
	"github.com/Tyrowin/gohub/internal/hub"
	"github.com/Tyrowin/gohub/internal/logging"
	"github.com/Tyrowin/gohub/internal/metrics"
	"github.com/Tyrowin/gohub/internal/server"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		port       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the hub server",
		Long: `Run the hub server.

Configuration is read from defaults, then the TOML file given with
--config, then the environment (SERVER_PORT, ALLOWED_ORIGINS, HUB_*).

Examples:
  gohub serve
  gohub serve --config gohub.toml
  gohub serve --port 9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServeConfig(configPath, port)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
	cmd.Flags().StringVarP(&port, "port", "p", "", "Listen address (overrides config and SERVER_PORT)")

	return cmd
}

// loadServeConfig layers the --port flag over the loaded configuration.
func loadServeConfig(path, port string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if port != "" {
		cfg.Port = port
	}
	return cfg.Sanitize(), nil
}

func runServe(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := logging.New(logging.Options{App: "gohub", Level: cfg.LogLevel, JSON: cfg.LogJSON})

	router := hub.NewRouter()
	if err := chat.Register(router, chat.NewRoom(logger)); err != nil {
		return fmt.Errorf("register chat methods: %w", err)
	}

	h := hub.New(router,
		hub.WithSettings(cfg.HubSettings()),
		hub.WithLogger(logger),
		hub.WithMetrics(metrics.New()),
	)
	srv := server.New(h, cfg, server.WithLogger(logger))
	httpServer := server.CreateServer(cfg.Port, srv.Routes())

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go h.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer)
	}()

	logger.Info().
		Str("addr", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Bool("allow_all_origins", cfg.AllowAllOrigins).
		Msg("Starting gohub server")

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}
	stop()

	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if err := h.Shutdown(cfg.ShutdownTimeout); err != nil {
		logger.Error().Err(err).Msg("Hub shutdown failed")
	}
	return serveErr
}
