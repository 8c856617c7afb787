package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/irdkwmnsb/robolink/internal/config"
	"github.com/irdkwmnsb/robolink/internal/hub"
	"github.com/irdkwmnsb/robolink/internal/logging"
	"github.com/irdkwmnsb/robolink/internal/metrics"
	"github.com/irdkwmnsb/robolink/internal/repository/memory"
	"github.com/irdkwmnsb/robolink/internal/signalling"
	"github.com/irdkwmnsb/robolink/internal/turn"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

func newHubCommand(opts *globalOptions) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Run the signalling hub",
		Long: `Run the signalling hub.

The hub serves /ws/signal for robots and operators, the admin API under
/api and Prometheus metrics on /metrics. Config files are watched and
security settings are re-applied on change.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runHub(ctx, opts, port)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port, overrides server.port")
	return cmd
}

func runHub(ctx context.Context, opts *globalOptions, port int) error {
	manager, err := config.NewManager(opts.configDir)
	if err != nil {
		return fmt.Errorf("load config from %s: %w", opts.configDir, err)
	}
	defer manager.Close()

	cfg := manager.Get()
	level := cfg.Log.Level
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	logging.Init(level, cfg.Log.Format)
	if port > 0 {
		cfg.Server.Port = port
	}
	metrics.StartTime.Set(float64(time.Now().Unix()))

	app := fiber.New(fiber.Config{
		BodyLimit:             4 * 1024 * 1024,
		DisableStartupMessage: true,
	})

	h := hub.New(memory.NewClientRepository())
	server := signalling.NewServer(&cfg, app, h)
	defer server.Close()

	if cfg.TURN.Enabled {
		relay, err := turn.Start(cfg.TURN, logging.NewPionLoggerFactory(slog.Default()))
		if err != nil {
			return err
		}
		defer relay.Close()
		server.SetICEServerSource(relay)
	}

	manager.SetUpdateCallback(func(updated *config.AppConfig) {
		if opts.logLevel == "" {
			logging.SetLevel(updated.Log.Level)
		}
		server.ApplyConfig(updated)
	})

	server.SetupWebSocketsAndApi()

	go func() {
		<-ctx.Done()
		slog.Info("shutting down signalling server")
		server.Close()
		_ = app.ShutdownWithTimeout(shutdownTimeout)
	}()

	addr := ":" + strconv.Itoa(cfg.Server.Port)
	if cfg.Security.TLSCrtFile != nil && cfg.Security.TLSKeyFile != nil {
		slog.Info("running TLS signalling server", "addr", addr)
		err = app.ListenTLS(addr, *cfg.Security.TLSCrtFile, *cfg.Security.TLSKeyFile)
	} else {
		slog.Info("running signalling server", "addr", addr)
		err = app.Listen(addr)
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}
