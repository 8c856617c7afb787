package cli

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/irdkwmnsb/robolink/internal/config"
	"github.com/irdkwmnsb/robolink/internal/logging"
	"github.com/irdkwmnsb/robolink/internal/turn"
	"github.com/spf13/cobra"
)

type turnFlags struct {
	publicIP string
	port     int
	realm    string
	secret   string
}

func (f turnFlags) apply(cfg config.TURNConfig) config.TURNConfig {
	if f.publicIP != "" {
		cfg.PublicIP = f.publicIP
	}
	if f.port > 0 {
		cfg.Port = f.port
	}
	if f.realm != "" {
		cfg.Realm = f.realm
	}
	if f.secret != "" {
		cfg.SharedSecret = f.secret
	}
	return cfg
}

func newTurnCommand(opts *globalOptions) *cobra.Command {
	var flags turnFlags
	cmd := &cobra.Command{
		Use:   "turn",
		Short: "Run a standalone TURN relay",
		Long: `Run a TURN relay that accepts time-limited credentials derived from
the shared secret, the same ones the hub hands out with turn.sharedSecret.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			relay, err := turn.Start(flags.apply(cfg.TURN), logging.NewPionLoggerFactory(slog.Default()))
			if err != nil {
				return err
			}
			defer relay.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			slog.Info("stopping turn relay")
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.publicIP, "public-ip", "", "IPv4 address the relay can be contacted by")
	cmd.Flags().IntVar(&flags.port, "port", 0, "listening UDP port, overrides turn.port")
	cmd.Flags().StringVar(&flags.realm, "realm", "", "realm, overrides turn.realm")
	cmd.Flags().StringVar(&flags.secret, "secret", "", "shared secret, overrides turn.sharedSecret")
	return cmd
}
