package cli

import (
	"github.com/irdkwmnsb/robolink/internal/config"
	"github.com/irdkwmnsb/robolink/internal/logging"
	"github.com/spf13/cobra"
)

const defaultConfigDir = "conf"

type globalOptions struct {
	configDir string
	logLevel  string
}

// loadConfig reads the config directory and installs the logger. An
// explicit --log-level wins over the log section.
func (o *globalOptions) loadConfig() (*config.AppConfig, error) {
	cfg, err := config.LoadAppConfig(o.configDir)
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if o.logLevel != "" {
		level = o.logLevel
	}
	logging.Init(level, cfg.Log.Format)
	return cfg, nil
}

func (o *globalOptions) bind(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&o.configDir, "config", defaultConfigDir, "directory with <section>.yaml config files")
	cmd.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error; overrides the log config")
}

// NewRootCommand is the robolink CLI: the hub server, the TURN relay and
// the two agents.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "robolink",
		Short: "Signalling hub and WebRTC agents linking robots with operators",
		Long: `robolink pairs robots with operators over WebRTC.

The hub tracks who is online and relays session negotiation. A robot agent
streams its media and opens a data channel; an operator agent asks the hub
for a robot, receives the media and exchanges messages on the channel.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.bind(root)

	root.AddCommand(
		newHubCommand(opts),
		newTurnCommand(opts),
		newRobotCommand(opts),
		newOperatorCommand(opts),
	)
	return root
}

// NewHubCommand is the standalone hub binary.
func NewHubCommand() *cobra.Command {
	opts := &globalOptions{}
	cmd := newHubCommand(opts)
	cmd.Use = "signalling"
	opts.bind(cmd)
	return cmd
}

// NewTurnCommand is the standalone TURN relay binary.
func NewTurnCommand() *cobra.Command {
	opts := &globalOptions{}
	cmd := newTurnCommand(opts)
	opts.bind(cmd)
	return cmd
}
