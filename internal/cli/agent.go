package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/irdkwmnsb/robolink/internal/api"
	"github.com/irdkwmnsb/robolink/internal/client"
	"github.com/irdkwmnsb/robolink/internal/config"
	"github.com/irdkwmnsb/robolink/internal/domain"
	"github.com/irdkwmnsb/robolink/internal/logging"
	"github.com/irdkwmnsb/robolink/internal/media"
	"github.com/irdkwmnsb/robolink/internal/peer"
	"github.com/spf13/cobra"
)

// agentFlags override the agent config section.
type agentFlags struct {
	url        string
	id         string
	name       string
	credential string
}

func (f *agentFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "url", "", "hub url, overrides agent.hubUrl")
	cmd.Flags().StringVar(&f.id, "id", "", "participant id, overrides agent.id")
	cmd.Flags().StringVar(&f.name, "name", "", "display name, overrides agent.name")
	cmd.Flags().StringVar(&f.credential, "credential", "", "operator credential, overrides agent.credential")
}

func (f agentFlags) apply(cfg config.AgentConfig) config.AgentConfig {
	if f.url != "" {
		cfg.HubURL = f.url
	}
	if f.id != "" {
		cfg.ID = f.id
	}
	if f.name != "" {
		cfg.Name = f.name
	}
	if f.credential != "" {
		cfg.Credential = f.credential
	}
	return cfg
}

type robotFlags struct {
	agentFlags
	video   string
	audio   string
	pattern bool
	echo    bool
}

func newRobotCommand(opts *globalOptions) *cobra.Command {
	var flags robotFlags
	cmd := &cobra.Command{
		Use:   "robot",
		Short: "Run a robot agent",
		Long: `Run a robot agent.

The robot registers with the hub and waits for an operator. Media comes from
an IVF (VP8) and/or Ogg (Opus) file played in a loop, or from a synthetic
pattern; without either the session is data-only. Data channel messages are
printed to stdout.

Examples:
  robolink robot --id rover-1 --video drive.ivf --audio mic.ogg
  robolink robot --id rover-1 --pattern --echo`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			out := newPrinter(cmd.OutOrStdout())
			agentOpts := client.AgentOptions{
				Media: robotMedia(flags.video, flags.audio, flags.pattern, cfg.WebRTC.DisableAudio),
				OnRemoteIdentity: func(_ *peer.Session, remote domain.Identity) {
					out.printf("operator %s connected\n", remote)
				},
				OnSessionClosed: func(s *peer.Session) {
					out.printf("session with %s closed: %v\n", s.RemoteID(), s.Err())
				},
				OnMessage: func(s *peer.Session, from *domain.Identity, payload json.RawMessage) {
					out.printf("%s: %s\n", sender(from, s), payload)
					if flags.echo {
						if err := s.Send(payload); err != nil {
							slog.Warn("echo failed", "error", err)
						}
					}
				},
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, cfg, domain.RoleRobot, flags.apply(cfg.Agent), "", agentOpts, nil)
		},
	}
	flags.bind(cmd)
	cmd.Flags().StringVar(&flags.video, "video", "", "IVF (VP8) file to stream")
	cmd.Flags().StringVar(&flags.audio, "audio", "", "Ogg (Opus) file to stream")
	cmd.Flags().BoolVar(&flags.pattern, "pattern", false, "stream a synthetic video pattern")
	cmd.Flags().BoolVar(&flags.echo, "echo", false, "send every received message back")
	return cmd
}

type operatorFlags struct {
	agentFlags
	robot  string
	record string
}

func newOperatorCommand(opts *globalOptions) *cobra.Command {
	var flags operatorFlags
	cmd := &cobra.Command{
		Use:   "operator",
		Short: "Run an operator agent",
		Long: `Run an operator agent.

The operator lists online robots and, with --robot, connects to one. Every
stdin line is sent on the data channel: valid JSON as is, anything else as
a string. Received tracks are recorded with --record.

Examples:
  robolink operator --id console --robot rover-1
  robolink operator --id console --robot rover-1 --record ./recordings`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			agentCfg := flags.apply(cfg.Agent)
			if flags.record != "" {
				agentCfg.RecordDir = flags.record
			}

			out := newPrinter(cmd.OutOrStdout())
			agentOpts := client.AgentOptions{
				OnRobots: func(robots []api.RobotInfo) {
					out.printf("robots online: %s\n", formatRobots(robots))
				},
				OnRemoteIdentity: func(_ *peer.Session, remote domain.Identity) {
					out.printf("connected to %s\n", remote)
				},
				OnSessionClosed: func(s *peer.Session) {
					out.printf("session with %s closed: %v\n", s.RemoteID(), s.Err())
				},
				OnMessage: func(s *peer.Session, from *domain.Identity, payload json.RawMessage) {
					out.printf("%s: %s\n", sender(from, s), payload)
				},
				OnError: func(err error) {
					out.printf("hub error: %v\n", err)
				},
			}
			if agentCfg.RecordDir != "" {
				recorder, err := media.NewRecorder(agentCfg.RecordDir)
				if err != nil {
					return err
				}
				agentOpts.Recorder = recorder
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			input := func(a *client.Agent) {
				go sendLines(ctx, cmd.InOrStdin(), a, flags.robot)
			}
			return runAgent(ctx, cfg, domain.RoleOperator, agentCfg, flags.robot, agentOpts, input)
		},
	}
	flags.bind(cmd)
	cmd.Flags().StringVar(&flags.robot, "robot", "", "robot id to connect to")
	cmd.Flags().StringVar(&flags.record, "record", "", "directory to record received tracks into, overrides agent.recordDir")
	return cmd
}

// runAgent connects to the hub and runs the agent until ctx is done or the
// hub connection is lost.
func runAgent(
	ctx context.Context,
	cfg *config.AppConfig,
	role domain.Role,
	agentCfg config.AgentConfig,
	robotID string,
	opts client.AgentOptions,
	started func(*client.Agent),
) error {
	identity := domain.Identity{ID: agentCfg.ID, Name: agentCfg.Name, Role: role}
	if err := identity.Validate(); err != nil {
		return fmt.Errorf("%w (set --id or agent.id)", err)
	}

	webrtcAPI, err := peer.NewAPI(peer.APIOptions{
		Role:          role,
		Codecs:        cfg.WebRTC.Codecs,
		PortMin:       cfg.WebRTC.PortMin,
		PortMax:       cfg.WebRTC.PortMax,
		LoggerFactory: logging.NewPionLoggerFactory(slog.Default()),
	})
	if err != nil {
		return err
	}
	opts.API = webrtcAPI

	conn, err := client.Connect(ctx, client.Options{
		URL:          agentCfg.HubURL,
		Identity:     identity,
		Credential:   agentCfg.Credential,
		RobotID:      robotID,
		PingInterval: time.Duration(agentCfg.PingInterval) * time.Millisecond,
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	agent := client.NewAgent(conn, opts)
	if started != nil {
		started(agent)
	}
	err = agent.Run(ctx)
	if errors.Is(err, domain.ErrConnectionLost) && conn.Err() != nil {
		err = conn.Err()
	}
	return err
}

// sendLines forwards every stdin line to robotID, or to every session when
// robotID is empty.
func sendLines(ctx context.Context, r io.Reader, a *client.Agent, robotID string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		payload := payloadFromLine(line)
		var err error
		if robotID != "" {
			err = a.Send(robotID, payload)
		} else {
			err = a.Broadcast(payload)
		}
		if err != nil {
			slog.Warn("message not sent", "error", err)
		}
	}
}

func payloadFromLine(line string) any {
	if json.Valid([]byte(line)) {
		return json.RawMessage(line)
	}
	return line
}

func robotMedia(video, audio string, pattern, disableAudio bool) media.Source {
	if disableAudio {
		audio = ""
	}
	switch {
	case video != "" || audio != "":
		return media.FileSource{VideoPath: video, AudioPath: audio}
	case pattern:
		return media.PatternSource{}
	default:
		return media.Unavailable("no media configured")
	}
}

func formatRobots(robots []api.RobotInfo) string {
	if len(robots) == 0 {
		return "none"
	}
	names := make([]string, 0, len(robots))
	for _, r := range robots {
		names = append(names, domain.Identity{ID: r.ID, Name: r.Name}.String())
	}
	return strings.Join(names, ", ")
}

func sender(from *domain.Identity, s *peer.Session) string {
	if from != nil {
		return from.String()
	}
	return s.RemoteID()
}

// printer serializes output from session callbacks.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w}
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintf(p.w, format, args...)
}
