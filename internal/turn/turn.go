package turn

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/irdkwmnsb/robolink/internal/api"
	"github.com/irdkwmnsb/robolink/internal/config"
	"github.com/irdkwmnsb/robolink/internal/metrics"
	"github.com/pion/logging"
	pionturn "github.com/pion/turn/v4"
)

const defaultCredentialTTL = time.Hour

var ErrMisconfigured = errors.New("turn relay misconfigured")

// Server is a TURN relay using time-limited credentials derived from a
// shared secret, so the hub can hand out credentials without a user store.
type Server struct {
	cfg    config.TURNConfig
	server *pionturn.Server
}

// Start listens on UDP cfg.Port on every interface and relays from
// cfg.PublicIP. Port 0 picks a free port.
func Start(cfg config.TURNConfig, loggerFactory logging.LoggerFactory) (*Server, error) {
	relayIP := net.ParseIP(cfg.PublicIP)
	if relayIP == nil {
		return nil, fmt.Errorf("%w: publicIp %q is not an ip address", ErrMisconfigured, cfg.PublicIP)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("%w: sharedSecret is required", ErrMisconfigured)
	}
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	conn, err := net.ListenPacket("udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("listen turn udp port %d: %w", cfg.Port, err)
	}

	server, err := pionturn.NewServer(pionturn.ServerConfig{
		Realm:         cfg.Realm,
		AuthHandler:   pionturn.NewLongTermAuthHandler(cfg.SharedSecret, loggerFactory.NewLogger("turn")),
		LoggerFactory: loggerFactory,
		PacketConnConfigs: []pionturn.PacketConnConfig{
			{
				PacketConn: conn,
				RelayAddressGenerator: &pionturn.RelayAddressGeneratorStatic{
					RelayAddress: relayIP,
					Address:      "0.0.0.0",
				},
			},
		},
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("start turn server: %w", err)
	}

	if udp, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		cfg.Port = udp.Port
	}
	slog.Info("turn relay started", "publicIp", cfg.PublicIP, "port", cfg.Port, "realm", cfg.Realm)
	metrics.TURNAllocationsEnabled.Set(1)
	return &Server{cfg: cfg, server: server}, nil
}

// Addr is the address clients reach the relay on.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.PublicIP, strconv.Itoa(s.cfg.Port))
}

func (s *Server) URL() string {
	return fmt.Sprintf("turn:%s?transport=udp", s.Addr())
}

// ICEServer mints a fresh credential valid for the configured TTL.
func (s *Server) ICEServer() (api.ICEServer, error) {
	ttl := s.cfg.CredentialTTLDuration()
	if ttl <= 0 {
		ttl = defaultCredentialTTL
	}
	username, password, err := pionturn.GenerateLongTermCredentials(s.cfg.SharedSecret, ttl)
	if err != nil {
		return api.ICEServer{}, fmt.Errorf("generate turn credentials: %w", err)
	}
	return api.ICEServer{
		URLs:       api.URLList{s.URL()},
		Username:   username,
		Credential: password,
	}, nil
}

func (s *Server) Close() error {
	metrics.TURNAllocationsEnabled.Set(0)
	return s.server.Close()
}
