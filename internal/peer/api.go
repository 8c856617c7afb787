package peer

import (
	"fmt"

	"github.com/irdkwmnsb/robolink/internal/config"
	"github.com/irdkwmnsb/robolink/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

type APIOptions struct {
	Role   domain.Role
	Codecs []config.Codec
	// PortMin and PortMax bound the ephemeral UDP range when both are set.
	PortMin  uint16
	PortMax  uint16
	PublicIP string
	// IncludeLoopback gathers 127.0.0.1 candidates, used when both peers
	// live on one host.
	IncludeLoopback bool
	LoggerFactory   logging.LoggerFactory
}

// NewAPI builds the pion API a session negotiates with. Operators also get
// a periodic PLI interceptor so robot encoders keep producing keyframes.
func NewAPI(opts APIOptions) (*webrtc.API, error) {
	codecs := opts.Codecs
	if len(codecs) == 0 {
		codecs = config.DefaultCodecs()
	}

	mediaEngine := &webrtc.MediaEngine{}
	for _, codec := range codecs {
		if err := mediaEngine.RegisterCodec(codec.Params, codec.Type); err != nil {
			return nil, fmt.Errorf("failed to register codec: %w", err)
		}
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	if opts.Role == domain.RoleOperator {
		pliFactory, err := intervalpli.NewReceiverInterceptor()
		if err != nil {
			return nil, fmt.Errorf("failed to create PLI factory: %w", err)
		}
		interceptorRegistry.Add(pliFactory)
	}

	se := webrtc.SettingEngine{}
	if opts.LoggerFactory != nil {
		se.LoggerFactory = opts.LoggerFactory
	}
	if opts.PublicIP != "" {
		se.SetNAT1To1IPs([]string{opts.PublicIP}, webrtc.ICECandidateTypeHost)
	}
	if opts.PortMin > 0 && opts.PortMax > 0 {
		if err := se.SetEphemeralUDPPortRange(opts.PortMin, opts.PortMax); err != nil {
			return nil, fmt.Errorf("failed to set WebRTC port range: %w", err)
		}
	}
	if opts.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}
