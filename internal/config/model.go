package config

import (
	"net/netip"
	"time"

	"github.com/irdkwmnsb/robolink/internal/api"
	"github.com/pion/webrtc/v4"
)

type AppConfig struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Security SecurityConfig `json:"security" yaml:"security"`
	WebRTC   WebRTCConfig   `json:"webrtc" yaml:"webrtc"`
	TURN     TURNConfig     `json:"turn" yaml:"turn"`
	Agent    AgentConfig    `json:"agent" yaml:"agent"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

// ServerConfig intervals are in milliseconds.
type ServerConfig struct {
	Port            int    `json:"port" yaml:"port"`
	PublicIP        string `json:"publicIp" yaml:"publicIp"`
	PingInterval    int    `json:"pingInterval" yaml:"pingInterval"`
	StaleTimeout    int    `json:"staleTimeout" yaml:"staleTimeout"`
	RegisterTimeout int    `json:"registerTimeout" yaml:"registerTimeout"`
}

func (c ServerConfig) PingIntervalDuration() time.Duration {
	return time.Duration(c.PingInterval) * time.Millisecond
}

func (c ServerConfig) StaleTimeoutDuration() time.Duration {
	return time.Duration(c.StaleTimeout) * time.Millisecond
}

func (c ServerConfig) RegisterTimeoutDuration() time.Duration {
	return time.Duration(c.RegisterTimeout) * time.Millisecond
}

type SecurityConfig struct {
	// OperatorCredential, when set, must be presented by operators on
	// registration and is the admin API password.
	OperatorCredential *string        `json:"operatorCredential" yaml:"operatorCredential"`
	TLSCrtFile         *string        `json:"tlsCrtFile" yaml:"tlsCrtFile"`
	TLSKeyFile         *string        `json:"tlsKeyFile" yaml:"tlsKeyFile"`
	OperatorNetworks   []netip.Prefix `json:"operatorNetworks" yaml:"operatorNetworks"`
}

type WebRTCConfig struct {
	PortMin              uint16                   `json:"portMin" yaml:"portMin"`
	PortMax              uint16                   `json:"portMax" yaml:"portMax"`
	PeerConnectionConfig api.PeerConnectionConfig `json:"peerConnectionConfig" yaml:"peerConnectionConfig"`
	Codecs               []Codec                  `json:"codecs" yaml:"codecs"`
	DisableAudio         bool                     `json:"disableAudio" yaml:"disableAudio"`
}

type TURNConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	PublicIP     string `json:"publicIp" yaml:"publicIp"`
	Port         int    `json:"port" yaml:"port"`
	Realm        string `json:"realm" yaml:"realm"`
	SharedSecret string `json:"sharedSecret" yaml:"sharedSecret"`
	// CredentialTTL is in seconds.
	CredentialTTL int `json:"credentialTtl" yaml:"credentialTtl"`
}

func (c TURNConfig) CredentialTTLDuration() time.Duration {
	return time.Duration(c.CredentialTTL) * time.Second
}

type AgentConfig struct {
	HubURL     string `json:"hubUrl" yaml:"hubUrl"`
	ID         string `json:"id" yaml:"id"`
	Name       string `json:"name" yaml:"name"`
	Credential string `json:"credential" yaml:"credential"`
	RecordDir  string `json:"recordDir" yaml:"recordDir"`
	// PingInterval is in milliseconds; the hub's value wins when it sends one.
	PingInterval int `json:"pingInterval" yaml:"pingInterval"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type Codec struct {
	Params webrtc.RTPCodecParameters `json:"params"`
	Type   webrtc.RTPCodecType       `json:"type"`
}

func DefaultAppConfig() AppConfig {
	return AppConfig{
		Server: ServerConfig{
			Port:            13478,
			PublicIP:        "",
			PingInterval:    5000,
			StaleTimeout:    30000,
			RegisterTimeout: 10000,
		},
		Security: SecurityConfig{
			OperatorCredential: nil,
			OperatorNetworks: []netip.Prefix{
				netip.MustParsePrefix("0.0.0.0/0"),
				netip.MustParsePrefix("::/0"),
			},
			TLSCrtFile: nil,
			TLSKeyFile: nil,
		},
		WebRTC: WebRTCConfig{
			PortMin:              0,
			PortMax:              0,
			PeerConnectionConfig: api.DefaultPeerConnectionConfig(),
			Codecs:               DefaultCodecs(),
			DisableAudio:         false,
		},
		TURN: TURNConfig{
			Enabled:       false,
			Port:          3478,
			Realm:         "robolink",
			CredentialTTL: 3600,
		},
		Agent: AgentConfig{
			HubURL:       "ws://127.0.0.1:13478",
			PingInterval: 5000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func DefaultCodecs() []Codec {
	return []Codec{
		{
			Params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:     webrtc.MimeTypeVP8,
					ClockRate:    90000,
					Channels:     0,
					RTCPFeedback: videoFeedback(),
				},
				PayloadType: 96,
			},
			Type: webrtc.RTPCodecTypeVideo,
		},
		{
			Params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:  webrtc.MimeTypeOpus,
					ClockRate: 48000,
					Channels:  2,
				},
				PayloadType: 111,
			},
			Type: webrtc.RTPCodecTypeAudio,
		},
	}
}

func videoFeedback() []webrtc.RTCPFeedback {
	return []webrtc.RTCPFeedback{
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
		{Type: "ccm", Parameter: "fir"},
		{Type: "goog-remb"},
	}
}
