package config

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/irdkwmnsb/robolink/internal/api"
	"github.com/pion/webrtc/v4"
)

type RawServerConfig struct {
	Port            *int    `yaml:"port" json:"port"`
	PublicIP        *string `yaml:"publicIp" json:"publicIp"`
	PingInterval    *int    `yaml:"pingInterval" json:"pingInterval"`
	StaleTimeout    *int    `yaml:"staleTimeout" json:"staleTimeout"`
	RegisterTimeout *int    `yaml:"registerTimeout" json:"registerTimeout"`
}

func (r RawServerConfig) ToDomain() ServerConfig {
	var cfg ServerConfig
	if r.Port != nil {
		cfg.Port = *r.Port
	}
	if r.PublicIP != nil {
		cfg.PublicIP = *r.PublicIP
	}
	if r.PingInterval != nil {
		cfg.PingInterval = *r.PingInterval
	}
	if r.StaleTimeout != nil {
		cfg.StaleTimeout = *r.StaleTimeout
	}
	if r.RegisterTimeout != nil {
		cfg.RegisterTimeout = *r.RegisterTimeout
	}
	return cfg
}

type RawSecurityConfig struct {
	OperatorCredential *string   `yaml:"operatorCredential" json:"operatorCredential"`
	TLSCrtFile         *string   `yaml:"tlsCrtFile" json:"tlsCrtFile"`
	TLSKeyFile         *string   `yaml:"tlsKeyFile" json:"tlsKeyFile"`
	OperatorNetworks   *[]string `yaml:"operatorNetworks" json:"operatorNetworks"`
}

func (r RawSecurityConfig) ToDomain() (SecurityConfig, error) {
	var cfg SecurityConfig
	cfg.OperatorCredential = r.OperatorCredential
	cfg.TLSCrtFile = r.TLSCrtFile
	cfg.TLSKeyFile = r.TLSKeyFile

	if r.OperatorNetworks != nil {
		nets, err := parseNetworks(*r.OperatorNetworks)
		if err != nil {
			return SecurityConfig{}, err
		}
		cfg.OperatorNetworks = nets
	}

	return cfg, nil
}

type RawWebRTCConfig struct {
	PortMin              *uint16                   `yaml:"portMin" json:"portMin"`
	PortMax              *uint16                   `yaml:"portMax" json:"portMax"`
	PeerConnectionConfig *api.PeerConnectionConfig `yaml:"peerConnectionConfig" json:"peerConnectionConfig"`
	Codecs               *[]RawCodec               `yaml:"codecs" json:"codecs"`
	DisableAudio         *bool                     `yaml:"disableAudio" json:"disableAudio"`
}

type RawCodec struct {
	Params struct {
		MimeType    string `json:"mimeType" yaml:"mimeType"`
		ClockRate   uint32 `json:"clockRate" yaml:"clockRate"`
		PayloadType uint8  `json:"payloadType" yaml:"payloadType"`
		Channels    uint16 `json:"channels" yaml:"channels"`
	} `json:"params" yaml:"params"`
	Type string `json:"type" yaml:"type"`
}

func (r RawWebRTCConfig) ToDomain() (WebRTCConfig, error) {
	var cfg WebRTCConfig
	if r.PortMin != nil {
		cfg.PortMin = *r.PortMin
	}
	if r.PortMax != nil {
		cfg.PortMax = *r.PortMax
	}
	if cfg.PortMin > 0 && cfg.PortMax > 0 && cfg.PortMin > cfg.PortMax {
		return WebRTCConfig{}, fmt.Errorf("invalid webrtc port range %d-%d", cfg.PortMin, cfg.PortMax)
	}
	if r.PeerConnectionConfig != nil {
		cfg.PeerConnectionConfig = *r.PeerConnectionConfig
	}
	if r.Codecs != nil {
		cfg.Codecs = parseCodecs(*r.Codecs)
	}
	if r.DisableAudio != nil {
		cfg.DisableAudio = *r.DisableAudio
	}
	return cfg, nil
}

type RawTURNConfig struct {
	Enabled       *bool   `yaml:"enabled" json:"enabled"`
	PublicIP      *string `yaml:"publicIp" json:"publicIp"`
	Port          *int    `yaml:"port" json:"port"`
	Realm         *string `yaml:"realm" json:"realm"`
	SharedSecret  *string `yaml:"sharedSecret" json:"sharedSecret"`
	CredentialTTL *int    `yaml:"credentialTtl" json:"credentialTtl"`
}

func (r RawTURNConfig) ToDomain() (TURNConfig, error) {
	var cfg TURNConfig
	if r.Enabled != nil {
		cfg.Enabled = *r.Enabled
	}
	if r.PublicIP != nil {
		cfg.PublicIP = *r.PublicIP
	}
	if r.Port != nil {
		cfg.Port = *r.Port
	}
	if r.Realm != nil {
		cfg.Realm = *r.Realm
	}
	if r.SharedSecret != nil {
		cfg.SharedSecret = *r.SharedSecret
	}
	if r.CredentialTTL != nil {
		cfg.CredentialTTL = *r.CredentialTTL
	}
	if cfg.Enabled && (cfg.PublicIP == "" || cfg.SharedSecret == "") {
		return TURNConfig{}, fmt.Errorf("turn: publicIp and sharedSecret are required when enabled")
	}
	return cfg, nil
}

type RawAgentConfig struct {
	HubURL       *string `yaml:"hubUrl" json:"hubUrl"`
	ID           *string `yaml:"id" json:"id"`
	Name         *string `yaml:"name" json:"name"`
	Credential   *string `yaml:"credential" json:"credential"`
	RecordDir    *string `yaml:"recordDir" json:"recordDir"`
	PingInterval *int    `yaml:"pingInterval" json:"pingInterval"`
}

func (r RawAgentConfig) ToDomain() AgentConfig {
	var cfg AgentConfig
	if r.HubURL != nil {
		cfg.HubURL = *r.HubURL
	}
	if r.ID != nil {
		cfg.ID = *r.ID
	}
	if r.Name != nil {
		cfg.Name = *r.Name
	}
	if r.Credential != nil {
		cfg.Credential = *r.Credential
	}
	if r.RecordDir != nil {
		cfg.RecordDir = *r.RecordDir
	}
	if r.PingInterval != nil {
		cfg.PingInterval = *r.PingInterval
	}
	return cfg
}

type RawLogConfig struct {
	Level  *string `yaml:"level" json:"level"`
	Format *string `yaml:"format" json:"format"`
}

func (r RawLogConfig) ToDomain() LogConfig {
	var cfg LogConfig
	if r.Level != nil {
		cfg.Level = *r.Level
	}
	if r.Format != nil {
		cfg.Format = *r.Format
	}
	return cfg
}

func parseNetworks(raw []string) ([]netip.Prefix, error) {
	nets := make([]netip.Prefix, 0, len(raw))
	for _, s := range raw {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("operator network %q: %w", s, err)
		}
		nets = append(nets, p)
	}
	return nets, nil
}

func parseCodecs(rawCodecs []RawCodec) []Codec {
	result := make([]Codec, 0, len(rawCodecs))

	for _, rawCodec := range rawCodecs {
		capability := webrtc.RTPCodecCapability{
			MimeType:  rawCodec.Params.MimeType,
			ClockRate: rawCodec.Params.ClockRate,
			Channels:  rawCodec.Params.Channels,
		}

		if strings.HasPrefix(strings.ToLower(rawCodec.Params.MimeType), "video/") {
			capability.RTCPFeedback = videoFeedback()
		}

		params := webrtc.RTPCodecParameters{
			RTPCodecCapability: capability,
			PayloadType:        webrtc.PayloadType(rawCodec.Params.PayloadType),
		}

		result = append(result, Codec{Params: params, Type: webrtc.NewRTPCodecType(rawCodec.Type)})
	}

	return result
}
