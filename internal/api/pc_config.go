package api

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"
)

// URLList accepts either a single url or a list, like the browser
// RTCIceServer dictionary does.
type URLList []string

func (l *URLList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = URLList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("ice server urls: %w", err)
	}
	*l = many
	return nil
}

func (l *URLList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*l = URLList{value.Value}
		return nil
	}
	var many []string
	if err := value.Decode(&many); err != nil {
		return fmt.Errorf("ice server urls: %w", err)
	}
	*l = many
	return nil
}

type ICEServer struct {
	URLs       URLList `json:"urls" yaml:"urls"`
	Username   string  `json:"username,omitempty" yaml:"username"`
	Credential string  `json:"credential,omitempty" yaml:"credential"`
}

type PeerConnectionConfig struct {
	IceServers []ICEServer `json:"iceServers" yaml:"iceServers"`
}

func DefaultPeerConnectionConfig() PeerConnectionConfig {
	return PeerConnectionConfig{
		IceServers: []ICEServer{
			{URLs: URLList{"stun:stun.l.google.com:19302"}},
		},
	}
}

func (c PeerConnectionConfig) WebrtcConfiguration() webrtc.Configuration {
	var conf webrtc.Configuration
	for _, s := range c.IceServers {
		if len(s.URLs) == 0 {
			continue
		}
		server := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		conf.ICEServers = append(conf.ICEServers, server)
	}
	return conf
}

// WithServers returns a copy of c with extra servers appended.
func (c PeerConnectionConfig) WithServers(servers ...ICEServer) PeerConnectionConfig {
	out := PeerConnectionConfig{IceServers: make([]ICEServer, 0, len(c.IceServers)+len(servers))}
	out.IceServers = append(out.IceServers, c.IceServers...)
	out.IceServers = append(out.IceServers, servers...)
	return out
}
