package api

import (
	"encoding/json"
	"fmt"

	"github.com/irdkwmnsb/robolink/internal/domain"
)

// DataChannelLabel is the label of the single data channel a robot opens.
const DataChannelLabel = "robolink"

type ChannelMessageType string

const (
	ChannelMessageInit = ChannelMessageType("init")
	ChannelMessageData = ChannelMessageType("data")
)

// ChannelMessage is a frame on the peer data channel. Each side sends one
// init frame right after the channel opens, then any number of data frames.
type ChannelMessage struct {
	Type ChannelMessageType `json:"type"`
	Data json.RawMessage    `json:"data"`
}

type InitData struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func EncodeInit(self domain.Identity) ([]byte, error) {
	data, err := json.Marshal(InitData{ID: self.ID, Name: self.Name})
	if err != nil {
		return nil, err
	}
	return json.Marshal(ChannelMessage{Type: ChannelMessageInit, Data: data})
}

// EncodeData wraps an application payload. A json.RawMessage is embedded
// as is, anything else is marshalled.
func EncodeData(payload any) ([]byte, error) {
	var data json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		data = p
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		data = raw
	}
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return json.Marshal(ChannelMessage{Type: ChannelMessageData, Data: data})
}

func DecodeChannelMessage(frame []byte) (ChannelMessage, error) {
	var m ChannelMessage
	if err := json.Unmarshal(frame, &m); err != nil {
		return ChannelMessage{}, fmt.Errorf("decode channel message: %w", err)
	}
	switch m.Type {
	case ChannelMessageInit, ChannelMessageData:
		return m, nil
	}
	return ChannelMessage{}, fmt.Errorf("decode channel message: unknown type %q", m.Type)
}

// InitIdentity extracts the sender identity from an init frame. The role is
// not sent on the wire, so the caller supplies the one it expects.
func (m ChannelMessage) InitIdentity(role domain.Role) (domain.Identity, error) {
	if m.Type != ChannelMessageInit {
		return domain.Identity{}, fmt.Errorf("not an init message: %q", m.Type)
	}
	var d InitData
	if err := json.Unmarshal(m.Data, &d); err != nil {
		return domain.Identity{}, fmt.Errorf("decode init data: %w", err)
	}
	id := domain.Identity{ID: d.ID, Name: d.Name, Role: role}
	if err := id.Validate(); err != nil {
		return domain.Identity{}, err
	}
	return id, nil
}
