package peer

import (
	"github.com/irdkwmnsb/robolink/internal/api"
	"github.com/irdkwmnsb/robolink/internal/domain"
	"github.com/irdkwmnsb/robolink/internal/metrics"
	"github.com/pion/webrtc/v4"
)

// attachChannel installs the channel handlers. On the operator it must run
// inside OnDataChannel: pion drops frames that arrive before OnMessage is set.
func (s *Session) attachChannel(dc *webrtc.DataChannel) bool {
	if dc.Label() != api.DataChannelLabel {
		s.log.Warn("ignoring data channel with unexpected label", "label", dc.Label())
		return false
	}
	s.mu.Lock()
	if s.dc != nil {
		s.mu.Unlock()
		s.log.Warn("ignoring second data channel", "label", dc.Label())
		return false
	}
	s.dc = dc
	s.mu.Unlock()

	dc.OnOpen(func() {
		s.post(channelOpened{dc: dc})
	})
	dc.OnClose(func() {
		s.post(channelClosed{dc: dc})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.post(channelMessage{data: msg.Data})
	})
	return true
}

// onChannelOpened sends our init frame before the channel is reported open,
// so no application data can go out ahead of it.
func (s *Session) onChannelOpened(dc *webrtc.DataChannel) error {
	frame, err := api.EncodeInit(s.cfg.Self)
	if err != nil {
		return err
	}
	if err := dc.SendText(string(frame)); err != nil {
		s.log.Warn("failed to send init frame", "error", err)
		return domain.ErrConnectionLost
	}
	metrics.DataChannelMessagesTotal.WithLabelValues(string(api.ChannelMessageInit), "out").Inc()

	s.mu.Lock()
	if s.dcState == ChannelUnopened {
		s.dcState = ChannelOpen
	}
	s.mu.Unlock()

	s.log.Debug("data channel open", "label", dc.Label())
	s.markConnected("datachannel")
	return nil
}

func (s *Session) onChannelClosed(*webrtc.DataChannel) error {
	s.mu.Lock()
	s.dcState = ChannelClosed
	s.mu.Unlock()
	s.log.Info("data channel closed")
	return domain.ErrConnectionLost
}

func (s *Session) onChannelMessage(frame []byte) {
	msg, err := api.DecodeChannelMessage(frame)
	if err != nil {
		s.log.Warn("dropping malformed data channel frame", "error", err)
		metrics.DataChannelMessagesTotal.WithLabelValues("malformed", "in").Inc()
		return
	}
	metrics.DataChannelMessagesTotal.WithLabelValues(string(msg.Type), "in").Inc()

	switch msg.Type {
	case api.ChannelMessageInit:
		if s.initReceived {
			s.log.Warn("ignoring repeated init frame")
			return
		}
		identity, err := msg.InitIdentity(s.cfg.Role.Opposite())
		if err != nil {
			s.log.Warn("dropping invalid init frame", "error", err)
			return
		}
		if identity.ID != s.cfg.RemoteID {
			s.log.Warn("init identity does not match remote id", "initID", identity.ID)
		}
		s.initReceived = true
		s.mu.Lock()
		s.remoteIdentity = &identity
		s.mu.Unlock()
		s.log.Info("remote identity received", "remote", identity)
		if s.cfg.OnRemoteIdentity != nil {
			s.cfg.OnRemoteIdentity(identity)
		}
	case api.ChannelMessageData:
		if s.cfg.OnMessage != nil {
			s.cfg.OnMessage(s.RemoteIdentity(), msg.Data)
		}
	}
}
