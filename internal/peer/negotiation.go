package peer

import (
	"errors"
	"fmt"
	"time"

	"github.com/irdkwmnsb/robolink/internal/api"
	"github.com/irdkwmnsb/robolink/internal/domain"
	"github.com/irdkwmnsb/robolink/internal/media"
	"github.com/irdkwmnsb/robolink/internal/metrics"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

func (s *Session) onBeginSession() error {
	if s.cfg.Role != domain.RoleRobot {
		s.log.Warn("ignoring beginSession on operator session")
		return nil
	}
	if s.State() != StateIdle {
		s.log.Debug("ignoring duplicate beginSession", "state", s.State())
		return nil
	}
	s.startedAt = time.Now()
	s.setState(StateOffering)

	source := s.cfg.Media
	if source == nil {
		source = media.Unavailable("no media source configured")
	}
	go func() {
		stream, err := source.Acquire(s.ctx)
		if !s.post(mediaAcquired{stream: stream, err: err}) && stream != nil {
			stream.Close()
		}
	}()
	return nil
}

func (s *Session) onMediaAcquired(e mediaAcquired) error {
	if e.err != nil {
		if !errors.Is(e.err, domain.ErrMediaUnavailable) {
			s.log.Warn("media acquisition failed", "error", e.err)
		} else {
			s.log.Info("continuing without local media", "reason", e.err)
		}
		metrics.MediaUnavailableTotal.Inc()
	} else if e.stream != nil {
		s.mu.Lock()
		s.localMedia = e.stream
		s.mu.Unlock()
	}

	if err := s.createPeerConnection(); err != nil {
		return err
	}

	if e.stream != nil {
		for _, track := range e.stream.Tracks() {
			sender, err := s.pc.AddTrack(track)
			if err != nil {
				return fmt.Errorf("%w: add track %s: %v", domain.ErrNegotiationFailed, track.ID(), err)
			}
			go s.readRTCP(sender)
		}
	}

	dc, err := s.pc.CreateDataChannel(api.DataChannelLabel, nil)
	if err != nil {
		return fmt.Errorf("%w: create data channel: %v", domain.ErrNegotiationFailed, err)
	}
	s.attachChannel(dc)

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("%w: create offer: %v", domain.ErrNegotiationFailed, err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: set local description: %v", domain.ErrNegotiationFailed, err)
	}
	s.sendSignal(api.Message{Event: api.EventOffer, Offer: &offer})
	return nil
}

func (s *Session) onRemoteOffer(e RemoteOffer) error {
	if s.cfg.Role != domain.RoleOperator {
		s.log.Warn("ignoring offer on robot session")
		return nil
	}
	if s.pc == nil {
		s.startedAt = time.Now()
		s.setState(StateAnswering)
		if err := s.createPeerConnection(); err != nil {
			return err
		}
		s.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if s.attachChannel(dc) {
				s.post(channelAttached{dc: dc})
			}
		})
	}

	if err := s.pc.SetRemoteDescription(e.SDP); err != nil {
		return fmt.Errorf("%w: set remote description: %v", domain.ErrNegotiationFailed, err)
	}
	s.remoteDescSet = true
	s.flushCandidates()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("%w: create answer: %v", domain.ErrNegotiationFailed, err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("%w: set local description: %v", domain.ErrNegotiationFailed, err)
	}
	s.sendSignal(api.Message{Event: api.EventAnswer, Answer: &answer})
	return nil
}

func (s *Session) onRemoteAnswer(e RemoteAnswer) error {
	if s.cfg.Role != domain.RoleRobot || s.pc == nil {
		s.log.Warn("ignoring unexpected answer", "state", s.State())
		return nil
	}
	if s.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		s.log.Warn("ignoring answer without pending offer", "signalingState", s.pc.SignalingState())
		return nil
	}
	if err := s.pc.SetRemoteDescription(e.SDP); err != nil {
		return fmt.Errorf("%w: set remote description: %v", domain.ErrNegotiationFailed, err)
	}
	s.remoteDescSet = true
	s.flushCandidates()
	return nil
}

// onRemoteCandidate applies a candidate, or holds it until the remote
// description is in place.
func (s *Session) onRemoteCandidate(c webrtc.ICECandidateInit) {
	if s.pc == nil || !s.remoteDescSet {
		s.pendingCandidates = append(s.pendingCandidates, c)
		metrics.ICECandidatesTotal.WithLabelValues("buffered").Inc()
		return
	}
	s.addCandidate(c)
}

func (s *Session) flushCandidates() {
	pending := s.pendingCandidates
	s.pendingCandidates = nil
	for _, c := range pending {
		s.addCandidate(c)
	}
}

func (s *Session) addCandidate(c webrtc.ICECandidateInit) {
	if err := s.pc.AddICECandidate(c); err != nil {
		s.log.Warn("failed to add ICE candidate", "error", err)
		return
	}
	metrics.ICECandidatesTotal.WithLabelValues("remote").Inc()
}

func (s *Session) createPeerConnection() error {
	pc, err := s.cfg.API.NewPeerConnection(s.cfg.WebRTC)
	if err != nil {
		return fmt.Errorf("%w: create peer connection: %v", domain.ErrNegotiationFailed, err)
	}
	s.pc = pc

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		s.post(localCandidate{candidate: c.ToJSON()})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.post(connectionStateChanged{state: state})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.post(trackAttached{track: track, receiver: receiver})
	})
	return nil
}

func (s *Session) onConnectionState(state webrtc.PeerConnectionState) error {
	s.log.Debug("peer connection state changed", "state", state)
	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.markConnected("connection")
	case webrtc.PeerConnectionStateFailed:
		if s.everConnected {
			return domain.ErrConnectionLost
		}
		return domain.ErrNegotiationFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.ErrConnectionLost
	}
	return nil
}

func (s *Session) onTrack(e trackAttached) {
	s.log.Info("remote track attached",
		"kind", e.track.Kind(),
		"codec", e.track.Codec().MimeType,
		"ssrc", e.track.SSRC(),
	)
	if e.track.Kind() == webrtc.RTPCodecTypeVideo && s.pc != nil {
		if err := s.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(e.track.SSRC())},
		}); err != nil {
			s.log.Debug("failed to request keyframe", "error", err)
		}
	}
	s.markConnected("track")
	if s.cfg.OnTrack != nil {
		s.cfg.OnTrack(e.track, e.receiver)
	}
}

// readRTCP drains receiver feedback for one sender until the connection closes.
func (s *Session) readRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				metrics.PLIRequestsTotal.Inc()
			case *rtcp.TransportLayerNack:
				metrics.NACKRequestsTotal.Inc()
			}
		}
	}
}
