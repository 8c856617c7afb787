package media

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// PatternSource streams a fixed synthetic VP8 payload. It stands in for a
// camera when testing links end to end.
type PatternSource struct {
	FPS       int
	FrameSize int
	StreamID  string
}

func (p PatternSource) Acquire(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fps := p.FPS
	if fps <= 0 {
		fps = 30
	}
	size := p.FrameSize
	if size <= 0 {
		size = 256
	}
	streamID := p.StreamID
	if streamID == "" {
		streamID = "robolink"
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		return nil, fmt.Errorf("create pattern track: %w", err)
	}

	stream, streamCtx := newStream()
	stream.addTrack(track)

	frame := make([]byte, size)
	for i := range frame {
		frame[i] = byte(i)
	}
	// Low bit clear marks a VP8 keyframe.
	frame[0] = 0x10

	interval := time.Second / time.Duration(fps)
	stream.run(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-ticker.C:
				if err := track.WriteSample(media.Sample{Data: frame, Duration: interval}); err != nil {
					slog.Debug("pattern sample dropped", "error", err)
				}
			}
		}
	})
	return stream, nil
}
