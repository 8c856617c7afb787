package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/irdkwmnsb/robolink/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const oggPageDuration = 20 * time.Millisecond

// FileSource plays an IVF (VP8) video file and/or an Ogg (Opus) audio file
// in a loop. At least one path must be set and readable.
type FileSource struct {
	VideoPath string
	AudioPath string
	StreamID  string
}

func (f FileSource) Acquire(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.VideoPath == "" && f.AudioPath == "" {
		return nil, fmt.Errorf("%w: no media files configured", domain.ErrMediaUnavailable)
	}
	streamID := f.StreamID
	if streamID == "" {
		streamID = "robolink"
	}

	stream, streamCtx := newStream()

	if f.VideoPath != "" {
		if _, err := os.Stat(f.VideoPath); err != nil {
			stream.Close()
			return nil, fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err)
		}
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
		if err != nil {
			stream.Close()
			return nil, fmt.Errorf("create video track: %w", err)
		}
		stream.addTrack(track)
		path := f.VideoPath
		stream.run(func() { loopFile(streamCtx, path, track, playIVF) })
	}

	if f.AudioPath != "" {
		if _, err := os.Stat(f.AudioPath); err != nil {
			stream.Close()
			return nil, fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err)
		}
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
		if err != nil {
			stream.Close()
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		stream.addTrack(track)
		path := f.AudioPath
		stream.run(func() { loopFile(streamCtx, path, track, playOgg) })
	}

	return stream, nil
}

type playFunc func(ctx context.Context, r io.Reader, track *webrtc.TrackLocalStaticSample) error

func loopFile(ctx context.Context, path string, track *webrtc.TrackLocalStaticSample, play playFunc) {
	for ctx.Err() == nil {
		file, err := os.Open(path)
		if err != nil {
			slog.Error("failed to open media file", "file", path, "error", err)
			return
		}
		err = play(ctx, file, track)
		_ = file.Close()
		if err != nil && !errors.Is(err, io.EOF) {
			if ctx.Err() == nil {
				slog.Error("media file playback failed", "file", path, "error", err)
			}
			return
		}
	}
}

func playIVF(ctx context.Context, r io.Reader, track *webrtc.TrackLocalStaticSample) error {
	reader, header, err := ivfreader.NewWith(r)
	if err != nil {
		return err
	}
	frameDuration := time.Second / 30
	if header.TimebaseDenominator > 0 && header.TimebaseNumerator > 0 {
		frameDuration = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		frame, _, err := reader.ParseNextFrame()
		if err != nil {
			return err
		}
		if err := track.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
			return err
		}
	}
}

func playOgg(ctx context.Context, r io.Reader, track *webrtc.TrackLocalStaticSample) error {
	reader, _, err := oggreader.NewWith(r)
	if err != nil {
		return err
	}

	var lastGranule uint64
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		page, header, err := reader.ParseNextPage()
		if err != nil {
			return err
		}
		sampleCount := float64(header.GranulePosition - lastGranule)
		lastGranule = header.GranulePosition
		duration := time.Duration((sampleCount / 48000) * float64(time.Second))
		if err := track.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
			return err
		}
	}
}
