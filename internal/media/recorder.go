package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264writer"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// RTPSource is what the recorder reads from; *webrtc.TrackRemote satisfies it.
type RTPSource interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
	Codec() webrtc.RTPCodecParameters
}

// Recorder stores received tracks on disk, one file per track.
type Recorder struct {
	dir string
	now func() time.Time
}

func NewRecorder(dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("create record directory: %w", err)
	}
	return &Recorder{dir: dir, now: time.Now}, nil
}

// Record writes track until it ends or ctx is cancelled and returns the
// file it wrote.
func (r *Recorder) Record(ctx context.Context, name string, track RTPSource) (string, error) {
	codec := track.Codec()
	base := filepath.Join(r.dir, fmt.Sprintf("%s_%s", r.now().Format("2006_01_02_15_04_05"), sanitize(name)))

	var (
		writer media.Writer
		output string
		err    error
	)
	switch {
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus):
		output = base + "_audio.ogg"
		writer, err = oggwriter.New(output, 48000, 2)
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeVP8):
		output = base + ".ivf"
		writer, err = ivfwriter.New(output)
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeH264):
		output = base + ".h264"
		writer, err = h264writer.New(output)
	default:
		return "", fmt.Errorf("record track with unsupported mime type %q", codec.MimeType)
	}
	if err != nil {
		return "", fmt.Errorf("create record file %s: %w", output, err)
	}

	slog.Info("got track, recording", "mimeType", codec.MimeType, "outputFile", output)

	defer func() {
		if err := writer.Close(); err != nil {
			slog.Error("failed to close record writer", "error", err)
		}
	}()

	for {
		if ctx.Err() != nil {
			return output, nil
		}
		packet, _, err := track.ReadRTP()
		if errors.Is(err, io.EOF) {
			return output, nil
		} else if err != nil {
			return output, fmt.Errorf("read frame while recording: %w", err)
		}
		if err := writer.WriteRTP(packet); err != nil {
			return output, fmt.Errorf("write frame: %w", err)
		}
	}
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}
