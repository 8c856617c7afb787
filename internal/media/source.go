package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/irdkwmnsb/robolink/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Source produces the robot's local media. Acquire fails with an error
// wrapping domain.ErrMediaUnavailable when there is nothing to stream.
type Source interface {
	Acquire(ctx context.Context) (*Stream, error)
}

// Stream is a set of local tracks fed by background pumps until Close.
type Stream struct {
	tracks []webrtc.TrackLocal
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func newStream() (*Stream, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{cancel: cancel}, ctx
}

func (s *Stream) Tracks() []webrtc.TrackLocal {
	return s.tracks
}

func (s *Stream) addTrack(t webrtc.TrackLocal) {
	s.tracks = append(s.tracks, t)
}

func (s *Stream) run(pump func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		pump()
	}()
}

// Close stops the pumps and waits for them to exit.
func (s *Stream) Close() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

type unavailableSource struct {
	reason string
}

// Unavailable is a Source that never has media, e.g. a robot without a camera.
func Unavailable(reason string) Source {
	return unavailableSource{reason: reason}
}

func (u unavailableSource) Acquire(context.Context) (*Stream, error) {
	return nil, fmt.Errorf("%w: %s", domain.ErrMediaUnavailable, u.reason)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (*Stream, error)

func (f SourceFunc) Acquire(ctx context.Context) (*Stream, error) {
	return f(ctx)
}
