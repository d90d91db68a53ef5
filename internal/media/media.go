// Package media owns the participant's local camera/microphone stream and the
// sinks that consume remote media (recorder, live view).
//
// One Stream is shared by every outbound call and by the self-preview.
// Muting flips an enabled flag on the shared track in place, so the preview
// and every peer connection observe the change at once.
package media

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

var log = logging.Logger("media")

// Kind is a track kind.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// ErrPermissionDenied is returned when no camera or microphone could be opened.
// Callers must not retry silently.
var ErrPermissionDenied = errors.New("media: camera/microphone unavailable or permission denied")

// Source produces encoded frames for one track. ReadFrame blocks until the
// next frame; release (may be nil) is called once the frame has been consumed.
type Source interface {
	Kind() Kind
	Codec() webrtc.RTPCodecCapability
	ReadFrame() (data []byte, release func(), err error)
	Close() error
}

// Constraints select what Acquire opens.
type Constraints struct {
	Video        bool
	Audio        bool
	MaxWidth     int
	MaxHeight    int
	VideoBitRate int
}

// Acquirer opens the local capture devices.
type Acquirer interface {
	Acquire(ctx context.Context, c Constraints) (*Stream, error)
}

// Stream is the single owner of the local tracks.
type Stream struct {
	id string

	mu      sync.Mutex
	tracks  []*localTrack
	stopped bool

	previewMu sync.RWMutex
	previews  map[chan Frame]struct{}

	wg sync.WaitGroup
}

// Frame is one encoded media frame handed to preview subscribers.
type Frame struct {
	Kind     Kind
	Data     []byte
	Duration time.Duration
}

type localTrack struct {
	kind    Kind
	src     Source
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
}

// NewStream wraps sources in sample tracks and starts pumping frames.
// Each kind may appear at most once.
func NewStream(id string, sources ...Source) (*Stream, error) {
	if len(sources) == 0 {
		return nil, ErrPermissionDenied
	}
	s := &Stream{
		id:       id,
		previews: make(map[chan Frame]struct{}),
	}
	seen := make(map[Kind]bool)
	for _, src := range sources {
		if seen[src.Kind()] {
			return nil, errors.New("media: duplicate " + string(src.Kind()) + " source")
		}
		seen[src.Kind()] = true

		tr, err := webrtc.NewTrackLocalStaticSample(src.Codec(), string(src.Kind()), id)
		if err != nil {
			return nil, err
		}
		lt := &localTrack{kind: src.Kind(), src: src, track: tr}
		lt.enabled.Store(true)
		s.tracks = append(s.tracks, lt)
	}
	for _, lt := range s.tracks {
		s.wg.Add(1)
		go s.pump(lt)
	}
	return s, nil
}

func (s *Stream) ID() string { return s.id }

// Tracks returns the local tracks to attach to a peer connection.
func (s *Stream) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, lt := range s.tracks {
		out = append(out, lt.track)
	}
	return out
}

// HasKind reports whether a track of kind k was captured.
func (s *Stream) HasKind(k Kind) bool {
	return s.find(k) != nil
}

// Enabled reports whether kind k is currently transmitted.
func (s *Stream) Enabled(k Kind) bool {
	lt := s.find(k)
	return lt != nil && lt.enabled.Load()
}

// SetEnabled flips the enabled flag of kind k. It returns false when the
// stream has no such track.
func (s *Stream) SetEnabled(k Kind, on bool) bool {
	lt := s.find(k)
	if lt == nil {
		return false
	}
	lt.enabled.Store(on)
	log.Debugf("[%s] %s enabled=%v", s.id, k, on)
	return true
}

// Toggle inverts the enabled flag of kind k and returns the new value.
func (s *Stream) Toggle(k Kind) bool {
	lt := s.find(k)
	if lt == nil {
		return false
	}
	for {
		old := lt.enabled.Load()
		if lt.enabled.CompareAndSwap(old, !old) {
			log.Debugf("[%s] %s enabled=%v", s.id, k, !old)
			return !old
		}
	}
}

func (s *Stream) find(k Kind) *localTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, lt := range s.tracks {
		if lt.kind == k {
			return lt
		}
	}
	return nil
}

// Stop releases the capture hardware. Safe to call more than once; only the
// first call closes the sources. It reports whether this call did the work.
func (s *Stream) Stop() bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.stopped = true
	tracks := s.tracks
	s.mu.Unlock()

	for _, lt := range tracks {
		if err := lt.src.Close(); err != nil {
			log.Warnf("[%s] close %s source: %v", s.id, lt.kind, err)
		}
	}
	s.wg.Wait()

	s.previewMu.Lock()
	for ch := range s.previews {
		close(ch)
	}
	s.previews = make(map[chan Frame]struct{})
	s.previewMu.Unlock()

	log.Infof("[%s] local media stopped", s.id)
	return true
}

// Stopped reports whether Stop has been called.
func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// SubscribePreview returns a channel of enabled local frames (self-view).
// Slow subscribers drop frames. The channel closes when the stream stops.
func (s *Stream) SubscribePreview() (<-chan Frame, func()) {
	ch := make(chan Frame, 32)
	s.previewMu.Lock()
	if s.Stopped() {
		s.previewMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.previews[ch] = struct{}{}
	s.previewMu.Unlock()

	return ch, func() {
		s.previewMu.Lock()
		if _, ok := s.previews[ch]; ok {
			delete(s.previews, ch)
			close(ch)
		}
		s.previewMu.Unlock()
	}
}

func (s *Stream) pump(lt *localTrack) {
	defer s.wg.Done()
	last := time.Now()
	for {
		data, release, err := lt.src.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.Stopped() {
				log.Warnf("[%s] %s source ended: %v", s.id, lt.kind, err)
			}
			return
		}
		now := time.Now()
		dur := now.Sub(last)
		last = now

		if lt.enabled.Load() {
			if err := lt.track.WriteSample(pionmedia.Sample{Data: data, Duration: dur}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				log.Debugf("[%s] write %s sample: %v", s.id, lt.kind, err)
			}
			s.publishPreview(Frame{Kind: lt.kind, Data: append([]byte(nil), data...), Duration: dur})
		}
		if release != nil {
			release()
		}
	}
}

func (s *Stream) publishPreview(f Frame) {
	s.previewMu.RLock()
	defer s.previewMu.RUnlock()
	for ch := range s.previews {
		select {
		case ch <- f:
		default:
		}
	}
}
