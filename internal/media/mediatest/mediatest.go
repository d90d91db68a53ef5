// Package mediatest provides capture fakes for tests that need a local
// media.Stream without hardware.
package mediatest

import (
	"context"
	"io"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/consult/internal/media"
)

// Source is a media.Source that produces no frames until closed.
type Source struct {
	kind media.Kind
	once sync.Once
	done chan struct{}
}

func NewSource(k media.Kind) *Source {
	return &Source{kind: k, done: make(chan struct{})}
}

func (s *Source) Kind() media.Kind { return s.kind }

func (s *Source) Codec() webrtc.RTPCodecCapability {
	if s.kind == media.KindVideo {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

func (s *Source) ReadFrame() ([]byte, func(), error) {
	<-s.done
	return nil, nil, io.EOF
}

func (s *Source) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Closed reports whether Close was called.
func (s *Source) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
	}
	return false
}

// Acquirer hands out streams built from Sources. Err, when set, is returned
// instead of a stream.
type Acquirer struct {
	Err error

	mu      sync.Mutex
	calls   int
	streams []*media.Stream
}

func (a *Acquirer) Acquire(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	a.mu.Lock()
	a.calls++
	err := a.Err
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var srcs []media.Source
	if c.Video {
		srcs = append(srcs, NewSource(media.KindVideo))
	}
	if c.Audio {
		srcs = append(srcs, NewSource(media.KindAudio))
	}
	s, err := media.NewStream("test", srcs...)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.streams = append(a.streams, s)
	a.mu.Unlock()
	return s, nil
}

// Calls counts Acquire invocations.
func (a *Acquirer) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Streams lists the streams handed out so far.
func (a *Acquirer) Streams() []*media.Stream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*media.Stream(nil), a.streams...)
}
