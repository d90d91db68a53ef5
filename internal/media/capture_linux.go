//go:build linux && cgo

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceAcquirer captures from V4L2 cameras and the default microphone via
// pion/mediadevices.
type DeviceAcquirer struct {
	// ID labels the resulting Stream (usually the participant's peer name).
	ID string
}

// encodedSource adapts a mediadevices encoded reader to Source.
type encodedSource struct {
	kind  Kind
	codec webrtc.RTPCodecCapability
	track mediadevices.Track
	r     mediadevices.EncodedReadCloser
}

func (s *encodedSource) Kind() Kind                       { return s.kind }
func (s *encodedSource) Codec() webrtc.RTPCodecCapability { return s.codec }

func (s *encodedSource) ReadFrame() ([]byte, func(), error) {
	buf, rel, err := s.r.Read()
	if err != nil {
		return nil, nil, err
	}
	return buf.Data, rel, nil
}

func (s *encodedSource) Close() error {
	err := s.r.Close()
	if terr := s.track.Close(); err == nil {
		err = terr
	}
	return err
}

// Acquire opens camera and microphone as requested by c. When both are
// requested it falls back to video-only, then audio-only, so a busy
// microphone does not cost the camera and vice versa. ErrPermissionDenied is
// returned when nothing could be opened.
func (a DeviceAcquirer) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	if !c.Video && !c.Audio {
		return nil, ErrPermissionDenied
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	if c.VideoBitRate > 0 {
		vpxParams.BitRate = c.VideoBitRate
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Warnf("[%s] no media devices found", a.ID)
	}
	for _, d := range devices {
		log.Debugf("[%s] media device kind=%v label=%q", a.ID, d.Kind, d.Label)
	}

	type attempt struct {
		video, audio bool
		label        string
	}
	var attempts []attempt
	switch {
	case c.Video && c.Audio:
		attempts = []attempt{{true, true, "video+audio"}, {true, false, "video-only"}, {false, true, "audio-only"}}
	case c.Video:
		attempts = []attempt{{true, false, "video-only"}}
	default:
		attempts = []attempt{{false, true, "audio-only"}}
	}

	for _, at := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if at.video {
			constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
				// MJPEG nodes on some cameras emit malformed frames that break
				// the VP8 encoder; raw formats only.
				mc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				if c.MaxWidth > 0 {
					mc.Width = prop.IntRanged{Max: c.MaxWidth}
				}
				if c.MaxHeight > 0 {
					mc.Height = prop.IntRanged{Max: c.MaxHeight}
				}
			}
		}
		if at.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		ms, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("[%s] capture %s failed: %v", a.ID, at.label, err)
			continue
		}

		sources, err := a.sources(ms.GetTracks())
		if err != nil {
			log.Warnf("[%s] capture %s unusable: %v", a.ID, at.label, err)
			continue
		}
		s, err := NewStream(a.ID, sources...)
		if err != nil {
			for _, src := range sources {
				_ = src.Close()
			}
			return nil, err
		}
		log.Infof("[%s] local media captured (%s), %d tracks", a.ID, at.label, len(sources))
		return s, nil
	}

	return nil, fmt.Errorf("%w: all capture attempts failed", ErrPermissionDenied)
}

func (a DeviceAcquirer) sources(tracks []mediadevices.Track) ([]Source, error) {
	closeAll := func() {
		for _, t := range tracks {
			_ = t.Close()
		}
	}
	var out []Source
	for _, t := range tracks {
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("[%s] local track ended: %v", a.ID, err)
			}
		})
		var src *encodedSource
		switch t.Kind() {
		case webrtc.RTPCodecTypeVideo:
			r, err := t.NewEncodedReader(webrtc.MimeTypeVP8)
			if err != nil {
				closeAll()
				return nil, fmt.Errorf("video encoder: %w", err)
			}
			src = &encodedSource{
				kind:  KindVideo,
				codec: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
				track: t,
				r:     r,
			}
		case webrtc.RTPCodecTypeAudio:
			r, err := t.NewEncodedReader(webrtc.MimeTypeOpus)
			if err != nil {
				closeAll()
				return nil, fmt.Errorf("audio encoder: %w", err)
			}
			src = &encodedSource{
				kind:  KindAudio,
				codec: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
				track: t,
				r:     r,
			}
		default:
			continue
		}
		out = append(out, src)
	}
	if len(out) == 0 {
		closeAll()
		return nil, ErrPermissionDenied
	}
	return out, nil
}
