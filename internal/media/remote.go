package media

import (
	"errors"
	"io"
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
)

// RemoteTrack is the read side of a received track. *webrtc.TrackRemote
// satisfies it.
type RemoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// RemoteSink renders remote media: packets are written to the recorder and
// depacketized frames are pushed into the live view. Either may be nil.
type RemoteSink struct {
	View     *LiveView
	Recorder *Recorder
}

// maxLate is the samplebuilder reorder window in packets.
const maxLate = 64

// Consume reads t until it ends. It blocks; run it in its own goroutine.
func (s *RemoteSink) Consume(t RemoteTrack) error {
	var w rtpWriter
	if s.Recorder != nil {
		var err error
		if w, err = s.Recorder.open(t); err != nil {
			log.Warnf("remote track %s: %v", t.ID(), err)
		}
	}

	var (
		sb    *samplebuilder.SampleBuilder
		push  func(ms int64, data []byte)
		clock = t.Codec().ClockRate
	)
	if s.View != nil && clock > 0 {
		switch strings.ToLower(t.Codec().MimeType) {
		case strings.ToLower(webrtc.MimeTypeVP8):
			sb = samplebuilder.New(maxLate, &codecs.VP8Packet{}, clock)
			push = s.View.PushVideo
		case strings.ToLower(webrtc.MimeTypeOpus):
			sb = samplebuilder.New(maxLate, &codecs.OpusPacket{}, clock)
			push = s.View.PushAudio
		}
	}

	var ts rtpClock
	for {
		pkt, _, err := t.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if w != nil {
			if err := w.WriteRTP(pkt); err != nil {
				log.Debugf("record %s: %v", t.ID(), err)
			}
		}
		if sb == nil {
			continue
		}
		sb.Push(pkt)
		for smp := sb.Pop(); smp != nil; smp = sb.Pop() {
			push(ts.millis(smp.PacketTimestamp, clock), smp.Data)
		}
	}
}

// rtpClock unwraps 32-bit RTP timestamps into a monotonic tick count.
type rtpClock struct {
	started bool
	last    uint32
	ticks   int64
}

func (c *rtpClock) millis(ts, rate uint32) int64 {
	if !c.started {
		c.started = true
		c.last = ts
	}
	c.ticks += int64(int32(ts - c.last))
	c.last = ts
	return c.ticks * 1000 / int64(rate)
}
