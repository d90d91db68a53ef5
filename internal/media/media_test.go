package media

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type fakeSource struct {
	kind     Kind
	frames   chan []byte
	consumed chan struct{}
	done     chan struct{}
	once     sync.Once
	closed   bool
}

func newFakeSource(k Kind) *fakeSource {
	return &fakeSource{
		kind:     k,
		frames:   make(chan []byte),
		consumed: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (f *fakeSource) Kind() Kind { return f.kind }

func (f *fakeSource) Codec() webrtc.RTPCodecCapability {
	if f.kind == KindVideo {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

func (f *fakeSource) ReadFrame() ([]byte, func(), error) {
	select {
	case b := <-f.frames:
		return b, func() { f.consumed <- struct{}{} }, nil
	case <-f.done:
		return nil, nil, io.EOF
	}
}

func (f *fakeSource) Close() error {
	f.once.Do(func() {
		f.closed = true
		close(f.done)
	})
	return nil
}

// feed hands one frame to the pump and waits until it was processed.
func (f *fakeSource) feed(t *testing.T, b []byte) {
	t.Helper()
	select {
	case f.frames <- b:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not read frame")
	}
	select {
	case <-f.consumed:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not release frame")
	}
}

func TestNewStreamRequiresSources(t *testing.T) {
	if _, err := NewStream("x"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if _, err := NewStream("x", newFakeSource(KindVideo), newFakeSource(KindVideo)); err == nil {
		t.Fatal("expected duplicate kind error")
	}
}

func TestStreamToggleIsPerKind(t *testing.T) {
	v, a := newFakeSource(KindVideo), newFakeSource(KindAudio)
	s, err := NewStream("doc-1", v, a)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if n := len(s.Tracks()); n != 2 {
		t.Fatalf("tracks = %d, want 2", n)
	}
	if !s.HasKind(KindVideo) || !s.HasKind(KindAudio) {
		t.Fatal("both kinds should be present")
	}
	if got := s.Toggle(KindVideo); got {
		t.Fatal("first toggle should disable video")
	}
	if s.Enabled(KindVideo) {
		t.Fatal("video should be disabled")
	}
	if !s.Enabled(KindAudio) {
		t.Fatal("audio must be unaffected by video toggle")
	}
	if got := s.Toggle(KindVideo); !got {
		t.Fatal("second toggle should re-enable video")
	}
}

func TestStreamMissingKind(t *testing.T) {
	s, err := NewStream("pat-1", newFakeSource(KindAudio))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	if s.SetEnabled(KindVideo, false) {
		t.Fatal("SetEnabled on missing kind should report false")
	}
	if s.Toggle(KindVideo) {
		t.Fatal("Toggle on missing kind should report false")
	}
}

func TestPreviewSkipsDisabledFrames(t *testing.T) {
	v := newFakeSource(KindVideo)
	s, err := NewStream("doc-1", v)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	frames, cancel := s.SubscribePreview()
	defer cancel()

	v.feed(t, []byte{1})
	s.SetEnabled(KindVideo, false)
	v.feed(t, []byte{2})
	s.SetEnabled(KindVideo, true)
	v.feed(t, []byte{3})

	var got []byte
	for i := 0; i < 2; i++ {
		select {
		case f := <-frames:
			got = append(got, f.Data...)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for preview frame")
		}
	}
	if !bytes.Equal(got, []byte{1, 3}) {
		t.Fatalf("preview frames = %v, want [1 3]", got)
	}
}

func TestStreamStopIsIdempotent(t *testing.T) {
	v, a := newFakeSource(KindVideo), newFakeSource(KindAudio)
	s, err := NewStream("doc-1", v, a)
	if err != nil {
		t.Fatal(err)
	}
	frames, _ := s.SubscribePreview()

	if !s.Stop() {
		t.Fatal("first Stop should do the work")
	}
	if s.Stop() {
		t.Fatal("second Stop should be a no-op")
	}
	if !s.Stopped() || !v.closed || !a.closed {
		t.Fatal("sources should be closed after Stop")
	}
	if _, ok := <-frames; ok {
		t.Fatal("preview channel should be closed")
	}
	late, _ := s.SubscribePreview()
	if _, ok := <-late; ok {
		t.Fatal("subscribing after Stop should yield a closed channel")
	}
}

func TestVint(t *testing.T) {
	cases := []struct {
		in   uint64
		want []byte
	}{
		{0, []byte{0x80}},
		{126, []byte{0xFE}},
		{127, []byte{0x40, 0x7F}},
		{16382, []byte{0x7F, 0xFE}},
		{16383, []byte{0x20, 0x3F, 0xFF}},
	}
	for _, c := range cases {
		if got := vint(c.in); !bytes.Equal(got, c.want) {
			t.Errorf("vint(%d) = % X, want % X", c.in, got, c.want)
		}
	}
}

func TestInitSegment(t *testing.T) {
	seg := initSegment(320, 240, false)
	if !bytes.HasPrefix(seg, []byte{0x1A, 0x45, 0xDF, 0xA3}) {
		t.Fatalf("init segment must start with the EBML header, got % X", seg[:4])
	}
	if !bytes.Contains(seg, []byte("V_VP8")) {
		t.Fatal("missing VP8 track")
	}
	if bytes.Contains(seg, []byte("A_OPUS")) {
		t.Fatal("unexpected audio track")
	}
	if !bytes.Contains(initSegment(320, 240, true), []byte("A_OPUS")) {
		t.Fatal("missing audio track")
	}
}

func keyframe(w, h uint16) []byte {
	b := []byte{0x10, 0x02, 0x00, 0x9D, 0x01, 0x2A, 0, 0, 0, 0, 0xAA}
	b[6], b[7] = byte(w), byte(w>>8)
	b[8], b[9] = byte(h), byte(h>>8)
	return b
}

func recv(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case b, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timeout")
	}
	return nil
}

func TestLiveViewWaitsForKeyframe(t *testing.T) {
	v := NewLiveView("test", false)
	sub, cancel := v.Subscribe()
	defer cancel()

	v.PushVideo(1000, []byte{0x01, 0x00, 0x00})
	if v.Ready() {
		t.Fatal("delta frame must not start the stream")
	}

	v.PushVideo(1033, keyframe(320, 240))
	if !v.Ready() {
		t.Fatal("keyframe should start the stream")
	}
	if init := recv(t, sub); !bytes.HasPrefix(init, []byte{0x1A, 0x45, 0xDF, 0xA3}) {
		t.Fatal("first message should be the init segment")
	}
	if cl := recv(t, sub); !bytes.HasPrefix(cl, []byte{0x1F, 0x43, 0xB6, 0x75}) {
		t.Fatal("second message should be a cluster")
	}
}

func TestLiveViewReplaysToLateSubscriber(t *testing.T) {
	v := NewLiveView("test", true)
	v.PushAudio(5000, []byte("opus-frame"))
	v.PushVideo(9000, keyframe(640, 480))

	sub, cancel := v.Subscribe()
	defer cancel()
	recv(t, sub)
	cl := recv(t, sub)
	if !bytes.HasPrefix(cl, []byte{0x1F, 0x43, 0xB6, 0x75}) {
		t.Fatal("late subscriber should receive the last keyframe cluster")
	}
	if !bytes.Contains(cl, []byte("opus-frame")) {
		t.Fatal("queued audio should be drained into the cluster")
	}

	v.Close()
	if _, ok := <-sub; ok {
		t.Fatal("Close should end subscriptions")
	}
	v.PushVideo(9100, keyframe(640, 480))
}

func TestRTPClockUnwraps(t *testing.T) {
	var c rtpClock
	start := uint32(0xFFFFFF00)
	if ms := c.millis(start, 90000); ms != 0 {
		t.Fatalf("first = %d, want 0", ms)
	}
	if ms := c.millis(start+90000, 90000); ms != 1000 {
		t.Fatalf("after wrap = %d, want 1000", ms)
	}
}

type fakeRemoteTrack struct {
	id    string
	codec webrtc.RTPCodecParameters
	pkts  []*rtp.Packet
}

func (f *fakeRemoteTrack) ID() string                       { return f.id }
func (f *fakeRemoteTrack) Kind() webrtc.RTPCodecType        { return webrtc.RTPCodecTypeVideo }
func (f *fakeRemoteTrack) Codec() webrtc.RTPCodecParameters { return f.codec }

func (f *fakeRemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	if len(f.pkts) == 0 {
		return nil, nil, io.EOF
	}
	p := f.pkts[0]
	f.pkts = f.pkts[1:]
	return p, nil, nil
}

func TestRecorderWritesIVF(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(dir, "pat-7")
	if err != nil {
		t.Fatal(err)
	}
	tr := &fakeRemoteTrack{
		id: "video",
		codec: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		},
		pkts: []*rtp.Packet{{
			Header:  rtp.Header{Version: 2, SequenceNumber: 1, Timestamp: 3000, Marker: true},
			Payload: []byte{0x10, 0x10, 0x02, 0x00, 0x9D, 0x01, 0x2A},
		}},
	}
	sink := &RemoteSink{Recorder: rec}
	if err := sink.Consume(tr); err != nil {
		t.Fatal(err)
	}
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}
	paths := rec.Paths()
	if len(paths) != 1 || !strings.HasSuffix(paths[0], ".ivf") {
		t.Fatalf("paths = %v", paths)
	}
	b, err := os.ReadFile(paths[0])
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(b, []byte("DKIF")) {
		t.Fatal("missing IVF header")
	}
	if err := rec.Close(); err != nil {
		t.Fatal("second Close should be a no-op")
	}
}

func TestRecorderSkipsUnknownCodec(t *testing.T) {
	rec, err := NewRecorder(t.TempDir(), "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	defer rec.Close()
	tr := &fakeRemoteTrack{id: "x", codec: webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: "video/H265", ClockRate: 90000},
	}}
	if err := (&RemoteSink{Recorder: rec}).Consume(tr); err != nil {
		t.Fatal(err)
	}
	if len(rec.Paths()) != 0 {
		t.Fatal("unsupported codec should not be recorded")
	}
}
