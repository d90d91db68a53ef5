package transport

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/consult/internal/media"
)

func TestChunkRoundTrip(t *testing.T) {
	sizes := []int{0, 1, ChunkSize - 1, ChunkSize, ChunkSize + 1, 5*1024*1024 + 7}
	var ch chunker
	r := newReassembler()
	for _, n := range sizes {
		msg := make([]byte, n)
		for i := range msg {
			msg[i] = byte(i * 31)
		}
		frames := ch.split(msg)
		want := max(1, (n+ChunkSize-1)/ChunkSize)
		if len(frames) != want {
			t.Fatalf("size %d: %d frames, want %d", n, len(frames), want)
		}
		var got []byte
		for i, f := range frames {
			out, err := r.add(f)
			if err != nil {
				t.Fatalf("size %d frame %d: %v", n, i, err)
			}
			if out != nil {
				if i != len(frames)-1 {
					t.Fatalf("size %d: message completed early at frame %d", n, i)
				}
				got = out
			}
		}
		if !bytes.Equal(got, msg) {
			t.Fatalf("size %d: reassembled message differs", n)
		}
	}
}

func TestChunkInterleaved(t *testing.T) {
	var ch chunker
	r := newReassembler()
	a := bytes.Repeat([]byte("a"), 3*ChunkSize)
	b := bytes.Repeat([]byte("b"), 2*ChunkSize+5)
	fa, fb := ch.split(a), ch.split(b)

	order := [][]byte{fa[0], fb[0], fa[1], fb[1], fb[2], fa[2]}
	var done [][]byte
	for _, f := range order {
		out, err := r.add(f)
		if err != nil {
			t.Fatal(err)
		}
		if out != nil {
			done = append(done, out)
		}
	}
	if len(done) != 2 || !bytes.Equal(done[0], b) || !bytes.Equal(done[1], a) {
		t.Fatal("interleaved messages not reassembled correctly")
	}
}

func TestChunkRejectsMalformed(t *testing.T) {
	r := newReassembler()
	if _, err := r.add([]byte{1, 2, 3}); err == nil {
		t.Error("short frame accepted")
	}
	bad := make([]byte, frameHeaderSize)
	bad[11] = 2 // total 2
	bad[7] = 5  // index 5
	if _, err := r.add(bad); err == nil {
		t.Error("index >= total accepted")
	}
}

func TestChunkDuplicateFrameIgnored(t *testing.T) {
	var ch chunker
	r := newReassembler()
	msg := bytes.Repeat([]byte("x"), ChunkSize+10)
	f := ch.split(msg)
	if out, _ := r.add(f[0]); out != nil {
		t.Fatal("unexpected completion")
	}
	if out, _ := r.add(f[0]); out != nil {
		t.Fatal("duplicate frame completed the message")
	}
	out, err := r.add(f[1])
	if err != nil || !bytes.Equal(out, msg) {
		t.Fatal("message not completed after duplicate")
	}
}

type stubTrack struct{ id string }

func (s stubTrack) ID() string                       { return s.id }
func (s stubTrack) Kind() webrtc.RTPCodecType        { return webrtc.RTPCodecTypeVideo }
func (s stubTrack) Codec() webrtc.RTPCodecParameters { return webrtc.RTPCodecParameters{} }
func (s stubTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, errors.New("stub")
}

func TestRemoteStreamReplaysTracks(t *testing.T) {
	s := NewRemoteStream("c1")
	s.AddTrack(stubTrack{"v"})

	var seen []string
	s.OnTrack(func(tr media.RemoteTrack) { seen = append(seen, tr.ID()) })
	s.AddTrack(stubTrack{"a"})

	if fmt.Sprint(seen) != "[v a]" {
		t.Fatalf("seen = %v, want [v a]", seen)
	}
	if len(s.Tracks()) != 2 {
		t.Fatal("Tracks should list both")
	}
}

func TestErrorFormatting(t *testing.T) {
	e := newError(ErrPeerUnavailable, "pat-1", "could not connect to peer %s", "pat-1")
	if got := e.Error(); got != "peer-unavailable (pat-1): could not connect to peer pat-1" {
		t.Fatalf("Error() = %q", got)
	}
	wrapped := fmt.Errorf("call: %w", e)
	if !IsType(wrapped, ErrPeerUnavailable) {
		t.Fatal("IsType should see through wrapping")
	}
	if IsType(wrapped, ErrNetwork) {
		t.Fatal("IsType matched the wrong type")
	}
}

func TestICEConfigSwap(t *testing.T) {
	var nilCfg *ICEConfig
	if nilCfg.Servers() != nil {
		t.Fatal("nil config should yield no servers")
	}
	c := NewICEConfig([]webrtc.ICEServer{{URLs: []string{"stun:a:1"}}})
	c.Set([]webrtc.ICEServer{{URLs: []string{"stun:b:2"}}, {URLs: []string{"stun:c:3"}}})
	if got := c.Servers(); len(got) != 2 || got[0].URLs[0] != "stun:b:2" {
		t.Fatalf("servers = %v", got)
	}
}

func TestDialRejectsBadName(t *testing.T) {
	if _, err := Dial("doc 1/..", Handlers{}, Options{BrokerURL: "http://127.0.0.1:1"}); err == nil {
		t.Fatal("expected invalid name error")
	}
}
