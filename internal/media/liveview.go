package media

import (
	"bytes"
	"encoding/binary"
	"math"
	"sync"
)

// EBML element IDs used by the live WebM stream. IDs carry their own length
// marker, so they are written as their minimal big-endian bytes.
const (
	ebmlHeaderID      uint32 = 0x1A45DFA3
	ebmlVersionID     uint32 = 0x4286
	ebmlReadVersionID uint32 = 0x42F7
	ebmlMaxIDLenID    uint32 = 0x42F2
	ebmlMaxSizeLenID  uint32 = 0x42F3
	docTypeID         uint32 = 0x4282
	docTypeVersionID  uint32 = 0x4287
	docTypeReadVerID  uint32 = 0x4285
	segmentID         uint32 = 0x18538067
	infoID            uint32 = 0x1549A966
	timecodeScaleID   uint32 = 0x2AD7B1
	muxingAppID       uint32 = 0x4D80
	writingAppID      uint32 = 0x5741
	tracksID          uint32 = 0x1654AE6B
	trackEntryID      uint32 = 0xAE
	trackNumberID     uint32 = 0xD7
	trackUIDID        uint32 = 0x73C5
	trackTypeID       uint32 = 0x83
	codecIDID         uint32 = 0x86
	codecPrivateID    uint32 = 0x63A2
	videoID           uint32 = 0xE0
	pixelWidthID      uint32 = 0xB0
	pixelHeightID     uint32 = 0xBA
	audioID           uint32 = 0xE1
	samplingFreqID    uint32 = 0xB5
	channelsID        uint32 = 0x9F
	clusterID         uint32 = 0x1F43B675
	clusterTimecodeID uint32 = 0xE7
	simpleBlockID     uint32 = 0xA3
)

const (
	videoTrackNum = 1
	audioTrackNum = 2
)

// unknownSize marks the streaming Segment whose length is never known.
var unknownSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// opusHead is the codec private block for a mono 48 kHz Opus track.
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd',
	0x01,       // version
	0x01,       // channels
	0x38, 0x01, // pre-skip 312 (LE)
	0x80, 0xBB, 0x00, 0x00, // 48000 Hz (LE)
	0x00, 0x00, // gain
	0x00, // mapping family
}

// vint encodes an element size in the shortest EBML varint that can hold it.
// The all-ones value of each width is reserved.
func vint(v uint64) []byte {
	n := 1
	for n < 8 && v >= (uint64(1)<<(7*n))-1 {
		n++
	}
	x := v | uint64(1)<<(7*n)
	out := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = byte(x)
		x >>= 8
	}
	return out
}

func idBytes(id uint32) []byte {
	switch {
	case id > 0xFFFFFF:
		return []byte{byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id)}
	case id > 0xFFFF:
		return []byte{byte(id >> 16), byte(id >> 8), byte(id)}
	case id > 0xFF:
		return []byte{byte(id >> 8), byte(id)}
	default:
		return []byte{byte(id)}
	}
}

func uintBytes(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	i := 0
	for tmp[i] == 0 {
		i++
	}
	return tmp[i:]
}

// element writes id, size and the concatenated body parts.
func element(id uint32, body ...[]byte) []byte {
	size := 0
	for _, b := range body {
		size += len(b)
	}
	var buf bytes.Buffer
	buf.Grow(4 + 8 + size)
	buf.Write(idBytes(id))
	buf.Write(vint(uint64(size)))
	for _, b := range body {
		buf.Write(b)
	}
	return buf.Bytes()
}

func uintElement(id uint32, v uint64) []byte { return element(id, uintBytes(v)) }

// initSegment is the EBML header, an open-ended Segment, Info and Tracks.
func initSegment(width, height uint16, withAudio bool) []byte {
	var buf bytes.Buffer
	buf.Write(element(ebmlHeaderID,
		uintElement(ebmlVersionID, 1),
		uintElement(ebmlReadVersionID, 1),
		uintElement(ebmlMaxIDLenID, 4),
		uintElement(ebmlMaxSizeLenID, 8),
		element(docTypeID, []byte("webm")),
		uintElement(docTypeVersionID, 2),
		uintElement(docTypeReadVerID, 2),
	))
	buf.Write(idBytes(segmentID))
	buf.Write(unknownSize)
	buf.Write(element(infoID,
		uintElement(timecodeScaleID, 1_000_000),
		element(muxingAppID, []byte("consult")),
		element(writingAppID, []byte("consult")),
	))

	tracks := [][]byte{element(trackEntryID,
		uintElement(trackNumberID, videoTrackNum),
		uintElement(trackUIDID, videoTrackNum),
		uintElement(trackTypeID, 1),
		element(codecIDID, []byte("V_VP8")),
		element(videoID,
			uintElement(pixelWidthID, uint64(width)),
			uintElement(pixelHeightID, uint64(height)),
		),
	)}
	if withAudio {
		freq := make([]byte, 4)
		binary.BigEndian.PutUint32(freq, math.Float32bits(48000))
		tracks = append(tracks, element(trackEntryID,
			uintElement(trackNumberID, audioTrackNum),
			uintElement(trackUIDID, audioTrackNum),
			uintElement(trackTypeID, 2),
			element(codecIDID, []byte("A_OPUS")),
			element(codecPrivateID, opusHead),
			element(audioID,
				element(samplingFreqID, freq),
				uintElement(channelsID, 1),
			),
		))
	}
	buf.Write(element(tracksID, tracks...))
	return buf.Bytes()
}

func simpleBlock(track int, rel int16, key bool, data []byte) []byte {
	hdr := vint(uint64(track))
	hdr = binary.BigEndian.AppendUint16(hdr, uint16(rel))
	var flags byte
	if key {
		flags = 0x80
	}
	hdr = append(hdr, flags)
	return element(simpleBlockID, hdr, data)
}

// vp8Keyframe reports whether an encoded VP8 frame is a keyframe.
func vp8Keyframe(data []byte) bool {
	return len(data) > 0 && data[0]&0x01 == 0
}

// vp8Dimensions reads width and height from a VP8 keyframe header.
func vp8Dimensions(data []byte) (uint16, uint16, bool) {
	if len(data) < 10 || data[3] != 0x9D || data[4] != 0x01 || data[5] != 0x2A {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint16(data[6:8]) & 0x3FFF, binary.LittleEndian.Uint16(data[8:10]) & 0x3FFF, true
}

type queuedAudio struct {
	ms   int64
	data []byte
}

// LiveView muxes VP8 video and Opus audio into a live WebM stream for a
// <video> element fed through Media Source Extensions. The first message each
// subscriber receives is the init segment, followed by the last keyframe
// cluster and then live clusters.
type LiveView struct {
	name string

	mu        sync.Mutex
	withAudio bool
	width     uint16
	height    uint16
	init      []byte
	lastKey   []byte
	pending   []queuedAudio
	videoBase int64
	audioBase int64
	videoSeen bool
	audioSeen bool
	closed    bool
	subs      map[chan []byte]struct{}
}

// NewLiveView returns an empty view. withAudio must be known before the first
// keyframe because it shapes the init segment.
func NewLiveView(name string, withAudio bool) *LiveView {
	return &LiveView{
		name:      name,
		withAudio: withAudio,
		subs:      make(map[chan []byte]struct{}),
	}
}

// Ready reports whether the init segment exists (a keyframe has arrived).
func (v *LiveView) Ready() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.init != nil
}

// Subscribe returns a channel of WebM messages. Slow subscribers drop
// clusters. The channel is closed by cancel or by Close.
func (v *LiveView) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 32)
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if v.init != nil {
		ch <- v.init
		if v.lastKey != nil {
			ch <- v.lastKey
		}
	}
	v.subs[ch] = struct{}{}
	n := len(v.subs)
	v.mu.Unlock()
	log.Debugf("[%s] live view subscriber added (total=%d)", v.name, n)

	return ch, func() {
		v.mu.Lock()
		if _, ok := v.subs[ch]; ok {
			delete(v.subs, ch)
			close(ch)
		}
		v.mu.Unlock()
	}
}

// Close ends every subscription. Later frames are ignored.
func (v *LiveView) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	for ch := range v.subs {
		close(ch)
	}
	v.subs = nil
}

// PushVideo adds one VP8 frame at ms (any epoch; the first frame becomes 0).
// Each video frame is emitted as its own cluster, preceded by any audio
// queued since the previous one.
func (v *LiveView) PushVideo(ms int64, data []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	if !v.videoSeen {
		v.videoBase, v.videoSeen = ms, true
	}
	ts := ms - v.videoBase
	key := vp8Keyframe(data)

	if v.init == nil {
		if !key {
			return
		}
		w, h, ok := vp8Dimensions(data)
		if !ok {
			w, h = 640, 480
		}
		v.width, v.height = w, h
		v.init = initSegment(w, h, v.withAudio)
		log.Infof("[%s] live view started: VP8 %dx%d audio=%v", v.name, w, h, v.withAudio)
		v.sendLocked(v.init)
	}

	start := ts
	if len(v.pending) > 0 && v.pending[0].ms < start {
		start = v.pending[0].ms
	}
	blocks := [][]byte{uintElement(clusterTimecodeID, uint64(max(start, 0)))}
	for _, a := range v.pending {
		rel := a.ms - start
		if rel < math.MinInt16 || rel > math.MaxInt16 {
			continue
		}
		blocks = append(blocks, simpleBlock(audioTrackNum, int16(rel), false, a.data))
	}
	v.pending = v.pending[:0]
	blocks = append(blocks, simpleBlock(videoTrackNum, int16(ts-start), key, data))

	cluster := element(clusterID, blocks...)
	if key {
		v.lastKey = cluster
	}
	v.sendLocked(cluster)
}

// PushAudio queues one Opus frame at ms until the next video frame.
func (v *LiveView) PushAudio(ms int64, data []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed || !v.withAudio {
		return
	}
	if !v.audioSeen {
		v.audioBase, v.audioSeen = ms, true
	}
	v.pending = append(v.pending, queuedAudio{ms: ms - v.audioBase, data: data})
}

func (v *LiveView) sendLocked(msg []byte) {
	for ch := range v.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// FeedPreview pumps the stream's self-view frames into v until the stream
// stops or cancel is called.
func (v *LiveView) FeedPreview(s *Stream) (cancel func()) {
	frames, stop := s.SubscribePreview()
	go func() {
		var videoMs, audioMs int64
		for f := range frames {
			switch f.Kind {
			case KindVideo:
				v.PushVideo(videoMs, f.Data)
				videoMs += f.Duration.Milliseconds()
			case KindAudio:
				v.PushAudio(audioMs, f.Data)
				audioMs += f.Duration.Milliseconds()
			}
		}
	}()
	return stop
}
