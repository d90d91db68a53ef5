package transport

import (
	"encoding/binary"
	"errors"
	"sync"
)

// Data channel messages are split into frames so a single message may exceed
// the SCTP message size limit. Frame layout (big-endian):
//
//	msgID uint32 | index uint32 | total uint32 | payload
const (
	frameHeaderSize = 12
	ChunkSize       = 16 * 1024
	// MaxMessageSize bounds reassembly memory per message.
	MaxMessageSize = 64 * 1024 * 1024
	maxPartial     = 8
)

var errBadFrame = errors.New("malformed frame")

// chunker splits messages into frames with increasing message IDs.
type chunker struct {
	mu   sync.Mutex
	next uint32
}

func (c *chunker) split(msg []byte) [][]byte {
	c.mu.Lock()
	c.next++
	id := c.next
	c.mu.Unlock()

	total := (len(msg) + ChunkSize - 1) / ChunkSize
	if total == 0 {
		total = 1
	}
	frames := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		lo := i * ChunkSize
		hi := min(lo+ChunkSize, len(msg))
		f := make([]byte, frameHeaderSize+hi-lo)
		binary.BigEndian.PutUint32(f[0:4], id)
		binary.BigEndian.PutUint32(f[4:8], uint32(i))
		binary.BigEndian.PutUint32(f[8:12], uint32(total))
		copy(f[frameHeaderSize:], msg[lo:hi])
		frames = append(frames, f)
	}
	return frames
}

type partial struct {
	total int
	got   int
	size  int
	parts [][]byte
}

// reassembler collects frames back into messages. Frames of one message may
// interleave with frames of others.
type reassembler struct {
	mu      sync.Mutex
	pending map[uint32]*partial
	order   []uint32
}

func newReassembler() *reassembler {
	return &reassembler{pending: make(map[uint32]*partial)}
}

// add consumes one frame. It returns the complete message once the last
// frame of it arrives, and nil otherwise.
func (r *reassembler) add(frame []byte) ([]byte, error) {
	if len(frame) < frameHeaderSize {
		return nil, errBadFrame
	}
	id := binary.BigEndian.Uint32(frame[0:4])
	idx := int(binary.BigEndian.Uint32(frame[4:8]))
	total := int(binary.BigEndian.Uint32(frame[8:12]))
	payload := frame[frameHeaderSize:]
	if total <= 0 || idx >= total || total > MaxMessageSize/ChunkSize+1 {
		return nil, errBadFrame
	}
	if total == 1 {
		return append([]byte(nil), payload...), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[id]
	if !ok {
		if len(r.order) >= maxPartial {
			oldest := r.order[0]
			r.order = r.order[1:]
			delete(r.pending, oldest)
		}
		p = &partial{total: total, parts: make([][]byte, total)}
		r.pending[id] = p
		r.order = append(r.order, id)
	}
	if p.total != total {
		return nil, errBadFrame
	}
	if p.parts[idx] != nil {
		return nil, nil
	}
	p.size += len(payload)
	if p.size > MaxMessageSize {
		r.dropLocked(id)
		return nil, errMessageSize
	}
	p.parts[idx] = append([]byte(nil), payload...)
	p.got++
	if p.got < p.total {
		return nil, nil
	}

	out := make([]byte, 0, p.size)
	for _, part := range p.parts {
		out = append(out, part...)
	}
	r.dropLocked(id)
	return out, nil
}

func (r *reassembler) dropLocked(id uint32) {
	delete(r.pending, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
