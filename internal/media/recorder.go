package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

type rtpWriter interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// Recorder writes remote tracks to disk: VP8 as .ivf, Opus as .ogg.
// One file per track; files are named <prefix>-<unix>-<trackID>.<ext>.
type Recorder struct {
	dir    string
	prefix string

	mu      sync.Mutex
	writers []rtpWriter
	paths   []string
	closed  bool
}

func NewRecorder(dir, prefix string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	return &Recorder{dir: dir, prefix: prefix}, nil
}

// open creates the file writer for t. Unsupported codecs return (nil, nil).
func (r *Recorder) open(t RemoteTrack) (rtpWriter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, nil
	}

	mime := strings.ToLower(t.Codec().MimeType)
	base := fmt.Sprintf("%s-%d-%s", r.prefix, time.Now().Unix(), sanitizeFile(t.ID()))
	var (
		w    rtpWriter
		path string
		err  error
	)
	switch mime {
	case strings.ToLower(webrtc.MimeTypeVP8):
		path = filepath.Join(r.dir, base+".ivf")
		w, err = ivfwriter.New(path)
	case strings.ToLower(webrtc.MimeTypeOpus):
		path = filepath.Join(r.dir, base+".ogg")
		w, err = oggwriter.New(path, 48000, 2)
	default:
		log.Warnf("recorder: skipping unsupported codec %q", t.Codec().MimeType)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	r.writers = append(r.writers, w)
	r.paths = append(r.paths, path)
	log.Infof("recording %s to %s", t.Codec().MimeType, path)
	return w, nil
}

// Paths lists the files opened so far.
func (r *Recorder) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

// Close finalises every open file. Safe to call more than once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var first error
	for _, w := range r.writers {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.writers = nil
	return first
}

func sanitizeFile(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
