package call

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/petervdpas/consult/internal/storage"
	"github.com/petervdpas/consult/internal/transport"
)

const typeShareFile = "share-file"

type shareMessage struct {
	Type string      `json:"type"`
	File *SharedFile `json:"file"`
}

const archiveTimeout = 30 * time.Second

// ShareFile sends a PDF or image to the counterpart and displays it locally.
// Oversize files are rejected before anything reaches the transport.
func (s *Session) ShareFile(ctx context.Context, name, contentType string, data []byte) (*SharedFile, error) {
	const op = "share file"
	if len(data) > s.opts.MaxFileSize {
		return nil, &Error{Kind: KindFileTooLarge, Op: op,
			Err: fmt.Errorf("%s is %d bytes, limit is %d", name, len(data), s.opts.MaxFileSize)}
	}
	ctype, kind, err := classify(name, contentType, data)
	if err != nil {
		return nil, &Error{Kind: KindUnsupportedFile, Op: op, Err: err}
	}
	f := &SharedFile{URL: dataURL(ctype, data), Type: kind, Name: filepath.Base(name)}
	payload, err := json.Marshal(shareMessage{Type: typeShareFile, File: f})
	if err != nil {
		return nil, &Error{Kind: KindTransport, Op: op, Err: err}
	}

	var dc transport.DataConnection
	if err := s.do(func() { dc = s.sendChannel() }); err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, &Error{Kind: KindChannelNotOpen, Op: op, Err: fmt.Errorf("no open data channel to %s", s.peer)}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := dc.Send(payload); err != nil {
		return nil, &Error{Kind: KindTransport, Op: op, Err: err}
	}
	log.Infof("[%s] shared %q (%s, %d bytes) with %s", s.self, f.Name, kind, len(data), s.peer)

	if err := s.do(func() {
		s.setFile(f)
		s.record(storage.EventShare, f.Name)
	}); err != nil {
		return nil, err
	}

	if s.opts.Archiver != nil {
		go func() {
			actx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
			defer cancel()
			if _, err := s.opts.Archiver.Archive(actx, s.appointmentID, f.Name, ctype, data); err != nil {
				log.Warnf("[%s] archive %q: %v", s.self, f.Name, err)
			}
		}()
	}
	return f, nil
}

// onData handles a message from either data connection.
func (s *Session) onData(dc transport.DataConnection, b []byte) {
	var m shareMessage
	if err := json.Unmarshal(b, &m); err != nil {
		log.Debugf("[%s] ignoring non-JSON data from %s", s.self, dc.Peer())
		return
	}
	if m.Type != typeShareFile || m.File == nil {
		log.Debugf("[%s] ignoring %q message from %s", s.self, m.Type, dc.Peer())
		return
	}
	f := m.File
	if f.Type != FilePDF && f.Type != FileImage {
		log.Warnf("[%s] ignoring shared file of type %q", s.self, f.Type)
		return
	}
	if !strings.HasPrefix(f.URL, "data:") || len(f.URL) > maxDataURL(s.opts.MaxFileSize) {
		log.Warnf("[%s] ignoring shared file %q: not an inline data URL within limits", s.self, f.Name)
		return
	}
	log.Infof("[%s] %s shared %q", s.self, dc.Peer(), f.Name)
	s.setFile(f)
}

// maxDataURL bounds a base64 data URL for a payload of n bytes.
func maxDataURL(n int) int {
	return base64.StdEncoding.EncodedLen(n) + 256
}

func dataURL(ctype string, data []byte) string {
	return "data:" + ctype + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// classify resolves the content type and share kind of a file. A missing or
// generic content type is guessed from the extension, then the bytes.
func classify(name, contentType string, data []byte) (ctype, kind string, err error) {
	ctype = contentType
	if mt, _, perr := mime.ParseMediaType(ctype); perr == nil {
		ctype = mt
	}
	if ctype == "" || ctype == "application/octet-stream" {
		ctype = mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
		if mt, _, perr := mime.ParseMediaType(ctype); perr == nil {
			ctype = mt
		}
	}
	if ctype == "" || ctype == "application/octet-stream" {
		ctype, _, _ = strings.Cut(http.DetectContentType(data), ";")
	}
	switch {
	case ctype == "application/pdf":
		return ctype, FilePDF, nil
	case strings.HasPrefix(ctype, "image/"):
		return ctype, FileImage, nil
	}
	return "", "", fmt.Errorf("%s: only PDF and images can be shared (got %s)", name, ctype)
}

var errNotDataURL = errors.New("call: not a base64 data URL")

// Decode returns the content type and bytes of an inline data URL.
func (f *SharedFile) Decode() (string, []byte, error) {
	rest, ok := strings.CutPrefix(f.URL, "data:")
	if !ok {
		return "", nil, errNotDataURL
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, errNotDataURL
	}
	ctype, enc, _ := strings.Cut(meta, ";")
	if enc != "base64" {
		return "", nil, errNotDataURL
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("call: decode data URL: %w", err)
	}
	return ctype, data, nil
}
