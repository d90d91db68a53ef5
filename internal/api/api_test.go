package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/petervdpas/consult/internal/broadcast"
	"github.com/petervdpas/consult/internal/call"
	"github.com/petervdpas/consult/internal/identity"
	"github.com/petervdpas/consult/internal/media/mediatest"
	"github.com/petervdpas/consult/internal/storage"
	"github.com/petervdpas/consult/internal/transport/memnet"
)

const waitTimeout = 3 * time.Second

func callOptions(net *memnet.Network, bus broadcast.Bus) call.Options {
	return call.Options{
		Factory:             net.Factory(),
		Acquirer:            &mediatest.Acquirer{},
		Bus:                 bus,
		RetryInterval:       20 * time.Millisecond,
		CollisionDelay:      10 * time.Millisecond,
		MaxCollisionDelay:   40 * time.Millisecond,
		MaxCollisionRetries: 3,
		MaxFileSize:         1024,
	}
}

type node struct {
	mgr *call.Manager
	ts  *httptest.Server
}

func newNode(t *testing.T, copts call.Options, opts Options) *node {
	t.Helper()
	mgr := call.NewManager(copts)
	opts.MaxFileSize = copts.MaxFileSize
	ts := httptest.NewServer(New(mgr, opts).Handler())
	t.Cleanup(func() {
		mgr.Close()
		ts.Close()
	})
	return &node{mgr: mgr, ts: ts}
}

func (n *node) do(t *testing.T, method, path string, body io.Reader, ctype string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, n.ts.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	if ctype != "" {
		req.Header.Set("Content-Type", ctype)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func (n *node) start(t *testing.T, appointment string, role identity.Role) (*http.Response, []byte) {
	t.Helper()
	body := fmt.Sprintf(`{"appointment_id":%q,"role":%q}`, appointment, role)
	return n.do(t, http.MethodPost, "/api/call/start", strings.NewReader(body), "application/json")
}

func (n *node) status(t *testing.T, appointment string) call.Status {
	t.Helper()
	resp, b := n.do(t, http.MethodGet, "/api/call/"+appointment, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, b)
	}
	var st call.Status
	if err := json.Unmarshal(b, &st); err != nil {
		t.Fatal(err)
	}
	return st
}

func upload(t *testing.T, name, ctype string, data []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", ctype)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = part.Write(data)
	_ = mw.Close()
	return &buf, mw.FormDataContentType()
}

func errorKind(t *testing.T, b []byte) call.Kind {
	t.Helper()
	var eb errorBody
	if err := json.Unmarshal(b, &eb); err != nil {
		t.Fatalf("error body %s: %v", b, err)
	}
	return eb.Kind
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartStatusEnd(t *testing.T) {
	n := newNode(t, callOptions(memnet.New(), broadcast.NewLocal()), Options{})

	resp, b := n.start(t, "A1", identity.RoleDoctor)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start: %d %s", resp.StatusCode, b)
	}
	st := n.status(t, "A1")
	if st.Self != "doc-A1" || st.Peer != "pat-A1" || st.Role != identity.RoleDoctor {
		t.Fatalf("status %+v", st)
	}

	if resp, _ := n.start(t, "A1", identity.RoleDoctor); resp.StatusCode != http.StatusConflict {
		t.Fatalf("second start: %d", resp.StatusCode)
	}

	resp, b = n.do(t, http.MethodGet, "/api/call/debug", nil, "")
	var dbg struct {
		Count int `json:"session_count"`
	}
	if err := json.Unmarshal(b, &dbg); err != nil || resp.StatusCode != http.StatusOK || dbg.Count != 1 {
		t.Fatalf("debug %d %s", resp.StatusCode, b)
	}

	resp, b = n.do(t, http.MethodPost, "/api/call/A1/end", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end: %d %s", resp.StatusCode, b)
	}
	var ended call.Status
	_ = json.Unmarshal(b, &ended)
	if ended.State != call.StateTerminated {
		t.Fatalf("state after end: %s", ended.State)
	}
	if resp, _ := n.do(t, http.MethodGet, "/api/call/A1", nil, ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status after end: %d", resp.StatusCode)
	}
}

func TestStartRejectsBadInput(t *testing.T) {
	n := newNode(t, callOptions(memnet.New(), nil), Options{})
	cases := []string{
		`{"appointment_id":"A1","role":"nurse"}`,
		`{"appointment_id":"///","role":"doctor"}`,
		`{not json`,
	}
	for _, body := range cases {
		resp, b := n.do(t, http.MethodPost, "/api/call/start", strings.NewReader(body), "application/json")
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: %d %s", body, resp.StatusCode, b)
		}
	}
}

func TestPermissionDeniedReportsStatus(t *testing.T) {
	copts := callOptions(memnet.New(), nil)
	copts.Acquirer = &mediatest.Acquirer{Err: errors.New("camera blocked")}
	n := newNode(t, copts, Options{})

	resp, b := n.start(t, "A1", identity.RolePatient)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("start: %d %s", resp.StatusCode, b)
	}
	var eb errorBody
	if err := json.Unmarshal(b, &eb); err != nil {
		t.Fatal(err)
	}
	if eb.Kind != call.KindPermissionDenied || eb.Status == nil || eb.Status.State != call.StateError {
		t.Fatalf("body %s", b)
	}
}

func TestShareBetweenNodes(t *testing.T) {
	net := memnet.New()
	doc := newNode(t, callOptions(net, nil), Options{})
	pat := newNode(t, callOptions(net, nil), Options{})
	doc.start(t, "A1", identity.RoleDoctor)
	pat.start(t, "A1", identity.RolePatient)
	waitFor(t, "connected", func() bool {
		return doc.status(t, "A1").State == call.StateConnected && pat.status(t, "A1").State == call.StateConnected
	})

	png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{7}, 100)...)
	waitFor(t, "share accepted", func() bool {
		body, ctype := upload(t, "scan.png", "image/png", png)
		resp, _ := doc.do(t, http.MethodPost, "/api/call/A1/share", body, ctype)
		return resp.StatusCode == http.StatusOK
	})

	waitFor(t, "file at patient", func() bool { return pat.status(t, "A1").File != nil })
	resp, b := pat.do(t, http.MethodGet, "/api/call/A1/file", nil, "")
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/png" || !bytes.Equal(b, png) {
		t.Fatalf("file: %d %s %d bytes", resp.StatusCode, resp.Header.Get("Content-Type"), len(b))
	}

	body, ctype := upload(t, "big.pdf", "application/pdf", bytes.Repeat([]byte("x"), 1025))
	resp, b = doc.do(t, http.MethodPost, "/api/call/A1/share", body, ctype)
	if resp.StatusCode != http.StatusRequestEntityTooLarge || errorKind(t, b) != call.KindFileTooLarge {
		t.Fatalf("oversize: %d %s", resp.StatusCode, b)
	}

	body, ctype = upload(t, "notes.txt", "text/plain", []byte("hello"))
	resp, b = doc.do(t, http.MethodPost, "/api/call/A1/share", body, ctype)
	if resp.StatusCode != http.StatusUnsupportedMediaType || errorKind(t, b) != call.KindUnsupportedFile {
		t.Fatalf("unsupported: %d %s", resp.StatusCode, b)
	}
}

func TestShareWithoutChannel(t *testing.T) {
	n := newNode(t, callOptions(memnet.New(), nil), Options{})
	n.start(t, "A1", identity.RoleDoctor)
	body, ctype := upload(t, "a.pdf", "application/pdf", []byte("%PDF-1.7"))
	resp, b := n.do(t, http.MethodPost, "/api/call/A1/share", body, ctype)
	if resp.StatusCode != http.StatusConflict || errorKind(t, b) != call.KindChannelNotOpen {
		t.Fatalf("share: %d %s", resp.StatusCode, b)
	}
	if resp, _ := n.do(t, http.MethodGet, "/api/call/A1/file", nil, ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("file: %d", resp.StatusCode)
	}
}

func TestToggle(t *testing.T) {
	n := newNode(t, callOptions(memnet.New(), nil), Options{})
	n.start(t, "A1", identity.RoleDoctor)

	for _, want := range []bool{false, true} {
		resp, b := n.do(t, http.MethodPost, "/api/call/A1/toggle-video", nil, "")
		var got struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.Unmarshal(b, &got); err != nil || resp.StatusCode != http.StatusOK || got.Enabled != want {
			t.Fatalf("toggle: %d %s, want enabled=%v", resp.StatusCode, b, want)
		}
	}
}

func TestEventsStream(t *testing.T) {
	n := newNode(t, callOptions(memnet.New(), nil), Options{})
	n.start(t, "A1", identity.RoleDoctor)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, n.ts.URL+"/api/call/A1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	if !sc.Scan() || sc.Text() != "event: status" {
		t.Fatalf("first line %q", sc.Text())
	}

	go func() {
		if resp, err := http.Post(n.ts.URL+"/api/call/A1/end", "application/json", nil); err == nil {
			resp.Body.Close()
		}
	}()

	var events []string
	for sc.Scan() {
		if ev, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			events = append(events, ev)
		}
	}
	if len(events) == 0 || events[len(events)-1] != string(call.EventEnded) {
		t.Fatalf("events %v", events)
	}
}

func TestMediaViewSelection(t *testing.T) {
	n := newNode(t, callOptions(memnet.New(), nil), Options{})
	n.start(t, "A1", identity.RoleDoctor)

	if resp, _ := n.do(t, http.MethodGet, "/api/call/A1/media?view=side", nil, ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad view: %d", resp.StatusCode)
	}
	// no remote stream until the patient answers
	if resp, _ := n.do(t, http.MethodGet, "/api/call/A1/media", nil, ""); resp.StatusCode != http.StatusConflict {
		t.Fatalf("remote view: %d", resp.StatusCode)
	}
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.DriverSQLite, filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	copts := callOptions(memnet.New(), nil)
	copts.Ledger = db
	n := newNode(t, copts, Options{History: db})

	if resp, _ := n.do(t, http.MethodGet, "/api/call/A1/history", nil, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("empty history: %d", resp.StatusCode)
	}
	n.start(t, "A1", identity.RoleDoctor)
	n.do(t, http.MethodPost, "/api/call/A1/end", nil, "")

	waitFor(t, "ended in ledger", func() bool {
		_, b := n.do(t, http.MethodGet, "/api/call/A1/history", nil, "")
		var events []storage.Event
		if err := json.Unmarshal(b, &events); err != nil || len(events) == 0 {
			return false
		}
		return events[len(events)-1].Kind == storage.EventEnded
	})
}

func TestHistoryWithoutLedger(t *testing.T) {
	n := newNode(t, callOptions(memnet.New(), nil), Options{})
	if resp, _ := n.do(t, http.MethodGet, "/api/call/A1/history", nil, ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("history: %d", resp.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&call.Error{Kind: call.KindFileTooLarge}, http.StatusRequestEntityTooLarge},
		{&call.Error{Kind: call.KindChannelNotOpen}, http.StatusConflict},
		{&call.Error{Kind: call.KindUnsupportedFile}, http.StatusUnsupportedMediaType},
		{&call.Error{Kind: call.KindPermissionDenied}, http.StatusForbidden},
		{&call.Error{Kind: call.KindSessionClosed}, http.StatusGone},
		{call.ErrSessionExists, http.StatusConflict},
		{fmt.Errorf("wrap: %w", identity.ErrUnknownRole), http.StatusBadRequest},
		{&http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
