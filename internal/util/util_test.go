package util

import (
	"net/url"
	"path/filepath"
	"reflect"
	"testing"
)

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"doc-A1":          "doc-A1",
		"pat-a b/c":       "pat-abc",
		"x_y-z.9":         "x_y-z9",
		"héllo":           "hllo",
		"../../etc":       "etc",
		"":                "",
		"<script>":        "script",
		"UPPER_lower-123": "UPPER_lower-123",
	}
	for in, want := range cases {
		if got := SanitizeName(in); got != want {
			t.Errorf("SanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidatePeerName(t *testing.T) {
	if _, err := ValidatePeerName("doc-A1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ValidatePeerName("  "); err == nil {
		t.Fatal("expected error for empty name")
	}
	if _, err := ValidatePeerName("doc A1"); err == nil {
		t.Fatal("expected error for name with a space")
	}
}

func TestResolvePath(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "x.db")
	if got := ResolvePath("/base", abs); got != abs {
		t.Fatalf("absolute path not preserved: %q", got)
	}
	if got := ResolvePath("/base", "data/x.db"); got != filepath.Join("/base", "data/x.db") {
		t.Fatalf("relative path not joined: %q", got)
	}
}

func TestRingBuffer(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	if r.Len() != 3 {
		t.Fatalf("len = %d, want 3", r.Len())
	}
	if got := r.Snapshot(); !reflect.DeepEqual(got, []int{3, 4, 5}) {
		t.Fatalf("snapshot = %v", got)
	}
	if got := r.Last(2); !reflect.DeepEqual(got, []int{4, 5}) {
		t.Fatalf("last(2) = %v", got)
	}
	if got := r.Last(10); !reflect.DeepEqual(got, []int{3, 4, 5}) {
		t.Fatalf("last(10) = %v", got)
	}
}

func TestWebSocketURL(t *testing.T) {
	cases := []struct{ base, want string }{
		{"http://127.0.0.1:9000", "ws://127.0.0.1:9000/peer?id=doc-1"},
		{"https://rv.example.org/", "wss://rv.example.org/peer?id=doc-1"},
		{"wss://rv.example.org/base", "wss://rv.example.org/base/peer?id=doc-1"},
	}
	for _, c := range cases {
		got, err := WebSocketURL(c.base, "/peer", url.Values{"id": {"doc-1"}})
		if err != nil {
			t.Fatalf("%s: %v", c.base, err)
		}
		if got != c.want {
			t.Errorf("WebSocketURL(%q) = %q, want %q", c.base, got, c.want)
		}
	}
	if _, err := WebSocketURL("ftp://x", "/peer", nil); err == nil {
		t.Error("expected error for ftp scheme")
	}
}
