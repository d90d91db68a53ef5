package call

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	tests := []struct {
		name, ctype string
		data        []byte
		wantType    string
		wantKind    string
		wantErr     bool
	}{
		{"a.pdf", "application/pdf", nil, "application/pdf", FilePDF, false},
		{"a.pdf", "", nil, "application/pdf", FilePDF, false},
		{"photo.JPG", "application/octet-stream", nil, "image/jpeg", FileImage, false},
		{"noext", "", png, "image/png", FileImage, false},
		{"noext", "", []byte("%PDF-1.7"), "application/pdf", FilePDF, false},
		{"a.png", "image/png; charset=binary", nil, "image/png", FileImage, false},
		{"notes.txt", "text/plain", nil, "", "", true},
		{"noext", "", []byte("plain words"), "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name+"/"+tt.ctype, func(t *testing.T) {
			ctype, kind, err := classify(tt.name, tt.ctype, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if ctype != tt.wantType || kind != tt.wantKind {
				t.Fatalf("got %q/%q, want %q/%q", ctype, kind, tt.wantType, tt.wantKind)
			}
		})
	}
}

func TestSharedFileDecode(t *testing.T) {
	f := &SharedFile{URL: dataURL("image/png", []byte{1, 2, 3}), Type: FileImage, Name: "x.png"}
	ctype, data, err := f.Decode()
	if err != nil || ctype != "image/png" || len(data) != 3 || data[2] != 3 {
		t.Fatalf("decode = %q %v %v", ctype, data, err)
	}
	for _, bad := range []string{"https://x", "data:image/png,raw", "data:image/png;base64"} {
		if _, _, err := (&SharedFile{URL: bad}).Decode(); err == nil {
			t.Errorf("%q decoded", bad)
		}
	}
}

func TestErrorMatching(t *testing.T) {
	inner := errors.New("boom")
	err := fmt.Errorf("wrapped: %w", &Error{Kind: KindTransport, Op: "dial", Err: inner})
	if !errors.Is(err, ErrTransport) {
		t.Fatal("kind sentinel not matched")
	}
	if errors.Is(err, ErrFileTooLarge) {
		t.Fatal("wrong kind matched")
	}
	if !errors.Is(err, inner) {
		t.Fatal("cause lost")
	}
	if KindOf(err) != KindTransport || KindOf(inner) != "" {
		t.Fatal("KindOf")
	}
	want := "call: dial: transport-error: boom"
	var ce *Error
	if !errors.As(err, &ce) || ce.Error() != want {
		t.Fatalf("message %q", ce.Error())
	}
}
