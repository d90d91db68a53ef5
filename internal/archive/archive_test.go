package archive

import (
	"testing"
	"time"
)

func TestObjectKey(t *testing.T) {
	at := time.Unix(1700000000, 0)
	tests := []struct {
		id, name, want string
	}{
		{"A1", "report.pdf", "appointments/A1/1700000000-report.pdf"},
		{"A1", "x-ray scan.PNG", "appointments/A1/1700000000-x-rayscan.png"},
		{"A/1", "../../etc/passwd", "appointments/A1/1700000000-passwd"},
		{"", "....", "appointments/unknown/1700000000-file"},
	}
	for _, tt := range tests {
		if got := ObjectKey(tt.id, tt.name, at); got != tt.want {
			t.Errorf("ObjectKey(%q, %q) = %q, want %q", tt.id, tt.name, got, tt.want)
		}
	}
}
