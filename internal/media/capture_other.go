//go:build !linux || !cgo

package media

import (
	"context"
	"fmt"
	"runtime"
)

// DeviceAcquirer has no capture drivers outside Linux; Acquire always
// reports ErrPermissionDenied so the session surfaces the media error.
type DeviceAcquirer struct {
	ID string
}

func (a DeviceAcquirer) Acquire(_ context.Context, _ Constraints) (*Stream, error) {
	log.Warnf("[%s] no capture drivers on %s", a.ID, runtime.GOOS)
	return nil, fmt.Errorf("%w: no capture drivers on %s", ErrPermissionDenied, runtime.GOOS)
}
