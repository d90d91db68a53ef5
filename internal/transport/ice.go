package transport

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// ICEConfig holds the ICE server list. It may be replaced while peers are
// running (config reload); new connections pick up the latest list.
type ICEConfig struct {
	servers atomic.Pointer[[]webrtc.ICEServer]
}

func NewICEConfig(servers []webrtc.ICEServer) *ICEConfig {
	c := &ICEConfig{}
	c.Set(servers)
	return c
}

func (c *ICEConfig) Set(servers []webrtc.ICEServer) {
	cp := append([]webrtc.ICEServer(nil), servers...)
	c.servers.Store(&cp)
}

func (c *ICEConfig) Servers() []webrtc.ICEServer {
	if c == nil {
		return nil
	}
	p := c.servers.Load()
	if p == nil {
		return nil
	}
	return *p
}
