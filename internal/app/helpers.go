package app

import (
	"fmt"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/consult/internal/config"
)

// NormalizeLocalAddr keeps the participant API on localhost and returns the
// listen address and its browser URL.
func NormalizeLocalAddr(cfgAddr string) (listenAddr, url string) {
	a := strings.TrimSpace(cfgAddr)
	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return a, "http://" + a
}

// ConfigureLogging applies spec of the form "info" or "warn,call=debug,transport=debug".
func ConfigureLogging(spec string) error {
	parts := strings.Split(spec, ",")
	base := strings.TrimSpace(parts[0])
	if base == "" {
		base = "info"
	}
	lvl, err := logging.LevelFromString(base)
	if err != nil {
		return fmt.Errorf("log level %q: %w", base, err)
	}
	logging.SetAllLoggers(lvl)
	for _, p := range parts[1:] {
		name, level, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok {
			return fmt.Errorf("log override %q: want subsystem=level", p)
		}
		if err := logging.SetLogLevel(name, level); err != nil {
			return fmt.Errorf("log override %q: %w", p, err)
		}
	}
	return nil
}

func iceServers(c config.ICE) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.Servers))
	for _, s := range c.Servers {
		srv := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

func banner(title, dir, cfgPath string, lines ...string) {
	log.Info("────────────────────────────────────────")
	log.Info(title)
	log.Infof(" Folder      : %s", dir)
	log.Infof(" Config file : %s", cfgPath)
	for _, l := range lines {
		log.Info(" " + l)
	}
	log.Info("────────────────────────────────────────")
}
