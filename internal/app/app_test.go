package app

import (
	"testing"

	"github.com/petervdpas/consult/internal/config"
)

func TestNormalizeLocalAddr(t *testing.T) {
	cases := map[string]string{
		":8080":          "127.0.0.1:8080",
		"0.0.0.0:9090":   "127.0.0.1:9090",
		"127.0.0.1:8080": "127.0.0.1:8080",
		" :7000 ":        "127.0.0.1:7000",
	}
	for in, want := range cases {
		addr, url := NormalizeLocalAddr(in)
		if addr != want || url != "http://"+want {
			t.Errorf("NormalizeLocalAddr(%q) = %q, %q", in, addr, url)
		}
	}
}

func TestConfigureLogging(t *testing.T) {
	for _, ok := range []string{"", "info", "warn,call=debug", "error, transport=debug , api=info"} {
		if err := ConfigureLogging(ok); err != nil {
			t.Errorf("ConfigureLogging(%q): %v", ok, err)
		}
	}
	for _, bad := range []string{"loud", "info,call", "info,call=loud"} {
		if err := ConfigureLogging(bad); err == nil {
			t.Errorf("ConfigureLogging(%q): expected error", bad)
		}
	}
	_ = ConfigureLogging("info")
}

func TestICEServers(t *testing.T) {
	got := iceServers(config.ICE{Servers: []config.ICEServer{
		{URLs: []string{"stun:a:3478"}},
		{URLs: []string{"turn:b:3478"}, Username: "u", Credential: "p"},
	}})
	if len(got) != 2 {
		t.Fatalf("got %d servers", len(got))
	}
	if got[0].Username != "" || got[0].URLs[0] != "stun:a:3478" {
		t.Errorf("stun entry = %+v", got[0])
	}
	if got[1].Username != "u" || got[1].Credential != "p" {
		t.Errorf("turn entry = %+v", got[1])
	}
}

func TestOpenBusLocal(t *testing.T) {
	cfg := config.Default()
	cfg.Broadcast.Backend = "local"
	b, err := openBus(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
}
