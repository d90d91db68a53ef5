package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/petervdpas/consult/internal/util"
)

type Config struct {
	Broker    Broker    `json:"broker"`
	Call      Call      `json:"call"`
	ICE       ICE       `json:"ice"`
	Media     Media     `json:"media"`
	Broadcast Broadcast `json:"broadcast"`
	Storage   Storage   `json:"storage"`
	Archive   Archive   `json:"archive"`
	API       API       `json:"api"`
	Log       Log       `json:"log"`
}

// Broker configures the rendezvous broker (`consult broker`).
type Broker struct {
	// Bind address. Default "127.0.0.1" (localhost only).
	// Set to "0.0.0.0" to accept participants from other machines.
	Bind string `json:"bind"`
	Port int    `json:"port"`

	// A registration without a heartbeat for TTLSec is dropped and its
	// name becomes available again.
	TTLSec int `json:"ttl_seconds"`

	// bcrypt hash guarding /api/peers (HTTP Basic, user "admin").
	// Empty means the admin endpoints return 403.
	AdminPasswordHash string `json:"admin_password_hash"`

	// Public URL shown in the banner for brokers behind NAT or a reverse proxy.
	ExternalURL string `json:"external_url"`

	AllowedOrigins []string `json:"allowed_origins"`
}

// Call configures participant sessions.
type Call struct {
	// Broker URL, e.g. "http://127.0.0.1:9000" or "https://rv.example.org".
	BrokerURL string `json:"broker_url"`

	HeartbeatSec        int `json:"heartbeat_seconds"`
	RetryIntervalMs     int `json:"retry_interval_ms"`
	DialTimeoutSec      int `json:"dial_timeout_seconds"`
	CollisionDelayMs    int `json:"collision_delay_ms"`
	MaxCollisionDelayMs int `json:"max_collision_delay_ms"`
	MaxCollisionRetries int `json:"max_collision_retries"`
	MaxFileSizeBytes    int `json:"max_file_size_bytes"`

	// Directory for remote media recordings (.ivf/.ogg). Empty disables recording.
	// Relative to the participant directory.
	RecordDir string `json:"record_dir"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type ICE struct {
	Servers []ICEServer `json:"servers"`

	// Seconds; see webrtc.SettingEngine.SetICETimeouts.
	DisconnectedTimeoutSec int `json:"disconnected_timeout_seconds"`
	FailedTimeoutSec       int `json:"failed_timeout_seconds"`
}

type Media struct {
	VideoDisabled bool `json:"video_disabled"`
	AudioDisabled bool `json:"audio_disabled"`
	MaxWidth      int  `json:"max_width"`
	MaxHeight     int  `json:"max_height"`
	VideoBitRate  int  `json:"video_bitrate"`
}

// Broadcast selects the call-ended broadcast backend: "local", "broker" or "amqp".
type Broadcast struct {
	Backend  string `json:"backend"`
	AMQPURL  string `json:"amqp_url"`
	Exchange string `json:"exchange"`
}

// Storage configures the optional call ledger. Empty Driver disables it.
type Storage struct {
	Driver string `json:"driver"` // "sqlite" | "postgres" | ""
	// For sqlite a file path relative to the working directory; for postgres a DSN.
	DSN string `json:"dsn"`
}

// Archive configures the optional shared-document archive (S3-compatible).
type Archive struct {
	Enabled   bool   `json:"enabled"`
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	UseSSL    bool   `json:"use_ssl"`
}

// API configures the participant's local HTTP API (`consult serve|join`).
type API struct {
	HTTPAddr       string   `json:"http_addr"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type Log struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Broker: Broker{
			Bind:           "127.0.0.1",
			Port:           9000,
			TTLSec:         15,
			AllowedOrigins: []string{"*"},
		},
		Call: Call{
			BrokerURL:           "http://127.0.0.1:9000",
			HeartbeatSec:        5,
			RetryIntervalMs:     3000,
			DialTimeoutSec:      30,
			CollisionDelayMs:    3000,
			MaxCollisionDelayMs: 30000,
			MaxCollisionRetries: 5,
			MaxFileSizeBytes:    5 * 1024 * 1024,
		},
		ICE: ICE{
			Servers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
				{URLs: []string{"stun:stun1.l.google.com:19302"}},
			},
			DisconnectedTimeoutSec: 30,
			FailedTimeoutSec:       120,
		},
		Media: Media{
			MaxWidth:     640,
			MaxHeight:    480,
			VideoBitRate: 1_500_000,
		},
		Broadcast: Broadcast{
			Backend:  "broker",
			Exchange: "consult.broadcast",
		},
		Archive: Archive{
			Bucket: "consult-shared-files",
		},
		API: API{
			HTTPAddr:       "127.0.0.1:8080",
			AllowedOrigins: []string{"*"},
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Broker
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return errors.New("broker.port must be 1..65535")
	}
	if b := c.Broker.Bind; b != "" && net.ParseIP(b) == nil {
		return errors.New("broker.bind must be a valid IP address")
	}
	if c.Broker.TTLSec <= 0 {
		return errors.New("broker.ttl_seconds must be > 0")
	}

	// Call
	if err := validateBrokerURL(c.Call.BrokerURL); err != nil {
		return fmt.Errorf("call.broker_url: %w", err)
	}
	if c.Call.HeartbeatSec <= 0 {
		return errors.New("call.heartbeat_seconds must be > 0")
	}
	if c.Call.HeartbeatSec >= c.Broker.TTLSec {
		return errors.New("call.heartbeat_seconds must be < broker.ttl_seconds")
	}
	if c.Call.RetryIntervalMs <= 0 {
		return errors.New("call.retry_interval_ms must be > 0")
	}
	if c.Call.DialTimeoutSec < 0 {
		return errors.New("call.dial_timeout_seconds must be >= 0")
	}
	if c.Call.CollisionDelayMs <= 0 {
		return errors.New("call.collision_delay_ms must be > 0")
	}
	if c.Call.MaxCollisionDelayMs < c.Call.CollisionDelayMs {
		return errors.New("call.max_collision_delay_ms must be >= call.collision_delay_ms")
	}
	if c.Call.MaxCollisionRetries < 1 {
		return errors.New("call.max_collision_retries must be >= 1")
	}
	if c.Call.MaxFileSizeBytes <= 0 {
		return errors.New("call.max_file_size_bytes must be > 0")
	}

	// ICE
	if len(c.ICE.Servers) == 0 {
		return errors.New("ice.servers must list at least one server")
	}
	for i, s := range c.ICE.Servers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice.servers[%d].urls is empty", i)
		}
		for _, u := range s.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				return fmt.Errorf("ice.servers[%d]: %q must start with stun:, turn: or turns:", i, u)
			}
		}
	}
	if c.ICE.DisconnectedTimeoutSec < 0 || c.ICE.FailedTimeoutSec < 0 {
		return errors.New("ice timeouts must be >= 0")
	}

	// Media
	if c.Media.MaxWidth < 0 || c.Media.MaxHeight < 0 {
		return errors.New("media.max_width/max_height must be >= 0")
	}

	// Broadcast
	switch c.Broadcast.Backend {
	case "local", "broker":
	case "amqp":
		if strings.TrimSpace(c.Broadcast.AMQPURL) == "" {
			return errors.New("broadcast.amqp_url is required when broadcast.backend is amqp")
		}
		if strings.TrimSpace(c.Broadcast.Exchange) == "" {
			return errors.New("broadcast.exchange is required when broadcast.backend is amqp")
		}
	default:
		return fmt.Errorf("broadcast.backend must be local, broker or amqp (got %q)", c.Broadcast.Backend)
	}

	// Storage
	switch c.Storage.Driver {
	case "":
	case "sqlite", "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver is set")
		}
	default:
		return fmt.Errorf("storage.driver must be sqlite or postgres (got %q)", c.Storage.Driver)
	}

	// Archive
	if c.Archive.Enabled {
		if strings.TrimSpace(c.Archive.Endpoint) == "" {
			return errors.New("archive.endpoint is required when archive is enabled")
		}
		if strings.TrimSpace(c.Archive.Bucket) == "" {
			return errors.New("archive.bucket is required when archive is enabled")
		}
	}

	// API
	if strings.TrimSpace(c.API.HTTPAddr) == "" {
		return errors.New("api.http_addr is required")
	}

	return nil
}

func validateBrokerURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return errors.New("scheme must be http, https, ws or wss")
	}
	if u.Hostname() == "" {
		return errors.New("missing hostname")
	}
	if ip := net.ParseIP(u.Hostname()); ip != nil && ip.IsUnspecified() {
		return errors.New("host must not be unspecified")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
		}
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file and applies environment overrides without
// validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	applyEnv(&cfg)
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, true, err
	}
	return cfg, true, nil
}
