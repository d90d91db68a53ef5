package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override config file values. Secrets and
// deployment-specific URLs are expected here rather than in consult.json.
const (
	EnvBrokerURL         = "CONSULT_BROKER_URL"
	EnvAdminPasswordHash = "CONSULT_ADMIN_PASSWORD_HASH"
	EnvAMQPURL           = "CONSULT_AMQP_URL"
	EnvStorageDSN        = "CONSULT_STORAGE_DSN"
	EnvArchiveEndpoint   = "CONSULT_ARCHIVE_ENDPOINT"
	EnvArchiveAccessKey  = "CONSULT_ARCHIVE_ACCESS_KEY"
	EnvArchiveSecretKey  = "CONSULT_ARCHIVE_SECRET_KEY"
	EnvLogLevel          = "CONSULT_LOG_LEVEL"
)

// LoadDotEnv loads dir/.env into the process environment. Variables that are
// already set win. A missing file is not an error.
func LoadDotEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

func applyEnv(c *Config) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Call.BrokerURL, EnvBrokerURL)
	set(&c.Broker.AdminPasswordHash, EnvAdminPasswordHash)
	set(&c.Broadcast.AMQPURL, EnvAMQPURL)
	set(&c.Storage.DSN, EnvStorageDSN)
	set(&c.Archive.Endpoint, EnvArchiveEndpoint)
	set(&c.Archive.AccessKey, EnvArchiveAccessKey)
	set(&c.Archive.SecretKey, EnvArchiveSecretKey)
	set(&c.Log.Level, EnvLogLevel)
}
