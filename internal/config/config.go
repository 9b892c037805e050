package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	BaseURL    string

	DB struct {
		DSN string
	}

	Provider struct {
		ClientID     string
		ClientSecret string
		IssuerURL    string
		TokenURL     string
		APIBaseURL   string
		CallTimeout  time.Duration
	}

	Sync struct {
		WebhookSecret   string
		SchedulerSecret string
		APIToken        string
		ChannelTTL      time.Duration
		RenewalWorkers  int
	}

	Vault struct {
		EncryptionSecret string
	}

	PrometheusEnabled bool
	TrustedProxies    []string
}

func Load() (*Config, error) {
	cfg := &Config{}

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", ":8080")
	cfg.BaseURL = getenvDefault("APP_BASE_URL", "http://localhost:8080")
	cfg.DB.DSN = os.Getenv("APP_DB_DSN")

	if cfg.DB.DSN == "" {
		host := os.Getenv("APP_DB_HOST")
		name := os.Getenv("APP_DB_NAME")
		user := os.Getenv("APP_DB_USER")
		password := os.Getenv("APP_DB_PASSWORD")
		port := getenvDefault("APP_DB_PORT", "5432")
		sslmode := getenvDefault("APP_DB_SSLMODE", "disable")

		var missing []string
		if host == "" {
			missing = append(missing, "APP_DB_HOST")
		}
		if name == "" {
			missing = append(missing, "APP_DB_NAME")
		}
		if user == "" {
			missing = append(missing, "APP_DB_USER")
		}
		if password == "" {
			missing = append(missing, "APP_DB_PASSWORD")
		}

		if len(missing) == 0 {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
		}
	}

	cfg.Provider.ClientID = os.Getenv("APP_PROVIDER_CLIENT_ID")
	cfg.Provider.ClientSecret = os.Getenv("APP_PROVIDER_CLIENT_SECRET")
	cfg.Provider.IssuerURL = getenvDefault("APP_PROVIDER_ISSUER_URL", "https://accounts.google.com")
	cfg.Provider.TokenURL = getenvDefault("APP_PROVIDER_TOKEN_URL", "https://oauth2.googleapis.com/token")
	cfg.Provider.APIBaseURL = getenvDefault("APP_PROVIDER_API_BASE_URL", "https://www.googleapis.com/calendar/v3")
	cfg.Provider.CallTimeout = getenvDuration("APP_PROVIDER_CALL_TIMEOUT", 15*time.Second)

	cfg.Sync.WebhookSecret = os.Getenv("APP_SYNC_WEBHOOK_SECRET")
	cfg.Sync.SchedulerSecret = os.Getenv("APP_SYNC_SCHEDULER_SECRET")
	cfg.Sync.APIToken = os.Getenv("APP_SYNC_API_TOKEN")
	cfg.Sync.ChannelTTL = getenvDuration("APP_SYNC_CHANNEL_TTL", 7*24*time.Hour)
	cfg.Sync.RenewalWorkers = getenvInt("APP_SYNC_RENEWAL_WORKERS", 4)

	cfg.Vault.EncryptionSecret = os.Getenv("APP_VAULT_ENCRYPTION_SECRET")
	cfg.PrometheusEnabled = getenvBool("APP_PROMETHEUS_ENDPOINT_ENABLED", false)
	cfg.TrustedProxies = getenvList("APP_TRUSTED_PROXIES")

	if cfg.DB.DSN == "" {
		return nil, errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
	}
	if cfg.Provider.ClientID == "" || cfg.Provider.ClientSecret == "" {
		return nil, fmt.Errorf("provider oauth configuration is required: client id and secret")
	}
	if cfg.Sync.WebhookSecret == "" {
		return nil, errors.New("APP_SYNC_WEBHOOK_SECRET is required")
	}
	if cfg.Sync.SchedulerSecret == "" {
		return nil, errors.New("APP_SYNC_SCHEDULER_SECRET is required")
	}
	if cfg.Vault.EncryptionSecret == "" {
		return nil, errors.New("APP_VAULT_ENCRYPTION_SECRET is required")
	}
	if len(cfg.Vault.EncryptionSecret) < 32 {
		return nil, fmt.Errorf("APP_VAULT_ENCRYPTION_SECRET must be at least 32 characters long (got %d)", len(cfg.Vault.EncryptionSecret))
	}
	if cfg.Sync.RenewalWorkers < 1 {
		return nil, fmt.Errorf("APP_SYNC_RENEWAL_WORKERS must be positive (got %d)", cfg.Sync.RenewalWorkers)
	}

	if len(cfg.TrustedProxies) == 0 {
		fmt.Println("WARNING: No APP_TRUSTED_PROXIES configured. CalSync will trust all proxies - Not recommended for public environments.")
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}
