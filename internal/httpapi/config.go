package httpapi

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr    = ":9090"
	defaultAllowedOrigin = "http://localhost:8000"
	defaultSessionIssuer = "tauth"
	defaultSessionCookie = "app_session"
	defaultHistoryLimit  = 20

	uploadURLTTL = 15 * time.Minute
)

// CreditPackage describes one purchasable credit bundle.
type CreditPackage struct {
	Type        string
	Credits     int64
	AmountCents int64
}

// creditPackages is the fixed catalog offered at checkout.
var creditPackages = map[string]CreditPackage{
	"starter": {Type: "starter", Credits: 10, AmountCents: 999},
	"family":  {Type: "family", Credits: 30, AmountCents: 2499},
	"archive": {Type: "archive", Credits: 100, AmountCents: 5999},
}

// PackageByType looks up a catalog entry.
func PackageByType(packageType string) (CreditPackage, bool) {
	creditPackage, ok := creditPackages[strings.TrimSpace(packageType)]
	return creditPackage, ok
}

// Config aggregates runtime settings for the API.
type Config struct {
	ListenAddr        string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	WebhookSigningKey string
	CheckoutBaseURL   string
	RestorerEndpoint  string
	RestorerTimeout   time.Duration
	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3AccessKey       string
	S3SecretKey       string
	HistoryLimit      int
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if cfg.RestorerTimeout <= 0 {
		cfg.RestorerTimeout = 60 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("session signing key is required")
	}
	if len(cfg.WebhookSigningKey) == 0 {
		return fmt.Errorf("webhook signing key is required")
	}
	if strings.TrimSpace(cfg.RestorerEndpoint) == "" {
		return fmt.Errorf("restorer endpoint is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
