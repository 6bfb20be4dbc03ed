package httpserver

import (
	"fmt"
	"strings"
	"time"

	"github.com/pixelmint/billing/internal/payments"
)

const (
	defaultListenAddr    = ":8080"
	defaultAllowedOrigin = "http://localhost:3000"
	defaultHistoryLimit  = 20
)

// Config aggregates runtime settings for the billing API.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	AdminJWTSecret string
	RequestTimeout time.Duration
	Packages       []payments.Package
}

// Validate fills defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if len(cfg.AdminJWTSecret) == 0 {
		return fmt.Errorf("admin jwt secret is required")
	}
	if len(cfg.Packages) == 0 {
		return fmt.Errorf("at least one credit package is required")
	}
	for _, pkg := range cfg.Packages {
		if err := pkg.Validate(); err != nil {
			return fmt.Errorf("package %q: %w", pkg.ID, err)
		}
	}
	return nil
}

// PackageByID resolves a configured credit package.
func (cfg *Config) PackageByID(packageID string) (payments.Package, bool) {
	for _, pkg := range cfg.Packages {
		if pkg.ID == packageID {
			return pkg, true
		}
	}
	return payments.Package{}, false
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
