package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/pixelmint/billing/internal/httpserver"
	"github.com/pixelmint/billing/internal/payments"
	"github.com/pixelmint/billing/internal/store/gormstore"
	"github.com/pixelmint/billing/internal/stripegateway"
	"github.com/pixelmint/billing/pkg/credits"
)

const (
	flagDatabaseURL         = "database-url"
	flagListenAddr          = "listen-addr"
	flagAllowedOrigins      = "allowed-origins"
	flagStripeSecretKey     = "stripe-secret-key"
	flagStripeWebhookSecret = "stripe-webhook-secret"
	flagAdminJWTSecret      = "admin-jwt-secret"
	flagSuccessURL          = "success-url"
	flagCancelURL           = "cancel-url"
	flagCreditPackages      = "credit-packages"

	configKeyDatabaseURL         = "database_url"
	configKeyListenAddr          = "listen_addr"
	configKeyAllowedOrigins      = "allowed_origins"
	configKeyStripeSecretKey     = "stripe_secret_key"
	configKeyStripeWebhookSecret = "stripe_webhook_secret"
	configKeyAdminJWTSecret      = "admin_jwt_secret"
	configKeySuccessURL          = "success_url"
	configKeyCancelURL           = "cancel_url"
	configKeyCreditPackages      = "credit_packages"

	defaultDatabaseURL = "sqlite:///tmp/billing.db"
	defaultListenAddr  = ":8080"
	defaultSuccessURL  = "http://localhost:3000/billing/success"
	defaultCancelURL   = "http://localhost:3000/billing/cancel"
	defaultPackages    = `[{"id":"starter","credits":100,"amount_cents":999,"currency":"usd"},` +
		`{"id":"studio","credits":550,"amount_cents":4999,"currency":"usd"},` +
		`{"id":"pro","credits":1200,"amount_cents":9999,"currency":"usd"}]`
)

type runtimeConfig struct {
	DatabaseURL         string
	ListenAddr          string
	AllowedOrigins      []string
	StripeSecretKey     string
	StripeWebhookSecret string
	AdminJWTSecret      string
	SuccessURL          string
	CancelURL           string
	Packages            []payments.Package
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "billingd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "billingd",
		Short:         "Credit ledger and payment webhook service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().String(flagStripeSecretKey, "", "Stripe API secret key")
	cmd.Flags().String(flagStripeWebhookSecret, "", "Stripe webhook endpoint signing secret")
	cmd.Flags().String(flagAdminJWTSecret, "", "HS256 secret for admin bearer tokens")
	cmd.Flags().String(flagSuccessURL, defaultSuccessURL, "checkout success redirect")
	cmd.Flags().String(flagCancelURL, defaultCancelURL, "checkout cancel redirect")
	cmd.Flags().String(flagCreditPackages, defaultPackages, "JSON array of purchasable credit packages")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:         "DATABASE_URL",
		configKeyListenAddr:          "LISTEN_ADDR",
		configKeyAllowedOrigins:      "ALLOWED_ORIGINS",
		configKeyStripeSecretKey:     "STRIPE_SECRET_KEY",
		configKeyStripeWebhookSecret: "STRIPE_WEBHOOK_SECRET",
		configKeyAdminJWTSecret:      "ADMIN_JWT_SECRET",
		configKeySuccessURL:          "CHECKOUT_SUCCESS_URL",
		configKeyCancelURL:           "CHECKOUT_CANCEL_URL",
		configKeyCreditPackages:      "CREDIT_PACKAGES",
	}
	flags := map[string]string{
		configKeyDatabaseURL:         flagDatabaseURL,
		configKeyListenAddr:          flagListenAddr,
		configKeyAllowedOrigins:      flagAllowedOrigins,
		configKeyStripeSecretKey:     flagStripeSecretKey,
		configKeyStripeWebhookSecret: flagStripeWebhookSecret,
		configKeyAdminJWTSecret:      flagAdminJWTSecret,
		configKeySuccessURL:          flagSuccessURL,
		configKeyCancelURL:           flagCancelURL,
		configKeyCreditPackages:      flagCreditPackages,
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	for key, flag := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.AllowedOrigins = httpserver.ParseAllowedOrigins(viper.GetString(configKeyAllowedOrigins))
	cfg.StripeSecretKey = viper.GetString(configKeyStripeSecretKey)
	cfg.StripeWebhookSecret = viper.GetString(configKeyStripeWebhookSecret)
	cfg.AdminJWTSecret = viper.GetString(configKeyAdminJWTSecret)
	cfg.SuccessURL = viper.GetString(configKeySuccessURL)
	cfg.CancelURL = viper.GetString(configKeyCancelURL)

	packages, err := parsePackages(viper.GetString(configKeyCreditPackages))
	if err != nil {
		return err
	}
	cfg.Packages = packages

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.StripeSecretKey == "" {
		return fmt.Errorf("stripe secret key is required")
	}
	if cfg.StripeWebhookSecret == "" {
		return fmt.Errorf("stripe webhook secret is required")
	}
	if cfg.AdminJWTSecret == "" {
		return fmt.Errorf("admin jwt secret is required")
	}
	return nil
}

func parsePackages(raw string) ([]payments.Package, error) {
	var parsed []struct {
		ID          string `json:"id"`
		Credits     int64  `json:"credits"`
		AmountCents int64  `json:"amount_cents"`
		Currency    string `json:"currency"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("parse credit packages: %w", err)
	}
	packages := make([]payments.Package, 0, len(parsed))
	for _, item := range parsed {
		pkg := payments.Package{
			ID:          item.ID,
			Credits:     item.Credits,
			AmountCents: item.AmountCents,
			Currency:    item.Currency,
		}
		if err := pkg.Validate(); err != nil {
			return nil, fmt.Errorf("credit package %q: %w", item.ID, err)
		}
		packages = append(packages, pkg)
	}
	return packages, nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	creditService, err := credits.NewService(gormstore.New(gormDB), clock,
		credits.WithOperationLogger(credits.NewZapOperationLogger(logger)))
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}
	paymentStore, err := gormstore.NewPaymentStore(gormDB, clock)
	if err != nil {
		return fmt.Errorf("payment store init: %w", err)
	}

	gateway, err := stripegateway.New(cfg.StripeSecretKey, cfg.SuccessURL, cfg.CancelURL, logger)
	if err != nil {
		return fmt.Errorf("stripe gateway init: %w", err)
	}
	verifier, err := stripegateway.NewVerifier(cfg.StripeWebhookSecret)
	if err != nil {
		return fmt.Errorf("webhook verifier init: %w", err)
	}

	processor, err := payments.NewProcessor(paymentStore, gateway, logger, clock)
	if err != nil {
		return fmt.Errorf("processor init: %w", err)
	}
	checkout, err := payments.NewCheckoutService(paymentStore, gateway, logger, clock)
	if err != nil {
		return fmt.Errorf("checkout init: %w", err)
	}

	server, err := httpserver.New(httpserver.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		AdminJWTSecret: cfg.AdminJWTSecret,
		Packages:       cfg.Packages,
	}, logger, creditService, processor, checkout, verifier)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}

	return server.Run(ctx)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "billing.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
