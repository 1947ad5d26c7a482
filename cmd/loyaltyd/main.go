package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/lumenretail/loyalty/internal/httpapi"
	"github.com/lumenretail/loyalty/internal/identity"
	"github.com/lumenretail/loyalty/internal/ingest"
	"github.com/lumenretail/loyalty/internal/promos"
	"github.com/lumenretail/loyalty/internal/store/gormstore"
	"github.com/lumenretail/loyalty/internal/store/pgstore"
	"github.com/lumenretail/loyalty/pkg/loyalty"
)

const (
	envPrefix = "LOYALTYD"

	flagListenAddr       = "listen-addr"
	flagDatabaseURL      = "database-url"
	flagAllowedOrigins   = "allowed-origins"
	flagShopDomain       = "shop-domain"
	flagPromoBaseURL     = "promo-base-url"
	flagPromoAdminToken  = "promo-admin-token"
	flagPromoTimeout     = "promo-timeout"
	flagWebhookSecret    = "webhook-secret"
	flagPointsMultiplier = "points-multiplier"
	flagJWTSigningKey    = "jwt-signing-key"
	flagJWTIssuer        = "jwt-issuer"
	flagCodePrefix       = "code-prefix"

	defaultListenAddr   = ":8080"
	defaultDatabaseURL  = "sqlite:///tmp/loyalty.db"
	defaultPromoTimeout = 5 * time.Second
	defaultJWTIssuer    = "loyalty"
)

type runtimeConfig struct {
	ListenAddr       string
	DatabaseURL      string
	AllowedOrigins   string
	ShopDomain       string
	PromoBaseURL     string
	PromoAdminToken  string
	PromoTimeout     time.Duration
	WebhookSecret    string
	PointsMultiplier string
	JWTSigningKey    string
	JWTIssuer        string
	CodePrefix       string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "loyaltyd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "loyaltyd",
		Short:         "Loyalty points ledger and redemption server",
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

	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "sqlite:// path or postgres:// connection string")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().String(flagShopDomain, "", "commerce shop domain events must originate from")
	cmd.Flags().String(flagPromoBaseURL, "", "promotion API origin override (defaults to https://<shop-domain>)")
	cmd.Flags().String(flagPromoAdminToken, "", "promotion API access token")
	cmd.Flags().Duration(flagPromoTimeout, defaultPromoTimeout, "promotion API request timeout")
	cmd.Flags().String(flagWebhookSecret, "", "shared secret for webhook signatures")
	cmd.Flags().String(flagPointsMultiplier, "", "points earned per currency unit, positive decimal")
	cmd.Flags().String(flagJWTSigningKey, "", "HS256 key for bearer token verification")
	cmd.Flags().String(flagJWTIssuer, defaultJWTIssuer, "required token issuer")
	cmd.Flags().String(flagCodePrefix, "", "discount code prefix")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	flags := []string{
		flagListenAddr,
		flagDatabaseURL,
		flagAllowedOrigins,
		flagShopDomain,
		flagPromoBaseURL,
		flagPromoAdminToken,
		flagPromoTimeout,
		flagWebhookSecret,
		flagPointsMultiplier,
		flagJWTSigningKey,
		flagJWTIssuer,
		flagCodePrefix,
	}
	for _, name := range flags {
		if err := viper.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			return err
		}
	}

	cfg.ListenAddr = viper.GetString(flagListenAddr)
	cfg.DatabaseURL = viper.GetString(flagDatabaseURL)
	cfg.AllowedOrigins = viper.GetString(flagAllowedOrigins)
	cfg.ShopDomain = viper.GetString(flagShopDomain)
	cfg.PromoBaseURL = viper.GetString(flagPromoBaseURL)
	cfg.PromoAdminToken = viper.GetString(flagPromoAdminToken)
	cfg.PromoTimeout = viper.GetDuration(flagPromoTimeout)
	cfg.WebhookSecret = viper.GetString(flagWebhookSecret)
	cfg.PointsMultiplier = viper.GetString(flagPointsMultiplier)
	cfg.JWTSigningKey = viper.GetString(flagJWTSigningKey)
	cfg.JWTIssuer = viper.GetString(flagJWTIssuer)
	cfg.CodePrefix = viper.GetString(flagCodePrefix)

	if cfg.ShopDomain == "" {
		return fmt.Errorf("shop domain is required")
	}
	if cfg.PromoAdminToken == "" {
		return fmt.Errorf("promo admin token is required")
	}
	if cfg.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	if cfg.PointsMultiplier == "" {
		return fmt.Errorf("points multiplier is required")
	}
	if cfg.JWTSigningKey == "" {
		return fmt.Errorf("jwt signing key is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	multiplier, err := decimal.NewFromString(cfg.PointsMultiplier)
	if err != nil || multiplier.Sign() <= 0 {
		return fmt.Errorf("points multiplier must be a positive decimal, got %q", cfg.PointsMultiplier)
	}

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := prepareSchema(gormDB); err != nil {
		return err
	}

	store, storeCleanup, err := openStore(ctx, gormDB, driver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	defer storeCleanup()

	identityProvider, err := identity.NewProvider(identity.Config{
		SigningKey: []byte(cfg.JWTSigningKey),
		Issuer:     cfg.JWTIssuer,
		DB:         gormDB,
	})
	if err != nil {
		return fmt.Errorf("identity init: %w", err)
	}

	promoClient, err := promos.NewClient(promos.Config{
		ShopDomain:  cfg.ShopDomain,
		AccessToken: cfg.PromoAdminToken,
		BaseURL:     cfg.PromoBaseURL,
		HTTPClient:  promoHTTPClient(cfg.PromoTimeout),
		Logger:      logger.Named("promos"),
	})
	if err != nil {
		return fmt.Errorf("promotions init: %w", err)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }

	serviceOptions := []loyalty.ServiceOption{
		loyalty.WithOperationLogger(&zapOperationLogger{logger: logger.Named("loyalty")}),
	}
	if cfg.CodePrefix != "" {
		serviceOptions = append(serviceOptions, loyalty.WithCodePrefix(cfg.CodePrefix))
	}
	service, err := loyalty.NewService(store, promoClient, identityProvider, clock, serviceOptions...)
	if err != nil {
		return fmt.Errorf("loyalty service init: %w", err)
	}

	pipeline, err := ingest.NewPipeline(ingest.Config{
		Store:         store,
		Identity:      identityProvider,
		ShopDomain:    cfg.ShopDomain,
		WebhookSecret: []byte(cfg.WebhookSecret),
		Multiplier:    multiplier,
		Logger:        logger.Named("ingest"),
		Now:           clock,
	})
	if err != nil {
		return fmt.Errorf("ingest pipeline init: %w", err)
	}

	server, err := httpapi.NewServer(httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
	}, service, pipeline, logger.Named("httpapi"))
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}

	return server.Run(ctx)
}

func promoHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultPromoTimeout
	}
	return &http.Client{Timeout: timeout}
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	gormConfig := &gorm.Config{TranslateError: true}
	var db *gorm.DB
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

// openStore selects the ledger store for the configured driver. Postgres runs
// the raw pgx store; sqlite stays on gorm.
func openStore(ctx context.Context, gormDB *gorm.DB, driver string, dsn string) (loyalty.Store, func(), error) {
	if driver != "postgres" {
		return gormstore.New(gormDB), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("pgx pool: %w", err)
	}
	return pgstore.New(pool), pool.Close, nil
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
			path = "loyalty.db"
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

func prepareSchema(db *gorm.DB) error {
	err := db.AutoMigrate(
		&gormstore.Member{},
		&gormstore.LedgerEntry{},
		&gormstore.Reward{},
		&gormstore.Redemption{},
		&identity.User{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// zapOperationLogger forwards service operation callbacks to zap.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (operationLogger *zapOperationLogger) LogOperation(_ context.Context, entry loyalty.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.MemberID.String() != "" {
		fields = append(fields, zap.String("member_id", entry.MemberID.String()))
	}
	if entry.RewardID.String() != "" {
		fields = append(fields, zap.String("reward_id", entry.RewardID.String()))
	}
	if entry.RedemptionID.String() != "" {
		fields = append(fields, zap.String("redemption_id", entry.RedemptionID.String()))
	}
	if entry.SagaState != "" {
		fields = append(fields, zap.String("saga_state", string(entry.SagaState)))
	}
	if entry.Error != nil {
		operationLogger.logger.Warn("operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("operation completed", fields...)
}
