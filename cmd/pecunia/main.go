package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"

	"github.com/core-coin/pecunia/internal/blockchain"
	"github.com/core-coin/pecunia/internal/catalog"
	"github.com/core-coin/pecunia/internal/config"
	"github.com/core-coin/pecunia/internal/custody"
	"github.com/core-coin/pecunia/internal/http_api"
	"github.com/core-coin/pecunia/internal/ingest"
	"github.com/core-coin/pecunia/internal/ledger"
	"github.com/core-coin/pecunia/internal/models"
	"github.com/core-coin/pecunia/internal/notificator"
	"github.com/core-coin/pecunia/internal/pecunia"
	"github.com/core-coin/pecunia/internal/repository"
	"github.com/core-coin/pecunia/internal/subscription"
	"github.com/core-coin/pecunia/internal/vault"
	"github.com/core-coin/pecunia/internal/wallet"
	"github.com/core-coin/pecunia/internal/webhook"
	"github.com/core-coin/pecunia/pkg/logger"
)

func main() {
	app := &cli.App{
		Name:  "pecunia",
		Usage: "Pecunia is a crypto payment gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "database-driver", Usage: "Database driver (postgres or sqlite)"},
			&cli.StringFlag{Name: "sqlite-path", Usage: "SQLite database file"},
			&cli.StringFlag{Name: "postgres-user", Aliases: []string{"u"}, Usage: "Postgres user"},
			&cli.StringFlag{Name: "postgres-password", Aliases: []string{"p"}, Usage: "Postgres password"},
			&cli.StringFlag{Name: "postgres-host", Aliases: []string{"t"}, Usage: "Postgres host"},
			&cli.IntFlag{Name: "postgres-port", Aliases: []string{"P"}, Usage: "Postgres port"},
			&cli.StringFlag{Name: "postgres-db", Aliases: []string{"d"}, Usage: "Postgres database name"},
			&cli.IntFlag{Name: "api-port", Usage: "HTTP API port"},
			&cli.StringFlag{Name: "notification-source-url", Usage: "Chain notification source base URL"},
			&cli.StringFlag{Name: "instance-id", Usage: "Instance id used for sweep leases"},
			&cli.BoolFlag{Name: "development", Aliases: []string{"D"}, Usage: "Development mode"},
		},
		Action: func(c *cli.Context) error {
			return run(c)
		},
		Commands: []*cli.Command{
			{
				Name:  "migrate",
				Usage: "Create or update the database schema and exit",
				Action: func(c *cli.Context) error {
					return migrate(c)
				},
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	// Load configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Override with flags if set
	if c.IsSet("database-driver") {
		cfg.DatabaseDriver = c.String("database-driver")
	}
	if c.IsSet("sqlite-path") {
		cfg.SQLitePath = c.String("sqlite-path")
	}
	if c.IsSet("postgres-user") {
		cfg.PostgresUser = c.String("postgres-user")
	}
	if c.IsSet("postgres-password") {
		cfg.PostgresPassword = c.String("postgres-password")
	}
	if c.IsSet("postgres-host") {
		cfg.PostgresHost = c.String("postgres-host")
	}
	if c.IsSet("postgres-port") {
		cfg.PostgresPort = c.Int("postgres-port")
	}
	if c.IsSet("postgres-db") {
		cfg.PostgresDB = c.String("postgres-db")
	}
	if c.IsSet("api-port") {
		cfg.APIPort = c.Int("api-port")
	}
	if c.IsSet("notification-source-url") {
		cfg.NotificationSourceURL = c.String("notification-source-url")
	}
	if c.IsSet("instance-id") {
		cfg.InstanceID = c.String("instance-id")
	}
	if c.IsSet("development") {
		cfg.Development = c.Bool("development")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStore(cfg *config.Config, log *logger.Logger) (*repository.Store, error) {
	if cfg.DatabaseDriver == "sqlite" {
		return repository.NewSQLiteDB(cfg.SQLitePath, log)
	}
	return repository.NewPostgresDB(cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDB, cfg.PostgresHost, cfg.PostgresPort, log)
}

func migrate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, err := logger.NewLogger(cfg.Development)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	store, err := openStore(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	return store.Close()
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Development)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	// The vault key is checked before anything can serve traffic.
	v, err := vault.New(cfg.VaultKey)
	if err != nil {
		return fmt.Errorf("failed to initialize vault: %w", err)
	}

	// Initialize database
	store, err := openStore(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer store.Close()
	db := store.Conn

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize operator alerts
	var telegram *notificator.TelegramNotificator
	if cfg.TelegramBotToken != "" {
		if telegram, err = notificator.NewTelegramNotificator(log, cfg.TelegramBotToken, cfg.TelegramChatID); err != nil {
			return err
		}
		go telegram.Start(ctx)
	}
	var email *notificator.EmailNotificator
	if cfg.SMTPHost != "" {
		email = notificator.NewEmailNotificator(log, cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPSender, cfg.AlertEmail)
	}
	alerts := notificator.NewNotificator(log, telegram, email)

	// Initialize asset catalog
	assets := catalog.New(db, cfg.AssetTolerances, cfg.CatalogRefreshInterval, log)
	if cfg.SeedAssets {
		if err := assets.Seed(ctx, catalog.DefaultAssets); err != nil {
			return err
		}
	}
	if err := assets.ApplyTolerances(ctx); err != nil {
		return err
	}
	assets.StartPeriodicUpdate()
	defer assets.Stop()

	// Initialize chain services
	var query models.ChainQueryService
	if len(cfg.EVMRPCURLs) > 0 {
		evm := blockchain.NewEVMQuery(cfg.EVMRPCURLs, log)
		defer evm.Close()
		query = evm
	}
	var source models.NotificationSource = subscription.Disabled{}
	if cfg.NotificationSourceURL != "" {
		source = blockchain.NewSourceClient(cfg.NotificationSourceURL, cfg.NotificationSourceAPIKey, log)
	} else {
		log.Warn("NOTIFICATION_SOURCE_URL not set, invoices will not be watched")
	}

	// Initialize core services
	webhooks := webhook.NewService(db, webhook.Options{
		Workers:   cfg.WebhookWorkers,
		HostRate:  rate.Limit(cfg.WebhookHostRate),
		HostBurst: cfg.WebhookHostBurst,
	}, alerts, log)
	l := ledger.New(db, ledger.Options{
		InvoiceTTL:         cfg.InvoiceTTL,
		WebhookMaxAttempts: cfg.WebhookMaxAttempts,
		WebhookTimeout:     cfg.WebhookTimeout,
		PendingGrace:       cfg.PendingGrace,
		Wake:               webhooks.Notify,
		Alerts:             alerts,
	}, log)
	localCustody := custody.NewLocalCustody(v)
	wallets := wallet.NewManager(db, localCustody, alerts, log)

	// Create Pecunia instance
	pecuniaApp := pecunia.NewPecunia(pecunia.Services{
		Store:     store,
		Catalog:   assets,
		Ledger:    l,
		Wallets:   wallets,
		Allocator: wallet.NewAllocator(db, localCustody, wallets, log),
		Ingestor: ingest.New(db, l, query, ingest.Options{
			Confirmations: cfg.Confirmations,
			Secret:        cfg.NotificationSourceSecret,
		}, log),
		Subscriptions: subscription.NewManager(db, source, log),
		Webhooks:      webhooks,
		Query:         query,
	}, cfg.InstanceID, pecunia.Intervals{
		Expiry:    cfg.ExpiryInterval,
		Reconcile: cfg.ReconcileInterval,
		Balance:   cfg.BalanceInterval,
	}, log)

	// Start the application
	pecuniaApp.Start(ctx)
	defer pecuniaApp.Stop()

	apiServer := http_api.NewHTTPServer(pecuniaApp, cfg.APIPort, log)
	errCh := make(chan error, 1)
	go func() { errCh <- apiServer.Start() }()

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	return apiServer.Shutdown()
}
