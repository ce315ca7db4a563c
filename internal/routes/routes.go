package routes

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/walletsync/internal/account"
	"github.com/congo-pay/walletsync/internal/accountsync"
	"github.com/congo-pay/walletsync/internal/config"
	"github.com/congo-pay/walletsync/internal/credentials"
	"github.com/congo-pay/walletsync/internal/ledger"
	"github.com/congo-pay/walletsync/internal/logging"
	"github.com/congo-pay/walletsync/internal/middleware"
	"github.com/congo-pay/walletsync/internal/notification"
	"github.com/congo-pay/walletsync/internal/payments"
	"github.com/congo-pay/walletsync/internal/snapshot"
	"github.com/congo-pay/walletsync/internal/wallet"
)

const schemaTimeout = 10 * time.Second

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
	// Gateway overrides the ledger built from Cfg. Used by tests; it must submit from
	// Cfg.SourceAccount.
	Gateway ledger.Gateway
}

// Setup configures middlewares and all application routes. The returned func stops every
// sync session and must be called on shutdown.
func Setup(app *fiber.App, d Deps) (func(), error) {
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	// Enforce DB/Redis presence outside of dev, even though config also checks.
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return nil, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return nil, fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	gateway := d.Gateway
	if gateway == nil {
		var err error
		if gateway, err = buildGateway(d); err != nil {
			return nil, err
		}
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	if d.Cfg.LogFormat == "text" {
		// Plain text access log: [HH:MM:SS] 200 -  145ms METHOD /path
		app.Use(logger.New(logger.Config{
			Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
			TimeFormat: "15:04:05",
			TimeZone:   "Local",
		}))
	} else {
		app.Use(middleware.Audit(d.Logger))
	}

	// Services and handlers
	var store credentials.Store
	if d.Cache != nil {
		store = credentials.NewRedisStore(d.Cache, d.Cfg.AppName)
	} else {
		store = credentials.NewMemoryStore()
	}
	// The session account is the account the gateway submits from.
	keychain := credentials.NewBoundKeychain(store, d.Cfg.SourceAccount)
	source := payments.FixedSource(d.Cfg.SourceAccount)

	var snapshots snapshot.Repository
	if d.DB != nil {
		repo := snapshot.NewPostgresRepository(d.DB)
		ctx, cancel := context.WithTimeout(context.Background(), schemaTimeout)
		err := repo.EnsureSchema(ctx)
		cancel()
		if err != nil {
			return nil, err
		}
		snapshots = repo
	} else {
		snapshots = snapshot.NewMemoryRepository()
	}

	notifier := notification.NewLoggerNotifier(d.Logger)
	walletSvc := wallet.NewService(gateway, snapshots, accountsync.Options{
		Interval:      d.Cfg.PollInterval,
		Debounce:      d.Cfg.AssetSwitchDebounce,
		AccountSource: keychain,
		Notifier:      notifier,
		Logger:        d.Logger,
	}, d.Logger)
	paymentSvc := payments.NewService(gateway, source, keychain, notifier, d.Logger)

	sessionHandler := credentials.NewHandler(keychain, func(context.Context) { walletSvc.UntrackAll() })
	walletHandler := wallet.NewHandler(walletSvc)
	paymentHandler := payments.NewHandler(paymentSvc, walletSvc, source, d.Logger)

	// Health
	RegisterHealthRoutes(app, d, func() int { return len(walletSvc.Tracked()) })

	// API routes
	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID := middleware.RequestIDFrom(c.UserContext())
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	var pinLimiter fiber.Handler
	paymentGuards := []fiber.Handler{}
	if d.Cache != nil {
		pinLimiter = middleware.PINRateLimit(d.Cache, d.Cfg.PINAttemptsPerMin)
		paymentGuards = append(paymentGuards,
			pinLimiter,
			middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger),
		)
	}

	RegisterSessionRoutes(api, sessionHandler, pinLimiter)
	RegisterWalletRoutes(api, walletHandler)
	RegisterPaymentRoutes(api, paymentHandler, paymentGuards...)

	return walletSvc.Close, nil
}

// buildGateway connects to the configured ledger. In development without LEDGER_URL an
// in-memory network is used, with the source account seeded at DEV_SEED_BALANCE.
func buildGateway(d Deps) (ledger.Gateway, error) {
	cfg := d.Cfg
	if cfg.LedgerURL != "" {
		gw, err := ledger.NewHTTPGateway(ledger.HTTPConfig{
			BaseURL:           cfg.LedgerURL,
			StreamURL:         cfg.LedgerStreamURL,
			SourceAccount:     cfg.SourceAccount,
			AuthToken:         cfg.LedgerToken,
			RequestsPerSecond: cfg.LedgerRPS,
			Timeout:           cfg.LedgerTimeout,
			EffectsLimit:      cfg.EffectsLimit,
		}, d.Logger)
		if err != nil {
			return nil, fmt.Errorf("ledger gateway: %w", err)
		}
		return gw, nil
	}
	if !cfg.IsDev() {
		return nil, fmt.Errorf("LEDGER_URL is required when APP_ENV=%s", cfg.AppEnv)
	}

	seed, err := decimal.NewFromString(cfg.DevSeedBalance)
	if err != nil {
		return nil, fmt.Errorf("invalid DEV_SEED_BALANCE: %w", err)
	}
	network := ledger.NewInMemory()
	ledger.SeedAccount(network, cfg.SourceAccount, account.Balance{Asset: account.NativeAsset(), Amount: seed})
	d.Logger.Warn("LEDGER_URL not set, using in-memory ledger",
		slog.String("source_account", cfg.SourceAccount),
		slog.String("seed_balance", seed.String()),
	)
	return network.Gateway(cfg.SourceAccount), nil
}
