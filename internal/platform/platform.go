/**
 * @description
 * Process wiring shared by the service binaries: opening the store and the
 * cache, and assembling the engine components from configuration.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL connection pool.
 * - github.com/redis/go-redis/v9: Optional cache and budget ledger.
 * - github.com/bwmarrin/snowflake: Affiliate link codes.
 */

package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/orivaflow/commerce-engine/internal/app"
	"github.com/orivaflow/commerce-engine/internal/cache"
	"github.com/orivaflow/commerce-engine/internal/clock"
	"github.com/orivaflow/commerce-engine/internal/config"
	"github.com/orivaflow/commerce-engine/internal/metrics"
	"github.com/orivaflow/commerce-engine/internal/store"
	"github.com/orivaflow/commerce-engine/pkg/paymentclient"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OpenRepository connects the configured store. The returned func releases it.
func OpenRepository(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Repository, func(), error) {
	if cfg.StoreDriver == "memory" {
		logger.Warn("using in-memory store; state is lost on restart")
		return store.NewMemoryRepository(), func() {}, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Pooled connections behind PgBouncer cannot share prepared statements.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("database connection established")

	repo := store.NewPostgresRepository(pool)
	if cfg.AutoMigrate {
		if err := repo.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate database: %w", err)
		}
		logger.Info("database schema applied")
	}
	return repo, pool.Close, nil
}

// OpenRedis connects to Redis when REDIS_URL is set. A nil client means the
// engine runs without the link cache and keeps ad spend in the store.
func OpenRedis(ctx context.Context, cfg config.Config, logger *zap.Logger) redis.UniversalClient {
	if cfg.RedisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("invalid redis URL; continuing without redis", zap.Error(err))
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable; continuing without redis", zap.Error(err))
		_ = client.Close()
		return nil
	}
	logger.Info("redis connection established")
	return client
}

// Engine holds every component of one process.
type Engine struct {
	Repo         store.Repository
	Gateway      *paymentclient.Client
	Fees         *app.FeeCalculator
	Inventory    *app.InventoryManager
	Escrow       *app.EscrowManager
	Clicks       *app.ClickRecorder
	Affiliate    *app.AffiliateEngine
	Transactions *app.TransactionService
	Ads          *app.AdAuction
	Payouts      *app.PayoutScheduler
	Processor    *app.PaymentEventProcessor
}

// FeeSchedule applies the configured processing terms to the published fee table.
func FeeSchedule(cfg config.Config) app.FeeSchedule {
	schedule := app.DefaultFeeSchedule()
	schedule.ProcessingPercent = decimal.NewFromFloat(cfg.ProcessingFeePercent)
	schedule.ProcessingFixedCents = cfg.ProcessingFeeFixedCents
	schedule.ProcessingRounding = app.ParseRounding(cfg.ProcessingFeeRounding)
	if cfg.PlatformFeeFloorPercent > 0 {
		schedule.FloorPercent = decimal.NewFromFloat(cfg.PlatformFeeFloorPercent)
	}
	return schedule
}

// NewEngine assembles the components. rdb may be nil.
func NewEngine(cfg config.Config, repo store.Repository, rdb redis.UniversalClient, logger *zap.Logger, m *metrics.Metrics) (*Engine, error) {
	clk := clock.Real{}

	node, err := snowflake.NewNode(cfg.SnowflakeNode)
	if err != nil {
		return nil, fmt.Errorf("create snowflake node: %w", err)
	}

	var (
		links  app.LinkCache
		ledger app.BudgetLedger
	)
	if rdb != nil {
		links = cache.NewRedisLinkCache(rdb, cfg.RedisKeyPrefix, cfg.LinkCacheTTL())
		ledger = cache.NewRedisBudgetLedger(rdb, cfg.RedisKeyPrefix)
	}

	gateway := paymentclient.NewClient(cfg.StripeAPIBaseURL, cfg.StripeSecretKey, logger)
	fees := app.NewFeeCalculator(FeeSchedule(cfg))
	inventory := app.NewInventoryManager(repo, clk, cfg.ReservationTTL(), logger)
	escrow := app.NewEscrowManager(repo, gateway, clk, logger, m)
	clicks := app.NewClickRecorder(repo, cfg.WorkerCount, cfg.ClickQueueSize, logger, m)
	affiliate := app.NewAffiliateEngine(repo, repo, links, clicks, node, clk, app.AffiliateConfig{
		DestinationBaseURL: cfg.AffiliateBaseURL,
	}, logger, m)
	transactions := app.NewTransactionService(repo, fees, inventory, escrow, affiliate, gateway, clk, app.TransactionConfig{
		Currency: cfg.Currency,
	}, logger, m)
	ads := app.NewAdAuction(repo, ledger, clk, app.AuctionConfig{
		MaxBidCents:    cfg.AdMaxBidCents,
		RelevanceFloor: cfg.AdRelevanceFloor,
	}, logger, m)
	payouts := app.NewPayoutScheduler(repo, gateway, clk, app.PayoutConfig{
		FeeCents:    cfg.PayoutFeeCents,
		MaxAttempts: cfg.PayoutMaxAttempts,
		RetryBase:   cfg.PayoutRetryBase(),
		Currency:    cfg.Currency,
		PeriodDays:  cfg.PayoutPeriodDays,
	}, logger, m)
	processor := app.NewPaymentEventProcessor(repo, transactions, clk, logger, m)

	return &Engine{
		Repo:         repo,
		Gateway:      gateway,
		Fees:         fees,
		Inventory:    inventory,
		Escrow:       escrow,
		Clicks:       clicks,
		Affiliate:    affiliate,
		Transactions: transactions,
		Ads:          ads,
		Payouts:      payouts,
		Processor:    processor,
	}, nil
}
