package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trustyclaw/internal/api"
	"trustyclaw/internal/config"
	"trustyclaw/internal/escrow"
	"trustyclaw/internal/ledger"
	"trustyclaw/internal/ledger/provider"
	"trustyclaw/internal/notify"
	"trustyclaw/internal/payment"
	"trustyclaw/internal/reload"
	"trustyclaw/internal/rental"
	"trustyclaw/internal/reputation"
	"trustyclaw/internal/review"
	"trustyclaw/internal/storage/database"
	"trustyclaw/pkg/logger"
)

// main 是 TrustyClaw 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("trustyd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("trustyd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	chains, err := provider.NewRegistry(ctx, cfg.Ledger)
	if err != nil {
		return err
	}
	defer chains.Close()
	adapter, err := chains.Default()
	if err != nil {
		return err
	}
	lg.Info("账本已就绪", slog.String("chain", chains.DefaultChain()), slog.Any("chains", chains.Chains()))

	stores, err := openStores(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer stores.Close()

	payments := payment.NewEngine(stores.payments, adapter,
		payment.WithMinimumAmount(ledger.Amount(cfg.Payment.MinimumAmount)),
		payment.WithMultisigPolicy(payment.MultisigPolicy{
			ThresholdUSD:   cfg.Payment.Multisig.ThresholdUSD,
			Signers:        cfg.Payment.Multisig.Signers,
			RequiredCount:  cfg.Payment.Multisig.RequiredCount,
			RecoverySigner: cfg.Payment.Multisig.RecoverySigner,
		}),
		payment.WithExplorerBaseURL(cfg.Payment.ExplorerBaseURL),
	)
	escrows := escrow.NewEngine(stores.escrows, payments,
		escrow.WithReleaseSignatures(cfg.Payment.EscrowReleaseSignatures),
	)

	formula, ok := reputation.FormulaByName(cfg.Reputation.Formula)
	if !ok {
		return fmt.Errorf("未知的信誉公式: %s", cfg.Reputation.Formula)
	}
	reputations := reputation.NewEngine(formula)
	reviews := review.NewService(stores.reviews,
		review.WithMinReviews(cfg.Reputation.MinReviews),
		review.WithSubmitHook(func(ctx context.Context, r *review.Review) {
			if _, err := reputations.AddReview(ctx, r.Provider, reputation.Review{
				Provider: r.Provider,
				Renter:   r.Renter,
				Skill:    r.SkillID,
				Rating:   r.Rating,
				OnTime:   r.CompletedOnTime,
			}); err != nil {
				lg.Warn("同步信誉分失败", slog.String("review_id", r.ID), slog.Any("error", err))
			}
		}),
	)

	queue, err := openReloadQueue(ctx, cfg.Reload)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			lg.Warn("关闭充值队列失败", slog.Any("error", err))
		}
	}()
	processor := reload.NewProcessor(payments, cfg.Reload.TreasuryWallet, queue, queue,
		reload.WithWorkerCount(cfg.Reload.Workers),
	)

	dispatcher := notify.NewDispatcher()
	if cfg.Notification.Publisher.Driver == "rabbitmq" {
		publisher, err := notify.NewRabbitMQPublisher(notify.RabbitMQPublisherConfig{
			URL:      cfg.Notification.Publisher.URL,
			Exchange: cfg.Notification.Publisher.Exchange,
			Queue:    cfg.Notification.Publisher.Queue,
		})
		if err != nil {
			return err
		}
		defer publisher.Close()
		dispatcher.Add(publisher)
	}
	notifyOpts := []notify.Option{
		notify.WithDispatcher(dispatcher),
		notify.WithWebhook(notify.NewWebhookClient(cfg.Notification.WebhookTimeout())),
		notify.WithRateLimit(cfg.Notification.RateLimit()),
	}
	if cfg.Reload.TreasuryWallet != "" {
		notifyOpts = append(notifyOpts, notify.WithReloadProducer(queue))

		processorCtx, processorCancel := context.WithCancel(ctx)
		defer processorCancel()
		go func() {
			if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("充值处理器异常退出", slog.Any("error", err))
			}
		}()
	} else {
		lg.Info("未配置 treasury_wallet，自动充值已关闭")
		processor = nil
	}
	notifier := notify.NewEngine(adapter, notifyOpts...)

	server := api.NewServer(cfg.Server.Address, api.Services{
		Payments:   payments,
		Escrows:    escrows,
		Rentals:    rental.NewRegistry(),
		Reviews:    reviews,
		Reputation: reputations,
		Notify:     notifier,
		Reloads:    processor,
	}, api.WithTimeouts(
		time.Duration(cfg.Server.ReadTimeoutSeconds)*time.Second,
		time.Duration(cfg.Server.WriteTimeoutSeconds)*time.Second,
	))

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	lg.Info("trustyd 已退出")
	return nil
}

type stores struct {
	db       *database.DB
	payments payment.Store
	escrows  escrow.Store
	reviews  review.Store
}

func (s stores) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func openStores(ctx context.Context, cfg config.StorageConfig) (stores, error) {
	if cfg.Driver == "memory" {
		return stores{
			payments: payment.NewMemoryStore(),
			escrows:  escrow.NewMemoryStore(),
			reviews:  review.NewMemoryStore(),
		}, nil
	}

	db, err := database.Open(ctx, cfg)
	if err != nil {
		return stores{}, err
	}
	out := stores{db: db}
	if out.payments, err = payment.NewSQLStore(ctx, db); err != nil {
		out.Close()
		return stores{}, err
	}
	if out.escrows, err = escrow.NewSQLStore(ctx, db); err != nil {
		out.Close()
		return stores{}, err
	}
	if out.reviews, err = review.NewSQLStore(ctx, db); err != nil {
		out.Close()
		return stores{}, err
	}
	return out, nil
}

func openReloadQueue(ctx context.Context, cfg config.ReloadConfig) (reload.Queue, error) {
	switch cfg.QueueDriver {
	case "", "memory":
		return reload.NewMemoryQueue(cfg.QueueBuffer), nil
	case "redis":
		return reload.NewRedisQueue(ctx, reload.RedisQueueConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Queue:    cfg.Redis.Queue,
		})
	case "rabbitmq":
		return reload.NewRabbitMQQueue(reload.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.QueueDriver)
	}
}
