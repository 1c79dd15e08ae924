package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/spf13/cobra"

	"dealpay/config"
	"dealpay/controllers/deal"
	"dealpay/controllers/payment"
	"dealpay/database"
	"dealpay/escrow"
	"dealpay/ledger"
	"dealpay/notify"
	"dealpay/providers"
	"dealpay/providers/fakegateway"
	"dealpay/providers/stripe"
	"dealpay/routes"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP command API and webhook endpoint",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	store, closeStore, err := openLedger(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	providers.RegisterGateway(stripe.New(cfg.StripeSecretKey, nil))
	providers.RegisterGateway(fakegateway.New())
	gw := providers.GetGateway(cfg.PaymentProvider)
	if gw == nil {
		return fmt.Errorf("payment provider %q is not registered", cfg.PaymentProvider)
	}

	sink, err := openSink(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}

	orchestrator := escrow.New(store, gw, sink, escrow.Options{
		ServiceFeePercent: cfg.ServiceFeePercent,
		DefaultCurrency:   cfg.DefaultCurrency,
		GatewayTimeout:    cfg.GatewayTimeout,
		AutoRelease:       cfg.AutoRelease,
		WebhookSecret:     cfg.WebhookSecret(),
		Logger:            log,
	})

	if cfg.APIKey == "" {
		log.Warn("API_KEY is empty, the command API is unauthenticated")
	}

	app := fiber.New(fiber.Config{AppName: "dealpay"})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(logger.New(logger.Config{
		Format: "${time} ${locals:requestid} ${status} ${method} ${path} ${latency}\n",
	}))
	routes.Setup(app, routes.Deps{
		APIKey: cfg.APIKey,
		Deals:  &deal.Handler{Escrow: orchestrator},
		Payments: &payment.Handler{
			Escrow:          orchestrator,
			SignatureHeader: gw.SignatureHeader(),
			Logger:          log.With("component", "webhook"),
		},
	})

	log.Info("server running", "addr", cfg.Addr(), "ledger", cfg.LedgerDriver, "provider", gw.Name(), "notify", cfg.NotifyDriver)

	go func() {
		if err := app.Listen(cfg.Addr()); err != nil {
			log.Error("failed to start server", "err", err)
			os.Exit(1)
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	log.Info("gracefully shutting down")
	if err := app.Shutdown(); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info("server exited cleanly")
	return nil
}

func openLedger(cfg *config.Config, log *slog.Logger) (ledger.Ledger, func(), error) {
	switch cfg.LedgerDriver {
	case "bolt":
		l, err := ledger.OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		log.Info("opened bolt ledger", "path", cfg.BoltPath)
		return l, func() { l.Close() }, nil
	default:
		db, err := database.Connect(cfg.DB, cfg.DBAutoMigrate, log)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, fmt.Errorf("database handle: %w", err)
		}
		return ledger.NewGorm(db), func() { sqlDB.Close() }, nil
	}
}

func openSink(ctx context.Context, cfg *config.Config, log *slog.Logger) (notify.Sink, error) {
	switch cfg.NotifyDriver {
	case "sqs":
		return notify.NewSQS(ctx, notify.SQSOptions{
			QueueURL:  cfg.SQSQueueURL,
			Region:    cfg.AWSRegion,
			AccessKey: cfg.AWSAccessKey,
			Secret:    cfg.AWSSecret,
		})
	case "none":
		return notify.Nop{}, nil
	default:
		return notify.Log{Logger: log.With("component", "notify")}, nil
	}
}
