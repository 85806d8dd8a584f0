package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/PayFox/internal/pkg/archive"
	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
	"github.com/ManuelReschke/PayFox/internal/pkg/cache"
	"github.com/ManuelReschke/PayFox/internal/pkg/database"
	"github.com/ManuelReschke/PayFox/internal/pkg/env"
	"github.com/ManuelReschke/PayFox/internal/pkg/fees"
	"github.com/ManuelReschke/PayFox/internal/pkg/gateway"
	"github.com/ManuelReschke/PayFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PayFox/internal/pkg/mail"
	"github.com/ManuelReschke/PayFox/internal/pkg/notify"
	"github.com/ManuelReschke/PayFox/internal/pkg/router"
	"github.com/ManuelReschke/PayFox/internal/pkg/scheduler"
)

type application struct {
	http  *fiber.App
	queue *jobqueue.Manager
	cron  *scheduler.Scheduler
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx)
	if err != nil {
		log.Fatal(err)
	}

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
		if err := app.http.Listen(addr); err != nil {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	app.shutdown()
}

func newApplication(ctx context.Context) (*application, error) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	cfg := billing.LoadConfig()
	gateways := gateway.NewRegistry(
		gateway.NewAuthNetAdapterFromEnv(cfg.GatewayTimeout),
		gateway.NewPayPalAdapterFromEnv(cfg.GatewayTimeout),
		gateway.NewRobokassaAdapterFromEnv(cfg.GatewayTimeout),
	)

	taxLookup, err := fees.NewTaxLookupFromEnv()
	if err != nil {
		return nil, fmt.Errorf("tax configuration: %w", err)
	}

	manager := jobqueue.GetManager()
	queue := manager.GetQueue()

	opts := []billing.Option{
		billing.WithConfig(cfg),
		billing.WithCalculator(fees.NewCalculator(taxLookup)),
		billing.WithLocker(cache.NewLocker(cache.GetClient())),
	}
	if env.GetEnvBool("NOTIFY_ASYNC", true) {
		opts = append(opts, billing.WithNotifier(notify.NewQueueSink(queue)))
	} else {
		opts = append(opts, billing.WithNotifier(notify.LogSink{}))
	}

	deliverer := notify.NewDeliverer(notify.NewGormStore(database.GetDB()), mail.NewSMTPMailerFromEnv())
	queue.Handle(jobqueue.JobTypeNotification, deliverer.HandleJob)

	archiveCfg, err := archive.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("archive configuration: %w", err)
	}
	if archiveCfg.IsEnabled() {
		client, err := archive.NewClient(ctx, archiveCfg)
		if err != nil {
			return nil, fmt.Errorf("archive client: %w", err)
		}
		queue.Handle(jobqueue.JobTypeWebhookArchive, client.HandleJob)
		opts = append(opts, billing.WithArchive(queue))
	}

	svc := billing.NewServiceFromDB(database.GetDB(), gateways, opts...)
	manager.Start()

	audit := scheduler.NewStaleAudit(svc.Repository(), gateways, cfg.StaleSubmittedAfter)
	cron := scheduler.New(audit, env.GetEnv("AUDIT_CRON", scheduler.DefaultSpec))
	if err := cron.Start(ctx); err != nil {
		return nil, fmt.Errorf("audit schedule: %w", err)
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: env.GetEnv("OPENAPI_FILE", "./docs/openapi.yml"),
		Path:     "v1",
	}))

	// ROUTER
	router.InstallRouter(app, router.Dependencies{
		Service:        svc,
		UpstreamAPIKey: env.GetEnv("UPSTREAM_API_KEY", ""),
		LimiterStorage: router.NewLimiterStorage(),
		LimiterMax:     int(env.GetEnvInt64("API_RATE_LIMIT", 60)),
		LimiterWindow:  env.GetEnvDuration("API_RATE_WINDOW", time.Minute),
	})

	fiberlog.Infof("[API] gateways: %v", gateways.Names())
	return &application{http: app, queue: manager, cron: cron}, nil
}

func (a *application) shutdown() {
	fiberlog.Info("[API] shutting down")
	if err := a.http.ShutdownWithTimeout(30 * time.Second); err != nil {
		fiberlog.Errorf("[API] http shutdown: %v", err)
	}
	a.cron.Stop()
	a.queue.Stop()
	if err := cache.Close(); err != nil {
		fiberlog.Errorf("[API] redis close: %v", err)
	}
}
