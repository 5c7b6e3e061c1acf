package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"mailscore/config"
	controller "mailscore/controllers"
	"mailscore/middleware"
	"mailscore/models"
	"mailscore/routes"
	"mailscore/store"
	"mailscore/utils"
	"mailscore/verifier"
	"mailscore/worker"
)

// backends are the storage gateways selected by STORAGE_DRIVER.
type backends struct {
	ledger    store.Ledger
	results   store.ResultStore
	jobs      store.JobStore
	recipient worker.RecipientLookup
	health    func(ctx context.Context) error
}

func main() {
	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.AppConfig
	if err := config.SetupLogger(cfg); err != nil {
		logrus.Fatalf("Failed to configure logging: %v", err)
	}
	log := logrus.WithField("service", "mailscore")

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN, Environment: cfg.Environment}); err != nil {
			log.WithError(err).Warn("Sentry initialisation failed")
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(cfg)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}

	// Redis backs the limiter and bulk sessions when enabled
	if err := config.ConnectRedis(ctx); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	var (
		sessions       store.SessionStore = store.NewMemorySessionStore(store.DefaultSessionTTL)
		limiterStorage fiber.Storage
	)
	if config.Redis != nil {
		sessions = store.NewRedisSessionStore(config.Redis, store.DefaultSessionTTL)
		limiterStorage = middleware.NewRedisStorage(config.Redis)
		defer config.Redis.Close()
	}

	engine, registry, err := buildEngine(cfg, b, log)
	if err != nil {
		log.Fatalf("Failed to build verifier: %v", err)
	}

	vc := controller.NewVerificationController(engine, b.ledger, b.results, b.jobs, sessions, logrus.StandardLogger())
	vc.BatchSize = cfg.Verifier.BatchSize
	vc.Workers = cfg.Verifier.Workers

	deps := routes.Dependencies{
		Verification:   vc,
		JWTSecret:      cfg.JWTSecret,
		RateLimit:      cfg.RateLimitVerify,
		LimiterStorage: limiterStorage,
		Gatherer:       registry,
		Health:         b.health,
		AccessLog:      true,
	}
	if config.DB != nil {
		controller.InitStripe(cfg.StripeSecretKey)
		deps.Payment = controller.NewPaymentController(config.DB, cfg.StripeWebhookSecret, logrus.StandardLogger())
	}

	app := fiber.New(fiber.Config{
		AppName:   "mailscore",
		BodyLimit: 32 * 1024 * 1024,
	})
	app.Use(middleware.CORS(middleware.CORSConfigFromOrigins(cfg.CORSOrigins)))
	routes.SetupRoutes(app, deps)

	// Asynchronous jobs
	jobWorker := worker.NewJobWorker(b.jobs, engine, logrus.StandardLogger())
	jobWorker.Interval = cfg.Verifier.JobInterval
	jobWorker.Workers = cfg.Verifier.Workers
	if cfg.Mail.Enabled() {
		jobWorker.Notifier = utils.NewMailer(cfg.Mail.Host, cfg.Mail.Port, cfg.Mail.Username, cfg.Mail.Password, cfg.Mail.From)
		jobWorker.Recipient = b.recipient
	}
	go jobWorker.Start(ctx)

	go func() {
		<-ctx.Done()
		log.Info("Shutting down server...")
		if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
			log.WithError(err).Error("Server shutdown failed")
		}
	}()

	log.Infof("Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func openBackends(cfg config.Config) (backends, error) {
	if cfg.StorageDriver == config.DriverMemory {
		ledger := store.NewMemoryLedger()
		ledger.Open(1, cfg.MemoryUserCredits)
		logrus.WithField("credits", cfg.MemoryUserCredits).Warn("Using in-memory storage; user 1 opened")
		return backends{
			ledger:  ledger,
			results: store.NewMemoryResultStore(),
			jobs:    store.NewMemoryJobStore(),
		}, nil
	}

	if err := config.ConnectDB(); err != nil {
		return backends{}, err
	}
	db := config.DB
	return backends{
		ledger:  store.NewGormLedger(db),
		results: store.NewGormResultStore(db),
		jobs:    store.NewGormJobStore(db, cfg.Verifier.JobLease),
		recipient: func(ctx context.Context, userID uint) (string, error) {
			var user models.User
			err := db.WithContext(ctx).Select("id", "email").First(&user, userID).Error
			return user.Email, err
		},
		health: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}, nil
}

func buildEngine(cfg config.Config, b backends, log logrus.FieldLogger) (*verifier.Engine, *prometheus.Registry, error) {
	vcfg := cfg.Verifier

	lists, err := verifier.LoadDomainLists(verifier.ListPaths{
		Blacklist:  vcfg.BlacklistFile,
		Disposable: vcfg.DisposableFile,
		Freemail:   vcfg.FreemailFile,
		Roles:      vcfg.RolesFile,
	})
	if err != nil {
		return nil, nil, err
	}

	policy := verifier.DefaultPolicy()
	if vcfg.PolicyFile != "" {
		if policy, err = verifier.LoadPolicy(vcfg.PolicyFile); err != nil {
			return nil, nil, err
		}
	}

	resolver := verifier.NewDNSResolver(verifier.DNSConfig{
		Servers:      vcfg.DNSServers,
		Timeout:      vcfg.ProbeTimeout,
		DKIMSelector: vcfg.DKIMSelector,
	})
	probes := verifier.Probes{
		DNS: resolver,
		SMTP: verifier.NewSMTPProbe(verifier.SMTPConfig{
			HeloDomain:    vcfg.HeloDomain,
			MailFrom:      vcfg.ProbeSender,
			Timeout:       vcfg.ProbeTimeout,
			GreylistDelay: vcfg.GreylistDelay,
		}, resolver),
		WHOIS: verifier.NewWHOISProbe(vcfg.WHOISTimeout),
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	log.WithFields(logrus.Fields{
		"lists":          lists.Sizes(),
		"greylist_retry": policy.GreylistRetry(),
		"fallback_to_a":  policy.FallbackToA(),
	}).Info("Verifier configured")

	engine := verifier.NewEngine(policy, lists, probes, b.ledger, b.results,
		verifier.WithLogger(logrus.StandardLogger()),
		verifier.WithMetrics(verifier.NewMetrics(registry)),
	)
	return engine, registry, nil
}
