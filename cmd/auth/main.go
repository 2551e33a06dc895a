package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/Skotchmaster/auth_service/internal/config"
	"github.com/Skotchmaster/auth_service/internal/db"
	"github.com/Skotchmaster/auth_service/internal/events"
	"github.com/Skotchmaster/auth_service/internal/hash"
	"github.com/Skotchmaster/auth_service/internal/httpserver"
	"github.com/Skotchmaster/auth_service/internal/logging"
	"github.com/Skotchmaster/auth_service/internal/metrics"
	"github.com/Skotchmaster/auth_service/internal/middleware"
	"github.com/Skotchmaster/auth_service/internal/notify"
	"github.com/Skotchmaster/auth_service/internal/otp"
	"github.com/Skotchmaster/auth_service/internal/repo"
	"github.com/Skotchmaster/auth_service/internal/service"
	"github.com/Skotchmaster/auth_service/internal/tokens"
	"github.com/Skotchmaster/auth_service/internal/worker/cleanup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(cfg.ServiceName, cfg.LogLevel)

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	gdb, err := db.Open(initCtx, cfg.DBDriver, cfg.DatabaseURL)
	cancel()
	if err != nil {
		log.Fatalf("db init error: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatalf("db migrate error: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		log.Fatalf("db handle: %v", err)
	}
	defer sqlDB.Close()

	hasher, err := hash.New(cfg.PasswordHasher)
	if err != nil {
		log.Fatalf("password hasher: %v", err)
	}

	issuer, err := tokens.NewIssuer(tokens.Config{
		SigningKey: cfg.JWTSecret,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		AccessTTL:  cfg.AccessTokenTTL,
	})
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}

	codeRepo := &repo.CodeRepo{DB: gdb}
	var (
		codeStore otp.Store          = codeRepo
		purger    cleanup.CodePurger = codeRepo
	)
	if cfg.CodeStore == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatalf("redis ping: %v", err)
		}
		codeStore = repo.NewRedisCodeRepo(rdb)
		purger = nil
	}

	var notifier notify.Notifier = notify.Log{Logger: logger}
	if cfg.SMTPEnabled() {
		smtp, err := notify.NewSMTP(notify.SMTPConfig{
			Host:        cfg.SMTPHost,
			Port:        cfg.SMTPPort,
			Username:    cfg.SMTPUsername,
			Password:    cfg.SMTPPassword,
			DisplayName: cfg.SMTPDisplayName,
			EnableSSL:   cfg.SMTPEnableSSL,
		})
		if err != nil {
			log.Fatalf("smtp: %v", err)
		}
		notifier = smtp
	} else {
		logger.Warn("smtp_disabled", "reason", "SMTP_HOST or SMTP_USERNAME not set, codes are logged")
	}

	var publisher events.Publisher = events.Noop{}
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := events.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			log.Fatalf("kafka producer: %v", err)
		}
		defer producer.Close()
		publisher = producer
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	sessions := &repo.SessionRepo{DB: gdb, TTL: cfg.RefreshTokenTTL}
	svc := &service.AuthService{
		Users:            &repo.UserRepo{DB: gdb},
		Sessions:         sessions,
		Codes:            otp.NewGenerator(codeStore, cfg.OTPTTL, cfg.OTPMaxAttempts),
		Tokens:           issuer,
		Hasher:           hasher,
		Notifier:         notifier,
		Events:           publisher,
		Metrics:          collector,
		CodeTTL:          cfg.OTPTTL,
		DefaultRole:      cfg.DefaultRole,
		RegistrableRoles: cfg.RegistrableRoles,
	}

	limiter := middleware.NewRateLimiter(middleware.PerMinute(cfg.RateLimitPerMinute), collector)
	defer limiter.Stop()

	ctx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	job := cleanup.NewCleanupJob(sessions, purger, logger.With("job", "cleanup"))
	job.Interval = cfg.CleanupInterval
	go job.Start(ctx)

	e := echo.New()
	e.HideBanner = true
	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 15 * time.Second
	e.Server.ReadHeaderTimeout = 3 * time.Second
	e.Use(middleware.RequestLogger(logger))

	httpserver.Register(e, &httpserver.Deps{
		AuthHandler: &httpserver.AuthHTTP{Svc: svc},
		Auth:        middleware.NewBearerAuth(issuer),
		RateLimiter: limiter,
		Gatherer:    reg,
		Ready:       sqlDB,
	})

	go func() {
		logger.Info("http_listen", "addr", cfg.HTTPAddr)
		if err := e.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("echo start: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	stopWorkers()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("echo shutdown: %v", err)
	}
}
