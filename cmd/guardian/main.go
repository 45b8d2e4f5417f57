package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"guardian/internal/api"
	"guardian/internal/audit"
	"guardian/internal/config"
	"guardian/internal/consciousness"
	"guardian/internal/database"
	"guardian/internal/drift"
	"guardian/internal/eventbus"
	"guardian/internal/gdpr"
	"guardian/internal/guardian"
	"guardian/internal/innovation"
	"guardian/internal/logging"
	"guardian/internal/metrics"
	"guardian/internal/principles"
	"guardian/internal/registry"
	"guardian/internal/responder"
	"guardian/internal/safety"
	"guardian/internal/scheduler"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("GUARDIAN_CONFIG"), "Path to YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("guardian exited")
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.New()
	defer func() {
		if err := reg.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close services")
		}
	}()

	db, err := database.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	reg.MustRegister("database", db)

	var bus eventbus.Publisher = eventbus.Nop{}
	if cfg.NATS.URL != "" {
		nb, err := eventbus.NewNATSBus(eventbus.NATSConfig{URL: cfg.NATS.URL, Subject: cfg.NATS.Subject})
		if err != nil {
			return err
		}
		reg.MustRegister("nats", nb)
		bus = nb
		log.Info().Str("url", cfg.NATS.URL).Str("subject", cfg.NATS.Subject).Msg("publishing events to NATS")
	}

	var (
		sessions drift.SessionStore = drift.NewMemoryStore()
		cache    principles.Cache
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     strings.TrimPrefix(cfg.Redis.Addr, "redis://"),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			rdb.Close()
			return err
		}
		reg.MustRegister("redis", rdb)
		sessions = drift.NewRedisStore(rdb, cfg.Drift.SessionTTL)
		cache = principles.NewRedisCache(rdb, cfg.Redis.CacheTTL)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("using Redis for drift sessions and verdict cache")
	} else {
		log.Warn().Msg("redis not configured; drift sessions are kept in memory")
	}

	trail, err := audit.NewStore(db, bus)
	if err != nil {
		return err
	}
	records, err := gdpr.NewStore(db, trail)
	if err != nil {
		return err
	}

	rules := drift.DefaultRuleset()
	if cfg.Policy.DriftFile != "" {
		if rules, err = drift.LoadRuleset(cfg.Policy.DriftFile); err != nil {
			return err
		}
	}
	scanner, err := safety.NewScanner()
	if err != nil {
		return err
	}
	if cfg.Policy.SafetyFile != "" {
		if scanner, err = safety.LoadScanner(cfg.Policy.SafetyFile); err != nil {
			return err
		}
	}
	set := principles.DefaultSet()
	if cfg.Policy.PrinciplesFile != "" {
		if set, err = principles.LoadFile(cfg.Policy.PrinciplesFile); err != nil {
			return err
		}
	}

	scorer := drift.NewScorer(rules)
	tracker := drift.NewTracker(sessions, cfg.Drift.Alpha, rules.Thresholds)
	g := guardian.New(guardian.Config{
		WarnThreshold:  cfg.Guardian.WarnThreshold,
		BlockThreshold: cfg.Guardian.BlockThreshold,
		Weights: guardian.Constellation{
			Identity:      cfg.Guardian.IdentityWeight,
			Consciousness: cfg.Guardian.ConsciousnessWeight,
			Guardian:      cfg.Guardian.GuardianWeight,
		},
	}, scorer, tracker, scanner, principles.NewEngine(set, cache))

	protector := innovation.NewProtector(innovation.Config{
		HallucinationThreshold: cfg.Innovation.HallucinationThreshold,
		Seed:                   cfg.Innovation.Seed,
		MaxCheckpoints:         cfg.Innovation.MaxCheckpoints,
	}, scorer, scanner, bus)

	engine := consciousness.New(consciousness.Config{
		QueueSize:           cfg.Engine.QueueSize,
		Window:              cfg.Engine.Window,
		ReflectiveThreshold: cfg.Engine.ReflectiveThreshold,
		SuspendOnCritical:   cfg.Engine.SuspendOnCritical,
	}, bus)

	var resp responder.Responder = responder.EchoResponder{}
	if strings.EqualFold(cfg.Responder.Provider, "openai") {
		resp = responder.WithRetry(responder.NewOpenAIClient(responder.OpenAIConfig{
			BaseURL: cfg.Responder.BaseURL,
			APIKey:  cfg.Responder.APIKey,
			Model:   cfg.Responder.Model,
			Timeout: cfg.Responder.Timeout,
		}), cfg.Responder.Attempts, cfg.Responder.BaseDelay)
	}

	m := metrics.New()
	srv := api.NewServer(api.Deps{
		Guardian:       g,
		Engine:         engine,
		Audit:          trail,
		GDPR:           records,
		Innovation:     protector,
		Responder:      resp,
		Bus:            bus,
		Metrics:        m,
		RequireConsent: cfg.GDPR.RequireConsent,
	})

	sched := scheduler.New(m, 5*time.Minute)
	tasks := scheduler.Tasks{
		Audit:       trail,
		GDPR:        records,
		Tracker:     tracker,
		Metrics:     m,
		Retention:   cfg.GDPR.Retention,
		DecayFactor: cfg.Drift.Decay,
	}
	if err := tasks.Register(sched, cfg.Schedule.VerifyAudit, cfg.Schedule.RetentionPurge, cfg.Schedule.DriftDecay); err != nil {
		return err
	}

	// the chain is checked once at startup so the gauge is meaningful
	if err := tasks.VerifyAudit(ctx); err != nil {
		log.Error().Err(err).Msg("audit chain verification failed at startup")
	}

	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Stop()
	sched.Start()
	defer sched.Stop()

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Str("version", api.Version).Msg("guardian listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return grp.Wait()
}
