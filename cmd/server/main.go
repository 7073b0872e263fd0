package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	emailPkg "studio/internal/adapters/email"
	web "studio/internal/adapters/http"
	"studio/internal/adapters/http/middleware"
	"studio/internal/adapters/http/perf"
	"studio/internal/adapters/recordstore"
	"studio/internal/adapters/recordstore/changefeed"
	"studio/internal/adapters/recordstore/changefeed/redisfeed"
	"studio/internal/adapters/recordstore/postgres"
	"studio/internal/adapters/recordstore/sqlite"
	"studio/internal/adapters/storage"
	"studio/internal/adapters/storage/backlog"
	outboxStorePkg "studio/internal/adapters/storage/outbox"
	"studio/internal/application/datasync"
	"studio/internal/application/orchestrators"
	"studio/internal/application/projections"
	"studio/internal/application/state"
	"studio/internal/config"
	"studio/internal/domain/course"
	"studio/internal/jobs"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Getenv("STUDIO_CONFIG_FILE"), "")
	if err != nil {
		slog.Error("startup_failed", "stage", "config", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("startup_failed", "error", err)
		os.Exit(1)
	}
}

func setupLogging(cfg config.LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func run(ctx context.Context, cfg *config.Config) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	locale, err := course.LocaleFor(cfg.Schedule.Locale)
	if err != nil {
		return err
	}
	template := course.DefaultTemplate()
	if cfg.Schedule.TemplatePath != "" {
		if template, err = course.LoadTemplate(cfg.Schedule.TemplatePath); err != nil {
			return err
		}
	}
	sessionKey, err := cfg.SessionKey()
	if err != nil {
		return err
	}
	csrfKey, err := cfg.CSRFKey()
	if err != nil {
		return err
	}

	// Performance instrumentation for requests, local queries and store calls
	collector := perf.NewCollector(perf.DefaultRingSize)

	remote, closeRemote, err := openRemote(ctx, cfg.Remote, collector)
	if err != nil {
		return err
	}
	defer closeRemote()

	db, err := storage.Open(ctx, cfg.Local.SQLitePath)
	if err != nil {
		return err
	}
	defer db.Close()
	timedDB := storage.NewTimedDB(db, collector)
	if err := storage.InitDB(ctx, timedDB); err != nil {
		return err
	}

	feed, closeFeed := openFeed(ctx, cfg.Redis)
	defer closeFeed()
	local := recordstore.NewTimed(sqlite.New(timedDB, feed), "local", collector)
	outbox := outboxStorePkg.NewSQLiteStore(timedDB)

	gateway := datasync.NewGateway(remote, local, datasync.GatewayConfig{
		ConnectTimeout: cfg.Remote.ConnectTimeout,
		Circuit:        recordstore.DefaultCircuitConfig(),
		Backlog:        backlog.NewSQLiteStore(timedDB),
		Prepare:        migrateRemote(cfg.Remote),
	})
	gateway.Connect(ctx)

	collections := state.NewCollections()
	loaded := datasync.Load(ctx, datasync.LoadDeps{Gateway: gateway, Collections: collections, Location: loc})
	slog.Info("startup", "event", "collections_loaded", "mode", string(loaded.Mode), "users", loaded.Users, "bookings", loaded.Bookings, "skipped", loaded.Skipped)

	var dispatcher *projections.Dispatcher
	views := web.NewViewCache(func(k projections.Key) any { return dispatcher.Compute(k) })
	dispatcher = projections.NewDispatcher(collections, views)

	refreshDeps := orchestrators.RefreshScheduleDeps{
		Collections: collections,
		Store:       gateway,
		Refresher:   dispatcher,
		Template:    template,
		WindowDays:  cfg.Schedule.WindowDays,
		Locale:      locale,
		Location:    loc,
		Now:         time.Now,
	}
	orchestrators.ExecuteRefreshSchedule(ctx, refreshDeps)

	userDeps := orchestrators.UserDeps{
		Collections: collections,
		Store:       gateway,
		Refresher:   dispatcher,
		GenerateID:  func() string { return uuid.New().String() },
		Now:         time.Now,
	}
	if cfg.Admin.Email != "" && cfg.Admin.Password != "" {
		if err := orchestrators.ExecuteSeedAdmin(ctx, userDeps, cfg.Admin.FirstName, cfg.Admin.LastName, cfg.Admin.Email, cfg.Admin.Password); err != nil {
			return fmt.Errorf("seed admin: %w", err)
		}
	}

	go func() {
		err := datasync.RunFeed(ctx, datasync.FeedDeps{
			Gateway:     gateway,
			Collections: collections,
			Dispatcher:  dispatcher,
			Location:    loc,
		})
		if err != nil {
			slog.Error("sync_event", "event", "feed_stopped", "error", err)
		}
	}()

	scheduler := jobs.NewScheduler(ctx, loc)
	for _, job := range []jobs.Job{
		jobs.RefreshScheduleJob(refreshDeps),
		jobs.OutboxRetryJob(orchestrators.OutboxRetryDeps{
			OutboxStore: outbox,
			Sender:      newSender(cfg),
			Now:         time.Now,
		}),
	} {
		if err := scheduler.Add(job); err != nil {
			return err
		}
	}
	scheduler.Start()
	defer scheduler.Stop(shutdownTimeout)

	handler := web.NewMux(ctx, web.Deps{
		Collections: collections,
		Store:       gateway,
		Refresher:   dispatcher,
		Notices:     outbox,
		Views:       views,
		Sessions:    middleware.NewSessions(sessionKey, cfg.IsProduction()),
		Perf:        collector,
	}, web.Config{
		CSRFKey:            csrfKey,
		SecureCookies:      cfg.IsProduction(),
		TrustedOrigins:     cfg.HTTP.TrustedOrigins,
		RateLimitPerSecond: cfg.HTTP.RateLimit,
		SlowRequest:        cfg.HTTP.SlowRequest,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("startup", "event", "listening", "version", version, "addr", cfg.HTTP.Addr, "env", cfg.Environment, "mode", string(gateway.Mode()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		slog.Info("shutdown", "event", "signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openRemote returns the hosted store, or nil when none is configured.
// The pool dials lazily; the gateway's Connect decides whether the store is used.
func openRemote(ctx context.Context, cfg config.RemoteConfig, collector *perf.Collector) (recordstore.RecordStore, func(), error) {
	if cfg.DatabaseURL == "" {
		return nil, func() {}, nil
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, postgres.PoolConfig{})
	if err != nil {
		return nil, nil, err
	}
	return recordstore.NewTimed(postgres.New(pool), "remote", collector), pool.Close, nil
}

// migrateRemote applies the schema once the remote store answers. A failure
// keeps the gateway local for the rest of the process.
func migrateRemote(cfg config.RemoteConfig) func(context.Context) error {
	if cfg.DatabaseURL == "" {
		return nil
	}
	return func(context.Context) error {
		return postgres.Migrate(cfg.DatabaseURL, datasync.ClampConnectTimeout(cfg.ConnectTimeout))
	}
}

// openFeed returns the Redis broadcaster when configured, else nil so the
// local store uses an in-process hub.
func openFeed(ctx context.Context, cfg config.RedisConfig) (changefeed.Broadcaster, func()) {
	if cfg.Addr == "" {
		return nil, func() {}
	}
	client, err := redisfeed.NewClient(ctx, redisfeed.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err != nil {
		slog.Warn("startup", "event", "redis_unavailable", "error", err)
		return nil, func() {}
	}
	return redisfeed.New(client, ""), func() { client.Close() }
}

func newSender(cfg *config.Config) emailPkg.Sender {
	if cfg.Email.ResendKey != "" {
		slog.Info("startup", "event", "email_sender", "sender", "resend")
		return emailPkg.NewResendSender(cfg.Email.ResendKey, cfg.Email.From, cfg.Email.ReplyTo)
	}
	if cfg.IsProduction() {
		slog.Warn("startup", "event", "email_disabled", "reason", "email.resend_key is not set")
	}
	return emailPkg.NewNoopSender()
}
