// Package jamcore wires the realtime jam server: room state, admission,
// arrangement sync, region audio storage, and the HTTP/websocket surface.
package jamcore

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/jamfoundry/jamcore/pkg/admission"
	"github.com/jamfoundry/jamcore/pkg/analytics"
	"github.com/jamfoundry/jamcore/pkg/api"
	"github.com/jamfoundry/jamcore/pkg/approval"
	"github.com/jamfoundry/jamcore/pkg/arrange"
	"github.com/jamfoundry/jamcore/pkg/auth"
	"github.com/jamfoundry/jamcore/pkg/cache"
	"github.com/jamfoundry/jamcore/pkg/cleanup"
	"github.com/jamfoundry/jamcore/pkg/clock"
	"github.com/jamfoundry/jamcore/pkg/config"
	"github.com/jamfoundry/jamcore/pkg/dispatch"
	"github.com/jamfoundry/jamcore/pkg/logger"
	"github.com/jamfoundry/jamcore/pkg/namespace"
	"github.com/jamfoundry/jamcore/pkg/ratelimit"
	"github.com/jamfoundry/jamcore/pkg/recovery"
	"github.com/jamfoundry/jamcore/pkg/repository"
	"github.com/jamfoundry/jamcore/pkg/session"
	"github.com/jamfoundry/jamcore/pkg/storage"
)

// App is a fully wired jamcore server
type App struct {
	cfg *config.Config
	log logger.Logger

	sessions   *session.Registry
	approvals  *approval.Coordinator
	admission  *admission.Controller
	limiter    *ratelimit.Limiter
	backend    storage.Storage
	cache      cache.Cache
	dispatcher *dispatch.Dispatcher
	scheduler  *cleanup.Scheduler
	server     *api.Server

	fileLog *logger.FileLogger
}

// New builds the server from configuration. Nothing runs until Start.
func New(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, fileLog, err := buildLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	clk := clock.NewSystemClock()

	backend, err := storage.New(cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("failed to build storage backend: %w", err)
	}
	audio := storage.NewRegionAudio(backend)

	cacheBackend, err := cache.New(cfg.Cache)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to build cache: %w", err)
	}

	repo := repository.NewCachedRoomRepository(
		repository.NewMemoryRoomRepository(),
		cacheBackend,
		cfg.Cache.TTL,
		log,
	)

	secret := []byte(cfg.Auth.Secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			backend.Close()
			cacheBackend.Close()
			return nil, fmt.Errorf("failed to generate auth secret: %w", err)
		}
		log.Warn("No auth secret configured, room tokens will not survive restarts")
	}

	tracker := analytics.NewTracker(clk, log)
	authsvc := auth.NewService(secret, clk)

	sessions := session.NewRegistry(clk, log)
	approvals := approval.NewCoordinator(clk, log)
	admissions := admission.NewController(cfg.Admission, clk, log)
	limiter := ratelimit.New(cfg.RateLimit, clk, log)
	namespaces := namespace.NewManager(clk, log)
	rooms := dispatch.NewRooms(clk, log)

	dispatcher := dispatch.New(dispatch.Deps{
		Config:     cfg,
		Rooms:      rooms,
		Sessions:   sessions,
		Arrange:    arrange.NewStore(clk, log),
		Namespaces: namespaces,
		Approvals:  approvals,
		Admission:  admissions,
		Limiter:    limiter,
		Faults:     recovery.NewHandler(clk, log),
		Analytics:  tracker,
		Audio:      audio,
		Auth:       authsvc,
		Repository: repo,
		Clock:      clk,
		Logger:     log,
	})

	scheduler := cleanup.NewScheduler(cfg.Cleanup, namespaces, sessions, approvals, admissions, clk, log)

	server := api.NewServer(api.Deps{
		Config:     cfg,
		Dispatcher: dispatcher,
		Rooms:      rooms,
		Sessions:   sessions,
		Namespaces: namespaces,
		Approvals:  approvals,
		Admission:  admissions,
		Analytics:  tracker,
		Cleanup:    scheduler,
		Audio:      audio,
		Auth:       authsvc,
		Repository: repo,
		Clock:      clk,
		Logger:     log,
	})

	return &App{
		cfg:        cfg,
		log:        log,
		sessions:   sessions,
		approvals:  approvals,
		admission:  admissions,
		limiter:    limiter,
		backend:    backend,
		cache:      cacheBackend,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		server:     server,
		fileLog:    fileLog,
	}, nil
}

// Start runs the cleanup scheduler and serves until the listener fails or
// Stop is called
func (a *App) Start() error {
	a.scheduler.Start()
	a.log.Info("Starting jamcore",
		logger.String("env", a.cfg.Server.NodeEnv),
		logger.Int("port", a.cfg.Server.Port),
		logger.String("storage", a.cfg.Storage.Type),
		logger.String("cache", a.cfg.Cache.Type),
	)
	return a.server.Start()
}

// Stop drains the HTTP surface, flushes pending fan-out and releases every
// background component
func (a *App) Stop(ctx context.Context) error {
	err := a.server.Shutdown(ctx)

	a.dispatcher.Stop()
	a.scheduler.Stop()
	a.sessions.Stop()
	a.approvals.Stop()
	a.admission.Stop()
	a.limiter.Stop()

	if closeErr := a.cache.Close(); err == nil {
		err = closeErr
	}
	if closeErr := a.backend.Close(); err == nil {
		err = closeErr
	}

	a.log.Info("jamcore stopped")
	if a.fileLog != nil {
		a.fileLog.Shutdown()
	}
	return err
}

// buildLogger returns the configured logger, plus the file logger when
// rotation is enabled so Stop can flush it
func buildLogger(cfg config.LoggingConfig) (logger.Logger, *logger.FileLogger, error) {
	level := logger.ParseLevel(cfg.Level)
	if cfg.Directory == "" {
		return logger.NewDefaultLogger(level, cfg.Format), nil, nil
	}

	fl, err := logger.NewFileLogger(cfg.Directory, level, nil)
	if err != nil {
		return nil, nil, err
	}
	return fl, fl, nil
}
