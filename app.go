package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"x-agent-manager/domain/repository"
	"x-agent-manager/infrastructure/clients/simulated"
	"x-agent-manager/infrastructure/clients/xapi"
	"x-agent-manager/infrastructure/configuration"
	"x-agent-manager/infrastructure/crypto"
	"x-agent-manager/infrastructure/lock"
	"x-agent-manager/infrastructure/logger"
	"x-agent-manager/infrastructure/persistence"
	"x-agent-manager/usecase"
)

// App holds the components wired for one account directory.
type App struct {
	Config      *configuration.Config
	Store       *persistence.CollectionStore
	Credentials *usecase.CredentialUseCase
	Platform    repository.IPlatform
	Locker      repository.ILocker
	Queue       *usecase.QueueUseCase
	Metrics     *usecase.MetricsUseCase
	Cycle       *usecase.CycleUseCase
	Schedule    *usecase.ScheduleUseCase
	Reports     *usecase.ReportUseCase

	closers []func() error
}

func newApp(ctx context.Context, cfg *configuration.Config) (*App, error) {
	store := persistence.NewCollectionStore(cfg.StateDir())
	if err := store.EnsureAll(ctx); err != nil {
		return nil, fmt.Errorf("prepare state dir: %w", err)
	}

	cipher := crypto.NewCipher(crypto.EnvKey(cfg.Crypto.MasterKeyEnv), cfg.Crypto.Iterations)
	credRepo := persistence.NewCredentialRepository(cfg.Storage.CredentialPath, cipher)
	credentials := usecase.NewCredentialUseCase(cfg.OAuth, cfg.Platform.Timeout, store, credRepo)

	var platform repository.IPlatform
	switch cfg.App.Mode {
	case configuration.ModeLive:
		platform = xapi.NewXClient(xapi.Config{
			BaseURL:     cfg.Platform.APIBaseURL,
			Timeout:     cfg.Platform.Timeout,
			MinTokenTTL: cfg.Platform.MinTokenTTL,
		}, credentials)
	default:
		platform = simulated.NewSimulatedClient()
	}

	schedule, err := usecase.NewScheduleUseCase(store, cfg.Schedule, cfg.Queue)
	if err != nil {
		return nil, err
	}

	locker, closeLock, err := lock.New(ctx, cfg)
	if err != nil {
		return nil, err
	}

	queue := usecase.NewQueueUseCase(store, platform, cfg.Queue)
	metrics := usecase.NewMetricsUseCase(store, platform, cfg.Queue)
	cycle := usecase.NewCycleUseCase(store, locker, queue, metrics, platform.Name(), cfg.StateDir(), cfg.Queue)

	logger.GetLogger().
		WithField("mode", platform.Name()).
		WithField("state_dir", cfg.StateDir()).
		WithField("lock", cfg.Lock.Backend).
		Debug("Application wired")

	return &App{
		Config:      cfg,
		Store:       store,
		Credentials: credentials,
		Platform:    platform,
		Locker:      locker,
		Queue:       queue,
		Metrics:     metrics,
		Cycle:       cycle,
		Schedule:    schedule,
		Reports:     usecase.NewReportUseCase(store, cfg.Report),
		closers:     []func() error{closeLock},
	}, nil
}

// WithLock runs fn while holding the state lock.
func (a *App) WithLock(ctx context.Context, fn func(context.Context) error) error {
	release, err := a.Locker.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			logger.GetLogger().WithField("error", err).Error("Error while releasing lock")
		}
	}()
	return fn(ctx)
}

func (a *App) Close() error {
	var first error
	for _, c := range a.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// setupLogging applies the logger settings and returns the log file to close, if any.
func setupLogging(cfg configuration.Logger, stderr io.Writer) (*os.File, error) {
	var out io.Writer = stderr
	var file *os.File
	if cfg.Dir != "" {
		f, err := logger.OpenLogFile(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		file = f
		out = io.MultiWriter(stderr, f)
	}
	if err := logger.Configure(cfg.Level, cfg.Format, out); err != nil {
		if file != nil {
			_ = file.Close()
		}
		return nil, err
	}
	return file, nil
}
