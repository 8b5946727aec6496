package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobrelay/internal/common"
	"github.com/ternarybob/jobrelay/internal/handlers"
	"github.com/ternarybob/jobrelay/internal/interfaces"
	"github.com/ternarybob/jobrelay/internal/services/auth"
	"github.com/ternarybob/jobrelay/internal/services/browser"
	"github.com/ternarybob/jobrelay/internal/services/posting"
	"github.com/ternarybob/jobrelay/internal/services/publish"
	"github.com/ternarybob/jobrelay/internal/services/relay"
	"github.com/ternarybob/jobrelay/internal/services/scheduler"
	"github.com/ternarybob/jobrelay/internal/storage"
)

// shutdownStepTimeout bounds each stage of Close
const shutdownStepTimeout = 10 * time.Second

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager

	// Automation
	BrowserPool    *browser.Pool
	AuthService    *auth.Service
	Secrets        *auth.KeyringSecrets
	PostingMachine *posting.Machine
	PublishService *publish.Service

	// Context relay
	Webhook      *relay.Webhook
	RelayService *relay.Service

	SchedulerService *scheduler.Service

	// HTTP handlers
	RedirectHandler  *handlers.RedirectHandler
	WebhookHandler   *handlers.WebhookHandler
	JobHandler       *handlers.JobHandler
	AccountHandler   *handlers.AccountHandler
	ContextHandler   *handlers.ContextHandler
	SchedulerHandler *handlers.SchedulerHandler
	StatusHandler    *handlers.StatusHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initServices(); err != nil {
		app.StorageManager.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	if err := app.SchedulerService.Start(); err != nil {
		app.StorageManager.Close()
		return nil, fmt.Errorf("failed to start scheduler: %w", err)
	}

	logger.Info().
		Str("site", cfg.Site.BaseURL).
		Int("max_contexts", cfg.Browser.MaxContexts).
		Bool("relay_enabled", cfg.Relay.WebhookURL != "").
		Msg("Application initialization complete")

	return app, nil
}

func (a *App) initDatabase() error {
	manager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return err
	}
	a.StorageManager = manager

	a.Logger.Debug().
		Str("badger_path", a.Config.Storage.Badger.Path).
		Str("sqlite_path", a.Config.Storage.SQLite.Path).
		Msg("Storage initialized")
	return nil
}

func (a *App) initServices() error {
	cfg := a.Config

	// 1. Browser pool (Chrome starts lazily on the first lease)
	launcher := browser.NewChromeLauncher(cfg.Browser, a.Logger)
	a.BrowserPool = browser.NewPool(launcher, browser.PoolConfigFromConfig(&cfg.Browser), a.Logger)

	// 2. Session/credential manager
	a.Secrets = auth.NewKeyringSecrets(cfg.Auth.KeyringService, a.Logger)
	a.AuthService = auth.NewService(
		a.StorageManager.CredentialStorage(),
		a.Secrets,
		cfg.Site,
		auth.TimingsFromConfig(&cfg.Auth),
		a.Logger,
	)

	// 3. Posting state machine and publish runner
	a.PostingMachine = posting.NewMachine(posting.TimingsFromConfig(&cfg.Posting), posting.DefaultSelectors(), a.Logger)
	a.PublishService = publish.NewService(
		a.StorageManager.JobStorage(),
		a.StorageManager.PublishRecordStorage(),
		publish.NewFormatter(cfg.Relay),
		a.BrowserPool,
		a.AuthService,
		a.PostingMachine,
		publish.OptionsFromConfig(cfg),
		a.Logger,
	)

	// 4. Context relay
	a.Webhook = relay.NewWebhook(cfg.Relay, a.Logger)
	a.RelayService = relay.NewService(
		a.StorageManager.JobStorage(),
		a.StorageManager.PublishRecordStorage(),
		a.StorageManager.ContextSessionStorage(),
		a.Webhook,
		cfg.Relay,
		a.Logger,
	)

	// 5. Scheduler
	a.SchedulerService = scheduler.NewService(a.Logger)
	if err := a.SchedulerService.RegisterDefaults(cfg.Scheduler, a.PublishService, a.RelayService); err != nil {
		return fmt.Errorf("failed to register scheduled jobs: %w", err)
	}

	return nil
}

func (a *App) initHandlers() {
	a.RedirectHandler = handlers.NewRedirectHandler(a.RelayService, a.Logger)
	a.WebhookHandler = handlers.NewWebhookHandler(a.RelayService, a.Config.Relay.VerifyToken, a.Logger)
	a.JobHandler = handlers.NewJobHandler(
		a.StorageManager.JobStorage(),
		a.StorageManager.PublishRecordStorage(),
		a.PublishService,
		a.Logger,
	)
	a.AccountHandler = handlers.NewAccountHandler(a.AuthService, a.Secrets, a.Logger)
	a.ContextHandler = handlers.NewContextHandler(a.RelayService, a.Logger)
	a.SchedulerHandler = handlers.NewSchedulerHandler(a.SchedulerService)
	a.StatusHandler = handlers.NewStatusHandler(a.BrowserPool)
}

// Close stops the scheduler, drains relay deliveries, shuts the browser pool
// down (contexts, then browser) and closes storage.
func (a *App) Close() error {
	if a.SchedulerService != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownStepTimeout)
		if err := a.SchedulerService.Stop(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler service")
		}
		cancel()
	}

	if a.Webhook != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownStepTimeout)
		if err := a.Webhook.Wait(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Relay deliveries still in flight at shutdown")
		}
		cancel()
	}

	if a.BrowserPool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownStepTimeout)
		if err := a.BrowserPool.Shutdown(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to shut down browser pool")
		} else {
			a.Logger.Info().Msg("Browser pool shut down")
		}
		cancel()
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
