package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/secretary/internal/assistant"
	"github.com/zulandar/secretary/internal/assistant/anthropic"
	"github.com/zulandar/secretary/internal/assistant/gemini"
	"github.com/zulandar/secretary/internal/assistant/ollama"
	"github.com/zulandar/secretary/internal/assistant/openai"
	"github.com/zulandar/secretary/internal/config"
	"github.com/zulandar/secretary/internal/db"
	"github.com/zulandar/secretary/internal/events"
	"github.com/zulandar/secretary/internal/flow"
	"github.com/zulandar/secretary/internal/invoice"
	"github.com/zulandar/secretary/internal/jobs"
	"github.com/zulandar/secretary/internal/logging"
	"github.com/zulandar/secretary/internal/metrics"
	"github.com/zulandar/secretary/internal/server"
	"github.com/zulandar/secretary/internal/store"
	"github.com/zulandar/secretary/internal/telegraph"
	"github.com/zulandar/secretary/internal/telegraph/console"
	discordadapter "github.com/zulandar/secretary/internal/telegraph/discord"
	"github.com/zulandar/secretary/internal/telegraph/lineworks"
	slackadapter "github.com/zulandar/secretary/internal/telegraph/slack"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Run the bot",
		Long:    "Connects to the configured chat platform, serves the HTTP endpoints and runs the maintenance schedule until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Secretary config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	a, err := buildApp(ctx, cfg, log, cmd.InOrStdin(), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.close()
	return a.run(ctx)
}

// app is every long-lived component of a running bot.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	programs *invoice.Programs
	db       *gorm.DB
	metrics  *metrics.Recorder
	bus      *events.Bus
	shared   *assistant.SharedContext
	webhook  gin.HandlerFunc
	router   *telegraph.Router
	daemon   *telegraph.Daemon
	closers  []func() error
}

// buildApp wires the components described by cfg. in and out back the
// console adapter.
func buildApp(ctx context.Context, cfg *config.Config, log *zap.Logger, in io.Reader, out io.Writer) (*app, error) {
	log = logging.OrNop(log)
	a := &app{cfg: cfg, log: log, programs: invoice.NewPrograms(cfg)}
	if err := a.wire(ctx, in, out); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, in io.Reader, out io.Writer) error {
	cfg, log := a.cfg, a.log
	var err error

	a.db, err = db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(a.db); err != nil {
		return err
	}
	if sqlDB, err := a.db.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}

	a.metrics = metrics.New(prometheus.NewRegistry())

	states, closeStates, err := store.Open[flow.State](cfg.Store, "flow")
	if err != nil {
		return err
	}
	a.closers = append(a.closers, closeStates)

	runner := &jobs.ExecRunner{
		Timeout: cfg.Jobs.Timeout,
		Env:     cfg.Jobs.Env,
		Logger:  log,
	}
	commands, err := telegraph.NewCommandHandler(telegraph.CommandHandlerOpts{
		Commands: cfg.Commands,
		Runner:   runner,
	})
	if err != nil {
		return err
	}

	mgr, err := a.buildAssistant(ctx)
	if err != nil {
		return err
	}

	a.bus = events.NewBus(log)
	a.closers = append(a.closers, a.bus.Close)
	if _, err := a.bus.SubscribeJobFinished(ctx, events.NewAudit(a.db).Handle); err != nil {
		return fmt.Errorf("subscribe audit: %w", err)
	}

	adapter, webhook, err := createAdapter(cfg, log, in, out)
	if err != nil {
		return err
	}
	a.webhook = webhook

	keywords := flow.NewKeywords(cfg.Keywords)
	a.router, err = telegraph.NewRouter(telegraph.RouterOpts{
		Adapter: adapter,
		Engine: flow.New(flow.Options{
			Destinations:  invoice.NewDestinations(cfg.Invoice.PickDestinations),
			PickUnitPrice: cfg.Invoice.PickUnitPrice,
			Keywords:      keywords,
		}),
		Keywords:  keywords,
		States:    states,
		Assistant: mgr,
		Runner:    runner,
		Programs:  a.programs,
		Tracker:   jobs.NewTracker(),
		Commands:  commands,
		Publisher: a.bus,
		Metrics:   a.metrics,
		PublicURL: cfg.HTTP.PublicURL,
		Logger:    log,
	})
	if err != nil {
		return err
	}

	a.daemon, err = telegraph.NewDaemon(telegraph.DaemonOpts{
		Adapter:      adapter,
		Router:       a.router,
		StagingDir:   a.programs.InputDir,
		Schedule:     cfg.Schedule,
		IdleTimeout:  cfg.Store.IdleTimeout,
		JobTimeout:   cfg.Jobs.Timeout,
		KeepaliveURL: cfg.HTTP.KeepaliveURL,
		Logger:       log,
	})
	return err
}

// buildAssistant returns a manager for the configured provider. Provider
// "none" yields a disabled manager.
func (a *app) buildAssistant(ctx context.Context) (*assistant.Manager, error) {
	cfg := a.cfg.Assistant
	backend, err := createBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.SharedContextPath != "" {
		a.shared, err = assistant.LoadSharedContext(cfg.SharedContextPath, a.log)
		if err != nil {
			return nil, err
		}
	}
	opts := assistant.Options{
		Backend:    backend,
		Persona:    cfg.Persona,
		Shared:     a.shared,
		MaxTokens:  cfg.MaxTokens,
		SessionTTL: cfg.SessionTTL,
		Metrics:    a.metrics,
		Logger:     a.log,
	}
	if cfg.History {
		opts.History = a.db
	}
	return assistant.NewManager(opts), nil
}

// createBackend builds the LLM client for cfg.Provider. It returns nil for
// provider "none".
func createBackend(ctx context.Context, cfg config.AssistantConfig) (assistant.Backend, error) {
	switch cfg.Provider {
	case "none", "":
		return nil, nil
	case "gemini":
		c, err := gemini.New(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "anthropic":
		return anthropic.New(cfg.APIKey, cfg.Model, cfg.BaseURL), nil
	case "openai":
		return openai.New(cfg.APIKey, cfg.Model, cfg.BaseURL), nil
	case "ollama":
		c, err := ollama.New(cfg.BaseURL, cfg.Model)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("assistant: unsupported provider %q", cfg.Provider)
	}
}

// createAdapter builds a platform adapter from the config. The returned
// handler is the platform's webhook, if it has one.
func createAdapter(cfg *config.Config, log *zap.Logger, in io.Reader, out io.Writer) (telegraph.Adapter, gin.HandlerFunc, error) {
	switch cfg.Platform {
	case "lineworks":
		lw, err := lineworks.New(lineworks.AdapterOpts{
			ClientID:       cfg.LineWorks.ClientID,
			ClientSecret:   cfg.LineWorks.ClientSecret,
			ServiceAccount: cfg.LineWorks.ServiceAccount,
			PrivateKeyPath: cfg.LineWorks.PrivateKeyPath,
			BotID:          cfg.LineWorks.BotID,
			BotSecret:      cfg.LineWorks.BotSecret,
			APIBase:        cfg.LineWorks.APIBase,
			AuthURL:        cfg.LineWorks.AuthURL,
			Logger:         log,
		})
		if err != nil {
			return nil, nil, err
		}
		return lw, lw.Webhook, nil
	case "slack":
		sl, err := slackadapter.New(slackadapter.AdapterOpts{
			AppToken: cfg.Slack.AppToken,
			BotToken: cfg.Slack.BotToken,
			Logger:   log,
		})
		if err != nil {
			return nil, nil, err
		}
		return sl, nil, nil
	case "discord":
		dc, err := discordadapter.New(discordadapter.AdapterOpts{
			BotToken:  cfg.Discord.BotToken,
			ChannelID: cfg.Discord.ChannelID,
			Logger:    log,
		})
		if err != nil {
			return nil, nil, err
		}
		return dc, nil, nil
	case "console":
		return console.New(console.AdapterOpts{In: in, Out: out}), nil, nil
	default:
		return nil, nil, fmt.Errorf("telegraph: unsupported platform %q", cfg.Platform)
	}
}

// run serves HTTP and runs the daemon until ctx is cancelled or either
// stops. The first error wins.
func (a *app) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.shared != nil {
		go func() {
			if err := a.shared.Watch(ctx); err != nil {
				a.log.Warn("shared context watch stopped", zap.Error(err))
			}
		}()
	}

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- server.Start(ctx, server.Opts{
			Addr:      a.cfg.HTTP.Addr,
			OutputDir: a.programs.OutputDir,
			OrdersDir: a.cfg.Jobs.OrdersDir,
			Webhook:   a.webhook,
			DB:        a.db,
			Metrics:   a.metrics,
			Logger:    a.log,
		})
		cancel()
	}()

	daemonErr := a.daemon.Run(ctx)
	cancel()
	return errors.Join(daemonErr, <-httpErr)
}

// close releases resources in reverse order of acquisition.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
