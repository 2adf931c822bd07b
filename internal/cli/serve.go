package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/harun/conduit/internal/config"
	"github.com/harun/conduit/internal/logger"
	"github.com/harun/conduit/internal/tracing"
	"github.com/harun/conduit/pkg/agent"
	"github.com/harun/conduit/pkg/dispatcher"
	"github.com/harun/conduit/pkg/event"
	"github.com/harun/conduit/pkg/hooks"
	"github.com/harun/conduit/pkg/router"
	"github.com/harun/conduit/pkg/schedule"
	"github.com/harun/conduit/pkg/streamserver"
	"github.com/harun/conduit/pkg/tool"
	"github.com/harun/conduit/pkg/webhook"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatcher and stream server in the foreground",
	Long: `Run the event dispatcher with the thinking and tool agents, the configured
schedules and webhooks, and the WebSocket stream server. Processed events are
broadcast to connected clients. The config file is watched and reloaded in
place.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pidFile := pidFilePath(cfg)
	if isRunning(pidFile) {
		return fmt.Errorf("conduit is already running (PID file: %s)", pidFile)
	}

	logs, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer logs.Close()
	log := logs.For("serve")

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName); err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
				log.Warn().Err(err).Msg("Tracer shutdown failed")
			}
		}()
	}

	b, _, err := newBroker(cfg, logs.For("broker"))
	if err != nil {
		return err
	}
	tools, err := newTools(cfg)
	if err != nil {
		return err
	}
	registry := tool.NewRegistry(tools...)
	registry.SetLogger(logs.For("tools"))

	thinkerLog := logs.For("thinker")
	runner := agent.NewToolRunner("tool-runner", registry)
	runner.SetLogger(logs.For("tool-runner"))

	r := router.New()
	r.AddRoute(event.TypeInvokeThinking, agent.NewThinker(b, agent.ThinkerConfig{
		Name:   "thinker",
		Model:  cfg.LLM.Model,
		Config: cfg.GenerationConfig(),
		Tools:  tools,
		Logger: &thinkerLog,
	}))
	r.AddRoute(event.TypeToolCallRequested, runner)

	store, err := openStore(cfg, logs.For("eventstore"))
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	d := newDispatcher(cfg, r, store, logs.For("dispatcher"))

	lifecycle, err := hooks.NewManager(hooks.Config{Hooks: cfg.LifecycleHooks(), Logger: logs.Zerolog()})
	if err != nil {
		return err
	}
	lifecycle.Attach(d)
	defer lifecycle.Wait()

	hookLog := logs.For("webhook")
	ingress, err := webhook.New(d, webhook.Options{RateLimitPerMinute: cfg.Server.WebhookRateLimit}, &hookLog)
	if err != nil {
		return err
	}
	defer ingress.Stop()
	applyWebhooks(ingress, cfg.Webhooks, log)

	serverLog := logs.For("streamserver")
	srv, err := streamserver.New(streamserver.Config{
		Addr:         cfg.Addr(),
		SharedSecret: cfg.Server.SharedSecret,
		Broker:       b,
		Dispatcher:   d,
		Model:        cfg.LLM.Model,
		LLMConfig:    cfg.GenerationConfig(),
		Tools:        tools,
		Logger:       &serverLog,
		Mounts:       map[string]http.Handler{"/hooks/": ingress},
	})
	if err != nil {
		return err
	}
	d.On(dispatcher.HookProcessed, func(he dispatcher.HookEvent) {
		srv.BroadcastEvent(he.Event)
	})

	sched := schedule.New(d, schedule.WithLogger(logs.For("schedule")))
	jobs := newScheduleSet(sched, log)
	jobs.apply(cfg.Schedules)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A Terminate event ends the process the same way a signal does.
	d.On(dispatcher.HookTerminated, func(dispatcher.HookEvent) { stop() })

	watcher, err := config.NewWatcher(config.WatcherConfig{
		Loader:   config.NewLoader(cfgFile),
		OnReload: reloadFunc(logs, jobs, ingress, lifecycle, log),
		Logger:   &log,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable")
	} else if err := watcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Config watcher failed to start")
	} else {
		defer watcher.Stop()
	}

	if err := writePIDFile(pidFile); err != nil {
		return err
	}
	defer os.Remove(pidFile)

	d.Start(ctx)
	if err := srv.Start(); err != nil {
		d.Stop()
		sched.Stop()
		return err
	}

	log.Info().
		Str("addr", cfg.Addr()).
		Str("provider", cfg.LLM.Provider).
		Int("schedules", len(sched.List())).
		Int("webhooks", len(ingress.Endpoints())).
		Int("hooks", len(cfg.Hooks)).
		Int("pid", os.Getpid()).
		Msg("Conduit started")

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Stream server shutdown failed")
	}

	d.Stop()
	log.Info().Int("queued", d.QueueLength()).Msg("Conduit stopped")
	return nil
}

func reloadFunc(logs *logger.Logger, jobs *scheduleSet, ingress *webhook.Server, lifecycle *hooks.Manager, log zerolog.Logger) config.ReloadFunc {
	return func(cfg *config.Config) {
		if logLevel == "" {
			if err := logs.SetLevel(cfg.Logging.Level); err != nil {
				log.Warn().Err(err).Msg("Ignoring log level from reloaded config")
			}
		}
		jobs.apply(cfg.Schedules)
		applyWebhooks(ingress, cfg.Webhooks, log)
		if err := lifecycle.SetHooks(cfg.LifecycleHooks()); err != nil {
			log.Error().Err(err).Msg("Keeping previous lifecycle hooks")
		}
	}
}

// applyWebhooks replaces the registered endpoints with webhooks
func applyWebhooks(ingress *webhook.Server, webhooks []config.WebhookConfig, log zerolog.Logger) {
	for _, ep := range ingress.Endpoints() {
		ingress.Unregister(ep.Path)
	}
	for _, w := range webhooks {
		if err := ingress.Register(w.Endpoint()); err != nil {
			log.Error().Err(err).Str("path", w.Path).Msg("Failed to register webhook")
		}
	}
}

// scheduleSet tracks the jobs created from the config file so a reload
// can replace them
type scheduleSet struct {
	sched  *schedule.Scheduler
	logger zerolog.Logger

	mu  sync.Mutex
	ids []string
}

func newScheduleSet(sched *schedule.Scheduler, logger zerolog.Logger) *scheduleSet {
	return &scheduleSet{sched: sched, logger: logger}
}

func (s *scheduleSet) apply(schedules []config.ScheduleConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.ids {
		if err := s.sched.Remove(id); err != nil {
			s.logger.Debug().Err(err).Str("job", id).Msg("Job already removed")
		}
	}
	s.ids = s.ids[:0]

	for _, sc := range schedules {
		job, err := s.sched.Add(sc.Job())
		if err != nil {
			s.logger.Error().Err(err).Str("schedule", sc.String()).Msg("Failed to add schedule")
			continue
		}
		s.ids = append(s.ids, job.ID)
	}
}
