package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/modbot/internal/bot"
	"github.com/iamwavecut/modbot/internal/config"
	"github.com/iamwavecut/modbot/internal/db/sqlite"
	"github.com/iamwavecut/modbot/internal/infra"
	"github.com/iamwavecut/modbot/internal/infrastructure/telegram"
	"github.com/iamwavecut/modbot/internal/lifecycle"
	"github.com/iamwavecut/modbot/internal/moderation"
	"github.com/iamwavecut/modbot/internal/mutes"
	"github.com/iamwavecut/modbot/internal/observability"
	"github.com/iamwavecut/modbot/internal/tickets"
)

func main() {
	log.SetFormatter(&config.ModFormatter{})
	log.SetOutput(os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("cant load config")
	}
	log.SetLevel(log.Level(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Fatal("modbot stopped with error")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	dir, err := infra.WorkDir(cfg.DotPath)
	if err != nil {
		return err
	}
	client, err := sqlite.NewSQLiteClient(ctx, dir, cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.WithError(err).Warn("cant close database")
		}
	}()

	shutdownTracing := observability.Init(prometheus.DefaultRegisterer)

	botAPI, err := api.NewBotAPI(cfg.TelegramAPIToken)
	if err != nil {
		return err
	}
	if log.Level(cfg.LogLevel) == log.TraceLevel {
		botAPI.Debug = true
	}

	modlog := telegram.NewModlog(botAPI, client)
	routes, err := cfg.Moderation.ModlogRoutes()
	if err != nil {
		return err
	}
	for guildID, channelID := range routes {
		if err := modlog.SetChannel(ctx, guildID, channelID); err != nil {
			return err
		}
	}

	store := tickets.NewStore(client, tickets.DefaultRegistry(), modlog, tickets.WithLanguage(cfg.DefaultLanguage))
	executor := telegram.NewExecutor(botAPI)
	manager := mutes.NewManager(store, client, executor, telegram.NewResolver(botAPI), mutes.WithAgentID(botAPI.Self.ID))
	workflow := moderation.NewWorkflow(store, executor, manager, moderation.WithMaxMuteDuration(cfg.Moderation.MuteMaxDuration))
	poller := bot.NewPoller(botAPI,
		[]bot.Handler{bot.NewMemberAudit(botAPI.Self.ID, workflow, nil)},
		bot.WithAllowedUpdates("chat_member"),
	)

	runtime := lifecycle.NewRuntime()
	runtime.Register("tracing", lifecycle.Func(nil, shutdownTracing))
	if cfg.MetricsAddr != "" {
		runtime.Register("metrics", observability.NewServer(cfg.MetricsAddr, prometheus.DefaultGatherer))
	}
	runtime.Register("mutes", manager.Component())
	runtime.Register("poller", poller)

	if err := runtime.Start(ctx); err != nil {
		return err
	}
	log.WithField("bot", botAPI.Self.UserName).Info("modbot started")

	go infra.GoRecoverable(-1, "mute_failures", func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-manager.Failures():
				log.WithError(err).Error("scheduled unmute failed")
			}
		}
	})

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case <-infra.MonitorExecutable(ctx):
		log.Warn("executable file was modified, restarting")
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Moderation.ShutdownTimeout)
	defer cancel()
	start := time.Now()
	err = runtime.Stop(stopCtx)
	log.WithField("took", time.Since(start)).Info("modbot stopped")
	return err
}
