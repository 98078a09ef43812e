package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"voicekeeper/internal/database"
	"voicekeeper/internal/discord"
	"voicekeeper/internal/dispatch"
	"voicekeeper/internal/httpapi"
	"voicekeeper/internal/logger"
	"voicekeeper/internal/metrics"
	"voicekeeper/internal/scheduler"
	"voicekeeper/internal/tracker"
	"voicekeeper/internal/truncation"
	"voicekeeper/internal/voice"
)

const (
	dbWatchInterval = 30 * time.Second
	shutdownTimeout = 20 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to Discord and run the bot (default)",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, log, db, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	repository := database.NewRepository(db)
	m := metrics.New(nil)

	sessions := tracker.New(repository, log, cfg.Tracking.Enabled, cfg.Tracking.ExcludedChannels,
		tracker.WithMetrics(m))
	// Orphans must be closed before the gateway replays current voice states.
	if err := sessions.Reconcile(ctx); err != nil {
		log.Error("failed to reconcile orphaned sessions", err)
	}

	session, err := discord.NewSession(cfg.DiscordToken)
	if err != nil {
		return err
	}
	platform := discord.NewPlatform(session, cfg.Discord, m)

	channels := voice.New(platform, repository, log, cfg.GuildID, cfg.Voice,
		voice.WithMetrics(m), voice.WithActivity(sessions))
	engine := truncation.New(repository, log, cfg.Cleanup.Enabled, retention(cfg),
		truncation.WithNotifier(discord.NewCleanupNotifier(platform, cfg.Cleanup.NotificationChannelID)),
		truncation.WithMetrics(m))
	dispatcher := dispatch.New(sessions, channels, log, m, cfg.Discord.EventWorkers)

	sched := scheduler.New(log)
	if err := sched.RegisterDefaults(cfg, engine, channels, sessions); err != nil {
		return err
	}

	api := httpapi.New(cfg.MetricsAddr, httpapi.Deps{
		Gatherer: m.Gatherer(),
		Cleanup:  engine,
		Channels: channels,
		Sessions: sessions,
	}, log)

	commands := discord.NewCommands(sessions, channels, repository, engine, log)
	bot := discord.New(session, platform, cfg.GuildID, discord.Deps{
		Events:   dispatcher,
		Channels: channels,
		Commands: commands,
	}, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return api.Run(gctx) })
	g.Go(func() error {
		db.Watch(gctx, dbWatchInterval)
		return nil
	})

	if err := bot.Start(gctx); err != nil {
		stop()
		_ = g.Wait()
		return err
	}

	<-gctx.Done()
	log.Info("shutting down")

	if err := bot.Stop(); err != nil {
		log.Error("failed to close gateway", err)
	}
	runErr := g.Wait()
	channels.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := channels.RenameLobbyOffline(shutdownCtx); err != nil {
		log.Warn("failed to rename lobby offline", logger.F("error", err))
	}
	if err := sessions.CloseAll(shutdownCtx); err != nil {
		log.Error("failed to close open sessions", err)
	}

	log.Info("shutdown complete")
	return runErr
}
