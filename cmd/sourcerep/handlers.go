package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/sourcerep/internal/config"
	"github.com/elonfeng/sourcerep/internal/lock"
	"github.com/elonfeng/sourcerep/internal/logger"
	"github.com/elonfeng/sourcerep/internal/metrics"
	"github.com/elonfeng/sourcerep/internal/scheduler"
	"github.com/elonfeng/sourcerep/internal/store"
	"github.com/elonfeng/sourcerep/pkg/alert"
	"github.com/elonfeng/sourcerep/pkg/feed"
	"github.com/elonfeng/sourcerep/pkg/reputation"
	"github.com/elonfeng/sourcerep/pkg/server"
)

var _ reputation.AnomalyNotifier = (*alert.Manager)(nil)

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

// app holds everything a command needs.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	db      *store.SQLStore
	metrics *metrics.Metrics
	engine  *reputation.Engine
	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", zap.Error(err))
		}
	}
	a.log.Sync()
}

// buildApp opens the store and wires the engine. runtimeMetrics adds Go
// and process collectors for long-running commands.
func buildApp(ctx context.Context, runtimeMetrics bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Environment: cfg.Log.Environment,
		Level:       cfg.Log.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	db, err := store.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{cfg: cfg, log: log, db: db, closers: []func() error{db.Close}}

	locker, err := buildLocker(ctx, a)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.metrics = metrics.New(runtimeMetrics)
	opts := cfg.Reputation.EngineOptions()
	opts.StoreTimeout = cfg.Database.ParseTimeout()
	opts.Locker = locker
	opts.Metrics = a.metrics
	opts.Logger = log
	if mgr := buildAlertManager(cfg, log); mgr.HasNotifiers() {
		opts.Notifier = mgr
	}
	a.engine = reputation.New(db, opts)
	return a, nil
}

func buildLocker(ctx context.Context, a *app) (lock.Locker, error) {
	if a.cfg.Locks.Backend != "redis" {
		return lock.NewKeyedMutex(), nil
	}
	r := a.cfg.Locks.Redis
	client, err := lock.Dial(ctx, r.Addr, r.Password, r.DB)
	if err != nil {
		return nil, fmt.Errorf("connect redis %s: %w", r.Addr, err)
	}
	a.closers = append(a.closers, client.Close)
	a.log.Info("using redis locks", zap.String("addr", r.Addr))
	return lock.NewRedisLocker(client, "", a.cfg.Locks.ParseTTL(), a.log), nil
}

func buildAlertManager(cfg *config.Config, log *zap.Logger) *alert.Manager {
	var notifiers []alert.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(cfg.Alerts.Slack.WebhookURL))
	}
	if cfg.Alerts.Discord.Enabled && cfg.Alerts.Discord.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewDiscord(cfg.Alerts.Discord.WebhookURL))
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Secret))
	}

	return alert.NewManager(notifiers, log)
}

func runServe(port int, daemon bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if port == 0 {
		port = a.cfg.Server.Port
	}
	if a.cfg.Server.Mode != "" {
		gin.SetMode(a.cfg.Server.Mode)
	}

	g, gctx := errgroup.WithContext(ctx)
	srv := server.New(a.engine, a.metrics.Registry, port, a.log)
	g.Go(func() error { return srv.ListenAndServe(gctx) })

	if daemon {
		var poller scheduler.FeedPoller
		if a.cfg.Feeds.Enabled {
			poller = feed.NewWatcher(a.engine, a.cfg.Feeds.ParseTimeout(), a.cfg.Feeds.Concurrency, a.log)
		}
		sched := scheduler.New(a.engine, poller, a.cfg.Schedule.DecayCron, a.cfg.Schedule.ParseFeedInterval(), a.log)
		g.Go(func() error {
			if err := sched.Run(gctx); err != nil && gctx.Err() == nil {
				return fmt.Errorf("scheduler: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()
	a.log.Info("shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runMigrate() error {
	a, err := buildApp(context.Background(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Printf("schema at version %d (%s)\n", a.db.SchemaVersion(), a.cfg.Database.Driver)
	return nil
}

func runDecay() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.engine.TriggerDecay(ctx)
	fmt.Printf("decayed %d sources\n", n)
	return err
}

func runRegister(id, name, feedURL string) error {
	a, err := buildApp(context.Background(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	src, err := a.engine.RegisterSource(context.Background(), reputation.SourceInput{ID: id, Name: name, FeedURL: feedURL})
	if err != nil {
		return fmt.Errorf("register %s: %w", id, err)
	}
	fmt.Printf("registered %s with score %d\n", src.ID, src.Score)
	return nil
}

func runReputation(id string, jsonOutput bool) error {
	a, err := buildApp(context.Background(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := a.engine.GetReputation(context.Background(), id)
	if err != nil {
		return fmt.Errorf("reputation %s: %w", id, err)
	}

	if jsonOutput {
		return printJSON(rep)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "SOURCE\t%s (%s)\n", rep.Source.ID, rep.Source.Name)
	fmt.Fprintf(w, "SCORE\t%d\n", rep.Source.Score)
	fmt.Fprintf(w, "RATINGS\t%d (%d flagged)\n", rep.Ratings, rep.FlaggedRatings)
	fmt.Fprintf(w, "OPEN ANOMALIES\t%d\n", rep.OpenAnomalies)
	if rep.Accuracy != nil {
		fmt.Fprintf(w, "ACCURACY\t%.1f%% of %d\n", *rep.Accuracy, rep.CrossReferences)
	} else {
		fmt.Fprintf(w, "ACCURACY\tno verifications\n")
	}
	fmt.Fprintf(w, "LAST CONTENT\t%s\n", rep.Source.LastContentAt.Format(time.RFC3339))
	fmt.Fprintf(w, "DECAY APPLIED\t%d\n", rep.Source.DecayApplied)
	return w.Flush()
}

func runHistory(id string, limit int, jsonOutput bool) error {
	a, err := buildApp(context.Background(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	history, err := a.engine.GetReliabilityHistory(context.Background(), id, limit)
	if err != nil {
		return fmt.Errorf("history %s: %w", id, err)
	}

	if jsonOutput {
		return printJSON(history)
	}

	if len(history) == 0 {
		fmt.Println("no score changes recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tREASON\tOLD\tNEW")
	for _, h := range history {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", h.CreatedAt.Format(time.RFC3339), h.Reason, h.OldScore, h.NewScore)
	}
	return w.Flush()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
