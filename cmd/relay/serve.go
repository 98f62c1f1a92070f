package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/ricardothe3rd/gazebo-robot-control/internal/alert"
	"github.com/ricardothe3rd/gazebo-robot-control/internal/bridge"
	"github.com/ricardothe3rd/gazebo-robot-control/internal/config"
	"github.com/ricardothe3rd/gazebo-robot-control/internal/journal"
	"github.com/ricardothe3rd/gazebo-robot-control/internal/log"
	"github.com/ricardothe3rd/gazebo-robot-control/internal/relay"
	"github.com/ricardothe3rd/gazebo-robot-control/internal/robot"
	"github.com/ricardothe3rd/gazebo-robot-control/internal/schedule"
	"github.com/ricardothe3rd/gazebo-robot-control/internal/server"
	"github.com/ricardothe3rd/gazebo-robot-control/internal/upstream"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Long: "Connects to the robot session (or the local bridge) and serves browser clients.\n" +
			"Without session credentials the relay runs standalone: commands are accepted but not relayed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "path to relay config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath, true)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log.Configure(log.Config{Level: cfg.Log.Level})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, appOpts{})
	if err != nil {
		return err
	}
	return a.run(ctx, cmd.OutOrStdout())
}

// appOpts injects collaborators, mainly for tests.
type appOpts struct {
	Dialer     upstream.Dialer
	Middleware bridge.Middleware
	Notifier   alert.Notifier
	DB         *gorm.DB
}

// app is one assembled relay process.
type app struct {
	cfg     *config.Config
	backend relay.Backend
	robot   relay.Robot

	channel *upstream.Channel
	bridge  *bridge.Bridge

	registry  *relay.Registry
	router    *relay.Router
	fanout    *relay.Fanout
	journal   *journal.Journal
	monitor   *alert.LinkMonitor
	scheduler *schedule.Scheduler
	server    *server.Server

	unsubscribe  func()
	shuttingDown atomic.Bool
	log          zerolog.Logger
}

func newApp(cfg *config.Config, opts appOpts) (*app, error) {
	a := &app{
		cfg:         cfg,
		unsubscribe: func() {},
		log:         log.WithComponent("serve"),
	}

	if cfg.Journal.Enabled {
		db := opts.DB
		if db == nil {
			var err error
			db, err = journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
			if err != nil {
				return nil, err
			}
			if err := journal.AutoMigrate(db); err != nil {
				return nil, err
			}
		}
		j, err := journal.New(db, cfg.Session.ID)
		if err != nil {
			return nil, err
		}
		a.journal = j
	}

	var feed robot.Subscriber
	switch cfg.Mode() {
	case config.ModePlatform:
		a.backend = relay.BackendPlatform
		if err := a.buildMonitor(opts.Notifier); err != nil {
			return nil, err
		}
		ch, err := upstream.New(upstream.Options{
			SessionID:            cfg.Session.ID,
			Token:                cfg.Session.Token,
			BaseURL:              cfg.Session.PlatformURL,
			Dialer:               opts.Dialer,
			ConfirmTimeout:       cfg.ConfirmTimeout(),
			ReconnectDelay:       cfg.ReconnectDelay(),
			MaxReconnectDelay:    cfg.ReconnectDelayMax(),
			MaxReconnectAttempts: cfg.Upstream.ReconnectAttempts,
			OnStateChange:        a.onStateChange,
		})
		if err != nil {
			return nil, err
		}
		a.channel, a.robot, feed = ch, ch, ch
	case config.ModeLocal:
		a.backend = relay.BackendLocal
		mw := opts.Middleware
		if mw == nil {
			mw = bridge.NewSim(nil)
		}
		b, err := bridge.New(bridge.Opts{Middleware: mw, PoseInterval: cfg.PoseInterval()})
		if err != nil {
			return nil, err
		}
		a.bridge, a.robot, feed = b, b, b
	default:
		a.backend = relay.BackendStandalone
		a.robot = relay.Offline{}
	}

	var recorder relay.Recorder
	if a.journal != nil {
		recorder = a.journal
	}
	a.registry = relay.NewRegistry(relay.RegistryOpts{Robot: a.robot, Backend: a.backend, Recorder: recorder})
	a.router = relay.NewRouter(a.robot)
	a.fanout = relay.NewFanout(a.registry)
	if feed != nil {
		a.unsubscribe = a.fanout.Subscribe(feed)
	}

	jobs := []schedule.Job{{
		Name: "status-heartbeat",
		Spec: cfg.Heartbeat.Cron,
		Run: func(context.Context) error {
			a.fanout.BroadcastStatus()
			return nil
		},
	}}
	if a.journal != nil && cfg.Journal.RetentionHours > 0 {
		jobs = append(jobs, schedule.Job{
			Name: "journal-prune",
			Spec: cfg.Journal.PruneCron,
			Run: func(context.Context) error {
				_, err := a.journal.Prune(cfg.Retention())
				return err
			},
		})
	}
	sched, err := schedule.New(jobs...)
	if err != nil {
		return nil, err
	}
	a.scheduler = sched

	srv, err := server.New(server.Opts{
		Registry:          a.registry,
		Router:            a.router,
		Robot:             a.robot,
		StaticDir:         cfg.StaticDir,
		CommandsPerSecond: cfg.Limits.CommandsPerSecond,
		Burst:             cfg.Limits.Burst,
	})
	if err != nil {
		return nil, err
	}
	a.server = srv
	return a, nil
}

func (a *app) buildMonitor(override alert.Notifier) error {
	notifier := override
	if notifier == nil {
		var multi alert.Multi
		if c := a.cfg.Alerts.Slack; c.Enabled() {
			n, err := alert.NewSlack(alert.SlackOpts{BotToken: c.BotToken, ChannelID: c.ChannelID})
			if err != nil {
				return err
			}
			multi = append(multi, n)
		}
		if c := a.cfg.Alerts.Discord; c.Enabled() {
			n, err := alert.NewDiscord(alert.DiscordOpts{BotToken: c.BotToken, ChannelID: c.ChannelID})
			if err != nil {
				return err
			}
			multi = append(multi, n)
		}
		if len(multi) == 0 {
			return nil
		}
		notifier = multi
	}
	m, err := alert.NewLinkMonitor(alert.MonitorOpts{Notifier: notifier, SessionID: a.cfg.Session.ID})
	if err != nil {
		return err
	}
	a.monitor = m
	return nil
}

// onStateChange records upstream transitions and tells every browser.
func (a *app) onStateChange(s upstream.State) {
	if a.journal != nil {
		a.journal.RecordState(s.String())
	}
	if a.monitor != nil && !a.shuttingDown.Load() {
		a.monitor.Observe(s)
	}
	if a.fanout != nil {
		a.fanout.BroadcastStatus()
	}
}

// run serves until ctx is cancelled, then releases the robot link.
func (a *app) run(ctx context.Context, out io.Writer) error {
	a.log.Info().Str("mode", string(a.backend)).Msg("relay starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Start(gctx, server.StartOpts{Port: a.cfg.ListenPort, Out: out})
	})
	g.Go(func() error { return a.scheduler.Run(gctx) })
	if a.monitor != nil {
		g.Go(func() error { return a.monitor.Run(gctx) })
	}
	if a.channel != nil {
		g.Go(func() error {
			a.connectUpstream(gctx)
			return nil
		})
	}
	if a.bridge != nil {
		if err := a.bridge.Start(gctx); err != nil {
			a.log.Error().Err(err).Msg("local bridge failed to start")
		} else {
			a.fanout.BroadcastStatus()
		}
	}

	err := g.Wait()
	a.shutdown()
	return err
}

// connectUpstream makes the initial connection, retrying with the
// channel's reconnect policy. Once connected the channel maintains the link
// itself.
func (a *app) connectUpstream(ctx context.Context) {
	attempts := a.cfg.Upstream.ReconnectAttempts
	for attempt := 0; ; attempt++ {
		err := a.channel.Connect(ctx)
		if err == nil {
			return
		}
		if ctx.Err() != nil || errors.Is(err, upstream.ErrClosed) {
			return
		}
		if attempt >= attempts {
			a.log.Error().Err(err).Int("attempts", attempt+1).Msg("platform unreachable, commands will fail until restart")
			return
		}
		wait := a.channel.Backoff(attempt + 1)
		a.log.Warn().Err(err).Dur("retry_in", wait).Msg("platform connection failed")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (a *app) shutdown() {
	a.shuttingDown.Store(true)
	a.unsubscribe()
	if a.channel != nil {
		if err := a.channel.Disconnect(); err != nil {
			a.log.Warn().Err(err).Msg("disconnect failed")
		}
	}
	if a.bridge != nil {
		if err := a.bridge.Stop(); err != nil {
			a.log.Warn().Err(err).Msg("bridge stop failed")
		}
	}
	a.log.Info().Msg("relay stopped")
}
