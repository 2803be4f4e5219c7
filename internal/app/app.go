package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/time/rate"

	"shortrelay/internal/bot"
	"shortrelay/internal/config"
	"shortrelay/internal/extract"
	"shortrelay/internal/feed"
	"shortrelay/internal/ledger"
	"shortrelay/internal/relay"
	"shortrelay/internal/runtime/supervisor"
	"shortrelay/internal/syncer"
	kit "shortrelay/internal/transport"
	telegram "shortrelay/internal/transport/telegram/adapter"
	logx "shortrelay/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	adapter kit.Adapter
	ledger  ledger.Ledger
	router  *bot.Router
	sync    *syncer.Syncer // nil when channel sync is off

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, defaultPollTimeout)
	if err != nil {
		return nil, err
	}
	requestTimeout, err := config.ParseDurationOrDefault("telegram.request_timeout", cfg.Telegram.RequestTimeout, defaultRequestTimeout)
	if err != nil {
		return nil, err
	}
	relayCfg, err := mapRelayConfig(cfg)
	if err != nil {
		return nil, err
	}
	ledgerCfg, err := mapLedgerConfig(cfg)
	if err != nil {
		return nil, err
	}
	syncCfg, syncOn, err := mapSyncConfig(cfg)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		HTTPTimeout: relayCfg.AcquireTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg), ad)
	log = log.With(logx.String("comp", "app"))

	led, err := ledger.Open(ledgerCfg, log.With(logx.String("comp", "ledger")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	fail := func(err error) (*App, error) {
		_ = led.Close()
		_ = logSvc.Close()
		return nil, err
	}

	ws, err := relay.NewWorkspace(cfg.Media.ScratchDir)
	if err != nil {
		return fail(err)
	}
	limiter := rate.NewLimiter(rate.Limit(max(1, cfg.Telegram.SendRatePerSec)), 1)
	pipe := relay.New(relayCfg,
		extract.NewYtDlp(cfg.Media.YtDlpPath, log.With(logx.String("comp", "ytdlp"))),
		ad, ws,
		relay.WithSendLimiter(limiter),
		relay.WithLogger(log.With(logx.String("comp", "relay"))),
	)

	handlers := &bot.Handlers{Relay: pipe, Ledger: led}

	var sy *syncer.Syncer
	if syncOn {
		// Only a malformed reference is fatal; the lookup itself retries in the sync loop.
		if err := feed.CheckChannel(syncCfg.Channel); err != nil {
			return fail(fmt.Errorf("sync.channel: %w", err))
		}
		syncCfg.Channel = strings.TrimSpace(syncCfg.Channel)
		yt := feed.NewYouTube(nil, "")
		sy = syncer.New(syncCfg,
			feed.NewPoller(yt, log.With(logx.String("comp", "feed"))),
			pipe, led, log,
			syncer.WithResolver(yt))
		handlers.Sync = sy
	} else {
		log.Info("channel sync off (set sync.channel and sync.destination to enable)")
	}

	router := bot.NewRouter(ad, log)
	router.Register(handlers.Commands(requestTimeout)...)

	log.Info("configured",
		logx.String("config", cfgm.Path()),
		logx.String("bot", ad.Username()),
		logx.String("ledger", ledgerCfg.Driver),
		logx.String("scratch", ws.Root()),
		logx.Int("max_duration", relayCfg.MaxDuration),
		logx.Int("max_height", relayCfg.MaxHeight))

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		adapter: ad,
		ledger:  led,
		router:  router,
		sync:    sy,
		updates: make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateReload(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	if a.sync != nil {
		a.sup.GoRestart("sync", a.sync.Run, supervisor.WithRestartBackoff(time.Second, time.Minute))
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started", logx.Bool("sync", a.sync != nil))
	return nil
}

// reloadLoop applies logging changes live. Other sections are read once at
// startup, so a change there only logs a restart hint.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}

			sections := changedSections(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}
			a.logs.Apply(mapLoggingConfig(newCfg))

			var restart []string
			for _, s := range sections {
				if s != "logging" {
					restart = append(restart, s)
				}
			}
			if len(restart) > 0 {
				a.log.Warn("config changed; restart required for changes to take effect",
					logx.String("sections", strings.Join(restart, ",")))
			}
			a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component can't stall the rest.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < limit {
				limit = max(rem, 0)
			}
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("adapter", 3*time.Second, a.adapter.Stop)
	// In-flight deliveries see the canceled context and unwind their scratch dirs.
	step("supervisor", 10*time.Second, a.sup.Wait)
	step("ledger", time.Second, func(context.Context) error { return a.ledger.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
