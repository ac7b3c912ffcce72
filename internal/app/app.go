// Package app wires configuration, transport, storage and the poller into
// one runnable bot.
package app

import (
	"context"
	"strconv"
	"time"

	"workshopbot/internal/commands"
	"workshopbot/internal/config"
	"workshopbot/internal/notify"
	"workshopbot/internal/poller"
	"workshopbot/internal/runtime/supervisor"
	"workshopbot/internal/steam"
	"workshopbot/internal/store"
	kit "workshopbot/internal/transport"
	"workshopbot/internal/transport/telegram"
	logx "workshopbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	st      store.Store
	adapter kit.Adapter
	fetch   *steam.Client
	emit    *notify.Emitter
	poll    *poller.Service
	cmdm    *commands.Manager

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	steamTimeout, err := config.ParseDurationOrDefault("steam.timeout", cfg.Steam.Timeout, 15*time.Second)
	if err != nil {
		return nil, err
	}
	fetch := steam.NewClient(steam.Config{
		APIKey:  cfg.Steam.APIKey,
		BaseURL: cfg.Steam.BaseURL,
		Timeout: steamTimeout,
	}, log.With(logx.String("comp", "steam")))

	emit := notify.NewEmitter(notify.Config{RatePerSec: cfg.Poll.RatePerSec}, ad, log.With(logx.String("comp", "notify")))

	pcfg, err := pollerConfig(cfg)
	if err != nil {
		return nil, err
	}
	poll := poller.New(pcfg, st, fetch, emit, &chatDirectory{ad: ad}, log.With(logx.String("comp", "poller")))

	ccfg, err := commandsConfig(cfg)
	if err != nil {
		return nil, err
	}
	cmdm := commands.NewManager(ccfg, ad, st, fetch, cfg.Telegram.OwnerUserIDs, log.With(logx.String("comp", "commands")))

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		st:      st,
		adapter: ad,
		fetch:   fetch,
		emit:    emit,
		poll:    poll,
		cmdm:    cmdm,
		updates: make(chan kit.Update, 256),
	}, nil
}

func pollerConfig(cfg *config.Config) (poller.Config, error) {
	interval, err := config.ParseDurationOrDefault("poll.interval", cfg.Poll.Interval, 5*time.Minute)
	if err != nil {
		return poller.Config{}, err
	}
	debounce, err := config.ParseDurationOrDefault("poll.debounce", cfg.Poll.Debounce, 5*time.Minute)
	if err != nil {
		return poller.Config{}, err
	}
	return poller.Config{Interval: interval, Debounce: debounce}, nil
}

func commandsConfig(cfg *config.Config) (commands.Config, error) {
	confirm, err := config.ParseDurationOrDefault("commands.confirm_timeout", cfg.Commands.ConfirmTimeout, time.Minute)
	if err != nil {
		return commands.Config{}, err
	}
	return commands.Config{
		ConfirmTimeout:        confirm,
		AddonsPerChannel:      cfg.Commands.AddonsPerChannel,
		CollectionsPerChannel: cfg.Commands.CollectionsPerChannel,
	}, nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if err := a.poll.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(newCfg)
			}
		}
	})

	// Publish the command menu; best effort, the bot works without it.
	if mu, ok := a.adapter.(kit.CommandMenuUpdater); ok {
		if err := mu.UpdateMenuCommands(a.sup.Context(), a.cmdm.MenuCommands()); err != nil {
			a.log.Warn("failed to publish command menu", logx.Err(err))
		}
	}

	a.log.Info("bot started")
	return nil
}

// applyConfig hot-reloads the parts that support it. Storage and telegram
// token changes need a restart and only get a warning.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if pcfg, err := pollerConfig(cfg); err == nil {
		a.poll.Apply(pcfg)
	} else {
		a.log.Warn("invalid poll config; keeping previous", logx.Err(err))
	}

	if ccfg, err := commandsConfig(cfg); err == nil {
		a.cmdm.Apply(ccfg)
	} else {
		a.log.Warn("invalid commands config; keeping previous", logx.Err(err))
	}
	a.cmdm.SetOwners(cfg.Telegram.OwnerUserIDs)

	a.log.Info("config applied")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup != nil {
		a.sup.Cancel()
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	a.poll.Stop(stopCtx)
	if err := a.adapter.Stop(stopCtx); err != nil {
		a.log.Warn("adapter stop failed", logx.Err(err))
	}
	if a.sup != nil {
		if err := a.sup.Wait(stopCtx); err != nil && err != context.DeadlineExceeded {
			a.log.Warn("shutdown incomplete", logx.Err(err))
		}
	}
	if err := a.st.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("bot stopped")
	return a.logs.Close()
}

// chatDirectory answers guild/channel existence questions through the chat
// adapter. Telegram has no API to enumerate forum topics, so the channel
// check only verifies the chat itself; actual topic loss surfaces as a send
// failure, which the poller tolerates.
type chatDirectory struct {
	ad kit.Adapter
}

func (d *chatDirectory) GuildAvailable(ctx context.Context, guild string) bool {
	chatID, err := strconv.ParseInt(guild, 10, 64)
	if err != nil {
		return false
	}
	return d.ad.ChatAvailable(ctx, chatID)
}

func (d *chatDirectory) ChannelExists(ctx context.Context, guild, channel string) bool {
	if _, err := strconv.Atoi(channel); err != nil {
		return false
	}
	return d.GuildAvailable(ctx, guild)
}
