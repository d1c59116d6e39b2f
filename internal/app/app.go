package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"xrelay/internal/bot"
	"xrelay/internal/config"
	"xrelay/internal/credential"
	"xrelay/internal/health"
	"xrelay/internal/poller"
	"xrelay/internal/relay"
	"xrelay/internal/report"
	rtsup "xrelay/internal/runtime/supervisor"
	"xrelay/internal/source"
	"xrelay/internal/state"
	"xrelay/internal/storage"
	kit "xrelay/internal/transport"
	"xrelay/internal/transport/telegram"
	logx "xrelay/pkg/logx"
)

type App struct {
	cfg *config.Settings

	sup *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	state *state.Store
	store storage.Store // nil when storage is disabled

	pool   *credential.Pool
	src    *source.Client
	relay  *relay.Relay
	poll   *poller.Poller
	health *health.Service
	report *report.Service

	// adapter is nil in reduced mode (no TELEGRAM_TOKEN) and for offline
	// commands.
	adapter kit.Adapter
	bot     *bot.Bot
	auth    *bot.Authorizer

	updates chan kit.Update
}

type options struct {
	adapter  kit.Adapter
	offline  bool
	logger   *logx.Logger
	noHealth bool
}

type Option func(*options)

// WithAdapter injects the messaging transport instead of building the
// Telegram adapter from settings.
func WithAdapter(a kit.Adapter) Option { return func(o *options) { o.adapter = a } }

// Offline skips the messaging transport entirely (CLI inspection commands).
func Offline() Option { return func(o *options) { o.offline = true } }

// WithLogger replaces the logging service built from settings.
func WithLogger(l logx.Logger) Option { return func(o *options) { o.logger = &l } }

// WithoutHealth disables the liveness listener.
func WithoutHealth() Option { return func(o *options) { o.noHealth = true } }

func New(cfg *config.Settings, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: settings are required")
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	a := &App{cfg: cfg, updates: make(chan kit.Update, 256)}
	if o.logger != nil {
		a.log = *o.logger
	} else {
		a.logs, a.log = logx.New(cfg.Logging)
	}
	log := a.log.With(logx.String("comp", "app"))

	st, err := state.Open(cfg.StatePath, a.log.With(logx.String("comp", "state")))
	if err != nil {
		a.closeLogs()
		return nil, err
	}
	a.state = st

	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout,
		Keep:        cfg.Storage.Keep,
	}, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		a.closeLogs()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.store = store
	if store != nil {
		log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
	}

	a.pool = credential.New(cfg.X.Tokens)
	if a.pool.Len() == 0 {
		log.Warn("no X API bearer tokens configured; fetches will fail")
	}
	a.src = source.New(source.Config{
		BaseURL:    cfg.X.BaseURL,
		Timeout:    cfg.X.Timeout,
		RatePerSec: cfg.X.RatePerSec,
		Cooldown:   cfg.X.Cooldown,
		MaxResults: cfg.X.MaxResults,
	}, a.pool, a.log.With(logx.String("comp", "source")))

	switch {
	case o.adapter != nil:
		a.adapter = o.adapter
	case o.offline:
	case cfg.Telegram.Token == "":
		log.Warn("TELEGRAM_TOKEN not set; running in reduced mode (poller and liveness only, commands disabled)")
	default:
		ad, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: cfg.Telegram.PollTimeout,
		}, a.log.With(logx.String("comp", "telegram")))
		if err != nil {
			// reduced mode: relays fail, liveness keeps answering
			log.Error("telegram adapter unavailable; running in reduced mode", logx.Err(err))
		} else {
			a.adapter = ad
		}
	}

	var msg kit.Messenger = kit.Unavailable{}
	if a.adapter != nil {
		msg = a.adapter
	}
	a.relay = relay.New(msg, relay.Config{
		RatePerSec: cfg.Telegram.SendRatePerSec,
		Burst:      cfg.Telegram.SendBurst,
	}, a.log.With(logx.String("comp", "relay")))

	pollOpts := []poller.Option{}
	if store != nil {
		pollOpts = append(pollOpts, poller.WithHistory(store))
	}
	a.poll = poller.New(poller.Config{Base: cfg.Poll.Base, Max: cfg.Poll.Max},
		a.src, a.relay, a.state, a.log.With(logx.String("comp", "poller")), pollOpts...)

	a.auth = bot.NewAuthorizer(cfg.AdminID)
	if a.adapter != nil {
		a.bot = bot.New(a.adapter, bot.Deps{
			State:    a.state,
			Users:    a.src,
			Creds:    a.pool,
			Checker:  a.poll,
			Tester:   a.relay,
			History:  store,
			Auth:     a.auth,
			OnChange: a.poll.Trigger,
		}, bot.Config{
			Workers: cfg.Telegram.CommandWorkers,
			Timeout: cfg.Telegram.CommandTimeout,
		}, a.log.With(logx.String("comp", "bot")))

		rcfg := report.Config{Schedule: cfg.Report.Schedule, Timezone: cfg.Report.Timezone}
		if !cfg.AdminFromDefault {
			rcfg.AdminID = cfg.AdminID
		} else if rcfg.Schedule != "" {
			log.Warn("report.schedule set but ADMIN_ID is the default; status report disabled")
		}
		rep, err := report.New(rcfg, a.adapter, a.bot.StatusText, a.log.With(logx.String("comp", "report")))
		if err != nil {
			a.closeResources()
			return nil, err
		}
		a.report = rep
	}

	if !o.noHealth {
		a.health = health.New(health.Config{Addr: cfg.Health.Addr}, a.log.With(logx.String("comp", "health")))
	}
	return a, nil
}

func (a *App) State() *state.Store     { return a.state }
func (a *App) Source() *source.Client  { return a.src }
func (a *App) Poller() *poller.Poller  { return a.poll }
func (a *App) Storage() storage.Store  { return a.store }
func (a *App) Logger() logx.Logger     { return a.log }
func (a *App) Reduced() bool           { return a.adapter == nil }
func (a *App) Health() *health.Service { return a.health }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app: already started")
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	if a.health != nil {
		a.health.Start(c)
	}

	if a.adapter != nil {
		if err := a.adapter.Start(c, a.updates); err != nil {
			a.sup.Cancel()
			return fmt.Errorf("start transport: %w", err)
		}
	}
	if a.bot != nil {
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.bot.Run(c, a.updates)
		})
	}

	a.sup.Go("poller.run", a.poll.Run)

	a.sup.Go0("state.watch", func(c context.Context) {
		err := a.state.Watch(c, func(state.Record) { a.poll.Trigger() })
		if err != nil && c.Err() == nil {
			a.log.Warn("state watch stopped", logx.Err(err))
		}
	})

	if a.report != nil {
		a.report.Start(c)
	}

	rec := a.state.Snapshot()
	a.log.Info("app started",
		logx.Bool("reduced", a.Reduced()),
		logx.Int("credentials", a.pool.Len()),
		logx.String("account", rec.Handle()),
		logx.String("channel", rec.Destination()),
		logx.String("health_addr", a.cfg.Health.Addr),
	)
	return nil
}

// CheckOnce runs one manual cycle without starting the app.
func (a *App) CheckOnce(ctx context.Context) (poller.Result, error) {
	return a.poll.CheckNow(ctx)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < limit {
					limit = max(rem, 0)
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

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
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	step("report", time.Second, func(c context.Context) error {
		if a.report == nil {
			return nil
		}
		return a.report.Stop(c)
	})
	step("adapter", 2*time.Second, func(c context.Context) error {
		if a.adapter == nil {
			return nil
		}
		return a.adapter.Stop(c)
	})
	step("health", time.Second, func(c context.Context) error {
		if a.health == nil {
			return nil
		}
		return a.health.Stop(c)
	})
	// Waits for the poll loop, command dispatch and state watch.
	step("supervisor", 3*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})

	a.log.Info("stopped")
	a.closeLogs()
	return nil
}

// Close releases resources of an app that was never started.
func (a *App) Close() error {
	if a.sup != nil {
		return errors.New("app: started; use Stop")
	}
	a.closeResources()
	return nil
}

func (a *App) closeResources() {
	if a.store != nil {
		_ = a.store.Close()
		a.store = nil
	}
	a.closeLogs()
}

func (a *App) closeLogs() {
	if a.logs != nil {
		_ = a.logs.Close()
		a.logs = nil
	}
}
