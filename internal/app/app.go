// Package app wires the service together: storage, event bus, gateway
// session, notification manager, scheduled maintenance and the HTTP API.
// Construction is explicit; nothing lives in package globals.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"courierops/internal/config"
	"courierops/internal/eventbus"
	"courierops/internal/gateway"
	"courierops/internal/gateway/telegram"
	"courierops/internal/httpapi"
	"courierops/internal/notify"
	"courierops/internal/storage"
	logx "courierops/pkg/logx"
)

// auditRetention bounds the audit table; older rows are pruned nightly.
const auditRetention = 30 * 24 * time.Hour

type App struct {
	cfg  *config.Config
	durs config.Durations
	log  logx.Logger

	logSvc  *logx.Service
	store   storage.Store
	bus     *eventbus.Bus[notify.Event]
	manager *notify.Manager
	session *gateway.Session
	httpSrv *http.Server
	cron    *cron.Cron

	unsubAudit func()
}

func New(cfg *config.Config, logSvc *logx.Service, log logx.Logger) (*App, error) {
	durs, err := cfg.ParseDurations()
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: durs.StorageBusyTimeout,
	}, log.With(logx.String("component", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a := &App{
		cfg:    cfg,
		durs:   durs,
		log:    log,
		logSvc: logSvc,
		store:  store,
		bus:    eventbus.New[notify.Event](),
	}

	if err := a.seedBotToken(context.Background()); err != nil {
		store.Close()
		return nil, err
	}

	registrar := notify.NewRegistrar(store, store, cfg.BaseURL, log.With(logx.String("component", "registrar")))
	adapter := telegram.New(telegram.Config{
		PollTimeout: durs.TelegramPollTimeout,
		SendTimeout: durs.TelegramSendTimeout,
	}, a.botToken, registrar, log.With(logx.String("component", "telegram")))

	a.session = gateway.NewSession(adapter, log.With(logx.String("component", "session")))
	adapter.SetConflictHandler(a.session.OnConflict)

	cache := notify.NewCache(durs.NotifyCooldown, log.With(logx.String("component", "dedup")))
	dispatcher := notify.NewDispatcher(adapter, store, store, durs.NotifySendTimeout, log.With(logx.String("component", "dispatcher")))
	a.manager = notify.NewManager(cache, store, notify.NewComposer(cfg.BaseURL), dispatcher, a.bus,
		durs.NotifyBulkPace, log.With(logx.String("component", "notify")))

	api := httpapi.New(httpapi.Config{
		Addr:      cfg.HTTPAddr,
		JWTSecret: cfg.JWTSecret,
	}, store, a.manager, a.session, log.With(logx.String("component", "http")))
	a.httpSrv = api.HTTPServer()

	if err := a.schedule(); err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

// seedBotToken copies the configured token into the settings store on first
// run. The store stays authoritative afterwards so operators can rotate the
// credential through the API without touching the config file.
func (a *App) seedBotToken(ctx context.Context) error {
	seed := strings.TrimSpace(a.cfg.Telegram.Token)
	if seed == "" {
		return nil
	}
	_, err := a.store.GetSetting(ctx, storage.SettingBotToken)
	if errors.Is(err, storage.ErrNotFound) {
		a.log.Info("seeding bot token from config")
		return a.store.SetSetting(ctx, storage.SettingBotToken, seed)
	}
	return err
}

func (a *App) botToken(ctx context.Context) (string, error) {
	token, err := a.store.GetSetting(ctx, storage.SettingBotToken)
	if errors.Is(err, storage.ErrNotFound) {
		return strings.TrimSpace(a.cfg.Telegram.Token), nil
	}
	return token, err
}

func (a *App) schedule() error {
	a.cron = cron.New()
	if _, err := a.cron.AddFunc("@every "+a.durs.NotifySweepInterval.String(), func() {
		a.manager.SweepCache()
	}); err != nil {
		return err
	}
	if _, err := a.cron.AddFunc("0 3 * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := a.store.PruneAudit(ctx, time.Now().Add(-auditRetention))
		if err != nil {
			a.log.Warn("audit prune failed", logx.Err(err))
			return
		}
		if n > 0 {
			a.log.Info("audit pruned", logx.Int64("rows", n))
		}
	}); err != nil {
		return err
	}
	return nil
}

// Run starts everything and blocks until ctx is cancelled, then shuts down
// in reverse order. A failing HTTP listener aborts the run.
func (a *App) Run(ctx context.Context) error {
	a.startAuditWriter()
	a.cron.Start()

	go a.watchConfig(ctx)

	if a.cfg.Telegram.AutoStart {
		if err := a.session.Start(ctx); err != nil && !errors.Is(err, gateway.ErrAlreadyActive) {
			// The API can start it later; autostart failure is not fatal.
			a.log.Warn("gateway session autostart failed", logx.Err(err))
		}
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http api listening", logx.String("addr", a.cfg.HTTPAddr))
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.shutdown()
		return err
	case <-ctx.Done():
		a.shutdown()
		return nil
	}
}

func (a *App) shutdown() {
	a.log.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := a.httpSrv.Shutdown(sctx); err != nil {
		a.log.Warn("http shutdown", logx.Err(err))
	}
	if err := a.session.Stop(sctx); err != nil {
		a.log.Warn("session stop", logx.Err(err))
	}
	<-a.cron.Stop().Done()
	if a.unsubAudit != nil {
		a.unsubAudit()
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close", logx.Err(err))
	}
	a.log.Info("shutdown complete")
}

// startAuditWriter turns bus events from the notification core into audit
// rows. Drops under backpressure rather than slowing dispatch.
func (a *App) startAuditWriter() {
	ch, unsub := a.bus.Subscribe(64)
	a.unsubAudit = unsub
	go func() {
		for e := range ch {
			ev := e.Data
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := a.store.AppendAudit(ctx, storage.AuditEntry{
				At:      e.Time,
				Kind:    ev.Kind,
				OrderID: ev.OrderID,
				Key:     ev.Key,
				ChatID:  ev.ChatID,
				Error:   ev.Error,
			})
			cancel()
			if err != nil {
				a.log.Warn("audit write failed", logx.Err(err))
			}
		}
	}()
}

// watchConfig applies hot-reloadable settings; everything else needs a
// restart.
func (a *App) watchConfig(ctx context.Context) {
	err := config.Watch(ctx, a.cfg.Path(), a.log.With(logx.String("component", "config")), func(fresh *config.Config) {
		if a.logSvc != nil && fresh.Log.Level != "" {
			a.logSvc.SetLevel(fresh.Log.Level)
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("config watch stopped", logx.Err(err))
	}
}
