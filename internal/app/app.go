// Package app wires configuration, storage, the gateway, the campaign service
// and the state synchronizer into one runtime shared by the server and the
// worker commands.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatcher/internal/config"
	"github.com/unclebandit/campaign-dispatcher/internal/controller"
	"github.com/unclebandit/campaign-dispatcher/internal/db"
	"github.com/unclebandit/campaign-dispatcher/internal/dispatch"
	"github.com/unclebandit/campaign-dispatcher/internal/gateway"
	"github.com/unclebandit/campaign-dispatcher/internal/handler"
	"github.com/unclebandit/campaign-dispatcher/internal/humanize"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/phone"
	"github.com/unclebandit/campaign-dispatcher/internal/queue"
	"github.com/unclebandit/campaign-dispatcher/internal/repository"
	"github.com/unclebandit/campaign-dispatcher/internal/service"
	"github.com/unclebandit/campaign-dispatcher/internal/statesync"
)

// Store is the full persistence contract of the runtime.
type Store interface {
	service.CampaignStore
	ListInFlightCampaigns(ctx context.Context) ([]*model.Campaign, error)
	InsertErrorRecord(ctx context.Context, rec *model.ErrorRecord) error
	ListErrorRecords(ctx context.Context, campaignID int64, limit int) ([]model.ErrorRecord, error)
}

type App struct {
	Config   *config.Config
	Log      zerolog.Logger
	Store    Store
	Gateway  *gateway.Client
	Queue    queue.Queue
	Recorder *queue.Recorder
	Service  *service.CampaignService
	Worker   *service.Worker
	Sync     *statesync.Synchronizer
	Tuning   *config.TuningWatcher

	conn *sql.DB
}

// New builds the runtime. Loops launched by the service live until ctx ends.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	switch cfg.StoreDriver {
	case config.StoreMemory:
		log.Warn().Msg("using in-memory store; campaign state is lost on exit")
		a.Store = repository.NewMemoryStore()
	default:
		conn, err := db.Open(cfg.DBOptions(), log)
		if err != nil {
			return nil, err
		}
		a.conn = conn
		a.Store = repository.NewStore(conn)
	}

	if cfg.AMQPURL != "" {
		q, err := queue.DialRabbit(cfg.AMQPURL, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Queue = q
	} else {
		a.Queue = queue.NewInMemoryQueue(log)
	}
	a.Recorder = queue.NewRecorder(a.Queue, 0, log)

	a.Gateway = gateway.New(cfg.GatewayConfig(), log)

	opts := dispatch.DefaultOptions()
	if cfg.TuningFile != "" {
		a.Tuning = config.NewTuningWatcher(cfg.TuningFile, a.applyTuning, log)
		t, err := a.Tuning.Load()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("load tuning: %w", err)
		}
		opts = t.Apply(opts)
		if t.GatewayRate > 0 {
			a.Gateway.SetRate(t.GatewayRate)
		}
	}

	a.Service = service.NewCampaignService(ctx, a.Store, dispatch.Deps{
		Gateway:   a.Gateway,
		Validator: phone.NewValidator(a.Gateway, cfg.DefaultCountryCode),
		Renderer:  service.NewTemplateService(),
		Humanizer: humanize.New(),
		Events:    a.Recorder,
		Options:   opts,
		Log:       log,
	})
	a.Worker = service.NewWorker(a.Service, a.Store, log)
	if err := a.Worker.Subscribe(a.Queue); err != nil {
		a.Close()
		return nil, err
	}
	a.Sync = statesync.New(a.Store, a.Service, cfg.SyncConfig(), log)
	return a, nil
}

func (a *App) applyTuning(t *config.Tuning) {
	a.Service.ApplyTuning(t.Apply(dispatch.DefaultOptions()))
	if t.GatewayRate > 0 {
		a.Gateway.SetRate(t.GatewayRate)
	}
}

// Router mounts the HTTP control API.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	(&controller.CampaignController{CampaignService: a.Service, Log: a.Log}).Routes(r)
	(&handler.CampaignHandler{Service: a.Service, Sync: a.Sync, Errors: a.Store, Log: a.Log}).Routes(r)
	return r
}

// Run recovers interrupted campaigns, then serves until ctx ends. On the way
// out it waits for every loop to persist its pause before the synchronizer
// and the event recorder make their final pass.
func (a *App) Run(ctx context.Context) error {
	n, err := a.Sync.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover campaigns: %w", err)
	}
	if n > 0 {
		a.Log.Warn().Int("campaigns", n).Msg("interrupted campaigns parked as paused; resume them explicitly")
	}

	bg, stop := context.WithCancel(context.WithoutCancel(ctx))
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.Recorder.Run(bg)
	}()
	go func() {
		defer wg.Done()
		a.Sync.Run(bg)
	}()
	if a.Tuning != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Tuning.Watch(ctx); err != nil {
				a.Log.Error().Err(err).Msg("tuning watcher stopped")
			}
		}()
	}

	<-ctx.Done()
	a.Log.Info().Msg("shutting down; waiting for campaign loops")
	a.Service.Wait()
	stop()
	wg.Wait()
	return nil
}

func (a *App) Close() error {
	var errs []error
	if a.Queue != nil {
		errs = append(errs, a.Queue.Close())
	}
	if a.conn != nil {
		errs = append(errs, a.conn.Close())
	}
	return errors.Join(errs...)
}
