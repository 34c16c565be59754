package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loftmedia/autolog/internal/api"
	"github.com/loftmedia/autolog/internal/database"
	"github.com/loftmedia/autolog/internal/event"
	"github.com/loftmedia/autolog/internal/executor"
	"github.com/loftmedia/autolog/internal/journal"
	"github.com/loftmedia/autolog/internal/poller"
	"github.com/loftmedia/autolog/internal/statuscache"
	"github.com/loftmedia/autolog/internal/steps"
	"github.com/loftmedia/autolog/internal/store"
	"github.com/loftmedia/autolog/pkg/logger"
)

var log = logger.Get("Core")

type (
	RunnableService interface {
		Run(context.Context) error
	}
)

// Autolog represents the top-level object for the controller, and is
// responsible for initialising the record store client, the polling
// engine, and the supporting services (REST gateway, cycle journal).
type autologImpl struct {
	eventBus event.EventCoordinator
	config   AutologConfig

	storeClient *store.Client
	cache       *statuscache.Cache
	engine      *poller.Poller
	restGateway *api.RestGateway
}

func New(config AutologConfig) *autologImpl {
	log.Emit(logger.DEBUG, "Bootstrapping autolog services using config: %#v\n", config)
	autolog := &autologImpl{
		eventBus: event.New(),
		config:   config,
	}

	autolog.storeClient = store.New(config.Store.ToClientConfig())
	autolog.cache = statuscache.New(config.Engine.CacheTTL())

	registry := steps.NewRegistry()
	registry.ApplyOverrides(config.Steps.Overrides)

	runner := executor.New(autolog.storeClient, executor.Config{
		FootageLayout: config.Store.FootageLayout,
		FrameLayout:   config.Store.FrameLayout,
		ScriptDir:     config.Steps.ScriptDir,
	})

	autolog.engine = poller.New(
		poller.Config{
			FootageLayout:       config.Store.FootageLayout,
			FrameLayout:         config.Store.FrameLayout,
			PollInterval:        time.Duration(config.Engine.PollIntervalSeconds) * time.Second,
			PollDuration:        time.Duration(config.Engine.PollDurationMinutes) * time.Minute,
			WorkerCount:         config.Engine.WorkerCount,
			DispatchSoftTimeout: time.Duration(config.Engine.SoftTimeoutSeconds) * time.Second,
			PageSize:            config.Engine.PageSize,
		},
		autolog.storeClient,
		autolog.cache,
		statuscache.NewBatchChecker(autolog.storeClient, autolog.cache, config.Store.FootageLayout),
		registry,
		runner,
		steps.NewQualityScorer(steps.DefaultQualityConfig()),
		autolog.eventBus,
	)

	autolog.restGateway = api.NewRestGateway(config.API, autolog.engine, autolog.eventBus)

	return autolog
}

// Run will start the controller by bringing up all required services
// and connections. It will not return until the engine goes quiescent,
// the provided context is cancelled, or a service crashes.
func (autolog *autologImpl) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel()
	}

	log.Emit(logger.NEW, "Authenticating against record store...\n")
	if err := autolog.storeClient.Authenticate(ctx); err != nil {
		return fmt.Errorf("failed to authenticate against the record store: %w", err)
	}

	wg := &sync.WaitGroup{}

	if autolog.config.Database.Enabled {
		log.Emit(logger.NEW, "Connecting to journal database...\n")
		db := database.New()
		if err := db.Connect(autolog.config.Database); err != nil {
			return err
		}

		autolog.spawnAsyncService(ctx, wg, journal.New(db, autolog.eventBus), "cycle-journal", crashHandler)
	}

	autolog.spawnAsyncService(ctx, wg, autolog.restGateway, "rest-gateway", crashHandler)

	// The engine is special: a clean return (quiescence, or the bounded
	// poll window elapsing) should wind down the whole controller.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				crashHandler("polling-engine", fmt.Errorf("panic %v", r))
			}
		}()

		if err := autolog.engine.Run(ctx); err != nil && ctx.Err() == nil {
			crashHandler("polling-engine", err)
			return
		}

		log.Emit(logger.INFO, "Polling engine finished, shutting down\n")
	}()

	log.Emit(logger.SUCCESS, "Autolog services spawned!\n")
	wg.Wait()
	return nil
}

// spawnAsyncService will run the provided function/service as it's own
// go-routine, ensuring that the controller service waitgroup is updated correctly
func (autolog *autologImpl) spawnAsyncService(context context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(wg *sync.WaitGroup, label string, crash func(string, error)) {
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		defer wg.Done()
		if err := service.Run(context); err != nil {
			crash(label, err)
		}
	}(wg, serviceLabel, crashHandler)
}
