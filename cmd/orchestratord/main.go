// Command orchestratord runs the pipeline orchestrator daemon: the JSON
// control surface, the background recovery sweeper and the lifecycle event
// exporter, backed by Redis for hot state and MongoDB for history.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	checkpointredis "goa.design/pipeline/features/checkpoint/redis"
	checkpointclients "goa.design/pipeline/features/checkpoint/redis/clients/redis"
	dispatchpulse "goa.design/pipeline/features/dispatch/pulse"
	dispatchclients "goa.design/pipeline/features/dispatch/pulse/clients/pulse"
	eventspulse "goa.design/pipeline/features/events/pulse"
	eventsclients "goa.design/pipeline/features/events/pulse/clients/pulse"
	journalmongo "goa.design/pipeline/features/journal/mongo"
	journalclients "goa.design/pipeline/features/journal/mongo/clients/mongo"
	stateredis "goa.design/pipeline/features/state/redis"
	stateclients "goa.design/pipeline/features/state/redis/clients/redis"
	"goa.design/pipeline/orchestrator"
	"goa.design/pipeline/orchestrator/hooks"
	"goa.design/pipeline/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file")
		addrF   = flag.String("http-addr", "", "HTTP listen address (overrides config)")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := loadConfig(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}
	if *addrF != "" {
		cfg.HTTP.Addr = *addrF
	}
	log.Print(ctx, log.KV{K: "http-addr", V: cfg.HTTP.Addr},
		log.KV{K: "redis-addr", V: cfg.Redis.Addr},
		log.KV{K: "mongo-database", V: cfg.Mongo.Database})

	if err := run(ctx, cfg); err != nil {
		log.Fatalf(ctx, err, "orchestratord failed")
	}
	log.Printf(ctx, "exited")
}

func run(ctx context.Context, cfg Config) error {
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Errorf(ctx, err, "close redis")
		}
	}()

	mongoClient, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := mongoClient.Disconnect(disconnectCtx); err != nil {
			log.Errorf(ctx, err, "disconnect mongo")
		}
	}()

	stateClient, err := stateclients.New(stateclients.Options{
		Redis: rdb,
		TTL:   time.Duration(cfg.Pipeline.ContextTTL),
	})
	if err != nil {
		return fmt.Errorf("create state client: %w", err)
	}
	store, err := stateredis.NewStore(stateClient)
	if err != nil {
		return fmt.Errorf("create state store: %w", err)
	}
	failures, err := stateredis.NewFailureStore(stateClient)
	if err != nil {
		return fmt.Errorf("create failure store: %w", err)
	}

	checkpointClient, err := checkpointclients.New(checkpointclients.Options{Redis: rdb})
	if err != nil {
		return fmt.Errorf("create checkpoint client: %w", err)
	}
	checkpoints, err := checkpointredis.NewStore(checkpointClient)
	if err != nil {
		return fmt.Errorf("create checkpoint store: %w", err)
	}

	journalClient, err := journalclients.New(journalclients.Options{
		Client:   mongoClient,
		Database: cfg.Mongo.Database,
	})
	if err != nil {
		return fmt.Errorf("create journal client: %w", err)
	}
	jrnl, err := journalmongo.NewJournal(journalClient)
	if err != nil {
		return fmt.Errorf("create journal: %w", err)
	}

	dispatchClient, err := dispatchclients.New(ctx, dispatchclients.Options{
		Redis:    rdb,
		PoolName: cfg.Dispatch.PoolName,
	})
	if err != nil {
		return fmt.Errorf("create dispatch client: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := dispatchClient.Close(closeCtx); err != nil {
			log.Errorf(ctx, err, "close dispatch client")
		}
	}()
	dispatcher, err := dispatchpulse.NewDispatcher(dispatchpulse.DispatcherOptions{
		Client:    dispatchClient,
		Logger:    logger,
		RateLimit: rate.Limit(cfg.Dispatch.RateLimit),
		Burst:     cfg.Dispatch.Burst,
	})
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	eventsClient, err := eventsclients.New(eventsclients.Options{
		Redis:        rdb,
		StreamMaxLen: cfg.Events.MaxLen,
	})
	if err != nil {
		return fmt.Errorf("create events client: %w", err)
	}
	exporter, err := eventspulse.NewSubscriber(eventspulse.SubscriberOptions{
		Client:     eventsClient,
		StreamName: cfg.Events.Stream,
	})
	if err != nil {
		return fmt.Errorf("create event exporter: %w", err)
	}

	bus := hooks.NewBus()
	if _, err := bus.Register(hooks.NewMetricsSubscriber(metrics)); err != nil {
		return fmt.Errorf("register metrics subscriber: %w", err)
	}
	if _, err := bus.Register(exporter); err != nil {
		return fmt.Errorf("register event exporter: %w", err)
	}

	machine, err := orchestrator.NewMachine(orchestrator.MachineOptions{
		Store:       store,
		Journal:     jrnl,
		Checkpoints: checkpoints,
		Dispatcher:  dispatcher,
		Bus:         bus,
		Logger:      logger,
		Metrics:     metrics,
		Config:      cfg.pipelineConfig(),
	})
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}
	engine, err := orchestrator.NewEngine(orchestrator.EngineOptions{
		Machine:  machine,
		Failures: failures,
	})
	if err != nil {
		return fmt.Errorf("create recovery engine: %w", err)
	}
	sweeper, err := orchestrator.NewSweeper(orchestrator.SweeperOptions{
		Machine: machine,
		Engine:  engine,
	})
	if err != nil {
		return fmt.Errorf("create sweeper: %w", err)
	}
	svc, err := orchestrator.NewService(orchestrator.ServiceOptions{
		Machine: machine,
		Engine:  engine,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	// Startup recovery: reconcile whatever the previous process left behind
	// before accepting traffic.
	summary, err := sweeper.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("startup sweep: %w", err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "startup sweep done"},
		log.KV{K: "total", V: summary.Total},
		log.KV{K: "recovered", V: summary.Recovered},
		log.KV{K: "stale", V: summary.Stale})

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go func() {
		if err := sweeper.Run(sweepCtx, time.Duration(cfg.Pipeline.SweepInterval)); err != nil && sweepCtx.Err() == nil {
			log.Errorf(ctx, err, "sweeper stopped")
		}
	}()

	handler := newHandler(svc, stateClient, checkpointClient, journalClient, dispatchClient)
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf(ctx, "listening on %s", cfg.HTTP.Addr)
		errc <- server.ListenAndServe()
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigc:
		log.Printf(ctx, "received %s, shutting down", sig)
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	}

	stopSweeper()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
