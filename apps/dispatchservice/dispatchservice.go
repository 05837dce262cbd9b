// consumes dispatch requests from Kafka and runs them against salt-api

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andrej220/saltdispatch/internal/lg"
	"github.com/andrej220/saltdispatch/internal/serverutil"
	"github.com/andrej220/saltdispatch/internal/sink"
	"github.com/andrej220/saltdispatch/pkg/config"
	"github.com/andrej220/saltdispatch/pkg/config/filestore"
	"github.com/andrej220/saltdispatch/pkg/consumer"
	dm "github.com/andrej220/saltdispatch/pkg/shared-models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
)

type flags struct {
	configPath string
	mongo      config.MongoConfig
}

func openConfigStore(ctx context.Context, f flags) (config.Config, error) {
	if f.mongo.URI != "" {
		return config.NewStore(ctx, config.MongoStore, &f.mongo)
	}
	return config.NewStore(ctx, config.FileStore, &config.FileConfig{Path: f.configPath})
}

// watchPoll reloads the poll settings when the configuration changes.
func watchPoll(ctx context.Context, store config.Config, svc *service, logger lg.Logger) {
	if fs, ok := store.(*filestore.FileStore); ok {
		fs.OnWatchError = func(err error) {
			logger.Warn("Configuration watcher error", lg.Err(err))
		}
	}
	err := store.Watch(ctx, func() {
		cfg := NewDispatchServiceConfig()
		if err := config.Load(store, cfg); err != nil {
			logger.Warn("Ignoring invalid configuration change", lg.Err(err))
			return
		}
		svc.setPoll(cfg.Poll)
		logger.Info("Poll settings reloaded",
			lg.Duration("step", cfg.Poll.Step),
			lg.Duration("maxDelay", cfg.Poll.MaxDelay),
			lg.Duration("dispatchTimeout", cfg.Poll.DispatchTimeout))
	})
	if errors.Is(err, config.ErrWatchUnsupported) {
		logger.Info("Configuration store does not support reloading")
		return
	}
	if err != nil {
		logger.Warn("Configuration reloading disabled", lg.Err(err))
	}
}

func buildSinks(ctx context.Context, cfg *DispatchServiceConfig, logger lg.Logger) (sink.Multi, func(), error) {
	var sinks sink.Multi
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Kafka.OutcomeTopic != "" {
		ks := sink.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.OutcomeTopic)
		sinks = append(sinks, ks)
		closers = append(closers, func() { _ = ks.Close() })
	}
	if cfg.Mongo.URI != "" {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		client, err := mongo.Connect(cctx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		if err := client.Ping(cctx, nil); err != nil {
			_ = client.Disconnect(context.Background())
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, sink.NewMongoSink(client.Database(cfg.Mongo.DBName).Collection(cfg.Mongo.Collection)))
		closers = append(closers, func() { _ = client.Disconnect(context.Background()) })
	}
	if cfg.Archive.Dir != "" {
		sinks = append(sinks, sink.NewFileSink(cfg.Archive.Dir))
	}
	if len(sinks) == 0 {
		logger.Warn("No outcome sinks configured; outcomes are only logged")
	}
	return sinks, closeAll, nil
}

func run(ctx context.Context, f flags, logger lg.Logger) error {
	store, err := openConfigStore(ctx, f)
	if err != nil {
		return err
	}
	cfg := NewDispatchServiceConfig()
	if err := config.Load(store, cfg); err != nil {
		return err
	}

	sinks, closeSinks, err := buildSinks(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	svc := newService(cfg, sinks, logger)
	defer svc.stop()
	watchPoll(ctx, store, svc, logger)

	cons := consumer.NewConsumer[dm.DispatchRequest](cfg.Kafka.Config, logger)
	defer cons.Close()

	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Get("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		_ = serverutil.WriteJSON(rw, http.StatusOK, map[string]int32{"activeDispatches": svc.pool.ActiveWorkers()})
	})
	srvCfg := serverutil.DefaultServerConfig()
	srvCfg.Logger = logger
	srvCfg.Port = cfg.Health.Port

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serverutil.RunServer(gctx, mux, srvCfg) })
	g.Go(func() error { return svc.consume(gctx, cons) })

	logger.Info("starting service", lg.String("service", SERVICENAME),
		lg.Strings("brokers", cfg.Kafka.Brokers), lg.String("topic", cfg.Kafka.Topic))
	return g.Wait()
}

func main() {
	fs := flag.NewFlagSet(SERVICENAME, flag.ExitOnError)
	logCfg := lg.RegisterFlags(fs, SERVICENAME)
	var f flags
	fs.StringVar(&f.configPath, "config", CONFIGFILENAME, "path to the YAML configuration")
	fs.StringVar(&f.mongo.URI, "config-mongo-uri", "", "load configuration from MongoDB instead of a file")
	fs.StringVar(&f.mongo.DBName, "config-mongo-db", PROJECTNAME, "configuration database")
	fs.StringVar(&f.mongo.CollName, "config-mongo-collection", "config", "configuration collection")
	fs.StringVar(&f.mongo.ID, "config-mongo-id", SERVICENAME, "configuration document id")
	_ = fs.Parse(os.Args[1:])

	logger := lg.New(logCfg)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, f, logger); err != nil {
		logger.Error("Fatal error", lg.Err(err))
		os.Exit(1)
	}
	logger.Info("service stopped")
}
