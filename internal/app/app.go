// Package app wires the Event Store, the Subscription Store and the
// Subscription Engine together, according to a config.Config.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/firestore"
	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	eventuallybadger "github.com/get-eventually/go-subscriptions/badger"
	"github.com/get-eventually/go-subscriptions/engine"
	"github.com/get-eventually/go-subscriptions/event"
	eventuallyfirestore "github.com/get-eventually/go-subscriptions/firestore"
	"github.com/get-eventually/go-subscriptions/internal/config"
	"github.com/get-eventually/go-subscriptions/logger"
	"github.com/get-eventually/go-subscriptions/message"
	"github.com/get-eventually/go-subscriptions/mongodb"
	"github.com/get-eventually/go-subscriptions/opentelemetry"
	"github.com/get-eventually/go-subscriptions/postgres"
	"github.com/get-eventually/go-subscriptions/serde"
	"github.com/get-eventually/go-subscriptions/subscriber"
	"github.com/get-eventually/go-subscriptions/subscription"
	"github.com/get-eventually/go-subscriptions/subscription/retry"
)

// App holds the components built from the configuration.
type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	EventStore    event.Store
	Subscriptions subscription.Store
	Subscribers   *subscriber.Registry
	Engine        engine.Engine

	closers []func() error
}

// Options contains the dependencies of an App that don't come
// from the configuration.
type Options struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// Serde decodes the Events stored in the postgres and firestore
	// Event Stores.
	Serde serde.Serde[message.Message, serde.Named]

	Accessors []*subscriber.Accessor
}

// New builds an App from the configuration.
//
// Resources opened so far are released if any of the components fails to build.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}

	app := &App{Config: cfg, Logger: opts.Logger}

	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	if app.Subscribers, err = subscriber.NewRegistry(opts.Accessors...); err != nil {
		return nil, fmt.Errorf("app.New: failed to register subscribers, %w", err)
	}

	var pool *pgxpool.Pool
	if cfg.EventStore == config.BackendPostgres || cfg.SubscriptionStore == config.BackendPostgres {
		if pool, err = app.openPostgres(ctx); err != nil {
			return nil, err
		}
	}

	var client *firestore.Client
	if cfg.EventStore == config.BackendFirestore || cfg.SubscriptionStore == config.BackendFirestore {
		if client, err = firestore.NewClient(ctx, cfg.Firestore.ProjectID); err != nil {
			return nil, fmt.Errorf("app.New: failed to create firestore client, %w", err)
		}

		app.closers = append(app.closers, client.Close)
	}

	var mongoClient *mongo.Client
	if cfg.EventStore == config.BackendMongoDB || cfg.SubscriptionStore == config.BackendMongoDB {
		if mongoClient, err = app.openMongoDB(ctx); err != nil {
			return nil, err
		}
	}

	switch cfg.EventStore {
	case config.BackendPostgres:
		app.EventStore = postgres.EventStore{Conn: pool, Serde: opts.Serde}
	case config.BackendFirestore:
		app.EventStore = eventuallyfirestore.EventStore{
			Client:           client,
			Serde:            opts.Serde,
			CollectionPrefix: cfg.Firestore.CollectionPrefix,
		}
	case config.BackendMongoDB:
		eventStore := mongodb.EventStore{Client: mongoClient, DatabaseName: cfg.MongoDB.Database, Serde: opts.Serde}
		if err := eventStore.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("app.New: %w", err)
		}

		app.EventStore = eventStore
	default:
		app.EventStore = event.NewInMemoryStore()
	}

	switch cfg.SubscriptionStore {
	case config.BackendPostgres:
		app.Subscriptions = postgres.SubscriptionStore{Conn: pool, LockKey: cfg.Postgres.LockKey}
	case config.BackendFirestore:
		app.Subscriptions = eventuallyfirestore.NewSubscriptionStore(client,
			eventuallyfirestore.WithCollectionPrefix(cfg.Firestore.CollectionPrefix),
			eventuallyfirestore.WithLeaseDuration(cfg.Firestore.LeaseDuration),
			eventuallyfirestore.WithClock(opts.Clock),
			eventuallyfirestore.WithLogger(app.Logger),
		)
	case config.BackendMongoDB:
		app.Subscriptions = mongodb.NewSubscriptionStore(mongoClient, cfg.MongoDB.Database,
			mongodb.WithLeaseDuration(cfg.MongoDB.LeaseDuration),
			mongodb.WithClock(opts.Clock),
			mongodb.WithLogger(app.Logger),
		)
	case config.BackendBadger:
		if app.Subscriptions, err = app.openBadger(); err != nil {
			return nil, err
		}
	default:
		app.Subscriptions = subscription.NewInMemoryStore()
	}

	if err := app.buildEngine(opts); err != nil {
		return nil, err
	}

	return app, nil
}

func (app *App) openPostgres(ctx context.Context) (*pgxpool.Pool, error) {
	if app.Config.Postgres.RunMigrations {
		if err := postgres.RunMigrations(app.Config.Postgres.DSN); err != nil {
			return nil, fmt.Errorf("app.New: failed to run migrations, %w", err)
		}
	}

	pool, err := pgxpool.New(ctx, app.Config.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("app.New: failed to connect to postgres, %w", err)
	}

	app.closers = append(app.closers, func() error {
		pool.Close()
		return nil
	})

	return pool, nil
}

func (app *App) openMongoDB(ctx context.Context) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(app.Config.MongoDB.URI))
	if err != nil {
		return nil, fmt.Errorf("app.New: failed to connect to mongodb, %w", err)
	}

	app.closers = append(app.closers, func() error {
		return client.Disconnect(context.Background())
	})

	return client, nil
}

func (app *App) openBadger() (*eventuallybadger.SubscriptionStore, error) {
	opts := badger.DefaultOptions(app.Config.Badger.Dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("app.New: failed to open badger database, %w", err)
	}

	app.closers = append(app.closers, db.Close)

	return eventuallybadger.NewSubscriptionStore(db), nil
}

func (app *App) buildEngine(opts Options) error {
	cfg := app.Config

	eventStore := app.EventStore
	if cfg.Telemetry.Enabled {
		instrumented, err := opentelemetry.NewInstrumentedEventStore(eventStore)
		if err != nil {
			return fmt.Errorf("app.New: failed to instrument event store, %w", err)
		}

		eventStore = instrumented
	}

	strategy := retry.ClockBased{
		Clock:       opts.Clock,
		BaseDelay:   cfg.Engine.Retry.BaseDelay,
		DelayFactor: cfg.Engine.Retry.Factor,
		MaxAttempts: cfg.Engine.Retry.MaxAttempts,
	}

	var eng engine.Engine = engine.NewDefaultEngine(eventStore, app.Subscriptions, app.Subscribers,
		engine.WithLogger(app.Logger),
		engine.WithClock(opts.Clock),
		engine.WithRetryStrategy(strategy),
		engine.WithLockTimeout(cfg.Engine.LockTimeout),
	)

	if cfg.Telemetry.Enabled {
		instrumented, err := opentelemetry.NewInstrumentedEngine(eng)
		if err != nil {
			return fmt.Errorf("app.New: failed to instrument engine, %w", err)
		}

		eng = instrumented
	}

	if cfg.Engine.CatchUpIterations > 0 {
		eng = engine.CatchUpEngine{Engine: eng, Iterations: cfg.Engine.CatchUpIterations}
	}

	app.Engine = eng

	return nil
}

// Worker returns an engine.Worker configured from the App configuration.
func (app *App) Worker(criteria engine.Criteria) engine.Worker {
	return engine.Worker{
		Engine:       app.Engine,
		Criteria:     criteria,
		Logger:       app.Logger,
		MessageLimit: app.Config.Engine.MessageLimit,
		PullEvery:    app.Config.Worker.PullEvery,
		MaxInterval:  app.Config.Worker.MaxInterval,
	}
}

// Close releases the resources opened by the App, in reverse order.
func (app *App) Close() error {
	var result *multierror.Error

	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}

	app.closers = nil

	return result.ErrorOrNil()
}
