package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/velmie/delivery"
	"github.com/velmie/delivery/adapter/kafka"
	"github.com/velmie/delivery/adapter/ses"
	"github.com/velmie/delivery/adapter/webhook"
	"github.com/velmie/delivery/config"
	"github.com/velmie/delivery/logging"
	"github.com/velmie/delivery/memory"
	"github.com/velmie/delivery/mysql"
	"github.com/velmie/delivery/otelmetrics"
	"github.com/velmie/delivery/postgres"
	"github.com/velmie/delivery/redis"
)

type backend interface {
	delivery.Store
	delivery.RunStore
}

// pipeline is the wired set of components for one command invocation.
type pipeline struct {
	db       *sql.DB
	store    backend
	mysql    *mysql.Store
	postgres *postgres.Store
	locker   delivery.Locker
	options  []delivery.Option
	closers  []func() error
}

func (p *pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		errs = append(errs, p.closers[i]())
	}

	return errors.Join(errs...)
}

func (p *pipeline) enqueuer() *delivery.Enqueuer {
	return delivery.NewEnqueuer(p.store, p.options...)
}

func (p *pipeline) sweeper() *delivery.Sweeper {
	return delivery.NewSweeper(p.store, p.store, p.options...)
}

func (p *pipeline) dispatcher(registry *delivery.Registry) *delivery.Dispatcher {
	return delivery.NewDispatcher(p.store, registry, p.options...)
}

func openDB(cnf config.Configuration) (*sql.DB, error) {
	db, err := sql.Open(cnf.Database.Driver, cnf.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cnf.Database.Driver, err)
	}

	return db, nil
}

// open wires the store, locks, pacing and telemetry described by the configuration.
func (a *app) open(ctx context.Context) (*pipeline, error) {
	cnf := a.cnf
	logger := logging.NewLogrus(a.logger)
	p := &pipeline{}

	switch cnf.Database.Driver {
	case config.DriverMemory:
		store := memory.NewStore()
		p.store, p.locker = store, store
	case config.DriverMySQL:
		db, err := openDB(cnf)
		if err != nil {
			return nil, err
		}
		p.db = db
		p.closers = append(p.closers, db.Close)

		store, err := mysql.NewStore(db, mysql.WithTable(cnf.Database.Table), mysql.WithRunsTable(cnf.Database.RunsTable), mysql.WithLogger(logger))
		if err != nil {
			return nil, errors.Join(err, p.Close())
		}
		locker, err := mysql.NewLocker(db, logger)
		if err != nil {
			return nil, errors.Join(err, p.Close())
		}
		p.store, p.mysql, p.locker = store, store, locker
	case config.DriverPostgres:
		db, err := openDB(cnf)
		if err != nil {
			return nil, err
		}
		p.db = db
		p.closers = append(p.closers, db.Close)

		store, err := postgres.NewStore(db)
		if err != nil {
			return nil, errors.Join(err, p.Close())
		}
		locker, err := postgres.NewLocker(db)
		if err != nil {
			return nil, errors.Join(err, p.Close())
		}
		p.store, p.postgres, p.locker = store, store, locker
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownDriver, cnf.Database.Driver)
	}

	metrics, err := otelmetrics.New(nil)
	if err != nil {
		return nil, errors.Join(err, p.Close())
	}

	p.options = append(cnf.Options(), delivery.WithLogger(logger), delivery.WithMetrics(metrics))

	if cnf.Redis.Addr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: cnf.Redis.Addr, Password: cnf.Redis.Password, DB: cnf.Redis.DB})
		p.closers = append(p.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, errors.Join(fmt.Errorf("ping redis: %w", err), p.Close())
		}

		pacer, err := redis.NewPacer(client)
		if err != nil {
			return nil, errors.Join(err, p.Close())
		}
		locker, err := redis.NewLocker(client, 0)
		if err != nil {
			return nil, errors.Join(err, p.Close())
		}
		p.locker = locker
		p.options = append(p.options, delivery.WithPacer(pacer))
	}
	p.options = append(p.options, delivery.WithLocker(p.locker))

	return p, nil
}

// registry binds the configured provider adapters.
func (a *app) registry(ctx context.Context, p *pipeline) (*delivery.Registry, error) {
	cnf := a.cnf
	registry := delivery.NewRegistry()
	classifiers := []delivery.FailureClassifier{}

	for integration, hook := range cnf.Webhooks {
		opts := []webhook.Option{webhook.WithClient(&http.Client{})}
		for key, value := range hook.Headers {
			opts = append(opts, webhook.WithHeader(key, value))
		}
		adapter, err := webhook.New(hook.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("webhook %s: %w", integration, err)
		}
		registry.Register(integration, adapter)
	}
	if len(cnf.Webhooks) > 0 {
		classifiers = append(classifiers, webhook.PermanentFailures)
	}

	if cnf.SES.From != "" {
		var opts []ses.Option
		if cnf.SES.ConfigurationSet != "" {
			opts = append(opts, ses.WithConfigurationSet(cnf.SES.ConfigurationSet))
		}
		adapter, err := ses.NewFromEnv(ctx, cnf.SES.From, opts...)
		if err != nil {
			return nil, err
		}
		registry.Register(cnf.SES.Integration, adapter)
		classifiers = append(classifiers, ses.PermanentFailures)
	}

	if strings.TrimSpace(cnf.Kafka.Brokers) != "" {
		writer, err := kafka.NewWriter(cnf.Kafka.Brokers, cnf.Kafka.Topic)
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, writer.Close)
		adapter, err := kafka.New(writer, cnf.Kafka.Topic, nil)
		if err != nil {
			return nil, err
		}
		registry.Register(cnf.Kafka.Integration, adapter)
	}

	if len(classifiers) > 0 {
		p.options = append(p.options, delivery.WithFailureClassifier(firstDead(classifiers)))
	}

	return registry, nil
}

// firstDead dead-letters when any classifier asks for it.
func firstDead(classifiers []delivery.FailureClassifier) delivery.FailureClassifier {
	return func(ctx context.Context, record delivery.Record, err error) delivery.FailureAction {
		for _, classify := range classifiers {
			if classify(ctx, record, err) == delivery.FailureDead {
				return delivery.FailureDead
			}
		}

		return delivery.FailureRetry
	}
}
