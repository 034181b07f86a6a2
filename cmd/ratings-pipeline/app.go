package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Clark-Hu/ratings-pipeline/internal/aggregate"
	"github.com/Clark-Hu/ratings-pipeline/internal/config"
	"github.com/Clark-Hu/ratings-pipeline/internal/ingest"
	"github.com/Clark-Hu/ratings-pipeline/internal/load"
	"github.com/Clark-Hu/ratings-pipeline/internal/metrics"
	"github.com/Clark-Hu/ratings-pipeline/internal/notify"
	"github.com/Clark-Hu/ratings-pipeline/internal/pipeline"
	"github.com/Clark-Hu/ratings-pipeline/internal/quality"
	"github.com/Clark-Hu/ratings-pipeline/internal/quarantine"
	"github.com/Clark-Hu/ratings-pipeline/internal/repository"
	"github.com/Clark-Hu/ratings-pipeline/internal/store"
	"github.com/Clark-Hu/ratings-pipeline/internal/trigger"
)

// app holds the wired pipeline shared by every subcommand.
type app struct {
	cfg       config.Config
	logger    *log.Logger
	store     *store.Store
	repo      *repository.Repository
	registry  *prometheus.Registry
	metrics   *metrics.Pipeline
	refresher *aggregate.Refresher
	policy    pipeline.RefreshPolicy
	trigger   *trigger.Trigger
}

func storeOptions(cfg config.Config, logger *log.Logger) store.Options {
	return store.Options{
		MaxConns:               int32(cfg.DBMaxConns),
		MinConns:               int32(cfg.DBMinConns),
		MaxConnIdleTime:        time.Duration(cfg.DBMaxIdleSecs) * time.Second,
		MaxConnLifetime:        time.Duration(cfg.DBMaxLifeSecs) * time.Second,
		ConnTimeout:            time.Duration(cfg.DBConnTimeoutSecs) * time.Second,
		StatementCacheCapacity: cfg.DBStatementCache,
		Logger:                 logger,
	}
}

func newApp(ctx context.Context, cfg config.Config, logger *log.Logger) (*app, error) {
	policy, err := pipeline.ParseRefreshPolicy(cfg.RefreshPolicy)
	if err != nil {
		return nil, err
	}

	st, err := store.New(ctx, cfg.DBURL, storeOptions(cfg, logger))
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ratings_db_pool_acquired_conns",
			Help: "Connections currently checked out of the Postgres pool",
		}, func() float64 { return float64(st.Stats().AcquiredConns()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ratings_db_pool_total_conns",
			Help: "Connections currently open in the Postgres pool",
		}, func() float64 { return float64(st.Stats().TotalConns()) }),
	)
	m, err := metrics.New(reg)
	if err != nil {
		st.Close()
		return nil, err
	}

	validator, err := quality.NewValidator(quality.DefaultRules(time.Now))
	if err != nil {
		st.Close()
		return nil, err
	}

	repo := repository.New(st)
	refresher := aggregate.NewRefresher(repo.Aggregates, aggregate.Options{
		Timeout:  time.Duration(cfg.RefreshTimeoutSecs) * time.Second,
		CacheTTL: time.Duration(cfg.QueryCacheTTLSecs) * time.Second,
		Observer: m,
		Logger:   logger,
	})

	p := pipeline.New(pipeline.Deps{
		Reader:      ingest.Options{Comma: cfg.CSVDelimiter, MaxRecords: cfg.MaxBatchRecords},
		Router:      quarantine.NewRouter(validator, cfg.ValidationWorkers),
		Quarantine:  repo.Quarantine,
		Loader:      load.NewLoader(repo.Ratings, time.Duration(cfg.LoadTimeoutSecs)*time.Second, logger),
		Refresher:   refresher,
		Policy:      policy,
		LoadRetries: cfg.LoadRetries,
		Metrics:     m,
		Logger:      logger,
	})

	notifiers := []notify.Notifier{notify.NewLog(logger)}
	if len(cfg.NotifyURLs) > 0 {
		sn, err := notify.NewShoutrrr(cfg.NotifyURLs, time.Duration(cfg.NotifyTimeoutSecs)*time.Second, cfg.NotifyOnlyProblems)
		if err != nil {
			st.Close()
			return nil, err
		}
		notifiers = append(notifiers, sn)
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		repo:      repo,
		registry:  reg,
		metrics:   m,
		refresher: refresher,
		policy:    policy,
		trigger: trigger.New(p, notify.NewFanout(m, logger, notifiers...), trigger.Options{
			MaxBytes:      cfg.MaxBatchBytes,
			NotifyTimeout: time.Duration(cfg.NotifyTimeoutSecs) * time.Second,
			Logger:        logger,
		}),
	}, nil
}

func (a *app) Close() {
	a.store.Close()
}
