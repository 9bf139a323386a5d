package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/posterrama/devicehub/internal/api"
	"github.com/posterrama/devicehub/internal/audit"
	"github.com/posterrama/devicehub/internal/broadcast"
	"github.com/posterrama/devicehub/internal/device"
	"github.com/posterrama/devicehub/internal/hub"
	"github.com/posterrama/devicehub/internal/infrastructure/config"
	"github.com/posterrama/devicehub/internal/infrastructure/database"
	"github.com/posterrama/devicehub/internal/infrastructure/influxdb"
	"github.com/posterrama/devicehub/internal/infrastructure/logging"
	"github.com/posterrama/devicehub/internal/infrastructure/mqtt"
	"github.com/posterrama/devicehub/internal/presence"
	"github.com/posterrama/devicehub/migrations"
)

// presenceFlushTimeout bounds how long shutdown waits for the last
// disconnect events to reach MQTT and InfluxDB.
const presenceFlushTimeout = 5 * time.Second

// run serves until ctx is cancelled, then shuts components down in
// dependency order.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting devicehub",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "site", cfg.Site.ID)

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database ready", "path", cfg.Database.Path)

	store := device.NewSQLiteStore(db.DB)
	checks := map[string]api.HealthChecker{"database": db}

	notifierOpts := presence.Options{Logger: log}

	if cfg.MQTT.Enabled {
		mqttClient, mqttErr := mqtt.Connect(cfg.MQTT)
		if mqttErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", mqttErr)
		}
		mqttClient.SetLogger(log)
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
		notifierOpts.Publisher = mqttClient
		notifierOpts.Topics = mqttClient.Topics()
		checks["mqtt"] = mqttClient
	} else {
		log.Info("MQTT disabled, presence will only be logged")
	}

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "org", cfg.InfluxDB.Org, "bucket", cfg.InfluxDB.Bucket)
		notifierOpts.Points = influxClient
		checks["influxdb"] = influxClient
	} else {
		log.Info("InfluxDB disabled")
	}

	notifier := presence.New(notifierOpts)
	notifierCtx, stopNotifier := context.WithCancel(context.Background())
	notifierDone := make(chan struct{})
	go func() {
		defer close(notifierDone)
		notifier.Run(notifierCtx)
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	h, err := hub.New(hub.Options{
		Config:    cfg.Hub,
		WebSocket: cfg.WebSocket,
		Verifier:  device.NewSecretVerifier(store),
		Observer:  notifier,
		Queue:     store,
		Logger:    log.With("component", "hub"),
		Metrics:   hub.NewMetrics(reg),
	})
	if err != nil {
		stopNotifier()
		return fmt.Errorf("creating hub: %w", err)
	}

	coordinator := broadcast.New(h, store, cfg.Broadcast, log.With("component", "broadcast"), broadcast.NewMetrics(reg))
	if influxClient != nil {
		coordinator.SetRecorder(influxClient)
	}

	server, err := api.New(api.Deps{
		Config:    cfg.API,
		WebSocket: cfg.WebSocket,
		Security:  cfg.Security,
		Logger:    log,
		Hub:       h,
		Groups:    coordinator,
		Directory: store,
		Audit:     audit.NewSQLiteRepository(db.DB),
		Gatherer:  reg,
		Checks:    checks,
		Version:   version,
	})
	if err != nil {
		h.Close()
		stopNotifier()
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		h.Close()
		stopNotifier()
		return fmt.Errorf("starting API server: %w", err)
	}

	log.Info("devicehub ready", "port", cfg.API.Port, "websocket", cfg.WebSocket.Path)

	<-ctx.Done()
	log.Info("shutdown signal received")

	if err := server.Close(); err != nil {
		log.Error("error closing API server", "error", err)
	}
	h.Close()

	// h.Close returns once every disconnect is queued; flush them before
	// the MQTT and InfluxDB clients close.
	stopNotifier()
	select {
	case <-notifierDone:
	case <-time.After(presenceFlushTimeout):
		log.Warn("presence notifier did not drain in time")
	}

	log.Info("devicehub stopped")
	return nil
}

// openDatabase opens the SQLite file and applies embedded migrations.
func openDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		return nil, errors.Join(fmt.Errorf("running migrations: %w", err), db.Close())
	}
	return db, nil
}
