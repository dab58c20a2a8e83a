package main

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/dispenser-relay/internal/api"
	"github.com/nerrad567/dispenser-relay/internal/devicelink"
	"github.com/nerrad567/dispenser-relay/internal/gateway"
	"github.com/nerrad567/dispenser-relay/internal/hub"
	"github.com/nerrad567/dispenser-relay/internal/infrastructure/config"
	"github.com/nerrad567/dispenser-relay/internal/infrastructure/database"
	"github.com/nerrad567/dispenser-relay/internal/infrastructure/influxdb"
	"github.com/nerrad567/dispenser-relay/internal/infrastructure/logging"
	"github.com/nerrad567/dispenser-relay/internal/infrastructure/mqtt"
	"github.com/nerrad567/dispenser-relay/internal/report"
	"github.com/nerrad567/dispenser-relay/internal/store"
	"github.com/nerrad567/dispenser-relay/migrations"
)

// startupCheckTimeout bounds the health checks run before serving.
const startupCheckTimeout = 5 * time.Second

// run is the relay runtime, separated from main for testability. It
// returns nil on a clean shutdown after ctx is cancelled.
//
// A serial port that cannot be opened is not fatal: the relay keeps
// serving reads and answers frequency changes with 503.
func run(ctx context.Context, configPath string, linkOpts ...devicelink.Option) error {
	log := logging.Default()
	log.Info("starting dispenser relay",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"site", cfg.Site.ID,
		"timezone", cfg.Location().String(),
	)

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	if err := db.Migrate(ctx, migrations.Source()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	st := store.NewSQLiteStore(db.DB, store.WithQueryTimeout(cfg.GetQueryTimeout()))

	link := devicelink.New(devicelink.Config{
		Path:     cfg.Serial.Path,
		BaudRate: cfg.Serial.BaudRate,
	}, log, linkOpts...)
	if err := link.Open(); err != nil {
		log.Error("device link unavailable, continuing without it", "error", err)
	}
	defer func() {
		if closeErr := link.Close(); closeErr != nil {
			log.Error("error closing device link", "error", closeErr)
		}
	}()

	h := hub.New(hub.Config{
		PingInterval:   cfg.GetPingInterval(),
		WriteTimeout:   time.Duration(cfg.WebSocket.WriteTimeout) * time.Second,
		SendBuffer:     cfg.WebSocket.SendBuffer,
		MaxMessageSize: int64(cfg.WebSocket.MaxMessageSize),
	}, log)

	gw := gateway.New(st, link, h, log, gateway.WithLocation(cfg.Location()))

	var (
		mqttClient   *mqtt.Client
		mirror       *mqtt.Mirror
		influxClient *influxdb.Client
		sinks        []report.Option
	)
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT, log)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()

		mirror = mqtt.NewMirror(mqttClient, mqttClient.Topics(), byte(cfg.MQTT.QoS), log)
		mqttClient.SetOnConnect(mirror.Resync)
		mqttClient.SetOnDisconnect(mirror.Offline)
		gw.AddObserver(mirror)
		sinks = append(sinks, report.WithSink(mirror))
	} else {
		log.Info("MQTT disabled")
	}

	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB, cfg.Site.ID)
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
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)

		gw.AddObserver(influxClient)
		sinks = append(sinks, report.WithSink(influxClient))
	} else {
		log.Info("InfluxDB disabled")
	}

	var scheduler *report.Scheduler
	if cfg.Report.Enabled {
		opts := append([]report.Option{report.WithLocation(cfg.Location())}, sinks...)
		scheduler, err = report.New(st, cfg.Report.Schedule, log, opts...)
		if err != nil {
			return fmt.Errorf("creating daily report: %w", err)
		}
	}

	if err := healthCheck(ctx, db, mqttClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	deps := api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Logger:   log,
		Gateway:  gw,
		Database: db,
		Link:     link,
		Hub:      h,
		Version:  version,
	}
	if mqttClient != nil {
		deps.MQTT = mqttClient
	}
	if influxClient != nil {
		deps.InfluxDB = influxClient
	}
	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Run(gctx, link.Events(gctx)) })
	g.Go(func() error { return h.Run(gctx) })
	if mirror != nil {
		g.Go(func() error { return mirror.Run(gctx, gw) })
	}
	if scheduler != nil {
		g.Go(func() error { return scheduler.Run(gctx) })
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("dispenser relay stopped")
	return nil
}

// healthCheck verifies required connections before serving.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client) error {
	ctx, cancel := context.WithTimeout(ctx, startupCheckTimeout)
	defer cancel()

	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	return nil
}
