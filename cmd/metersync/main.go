// MeterSync - BACnet meter reading sync agent
//
// This is the main entry point for the metersync agent. The agent reads
// energy and flow meters over a site BACnet gateway, queues the readings
// durably, and uploads them to the client's head-end system, riding out
// outages on either side without losing data.
//
// The pipeline is: collect (scheduler -> runner -> coordinator -> gateway)
// into the reading queue, then uplink (manager -> remote API) out of it.
// MQTT status reporting, the local HTTP API and the InfluxDB mirror are
// sidebands; none of them sit between a meter and an upload.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/meterpoint/metersync/migrations"

	"github.com/meterpoint/metersync/internal/api"
	"github.com/meterpoint/metersync/internal/bacnet"
	"github.com/meterpoint/metersync/internal/collect"
	"github.com/meterpoint/metersync/internal/infrastructure/config"
	"github.com/meterpoint/metersync/internal/infrastructure/database"
	"github.com/meterpoint/metersync/internal/infrastructure/influxdb"
	"github.com/meterpoint/metersync/internal/infrastructure/logging"
	"github.com/meterpoint/metersync/internal/infrastructure/mqtt"
	"github.com/meterpoint/metersync/internal/reading"
	"github.com/meterpoint/metersync/internal/status"
	"github.com/meterpoint/metersync/internal/uplink"
)

// Stamped via -ldflags at release build time; these values mark a dev
// build.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// defaultConfigPath is used when METERSYNC_CONFIG is unset.
const defaultConfigPath = "configs/config.yaml"

// agentMetrics registers with the default Prometheus registerer exactly
// once per process, so run() can be re-entered without collector
// registration panics. Served by the API's /metrics endpoint.
var agentMetrics = status.NewMetrics(nil)

func main() {
	// SIGINT/SIGTERM cancel ctx; every component below hangs its
	// shutdown off that.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "metersync: %v\n", err)
		os.Exit(1)
	}
}

// run wires and starts the agent, then blocks until ctx is cancelled.
// It returns rather than exiting so main owns the process exit code.
func run(ctx context.Context) error {
	// Bootstrap logger; replaced once config says how to log.
	log := logging.Default()
	log.Info("starting metersync agent",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath, "agent_id", cfg.Agent.ID)

	// Config is known; switch to the configured handler.
	log = logging.New(cfg.Logging, version)
	log.Info("logging configured",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open the reading queue. SQLite is the default; Postgres serves
	// sites that already run one.
	var queue reading.Queue
	switch cfg.Queue.Driver {
	case "postgres":
		pg, pgErr := reading.OpenPostgres(cfg.Queue.Postgres.DSN, cfg.Queue.Postgres.MaxOpenConns)
		if pgErr != nil {
			return fmt.Errorf("opening postgres queue: %w", pgErr)
		}
		defer func() {
			log.Info("closing postgres queue")
			if closeErr := pg.Close(); closeErr != nil {
				log.Error("error closing postgres queue", "error", closeErr)
			}
		}()

		pgQueue := reading.NewPostgresQueue(pg)
		if schemaErr := pgQueue.EnsureSchema(ctx); schemaErr != nil {
			return fmt.Errorf("ensuring postgres schema: %w", schemaErr)
		}
		queue = pgQueue
		log.Info("postgres queue ready")

	default:
		db, dbErr := database.Open(database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if dbErr != nil {
			return fmt.Errorf("opening database: %w", dbErr)
		}
		defer func() {
			log.Info("closing sqlite queue")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing sqlite queue", "error", closeErr)
			}
		}()

		if migrateErr := db.Migrate(ctx); migrateErr != nil {
			return fmt.Errorf("applying migrations: %w", migrateErr)
		}
		queue = reading.NewSQLiteQueue(db)
		log.Info("sqlite queue ready", "path", cfg.Database.Path)
	}

	// Device inventory
	devices, err := collect.BuildDevices(cfg.Devices)
	if err != nil {
		return fmt.Errorf("building device inventory: %w", err)
	}
	log.Info("device inventory loaded", "devices", len(devices))

	// Uplink client, upload manager, connectivity monitor. The manager's
	// OnCycle hook feeds the tracker created below; no cycle can run
	// before Start, so the late assignment is safe.
	remote, err := uplink.NewClient(uplink.ClientConfig{
		BaseURL: cfg.Uplink.URL,
		Token:   cfg.Uplink.Token,
		Timeout: cfg.GetRequestTimeout(),
		Logger:  log,
	})
	if err != nil {
		return fmt.Errorf("creating uplink client: %w", err)
	}

	var tracker *status.Tracker

	manager, err := uplink.NewManager(uplink.ManagerOptions{
		Queue:        queue,
		Remote:       remote,
		Logger:       log,
		Interval:     cfg.GetUploadInterval(),
		BatchSize:    cfg.Uplink.UploadBatchSize,
		RetryBase:    cfg.GetRetryBase(),
		RetryCeiling: cfg.GetRetryCeiling(),
		OnCycle:      func(cs uplink.CycleStats) { tracker.RecordUploadCycle(cs) },
	})
	if err != nil {
		return fmt.Errorf("creating upload manager: %w", err)
	}

	monitor, err := uplink.NewMonitor(uplink.MonitorConfig{
		Remote:       remote,
		Logger:       log,
		PollInterval: cfg.GetConnectivityPoll(),
		OnConnect:    manager.HandleReconnect,
	})
	if err != nil {
		return fmt.Errorf("creating connectivity monitor: %w", err)
	}

	// Status tracker feeding both MQTT snapshots and Prometheus
	tracker, err = status.NewTracker(status.TrackerOptions{
		AgentID:      cfg.Agent.ID,
		SiteID:       cfg.Agent.SiteID,
		Version:      version,
		Queue:        queue,
		Connectivity: monitor,
		Uploader:     manager,
		Metrics:      agentMetrics,
		Logger:       log,
	})
	if err != nil {
		return fmt.Errorf("creating status tracker: %w", err)
	}
	tracker.RegisterDevices(devices)

	// BACnet transport: the site gateway, or the simulator for bench work
	var transport bacnet.Transport
	if cfg.BACnet.Driver == "simulator" {
		transport = bacnet.NewSimTransport(devices)
		log.Info("BACnet simulator transport active")
	} else {
		transport, err = bacnet.NewIPTransport(bacnet.GatewayConfig{
			Address: cfg.BACnet.GatewayAddress,
			Logger:  log,
		})
		if err != nil {
			return fmt.Errorf("connecting to BACnet gateway: %w", err)
		}
		log.Info("BACnet gateway connected", "address", cfg.BACnet.GatewayAddress)
	}
	defer func() {
		log.Info("closing BACnet transport")
		if closeErr := transport.Close(); closeErr != nil {
			log.Error("error closing BACnet transport", "error", closeErr)
		}
	}()

	sizer := bacnet.NewBatchSizer(bacnet.BatchSizerConfig{
		Enabled:         cfg.Collection.AdaptiveBatchSizing,
		MinSize:         cfg.Collection.MinBatchSize,
		GrowthThreshold: cfg.Collection.BatchGrowthThreshold,
	})

	coordinator, err := bacnet.NewCoordinator(bacnet.CoordinatorOptions{
		Transport:                transport,
		Sizer:                    sizer,
		Logger:                   log,
		BatchReadTimeout:         cfg.GetBatchReadTimeout(),
		SequentialReadTimeout:    cfg.GetSequentialReadTimeout(),
		ConnectivityCheckTimeout: cfg.GetConnectivityCheckTimeout(),
		EnableConnectivityCheck:  cfg.Collection.EnableConnectivityCheck,
		EnableSequentialFallback: cfg.Collection.EnableSequentialFallback,
	})
	if err != nil {
		return fmt.Errorf("creating read coordinator: %w", err)
	}

	// Connect to InfluxDB (optional local readings mirror)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("opening InfluxDB mirror: %w", err)
		}
		defer func() {
			log.Info("flushing InfluxDB mirror")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("InfluxDB close failed", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB mirror write failed", "error", err)
		})
		log.Info("InfluxDB mirror connected",
			"url", cfg.InfluxDB.URL,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB mirror disabled")
	}

	// Collection runner and scheduler
	runnerOpts := collect.RunnerOptions{
		Collector:   coordinator,
		Queue:       queue,
		Logger:      log,
		Devices:     devices,
		Concurrency: cfg.Collection.DeviceConcurrency,
		OnResult:    tracker.RecordDeviceResult,
		OnSummary:   tracker.RecordCollectionSummary,
	}
	if influxClient != nil {
		runnerOpts.Mirror = influxClient
	}
	runner, err := collect.NewRunner(runnerOpts)
	if err != nil {
		return fmt.Errorf("creating collection runner: %w", err)
	}

	scheduler, err := collect.NewScheduler(collect.SchedulerOptions{
		Runner:   runner,
		Schedule: cfg.Collection.Schedule,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("creating collection scheduler: %w", err)
	}

	// Start the pipeline
	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("starting connectivity monitor: %w", err)
	}
	defer func() {
		log.Info("stopping connectivity monitor")
		monitor.Stop()
	}()

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("starting upload manager: %w", err)
	}
	defer func() {
		log.Info("stopping upload manager")
		manager.Stop()
	}()

	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting collection scheduler: %w", err)
	}
	defer func() {
		log.Info("stopping collection scheduler")
		scheduler.Stop()
	}()
	log.Info("collection scheduled",
		"schedule", cfg.Collection.Schedule,
		"next_run", scheduler.NextRun(),
	)

	// Connect to MQTT broker (optional status sideband)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT, cfg.Agent.ID)
		if err != nil {
			return fmt.Errorf("dialling MQTT broker: %w", err)
		}
		defer func() {
			log.Info("closing MQTT client")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("MQTT close failed", "error", closeErr)
			}
		}()
		log.Info("MQTT broker connected",
			"host", cfg.MQTT.Broker.Host,
			"port", cfg.MQTT.Broker.Port,
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT session restored")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT connection lost", "error", err)
		})

		// Retained status snapshots for the fleet dashboard
		reporter, repErr := status.NewReporter(status.ReporterConfig{
			Tracker:   tracker,
			Publisher: mqttClient,
			Topic:     mqttClient.Topics().Status(),
			QoS:       byte(cfg.MQTT.QoS),
			Logger:    log,
		})
		if repErr != nil {
			return fmt.Errorf("creating status reporter: %w", repErr)
		}
		reporter.Start(ctx)
		defer func() {
			log.Info("stopping status reporter")
			reporter.Stop()
		}()

		// Remote upload/collect commands from the head end
		listener, cmdErr := status.NewCommandListener(status.CommandListenerConfig{
			Subscriber: mqttClient,
			Topics:     mqttClient.Topics(),
			Uploader:   manager,
			Collector:  runner,
			QoS:        byte(cfg.MQTT.QoS),
			Logger:     log,
		})
		if cmdErr != nil {
			return fmt.Errorf("creating command listener: %w", cmdErr)
		}
		if cmdErr := listener.Start(ctx); cmdErr != nil {
			log.Warn("command listener failed to start (remote triggers unavailable)", "error", cmdErr)
		}
	} else {
		log.Info("MQTT disabled")
	}

	// Start the local API (optional)
	if cfg.API.Enabled {
		apiServer, apiErr := api.New(api.Deps{
			Config:    cfg.API,
			Logger:    log,
			Tracker:   tracker,
			Uploader:  manager,
			Collector: runner,
			Version:   version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
		log.Info("API server listening", "host", cfg.API.Host, "port", cfg.API.Port)
	} else {
		log.Info("API disabled")
	}

	// One probe of everything just wired, before declaring the agent up.
	if err := healthCheck(ctx, queue, mqttClient, influxClient); err != nil {
		return fmt.Errorf("startup probe: %w", err)
	}
	log.Info("startup probes passed")

	log.Info("startup complete")

	<-ctx.Done()

	log.Info("shutting down")

	// Deferred Close() calls run in reverse order: API, status reporter,
	// MQTT, scheduler, manager, monitor, InfluxDB, transport, queue.

	log.Info("metersync agent stopped")
	return nil
}

// getConfigPath honours METERSYNC_CONFIG, falling back to the in-repo
// default path.
func getConfigPath() string {
	if path := os.Getenv("METERSYNC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck probes the stores and sidebands just wired. The queue is
// probed through Stats, which exercises whichever store backs it; nil
// clients mean the sideband is disabled. Uplink reachability is
// deliberately not checked: the agent must come up and collect even
// when the head end is down.
func healthCheck(ctx context.Context, queue reading.Queue, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if _, err := queue.Stats(ctx); err != nil {
		return fmt.Errorf("queue probe: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt probe: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb probe: %w", err)
		}
	}

	return nil
}
