package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	apihttp "parkfleet-cloud/internal/api/http"
	"parkfleet-cloud/internal/audit"
	"parkfleet-cloud/internal/auth"
	deliveryapp "parkfleet-cloud/internal/delivery/application"
	"parkfleet-cloud/internal/devices"
	downlinkapp "parkfleet-cloud/internal/downlink/application"
	downlinkevents "parkfleet-cloud/internal/downlink/application/events"
	downlinkrepo "parkfleet-cloud/internal/downlink/infrastructure/postgres"
	downlinkinterfaces "parkfleet-cloud/internal/downlink/interfaces"
	"parkfleet-cloud/internal/eventing"
	"parkfleet-cloud/internal/eventing/eventbus"
	eventingrepo "parkfleet-cloud/internal/eventing/infrastructure/postgres"
	fleetapp "parkfleet-cloud/internal/fleet/application"
	fleetrepo "parkfleet-cloud/internal/fleet/infrastructure/postgres"
	"parkfleet-cloud/internal/nsadapter"
	"parkfleet-cloud/internal/observability/metrics"
	occupancyapp "parkfleet-cloud/internal/occupancy/application"
	occupancyrepo "parkfleet-cloud/internal/occupancy/infrastructure/postgres"
	occupancyinterfaces "parkfleet-cloud/internal/occupancy/interfaces"
	"parkfleet-cloud/internal/ratelimit"
	ratelimitrepo "parkfleet-cloud/internal/ratelimit/postgres"
	reconcileapp "parkfleet-cloud/internal/reconcile/application"
	reconcilerepo "parkfleet-cloud/internal/reconcile/infrastructure/postgres"
	reconcileinterfaces "parkfleet-cloud/internal/reconcile/interfaces"
	uplinkapp "parkfleet-cloud/internal/uplink/application"
	uplinkevents "parkfleet-cloud/internal/uplink/application/events"
	uplinkhttp "parkfleet-cloud/internal/uplink/interfaces/http"
	uplinkmqtt "parkfleet-cloud/internal/uplink/interfaces/mqtt"
	"parkfleet-cloud/internal/verification"
	verificationrepo "parkfleet-cloud/internal/verification/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init(db, logger)
	spaceChecker := auth.NewSpaceChecker(db)
	auditRepo, err := audit.NewRepository(db)
	if err != nil {
		logger.Fatalf("audit repository error: %v", err)
	}

	spaceRepo := fleetrepo.NewSpaceRepository(db)
	reservationRepo := fleetrepo.NewReservationRepository(db)
	directory, err := fleetapp.NewDirectory(spaceRepo, reservationRepo)
	if err != nil {
		logger.Fatalf("fleet directory error: %v", err)
	}

	baseBus := eventbus.NewInMemoryBus()
	registry := eventing.NewRegistry()
	registry.Register(downlinkevents.CommandDelivered{})
	registry.Register(downlinkevents.CommandDeadLettered{})
	registry.Register(downlinkevents.CommandVerified{})
	registry.Register(uplinkevents.SensorReadingReceived{})
	registry.Register(uplinkevents.AckReceived{})

	outboxStore := eventingrepo.NewOutboxStore(db)
	processedStore := eventingrepo.NewProcessedStore(db)
	dlqStore := eventingrepo.NewDLQStore(db)
	dispatcher := eventing.NewDispatcher(baseBus, outboxStore, registry, dlqStore)
	publisher := eventing.NewPublisher(outboxStore, dispatcher, cfg.TenantID, baseBus)

	commandStore, err := downlinkrepo.NewStore(db)
	if err != nil {
		logger.Fatalf("downlink store error: %v", err)
	}
	queue, err := downlinkapp.NewQueue(commandStore, publisher, logger)
	if err != nil {
		logger.Fatalf("downlink queue error: %v", err)
	}

	codecs := devices.NewRegistry()

	occupancyStore, err := occupancyrepo.NewRepository(db)
	if err != nil {
		logger.Fatalf("occupancy repository error: %v", err)
	}
	occupancyService, err := occupancyapp.NewService(occupancyStore, directory, queue, codecs, auditRepo, logger)
	if err != nil {
		logger.Fatalf("occupancy service error: %v", err)
	}

	nsClient, err := nsadapter.NewClient(cfg.NSBaseURL, cfg.NSToken)
	if err != nil {
		logger.Fatalf("network server client error: %v", err)
	}

	limiterStore, err := ratelimitrepo.NewStore(db)
	if err != nil {
		logger.Fatalf("rate limit store error: %v", err)
	}
	gatewayLimiter, err := ratelimit.NewLimiter(limiterStore, cfg.GatewayRatePerMinute)
	if err != nil {
		logger.Fatalf("gateway limiter error: %v", err)
	}
	tenantLimiter, err := ratelimit.NewLimiter(limiterStore, cfg.TenantRatePerMinute)
	if err != nil {
		logger.Fatalf("tenant limiter error: %v", err)
	}

	expectationStore, err := verificationrepo.NewStore(db)
	if err != nil {
		logger.Fatalf("verification store error: %v", err)
	}
	tracker, err := verification.NewTracker(expectationStore, queue, publisher, logger)
	if err != nil {
		logger.Fatalf("verification tracker error: %v", err)
	}

	worker, err := deliveryapp.NewWorker(queue, nsClient, gatewayLimiter, tenantLimiter, tracker, logger)
	if err != nil {
		logger.Fatalf("delivery worker error: %v", err)
	}

	ingest, err := uplinkapp.NewIngest(directory, occupancyService, tracker, codecs, publisher, logger)
	if err != nil {
		logger.Fatalf("uplink ingest error: %v", err)
	}
	uplinkHandler, err := uplinkhttp.NewHandler(ingest)
	if err != nil {
		logger.Fatalf("uplink handler error: %v", err)
	}

	reconcileCfg, err := reconcileapp.LoadConfig()
	if err != nil {
		logger.Fatalf("reconcile config error: %v", err)
	}
	reportRepo, err := reconcilerepo.NewReportRepository(db)
	if err != nil {
		logger.Fatalf("reconcile report repository error: %v", err)
	}
	loop, err := reconcileapp.NewLoop(reconcileCfg, directory, occupancyService, queue, codecs, reportRepo, logger,
		reconcileapp.WithQueueFlusher(nsClient))
	if err != nil {
		logger.Fatalf("reconcile loop error: %v", err)
	}

	commandHandler, err := downlinkinterfaces.NewCommandHandler(queue, directory, codecs, nsClient, spaceChecker, auditRepo)
	if err != nil {
		logger.Fatalf("command handler error: %v", err)
	}
	spaceHandler, err := occupancyinterfaces.NewSpaceHandler(occupancyService, directory)
	if err != nil {
		logger.Fatalf("space handler error: %v", err)
	}
	reportHandler, err := reconcileinterfaces.NewReportHandler(loop, reportRepo, auditRepo)
	if err != nil {
		logger.Fatalf("report handler error: %v", err)
	}

	broker := apihttp.NewSSEBroker()
	broker.Attach(publisher)

	eventing.Subscribe(baseBus, eventbus.EventTypeOf[downlinkevents.CommandDeadLettered](), "downlink.deadletter.log", func(ctx context.Context, event any) error {
		evt, ok := event.(downlinkevents.CommandDeadLettered)
		if !ok {
			return eventbus.ErrInvalidEventType
		}
		logger.Printf("dead letter: command=%s destination=%s attempts=%d reason=%s", evt.CommandID, evt.Destination, evt.Attempt, evt.Reason)
		return nil
	}, processedStore)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker.Start(ctx)
	loop.Start(ctx)
	go tracker.RunGC(ctx, cfg.VerifyGCInterval)
	go dispatcher.Run(ctx, cfg.OutboxSweepInterval)

	var consumer *uplinkmqtt.Consumer
	if cfg.MQTTBrokerURL != "" {
		consumer, err = uplinkmqtt.NewConsumer(cfg.MQTTBrokerURL, cfg.MQTTClientID, ingest, logger)
		if err != nil {
			logger.Fatalf("uplink mqtt error: %v", err)
		}
		if err := consumer.Start(ctx); err != nil {
			logger.Fatalf("uplink mqtt subscribe error: %v", err)
		}
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, []string{"/ingest/"})
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)
	ingestAuth := auth.NewIngestAuthMiddleware([]byte(cfg.IngestSecret), time.Duration(cfg.IngestSkewSeconds)*time.Second)

	mux := http.NewServeMux()
	mux.Handle("/ingest/lorawan/uplink", ingestAuth.Wrap(uplinkHandler))
	mux.Handle("/api/v1/downlink/commands", commandHandler)
	mux.Handle("/api/v1/downlink/commands/", commandHandler)
	mux.Handle("/api/v1/queue/status", commandHandler)
	mux.Handle("/api/v1/queue/stream", apihttp.NewStreamHandler(broker))
	mux.Handle("/api/v1/deadletters", commandHandler)
	mux.Handle("/api/v1/deadletters/", commandHandler)
	mux.Handle("/api/v1/spaces", spaceHandler)
	mux.Handle("/api/v1/spaces/", spaceHandler)
	mux.Handle("/api/v1/reconcile/run", reportHandler)
	mux.Handle("/api/v1/reconcile/reports/", reportHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger)}
	go func() {
		logger.Printf("http listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Printf("shutting down")

	cancel()
	if consumer != nil {
		consumer.Close()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	<-worker.Done()
	<-loop.Done()
	logger.Printf("stopped")
}

type config struct {
	DatabaseURL          string
	HTTPAddr             string
	TenantID             string
	NSBaseURL            string
	NSToken              string
	MQTTBrokerURL        string
	MQTTClientID         string
	GatewayRatePerMinute int
	TenantRatePerMinute  int
	VerifyGCInterval     time.Duration
	OutboxSweepInterval  time.Duration
	JWTSecret            string
	IngestSecret         string
	IngestSkewSeconds    int
}

func loadConfig() config {
	_ = godotenv.Load()
	cfg := config{
		DatabaseURL:          getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:             getenvDefault("HTTP_ADDR", ":8080"),
		TenantID:             getenvDefault("TENANT_ID", "tenant-demo"),
		NSBaseURL:            getenvDefault("NS_BASE_URL", ""),
		NSToken:              getenvDefault("NS_TOKEN", ""),
		MQTTBrokerURL:        getenvDefault("MQTT_BROKER_URL", ""),
		MQTTClientID:         getenvDefault("MQTT_CLIENT_ID", "parkfleet-uplink"),
		GatewayRatePerMinute: getenvIntDefault("GATEWAY_RATE_PER_MINUTE", 30),
		TenantRatePerMinute:  getenvIntDefault("TENANT_RATE_PER_MINUTE", 100),
		VerifyGCInterval:     getenvDuration("VERIFY_GC_INTERVAL", time.Minute),
		OutboxSweepInterval:  getenvDuration("OUTBOX_SWEEP_INTERVAL", 10*time.Second),
		JWTSecret:            getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		IngestSecret:         getenvDefault("INGEST_HMAC_SECRET", ""),
		IngestSkewSeconds:    getenvIntDefault("INGEST_MAX_SKEW_SECONDS", 300),
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL or PG_DSN is required")
	}
	if cfg.NSBaseURL == "" {
		log.Fatal("NS_BASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
