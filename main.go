package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/IliaW/enrich-worker/config"
	"github.com/IliaW/enrich-worker/internal/aws_s3"
	"github.com/IliaW/enrich-worker/internal/broker"
	cacheClient "github.com/IliaW/enrich-worker/internal/cache"
	"github.com/IliaW/enrich-worker/internal/fetch"
	"github.com/IliaW/enrich-worker/internal/lookup"
	"github.com/IliaW/enrich-worker/internal/model"
	"github.com/IliaW/enrich-worker/internal/persistence"
	"github.com/IliaW/enrich-worker/internal/policy"
	"github.com/IliaW/enrich-worker/internal/source"
	"github.com/IliaW/enrich-worker/internal/telemetry"
	"github.com/IliaW/enrich-worker/internal/worker"
	_ "github.com/lib/pq"
	"github.com/lmittmann/tint"
)

var (
	cfg         *config.Config
	db          *sql.DB
	s3          aws_s3.BucketClient
	cache       cacheClient.CachedClient
	findingRepo persistence.FindingStorage
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg = config.MustLoad()
	setupLogger()
	metrics := telemetry.SetupMetrics(context.Background(), cfg)
	defer metrics.Close()
	db = setupDatabase()
	defer closeDatabase()
	s3 = aws_s3.NewS3BucketClient(cfg)
	cache = setupCache()
	defer cache.Close()
	findingRepo = persistence.NewFindingRepository(db)
	kafkaDLQ := broker.NewKafkaDLQ(cfg.ServiceName, cfg.KafkaSettings.Producer)
	defer kafkaDLQ.Close()
	httpTransport := getHttpTransport()
	fetchMechanism := model.FetchMechanism(cfg.WorkerSettings.FetchMechanism)

	engine := policy.NewEngine(cfg.PolitenessSettings, cfg.WorkerSettings.UserAgent, httpTransport)
	fetcher := fetch.NewPoliteFetcher(engine, fetchMechanism, cfg, httpTransport)
	multiSource := setupSources(engine, fetcher, httpTransport, metrics.LookupMetrics)
	breaker := lookup.NewCircuitBreaker(cfg.BreakerSettings.FailureThreshold, cfg.BreakerSettings.ResetWindow)
	slog.Info("starting application on port "+cfg.Port, slog.String("env", cfg.Env),
		slog.String("fetch mechanism", fetchMechanism.String()),
		slog.String("sources", multiSource.Name()))

	threadNum := parallelWorkers()
	taskChan := make(chan []byte, threadNum*cfg.WorkerSettings.BatchSize)
	recordChan := make(chan *model.EnrichedRecord, threadNum*cfg.WorkerSettings.BatchSize)

	kafkaWg := &sync.WaitGroup{}
	kafkaWg.Add(1)
	kafkaConsumer := broker.NewKafkaConsumer(taskChan, metrics.KafkaConsumerMetrics,
		cfg.KafkaSettings.Consumer, kafkaWg)
	go kafkaConsumer.Run(ctx)

	// The breaker, cache and policy engine are shared; each worker gets its
	// own coordinator so batch metrics stay per-batch.
	workerWg := &sync.WaitGroup{}
	for i := 0; i < threadNum; i++ {
		coordinator := lookup.NewCoordinator(multiSource, cache, breaker, cfg.LookupSettings)
		enrichWorker := &worker.EnrichWorker{
			TaskChan:    taskChan,
			RecordChan:  recordChan,
			Coordinator: coordinator,
			Cfg:         cfg,
			Db:          findingRepo,
			S3:          s3,
			Wg:          workerWg,
			KafkaDLQ:    kafkaDLQ,
			Metrics:     metrics.LookupMetrics,
		}
		workerWg.Add(1)
		go enrichWorker.Run(ctx)
	}

	kafkaWg.Add(1)
	kafkaProducer := broker.NewKafkaProducer(recordChan, metrics.KafkaProducerMetrics,
		cfg.KafkaSettings.Producer, kafkaWg)
	go kafkaProducer.Run()

	go healthCheckHandler()

	// Graceful shutdown.
	// 1. Stop Kafka Consumer by system call. Close taskChan
	// 2. Wait till all Workers processed all messages from taskChan. Close recordChan
	// 3. Wait till Producer process all messages from recordChan and write to Kafka. Stop Kafka Producer
	// 4. Close database, cache and DLQ connections
	<-ctx.Done()
	slog.Info("stopping server...")
	workerWg.Wait()
	close(recordChan)
	slog.Info("close recordChan.")
	kafkaWg.Wait()
	slog.Info("server stopped.")
}

func setupLogger() *slog.Logger {
	envLogLevel := strings.ToLower(cfg.LogLevel)
	var slogLevel slog.Level
	err := slogLevel.UnmarshalText([]byte(envLogLevel))
	if err != nil {
		log.Printf("encountenred log level: '%s'. The package does not support custom log levels", envLogLevel)
		slogLevel = slog.LevelDebug
	}
	log.Printf("slog level overwritten to '%v'", slogLevel)
	slog.SetLogLoggerLevel(slogLevel)

	replaceAttrs := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
		}
		return a
	}

	var logger *slog.Logger
	if strings.ToLower(cfg.LogType) == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			AddSource:   true,
			Level:       slogLevel,
			ReplaceAttr: replaceAttrs}))
	} else {
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			AddSource:   true,
			Level:       slogLevel,
			ReplaceAttr: replaceAttrs,
			NoColor: func() bool {
				if cfg.Env == "local" {
					return false
				}
				return true
			}()}))
	}

	slog.SetDefault(logger)
	logger.Debug("debug messages are enabled.")

	return logger
}

func setupDatabase() *sql.DB {
	slog.Info("connecting to the database...")
	connStr := fmt.Sprintf("user=%s password=%s host=%s port=%s dbname=%s sslmode=disable",
		cfg.DbSettings.User,
		cfg.DbSettings.Password,
		cfg.DbSettings.Host,
		cfg.DbSettings.Port,
		cfg.DbSettings.Name,
	)
	database, err := sql.Open("postgres", connStr)
	if err != nil {
		slog.Error("failed to establish database connection.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	database.SetConnMaxLifetime(cfg.DbSettings.ConnMaxLifetime)
	database.SetMaxOpenConns(cfg.DbSettings.MaxOpenConns)
	database.SetMaxIdleConns(cfg.DbSettings.MaxIdleConns)

	maxRetry := 6
	for i := 1; i <= maxRetry; i++ {
		slog.Info("ping the database.", slog.String("attempt", fmt.Sprintf("%d/%d", i, maxRetry)))
		pingErr := database.Ping()
		if pingErr != nil {
			slog.Error("not responding.", slog.String("err", pingErr.Error()))
			if i == maxRetry {
				slog.Error("failed to establish database connection.")
				os.Exit(1)
			}
			slog.Info(fmt.Sprintf("wait %d seconds", 5*i))
			time.Sleep(time.Duration(5*i) * time.Second)
		} else {
			break
		}
	}
	slog.Info("connected to the database!")

	return database
}

func closeDatabase() {
	slog.Info("closing database connection.")
	err := db.Close()
	if err != nil {
		slog.Error("failed to close database connection.", slog.String("err", err.Error()))
	}
}

func setupCache() cacheClient.CachedClient {
	switch strings.ToLower(cfg.CacheSettings.Backend) {
	case "memory":
		return cacheClient.NewInMemoryClient(cfg.CacheSettings)
	case "memcached":
		return cacheClient.NewMemcachedClient(cfg.CacheSettings)
	case "redis":
		return cacheClient.NewRedisClient(cfg.CacheSettings)
	default:
		slog.Error("unknown cache backend.", slog.String("backend", cfg.CacheSettings.Backend))
		os.Exit(1)
		return nil
	}
}

func setupSources(engine *policy.Engine, fetcher *fetch.PoliteFetcher, transport *http.Transport,
	metrics *telemetry.LookupMetrics) *source.MultiSource {
	var sources []source.Source
	if cfg.SourceSettings.Registry.Enabled {
		sources = append(sources, source.NewRegistrySource(fetcher, cfg.SourceSettings.Registry))
	}
	if cfg.SourceSettings.Press.Enabled {
		sources = append(sources, source.NewPressSource(engine, cfg.SourceSettings.Press,
			cfg.HttpClientSettings, transport, cfg.WorkerSettings.UserAgent))
	}
	if len(sources) == 0 {
		slog.Error("no lookup sources are enabled.")
		os.Exit(1)
	}
	var archive source.ArchiveRetriever
	if cfg.SourceSettings.Archive.Enabled {
		archive = source.NewArchiveSource(cfg.SourceSettings.Archive)
	}

	return source.NewMultiSource(sources, archive, metrics)
}

// Set -1 to use all available CPUs
func parallelWorkers() int {
	customNumCPU := cfg.WorkerSettings.WorkersNum
	if customNumCPU == -1 {
		return runtime.NumCPU()
	}
	if customNumCPU <= 0 {
		slog.Error("workers number is 0 or less than -1")
		os.Exit(1)
	}

	return customNumCPU
}

func healthCheckHandler() {
	http.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	})
	if err := http.ListenAndServe(":"+cfg.Port, nil); err != nil {
		slog.Error("http server error", slog.String("err", err.Error()))
	}
}

func getHttpTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:        cfg.HttpClientSettings.MaxIdleConnections,
		MaxIdleConnsPerHost: cfg.HttpClientSettings.MaxIdleConnectionsPerHost,
		MaxConnsPerHost:     cfg.HttpClientSettings.MaxConnectionsPerHost,
		IdleConnTimeout:     cfg.HttpClientSettings.IdleConnectionTimeout,
		TLSHandshakeTimeout: cfg.HttpClientSettings.TlsHandshakeTimeout,
		DialContext: (&net.Dialer{
			Timeout:   cfg.HttpClientSettings.DialTimeout,
			KeepAlive: cfg.HttpClientSettings.DialKeepAlive,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.HttpClientSettings.TlsInsecureSkipVerify,
		},
	}
}
