package telemetry

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"

	"go.opentelemetry.io/contrib/detectors/aws/ecs"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/IliaW/enrich-worker/config"
	"github.com/google/uuid"
)

var meter metric.Meter

type MetricsProvider struct {
	KafkaConsumerMetrics *KafkaConsumerMetrics
	KafkaProducerMetrics *KafkaProducerMetrics
	LookupMetrics        *LookupMetrics
	Close                func()
}

type KafkaConsumerMetrics struct {
	SuccessfullyReadMsgCnt func(count int64)
	FailedReadMsgCnt       func(count int64)
}

type KafkaProducerMetrics struct {
	SuccessfullySendMsgCnt func(count int64)
	FailedSendMsgCnt       func(count int64)
}

type LookupMetrics struct {
	SuccessfullyEnrichedCnt func(count int64)
	FailedEnrichedCnt       func(count int64)
	CacheHitCnt             func(count int64)
	CacheMissCnt            func(count int64)
	RetryCnt                func(count int64)
	CircuitRejectedCnt      func(count int64)
	PolicyDeniedCnt         func(count int64)
	WebArchiveCnt           func(count int64)
}

func SetupMetrics(ctx context.Context, cfg *config.Config) *MetricsProvider {
	metricsProvider := new(MetricsProvider)
	var meterProvider *sdkmetric.MeterProvider

	if cfg.TelemetrySettings.Enabled {
		r, err := newResource(cfg)
		if err != nil {
			slog.Error("failed to get resource.", slog.String("err", err.Error()))
			os.Exit(1)
		}
		exporter, err := newMetricExporter(ctx, cfg.TelemetrySettings)
		if err != nil {
			slog.Error("failed to get metric exporter.", slog.String("err", err.Error()))
			os.Exit(1)
		}
		meterProvider = newMeterProvider(exporter, *r)
		otel.SetMeterProvider(meterProvider)
	}

	meter = otel.Meter(cfg.ServiceName)
	metricsProvider.Close = func() {
		if meterProvider != nil {
			err := meterProvider.Shutdown(ctx)
			if err != nil {
				slog.Error("failed to shutdown metrics provider.", slog.String("err", err.Error()))
			}
		}
	}

	// Set up kafka consumer metrics
	kafkaConsumerSuccessCounter, err := meter.Int64Counter("enrich-worker.kafka.read.success",
		metric.WithDescription("The number of messages that the kafka consumer successfully processed"),
		metric.WithUnit("{messages}"))
	kafkaConsumerFailCounter, err := meter.Int64Counter("enrich-worker.kafka.read.fail",
		metric.WithDescription("The number of messages that the kafka consumer could not process"),
		metric.WithUnit("{messages}"))
	if err != nil {
		slog.Error("failed to create telemetry counters for kafka consumer.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	metricsProvider.KafkaConsumerMetrics = &KafkaConsumerMetrics{
		SuccessfullyReadMsgCnt: func(count int64) {
			if cfg.TelemetrySettings.Enabled {
				kafkaConsumerSuccessCounter.Add(ctx, count)
			}
		},
		FailedReadMsgCnt: func(count int64) {
			if cfg.TelemetrySettings.Enabled {
				kafkaConsumerFailCounter.Add(ctx, count)
			}
		},
	}

	// Set up kafka producer metrics
	kafkaProducerSuccessCounter, err := meter.Int64Counter("enrich-worker.kafka.send.success",
		metric.WithDescription("The number of messages that the kafka producer successfully processed"),
		metric.WithUnit("{messages}"))
	kafkaProducerFailCounter, err := meter.Int64Counter("enrich-worker.kafka.send.fail",
		metric.WithDescription("The number of messages that the kafka producer could not process"),
		metric.WithUnit("{messages}"))
	if err != nil {
		slog.Error("failed to create telemetry counters for kafka producer.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	metricsProvider.KafkaProducerMetrics = &KafkaProducerMetrics{
		SuccessfullySendMsgCnt: func(count int64) {
			if cfg.TelemetrySettings.Enabled {
				kafkaProducerSuccessCounter.Add(ctx, count)
			}
		},
		FailedSendMsgCnt: func(count int64) {
			if cfg.TelemetrySettings.Enabled {
				kafkaProducerFailCounter.Add(ctx, count)
			}
		},
	}

	// Set up lookup metrics
	lookupSuccessCounter, err := meter.Int64Counter("enrich-worker.lookups.success",
		metric.WithDescription("The number of organization records that were successfully enriched"),
		metric.WithUnit("{records}"))
	lookupFailCounter, err := meter.Int64Counter("enrich-worker.lookups.fail",
		metric.WithDescription("The number of organization records that could not be enriched. Send to DLQ."),
		metric.WithUnit("{records}"))
	cacheHitCounter, err := meter.Int64Counter("enrich-worker.lookups.cache-hit",
		metric.WithDescription("The number of lookups answered from the finding cache"),
		metric.WithUnit("{records}"))
	cacheMissCounter, err := meter.Int64Counter("enrich-worker.lookups.cache-miss",
		metric.WithDescription("The number of lookups that missed the finding cache"),
		metric.WithUnit("{records}"))
	retryCounter, err := meter.Int64Counter("enrich-worker.lookups.retry",
		metric.WithDescription("The number of retried source calls"),
		metric.WithUnit("{calls}"))
	circuitRejectedCounter, err := meter.Int64Counter("enrich-worker.lookups.circuit-rejected",
		metric.WithDescription("The number of lookups rejected because the circuit breaker was open"),
		metric.WithUnit("{records}"))
	policyDeniedCounter, err := meter.Int64Counter("enrich-worker.lookups.policy-denied",
		metric.WithDescription("The number of fetches denied by the crawl policy. Use Web-Archive"),
		metric.WithUnit("{fetches}"))
	webArchiveCounter, err := meter.Int64Counter("enrich-worker.lookups.web-archive",
		metric.WithDescription("The number of calls to the CommonCrawl API."),
		metric.WithUnit("{calls}"))
	if err != nil {
		slog.Error("failed to create telemetry counters for lookups.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	metricsProvider.LookupMetrics = &LookupMetrics{
		SuccessfullyEnrichedCnt: func(count int64) {
			if cfg.TelemetrySettings.Enabled {
				lookupSuccessCounter.Add(ctx, count)
			}
		},
		FailedEnrichedCnt: func(count int64) {
			if cfg.TelemetrySettings.Enabled {
				lookupFailCounter.Add(ctx, count)
			}
		},
		CacheHitCnt: func(count int64) {
			if cfg.TelemetrySettings.Enabled {
				cacheHitCounter.Add(ctx, count)
			}
		},
		CacheMissCnt: func(count int64) {
			if cfg.TelemetrySettings.Enabled {
				cacheMissCounter.Add(ctx, count)
			}
		},
		RetryCnt: func(count int64) {
			if cfg.TelemetrySettings.Enabled {
				retryCounter.Add(ctx, count)
			}
		},
		CircuitRejectedCnt: func(count int64) {
			if cfg.TelemetrySettings.Enabled {
				circuitRejectedCounter.Add(ctx, count)
			}
		},
		PolicyDeniedCnt: func(count int64) {
			if cfg.TelemetrySettings.Enabled {
				policyDeniedCounter.Add(ctx, count)
			}
		},
		WebArchiveCnt: func(count int64) {
			if cfg.TelemetrySettings.Enabled {
				webArchiveCounter.Add(ctx, count)
			}
		},
	}

	// initialize metrics in DataDog for setup UI
	if cfg.TelemetrySettings.Enabled {
		metricsProvider.KafkaProducerMetrics.SuccessfullySendMsgCnt(1)
		metricsProvider.KafkaProducerMetrics.FailedSendMsgCnt(1)
		metricsProvider.KafkaConsumerMetrics.SuccessfullyReadMsgCnt(1)
		metricsProvider.KafkaConsumerMetrics.FailedReadMsgCnt(1)
		metricsProvider.LookupMetrics.SuccessfullyEnrichedCnt(1)
		metricsProvider.LookupMetrics.FailedEnrichedCnt(1)
		metricsProvider.LookupMetrics.CacheHitCnt(1)
		metricsProvider.LookupMetrics.CacheMissCnt(1)
		metricsProvider.LookupMetrics.RetryCnt(1)
		metricsProvider.LookupMetrics.CircuitRejectedCnt(1)
		metricsProvider.LookupMetrics.PolicyDeniedCnt(1)
		metricsProvider.LookupMetrics.WebArchiveCnt(1)
	}

	return metricsProvider
}

func newResource(cfg *config.Config) (*resource.Resource, error) {
	ecsResourceDetector := ecs.NewResourceDetector()
	ecsResource, err := ecsResourceDetector.Detect(context.Background())
	if err != nil {
		slog.Error("ecs detection failed", slog.String("err", err.Error()))
	}
	mergedResource, err := resource.Merge(ecsResource, resource.Default())
	if err != nil {
		slog.Error("failed to merge resources", slog.String("err", err.Error()))
	}
	keyValue, found := ecsResource.Set().Value("container.id")
	var serviceId string
	if found {
		serviceId = keyValue.AsString()
	} else {
		serviceId = uuid.New().String()
	}
	return resource.Merge(mergedResource,
		resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Env),
			semconv.ServiceInstanceID(serviceId),
		))
}

func newMetricExporter(ctx context.Context, cfg *config.TelemetryConfig) (sdkmetric.Exporter, error) {
	return otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(cfg.CollectorUrl),
		otlpmetrichttp.WithInsecure())
}

func newMeterProvider(meterExporter sdkmetric.Exporter, resource resource.Resource) *sdkmetric.MeterProvider {
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(meterExporter)),
		sdkmetric.WithResource(&resource),
	)
	return meterProvider
}
