package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/rs/zerolog"
	"github.com/sicko7947/mangaflow"
	"github.com/sicko7947/mangaflow/content"
	"github.com/sicko7947/mangaflow/engine"
	"github.com/sicko7947/mangaflow/events"
	"github.com/sicko7947/mangaflow/generation"
	"github.com/sicko7947/mangaflow/resilience"
	"github.com/sicko7947/mangaflow/store"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// runtime holds the wired collaborators shared by serve and worker
type runtime struct {
	cfg      *mangaflow.Config
	logger   zerolog.Logger
	engine   *engine.Engine
	bus      events.Bus
	router   *events.Router
	provider *sdkmetric.MeterProvider
}

// newDynamoDBClient loads AWS credentials from the default chain. A
// configured endpoint points the client at DynamoDB Local.
func newDynamoDBClient(ctx context.Context, cfg mangaflow.DynamoDBConfig) (*dynamodb.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// bootstrap wires storage, the bus, content, generation and the engine
func bootstrap(ctx context.Context, cfg *mangaflow.Config, logger zerolog.Logger) (*runtime, error) {
	provider, reporter := newMeterProvider(cfg.Metrics, logger)
	otel.SetMeterProvider(provider)
	if reporter != nil {
		go reporter.Run(ctx)
	}
	metrics := resilience.NewMetrics()

	retrier := resilience.NewRetrier(cfg.Retry,
		resilience.WithRetryLogger(logger),
		resilience.WithRetryMetrics(metrics),
	)
	guard := resilience.NewGuard(retrier, resilience.NewRegistry(cfg.Breaker,
		resilience.WithBreakerLogger(logger),
		resilience.WithBreakerMetrics(metrics),
	))

	client, err := newDynamoDBClient(ctx, cfg.DynamoDB)
	if err != nil {
		return nil, err
	}
	table := store.NewResilientTable(store.NewDynamoDBTable(client, cfg.DynamoDB.Table), retrier)
	repo := store.NewRepository(table)

	var bus events.Bus
	switch cfg.Events.Backend {
	case "redis":
		bus = events.NewRedisBusFromConfig(cfg.Events,
			events.WithRedisLogger(logger),
			events.WithRedisMetrics(metrics),
		)
	default:
		bus = events.NewMemoryBus(
			events.WithWorkers(cfg.Events.Workers),
			events.WithMaxDeliveries(cfg.Events.MaxDeliveries),
			events.WithRedeliveryDelay(retrier.Delay),
			events.WithMemoryLogger(logger),
			events.WithMemoryMetrics(metrics),
		)
	}

	contentStore, err := content.New(cfg.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to create content store: %w", err)
	}

	var text generation.TextGenerator
	if cfg.OpenAI.APIKey != "" {
		text = generation.NewOpenAITextGenerator(cfg.OpenAI, nil)
	} else {
		logger.Warn().Msg("No OpenAI API key configured, using the mock generator")
		text = generation.NewMockGenerator()
	}

	opts := []engine.EngineOption{
		engine.WithLogger(logger),
		engine.WithConfig(cfg.Pipeline),
		engine.WithGuard(guard),
		engine.WithMetrics(metrics),
	}
	if cfg.Insights.BaseURL != "" {
		opts = append(opts, engine.WithInsights(generation.NewInsightClient(cfg.Insights)))
	}
	eng := engine.NewEngine(repo, bus, contentStore, text, opts...)

	validator, err := events.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to compile event schemas: %w", err)
	}
	router := events.NewRouter(validator,
		events.WithRouterLogger(logger),
		events.WithRouterMetrics(metrics),
	)
	eng.Register(router)

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		engine:   eng,
		bus:      bus,
		router:   router,
		provider: provider,
	}, nil
}

// consume delivers bus events to the router until ctx is cancelled
func (r *runtime) consume(ctx context.Context) error {
	r.logger.Info().
		Str("backend", r.cfg.Events.Backend).
		Strs("routes", r.router.Routes()).
		Msg("Starting event workers")
	return r.bus.Subscribe(ctx, r.router.Dispatch)
}

// Close releases the bus and flushes metrics
func (r *runtime) Close() error {
	return errors.Join(
		r.bus.Close(),
		r.provider.Shutdown(context.Background()),
	)
}
