// Package main is the entrypoint for the percentile resolver Lambda function.
//
// The resolver consumes percentile jobs from the SQS queue fed by the API,
// builds each percentile field from its reference dataset and stores it so
// later describe requests find it. The same function is invoked by scheduled
// maintenance events ({"task": "prune_fields"} or {"task": "expire_stale_jobs"})
// handled by scheduler.MaintenanceService.
//
// Cold start (main):
//  1. Load configuration and build the logger.
//  2. Open the Postgres pool; persistence is required for the worker.
//  3. Build the dataset opener, metrics recorder, resolve.Service and the
//     maintenance service.
//  4. Register Handler.Invoke with lambda.Start.
//
// With APP_ENV=local the event is read from stdin instead:
//
//	echo '{"Records":[{"messageId":"1","body":"{...}"}]}' | go run ./cmd/resolver
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/jonboulle/clockwork"

	"climdex/internal/cache"
	"climdex/internal/config"
	"climdex/internal/dataset"
	"climdex/internal/db"
	"climdex/internal/observability"
	"climdex/internal/percentile"
	"climdex/internal/queue"
	"climdex/internal/resolve"
	"climdex/internal/scheduler"
	"climdex/internal/security"
	"climdex/internal/types"
)

// Computer is the subset of resolve.Service the worker drives.
type Computer interface {
	Compute(ctx context.Context, msg types.PercentileJobMessage) error
}

// Maintainer runs scheduled maintenance tasks.
type Maintainer interface {
	Run(ctx context.Context, payload scheduler.MaintenancePayload) (scheduler.Result, error)
}

// Handler processes queue batches and scheduled maintenance events.
type Handler struct {
	computer   Computer
	maintainer Maintainer
	logger     *slog.Logger
}

// envelope holds the fields used to tell the two event shapes apart.
type envelope struct {
	Records json.RawMessage    `json:"Records"`
	Task    scheduler.TaskType `json:"task"`
}

// Invoke routes a raw Lambda event. SQS batches go to Handle; maintenance
// payloads go to the maintainer.
func (h *Handler) Invoke(ctx context.Context, payload json.RawMessage) (any, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}

	switch {
	case len(env.Records) > 0:
		var sqsEvent events.SQSEvent
		if err := json.Unmarshal(payload, &sqsEvent); err != nil {
			return nil, fmt.Errorf("decoding SQS event: %w", err)
		}
		return h.Handle(ctx, sqsEvent)
	case env.Task != "":
		var task scheduler.MaintenancePayload
		if err := json.Unmarshal(payload, &task); err != nil {
			return nil, fmt.Errorf("decoding maintenance payload: %w", err)
		}
		return h.maintainer.Run(ctx, task)
	default:
		return nil, fmt.Errorf("unsupported event")
	}
}

// Handle computes every job of the batch. A message that can never succeed
// (malformed body, invalid request) is acknowledged; other failures are
// reported as batch item failures so SQS redelivers only those messages.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "failed to process percentile job",
				"message_id", record.MessageId,
				"error", err,
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}
	return response, nil
}

func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	msg, err := queue.DecodeJob(record.Body)
	if err != nil {
		h.logger.WarnContext(ctx, "dropping malformed percentile job",
			"message_id", record.MessageId,
			"error", err,
		)
		return nil
	}

	ctx = types.WithRequestID(ctx, msg.TraceID)
	err = h.computer.Compute(ctx, msg)
	if err != nil && types.CategoryOf(err) == types.CategoryConfiguration {
		h.logger.WarnContext(ctx, "dropping percentile job that cannot succeed",
			"job_id", msg.JobID,
			"error", err,
		)
		return nil
	}
	return err
}

func main() {
	ctx := context.Background()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: loading configuration: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.LogLevel)

	handler, closeFn, err := buildHandler(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize resolver", "error", err)
		os.Exit(1)
	}
	defer closeFn()

	logger.Info("percentile resolver initialized",
		"version", cfg.Build.Version,
		"metrics_backend", cfg.Observability.MetricsBackend,
	)

	if cfg.Environment == "local" {
		if err := runLocal(ctx, handler, os.Stdin, os.Stdout); err != nil {
			logger.Error("local invocation failed", "error", err)
			os.Exit(1)
		}
		return
	}

	lambda.Start(handler.Invoke)
}

// buildHandler wires the resolve.Service and the maintenance service behind
// the worker. The returned function releases the database pool.
func buildHandler(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Handler, func(), error) {
	if !cfg.Database.Enabled() {
		return nil, nil, fmt.Errorf("DATABASE_URL is required by the resolver")
	}
	pool, err := db.NewPool(ctx, cfg.Database.URL.Unmask(), cfg.Database.MaxConns)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := db.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}

	recorder := observability.Recorder(observability.NopRecorder{})
	if cfg.Observability.MetricsBackend == "cloudwatch" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("loading AWS configuration: %w", err)
		}
		client := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		recorder = observability.NewCloudWatchRecorder(client, logger).WithNamespace(cfg.Observability.MetricNamespace)
	}

	guard, err := security.NewGuard(security.WithAllowed(cfg.Dataset.AllowedPrefixes()...))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	clock := clockwork.NewRealClock()
	fields := db.NewFieldRepository(pool)
	jobs := db.NewJobRepository(pool)
	svc := resolve.NewService(resolve.Config{
		Reader: dataset.NewOpener(dataset.OpenerConfig{
			HTTPClient: security.NewHTTPClient(guard, cfg.Dataset.HTTPTimeout, cfg.Dataset.MaxRedirects),
			RetryPolicy: dataset.RetryPolicy{
				MaxRetries: cfg.Dataset.MaxRetries,
				MinWait:    cfg.Dataset.RetryMinWait,
				MaxWait:    cfg.Dataset.RetryMaxWait,
			},
			UserAgent:   cfg.Dataset.UserAgent,
			Concurrency: cfg.Dataset.Concurrency,
			Logger:      logger,
			CacheSize:   cfg.Dataset.OpenCacheSize,
			CacheTTL:    cfg.Dataset.OpenCacheTTL,
			LocalRoot:   cfg.Dataset.LocalRoot,
			DenyLocal:   cfg.Dataset.LocalRoot == "",
		}),
		Fields:   fields,
		Jobs:     jobs,
		Cache:    cache.New[*percentile.Field](cfg.Cache.Size, cfg.Cache.TTL, clock),
		Recorder: recorder,
		Clock:    clock,
		Logger:   logger,
	})
	maintenance := scheduler.NewMaintenanceService(scheduler.MaintenanceConfig{
		Fields:       fields,
		Jobs:         jobs,
		RetainUnused: cfg.Database.RetainUnused,
		JobTimeout:   cfg.Database.JobTimeout,
		Clock:        clock,
		Logger:       logger,
	})
	return &Handler{computer: svc, maintainer: maintenance, logger: logger}, pool.Close, nil
}

// runLocal feeds one event read from r to the handler and writes the result
// to w.
func runLocal(ctx context.Context, h *Handler, r io.Reader, w io.Writer) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading event: %w", err)
	}
	if len(payload) == 0 {
		return fmt.Errorf("no event received on stdin")
	}
	out, err := h.Invoke(ctx, payload)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
