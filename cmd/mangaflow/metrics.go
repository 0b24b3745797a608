package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/mangaflow"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// metricsReporter collects the process metrics on an interval and writes a
// snapshot of every instrument to the log
type metricsReporter struct {
	reader   *sdkmetric.ManualReader
	interval time.Duration
	logger   zerolog.Logger
}

// newMeterProvider builds the process MeterProvider. Without a log interval
// no reader is attached and the reporter is nil.
func newMeterProvider(cfg mangaflow.MetricsConfig, logger zerolog.Logger) (*sdkmetric.MeterProvider, *metricsReporter) {
	if cfg.LogInterval <= 0 {
		return sdkmetric.NewMeterProvider(), nil
	}

	reader := sdkmetric.NewManualReader()
	reporter := &metricsReporter{
		reader:   reader,
		interval: cfg.LogInterval,
		logger:   logger.With().Str("component", "metrics").Logger(),
	}
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)), reporter
}

// Run reports every interval until ctx is cancelled
func (r *metricsReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.report(ctx)
		}
	}
}

func (r *metricsReporter) report(ctx context.Context) {
	var rm metricdata.ResourceMetrics
	if err := r.reader.Collect(ctx, &rm); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to collect metrics")
		return
	}

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				var total int64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				r.logger.Info().
					Str("metric", m.Name).
					Int("series", len(data.DataPoints)).
					Int64("value", total).
					Msg("Metric snapshot")
			case metricdata.Sum[float64]:
				var total float64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				r.logger.Info().
					Str("metric", m.Name).
					Int("series", len(data.DataPoints)).
					Float64("value", total).
					Msg("Metric snapshot")
			case metricdata.Histogram[float64]:
				var count uint64
				var sum float64
				for _, dp := range data.DataPoints {
					count += dp.Count
					sum += dp.Sum
				}
				r.logger.Info().
					Str("metric", m.Name).
					Int("series", len(data.DataPoints)).
					Uint64("count", count).
					Float64("sum", sum).
					Msg("Metric snapshot")
			}
		}
	}
}
