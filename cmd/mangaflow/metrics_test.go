package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/mangaflow"
	"github.com/sicko7947/mangaflow/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMeterProvider_WithoutIntervalHasNoReporter(t *testing.T) {
	provider, reporter := newMeterProvider(mangaflow.MetricsConfig{}, zerolog.Nop())
	defer provider.Shutdown(context.Background())

	assert.Nil(t, reporter)
}

func TestMetricsReporter_LogsSnapshot(t *testing.T) {
	var buf bytes.Buffer
	provider, reporter := newMeterProvider(mangaflow.MetricsConfig{LogInterval: time.Minute}, zerolog.New(&buf))
	require.NotNil(t, reporter)
	defer provider.Shutdown(context.Background())

	ctx := context.Background()
	metrics := resilience.NewMetricsWithMeter(provider.Meter("test"))
	metrics.RecordRetry(ctx, "dynamodb")
	metrics.RecordRetry(ctx, "dynamodb")
	metrics.RecordStage(ctx, "story", 250*time.Millisecond, errors.New("boom"))

	reporter.report(ctx)

	out := buf.String()
	assert.Contains(t, out, `"metric":"mangaflow.retry.attempts"`)
	assert.Contains(t, out, `"value":2`)
	assert.Contains(t, out, `"metric":"mangaflow.stage.duration"`)
	assert.Contains(t, out, `"count":1`)
	assert.Contains(t, out, `"component":"metrics"`)
}
