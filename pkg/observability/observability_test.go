package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "xase-core", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	// every recorder is a no-op
	ctx := context.Background()
	p.RecordRequest(ctx, attribute.String("test", "value"))
	p.RecordError(ctx, errors.New("test"))
	p.RecordDuration(ctx, 100*time.Millisecond)
	p.RecordJob(ctx, "GENERATE_BUNDLE", OutcomeDone, time.Second)
	p.RecordAppend(ctx, "t1", false)
	_, done := p.TrackOperation(ctx, "noop")
	done(errors.New("boom"))
	require.NoError(t, p.Shutdown(ctx))
}

func newManualProvider(t *testing.T) (*Provider, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	p, err := New(context.Background(), &Config{
		ServiceName:  "xase-test",
		Enabled:      true,
		MetricReader: reader,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	s, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "%T", data)
	var total int64
	for _, dp := range s.DataPoints {
		total += dp.Value
	}
	return total
}

func TestRecordJob(t *testing.T) {
	p, reader := newManualProvider(t)
	ctx := context.Background()

	p.RecordJob(ctx, "GENERATE_BUNDLE", OutcomeDone, 2*time.Second)
	p.RecordJob(ctx, "GENERATE_BUNDLE", OutcomeRescheduled, time.Second)
	p.RecordJob(ctx, "GENERATE_BUNDLE", OutcomeDeadLetter, time.Second)

	got := collect(t, reader)
	assert.Equal(t, int64(3), sumOf(t, got["xase.jobs.processed"]))
	assert.Equal(t, int64(2), sumOf(t, got["xase.jobs.failed"]))

	hist, ok := got["xase.job.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(3), hist.DataPoints[0].Count)
}

func TestRecordAppendAndTrackOperation(t *testing.T) {
	p, reader := newManualProvider(t)
	ctx := context.Background()

	p.RecordAppend(ctx, "t1", false)
	p.RecordAppend(ctx, "t1", true)

	_, done := p.TrackOperation(ctx, "bundle.build", BundleOperation("t1", "bundle_x")...)
	done(errors.New("upload failed"))
	_, done = p.TrackOperation(ctx, "bundle.build", BundleOperation("t1", "bundle_y")...)
	done(nil)

	got := collect(t, reader)
	assert.Equal(t, int64(2), sumOf(t, got["xase.ledger.appends"]))
	assert.Equal(t, int64(2), sumOf(t, got["xase.operations.total"]))
	assert.Equal(t, int64(1), sumOf(t, got["xase.errors.total"]))
	assert.Equal(t, int64(0), sumOf(t, got["xase.operations.active"]))
}

func TestAttributeHelpers(t *testing.T) {
	attrs := JobOperation("job-1", "GENERATE_BUNDLE", 2)
	require.Len(t, attrs, 3)
	assert.Equal(t, "xase.job.type", string(attrs[1].Key))
	assert.Equal(t, int64(2), attrs[2].Value.AsInt64())

	attrs = CryptoOperation("ECDSA_SHA_256", "export", "key-abc123")
	require.Len(t, attrs, 3)
	assert.Equal(t, "xase.crypto.algorithm", string(attrs[0].Key))
	assert.Equal(t, "ECDSA_SHA_256", attrs[0].Value.AsString())

	// no span in context; must not panic
	AddSpanEvent(context.Background(), "test.event", attribute.String("key", "value"))
}
