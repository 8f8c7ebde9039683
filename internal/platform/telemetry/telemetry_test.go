package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return sr
}

func TestSetup_NoEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), TelemetryConfig{})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestEndSpan_RecordsError(t *testing.T) {
	sr := installRecorder(t)

	_, span := StartSpan(context.Background(), "visit.ClockOut")
	EndSpan(span, errors.New("stage mismatch"))

	ended := sr.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "visit.ClockOut", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "stage mismatch", ended[0].Status().Description)
}

func TestEndSpan_NoError(t *testing.T) {
	sr := installRecorder(t)

	_, span := StartSpan(context.Background(), "visit.ClockIn")
	EndSpan(span, nil)

	ended := sr.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Unset, ended[0].Status().Code)
}

func TestLoggerFromContext_AddsTraceIDs(t *testing.T) {
	installRecorder(t)

	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()

	LoggerFromContext(ctx, base).Info().Msg("hello")

	assert.Contains(t, buf.String(), `"trace_id":"`+span.SpanContext().TraceID().String()+`"`)
	assert.Contains(t, buf.String(), `"span_id":"`)
}

func TestLoggerFromContext_NoSpan(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	LoggerFromContext(context.Background(), base).Info().Msg("hello")

	assert.NotContains(t, buf.String(), "trace_id")
}

func TestTracingMiddleware_NamesSpanByRoute(t *testing.T) {
	sr := installRecorder(t)

	e := echo.New()
	e.Use(TracingMiddleware())
	e.GET("/api/v1/visits/:id", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "visit not found")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/visits/abc", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	ended := sr.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "GET /api/v1/visits/:id", ended[0].Name())
	assert.NotEqual(t, codes.Error, ended[0].Status().Code)

	var status int64
	for _, kv := range ended[0].Attributes() {
		if kv.Key == "http.response.status_code" {
			status = kv.Value.AsInt64()
		}
	}
	assert.Equal(t, int64(http.StatusNotFound), status)
}

func TestTracingMiddleware_SkipsHealth(t *testing.T) {
	sr := installRecorder(t)

	e := echo.New()
	e.Use(TracingMiddleware())
	e.GET("/health", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Empty(t, sr.Ended())
}

func TestInstruments_NilSafe(t *testing.T) {
	var i *Instruments
	i.Transition(context.Background(), "nurse", "doctor")
	i.Conflict(context.Background(), "clock_out")

	inst, err := NewInstruments()
	require.NoError(t, err)
	inst.Transition(context.Background(), "nurse", "doctor")
}

func TestInstruments_RecordThroughMeterProvider(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(mp)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		_ = mp.Shutdown(context.Background())
	})

	inst, err := NewInstruments()
	require.NoError(t, err)
	ctx := context.Background()
	inst.Transition(ctx, "nurse", "doctor")
	inst.Transition(ctx, "nurse", "doctor")
	inst.Conflict(ctx, "clock_out")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	sums := map[string]metricdata.Sum[int64]{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		sums[m.Name] = m.Data.(metricdata.Sum[int64])
	}

	transitions := sums["visit.stage.transitions"]
	require.Len(t, transitions.DataPoints, 1)
	assert.Equal(t, int64(2), transitions.DataPoints[0].Value)
	from, _ := transitions.DataPoints[0].Attributes.Value(attribute.Key("from"))
	assert.Equal(t, "nurse", from.AsString())

	conflicts := sums["visit.version.conflicts"]
	require.Len(t, conflicts.DataPoints, 1)
	assert.Equal(t, int64(1), conflicts.DataPoints[0].Value)
}
