package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/sells-group/docintel/internal/config"
)

func TestSetup_NoopWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetup_ExportsSpansOnShutdown(t *testing.T) {
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	var hits atomic.Int32
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		path.Store(r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	shutdown, err := Setup(context.Background(), config.TelemetryConfig{
		OTLPEndpoint: srv.URL + "/v1/traces",
		ServiceName:  "docintel-test",
	})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "stage.extract")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Positive(t, hits.Load())
	assert.Equal(t, "/v1/traces", path.Load())
}
