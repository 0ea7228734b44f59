package tracing

import (
	"context"
	"testing"

	"github.com/matryer/is"
	"github.com/rs/zerolog"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	is := is.New(t)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	cleanup, err := Init(context.Background(), zerolog.Nop(), "guardian-monitor", "test")
	is.NoErr(err)
	is.True(cleanup != nil)

	cleanup()
}
