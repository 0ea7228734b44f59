package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/matryer/is"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

func TestLoggerRoundTripsThroughContext(t *testing.T) {
	is := is.New(t)

	buf := &bytes.Buffer{}
	logger := zerolog.New(buf)

	ctx := NewContextWithLogger(context.Background(), logger)
	log := GetLoggerFromContext(ctx)
	log.Info().Msg("hello")

	is.True(bytes.Contains(buf.Bytes(), []byte(`"message":"hello"`)))
}

func TestWithSpanAddsTraceID(t *testing.T) {
	is := is.New(t)

	buf := &bytes.Buffer{}
	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")

	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
	span := trace.SpanFromContext(trace.ContextWithSpanContext(context.Background(), sc))

	ctx, _ := WithSpan(context.Background(), span, zerolog.New(buf))
	log := GetLoggerFromContext(ctx)
	log.Info().Msg("traced")

	is.True(bytes.Contains(buf.Bytes(), []byte(`"traceID":"0102030405060708090a0b0c0d0e0f10"`)))
}
