package observability

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetupDisabled(t *testing.T) {
	tp, err := Setup(context.Background(), "  ", "relayd")
	if err != nil || tp != nil {
		t.Fatalf("Setup(empty) = %v, %v", tp, err)
	}
}

func TestSetupInstallsProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	tp, err := Setup(context.Background(), "http://127.0.0.1:4318", "relayd")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer tp.Shutdown(context.Background())
	if otel.GetTracerProvider() != tp {
		t.Fatal("global tracer provider not replaced")
	}
}

func TestTracerUsesGlobalProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))

	_, span := Tracer().Start(context.Background(), "relay.stream")
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != "relay.stream" {
		t.Fatalf("recorded spans = %v", spans)
	}
}
