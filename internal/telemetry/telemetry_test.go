package telemetry

import (
	"context"
	"testing"

	"github.com/agentim/agentim/internal/config"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("noop shutdown returned %v", err)
	}
}

func TestSetupRequiresEndpoint(t *testing.T) {
	_, err := Setup(context.Background(), config.TelemetryConfig{Enabled: true})
	if err == nil {
		t.Fatal("Setup with no endpoint succeeded, want error")
	}
}

func TestSetupRejectsUnknownProtocol(t *testing.T) {
	_, err := Setup(context.Background(), config.TelemetryConfig{
		Enabled:  true,
		Endpoint: "localhost:4317",
		Protocol: "carrier-pigeon",
	})
	if err == nil {
		t.Fatal("Setup with unknown protocol succeeded, want error")
	}
}

func TestStartSpanWithDefaultProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test-op")
	if ctx == nil {
		t.Fatal("StartSpan returned nil context")
	}
	span.End()
}
