package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/vinayprograms/warden/internal/config"
)

func TestSetup_DisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{}, "warden", "test", nil)
	if err != nil {
		t.Fatalf("setup error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown error: %v", err)
	}
}

func TestSetup_UnknownProtocol(t *testing.T) {
	_, err := Setup(context.Background(), config.TelemetryConfig{Enabled: true, Protocol: "carrier-pigeon"}, "warden", "test", nil)
	if err == nil {
		t.Error("expected error for unknown protocol")
	}
}

func TestSetup_StdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{Enabled: true, Protocol: "stdout"}, "warden", "test", &buf)
	if err != nil {
		t.Fatalf("setup error: %v", err)
	}

	_, span := Tracer().Start(context.Background(), "run.test")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
	if !strings.Contains(buf.String(), "run.test") {
		t.Errorf("expected exported span, got %q", buf.String())
	}
}
