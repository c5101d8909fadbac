package runtime

import (
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"

	"github.com/loqalabs/livevoice/internal/config"
)

func TestTelemetryResource(t *testing.T) {
	cfg := config.Default()
	cfg.TTS.Engine = "gradio"
	res, err := newResource(context.Background(), cfg)
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	want := map[string]string{
		"service.name":         cfg.RuntimeName,
		"service.namespace":    "livevoice",
		"livevoice.tts.engine": "gradio",
	}
	set := res.Set()
	for key, value := range want {
		got, ok := set.Value(attribute.Key(key))
		if !ok || got.AsString() != value {
			t.Fatalf("expected %s=%q, got %v", key, value, got)
		}
	}
}

func TestSamplerFollowsRatio(t *testing.T) {
	tests := map[float64]string{
		1:    "AlwaysOnSampler",
		0:    "AlwaysOffSampler",
		0.25: "TraceIDRatioBased{0.25}",
	}
	for ratio, want := range tests {
		desc := sampler(config.TelemetryConfig{TraceSampleRatio: ratio}).Description()
		if !strings.Contains(desc, want) || !strings.HasPrefix(desc, "ParentBased") {
			t.Fatalf("ratio %v: unexpected sampler %s", ratio, desc)
		}
	}
}
