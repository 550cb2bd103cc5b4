package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"interviewcopilot/internal/config"
	"interviewcopilot/internal/domain"
	"interviewcopilot/internal/observability/metrics"
)

func TestBuildSuccess(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("COPILOT_CONFIG_FILE", "")
	t.Setenv("COPILOT_RULES_FILE", "")
	t.Setenv("COPILOT_METRICS_ADDR", "")
	t.Setenv("COPILOT_KAFKA_ENABLED", "")
	t.Setenv("DEEPGRAM_API_KEY", "test-key")

	services, err := Build(context.Background(), noopEventSink{})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if services.Controller == nil || services.Publisher == nil {
		t.Fatalf("expected controller and publisher")
	}
	if services.Server != nil {
		t.Fatalf("no server expected without an address")
	}
	if services.Publisher.Enabled() {
		t.Fatalf("kafka should be disabled by default")
	}
	if err := services.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestBuildWithConfigStartsServerAndInlineRules(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Transcription.Deepgram.APIKey = "test-key"
	cfg.Rules.Substitutions = []string{"cooper netties => Kubernetes"}
	cfg.Observability.Addr = "127.0.0.1:0"

	reg := prometheus.NewRegistry()
	services, err := BuildWithConfig(context.Background(), cfg, nil, metrics.New(reg), reg)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	defer services.Close(context.Background())

	if services.Server == nil {
		t.Fatalf("expected observability server")
	}
	if services.Controller.IsActive() || services.Controller.Ready() {
		t.Fatalf("controller should start idle")
	}
}

func TestBuildFailsOnInvalidRules(t *testing.T) {
	home := t.TempDir()
	rules := filepath.Join(home, "bad.rules")
	if err := os.WriteFile(rules, []byte("not a valid rule\n"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	t.Setenv("HOME", home)
	t.Setenv("COPILOT_CONFIG_FILE", "")
	t.Setenv("COPILOT_RULES_FILE", rules)

	_, err := Build(context.Background(), noopEventSink{})
	if err == nil {
		t.Fatalf("expected build error due to invalid rules")
	}
}

type noopEventSink struct{}

func (noopEventSink) Transcription(domain.ChatMessage) {}
func (noopEventSink) StatusUpdate(domain.Status)       {}
func (noopEventSink) AudioLevels(domain.AudioLevels)   {}
func (noopEventSink) Error(domain.ErrorSource, error)  {}
