package doctor

import (
	"context"
	"testing"

	"github.com/basket/reflectchat/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return &cfg
}

func TestCheckNetwork_NilConfig(t *testing.T) {
	result := checkNetwork(context.Background(), nil)
	if result.Status != "SKIP" {
		t.Fatalf("status = %s, want SKIP for nil config", result.Status)
	}
}

func TestCheckNetwork_LoopbackEndpointsResolveWithoutDNS(t *testing.T) {
	cfg := testConfig(t)
	// Defaults point at 127.0.0.1 plus the upstream API host; only the
	// latter needs DNS, so narrow everything to literal addresses.
	cfg.Upstream.BaseURL = "http://127.0.0.1:9/v1"

	result := checkNetwork(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("status = %s (%s), want PASS", result.Status, result.Message)
	}
}

func TestCheckNetwork_UnresolvableHostFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.ProxyURL = "http://definitely-not-a-real-host.invalid/api/chat"
	cfg.CollectorURL = "http://127.0.0.1:18790/api/events"
	cfg.Upstream.BaseURL = "http://127.0.0.1:9/v1"

	result := checkNetwork(context.Background(), cfg)
	if result.Status != "FAIL" {
		t.Fatalf("status = %s, want FAIL", result.Status)
	}
}

func TestCheckDatabase(t *testing.T) {
	cfg := testConfig(t)
	result := checkDatabase(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("status = %s (%s), want PASS", result.Status, result.Message)
	}
}

func TestCheckAPIKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Upstream.APIKeyEnv = "DOCTOR_TEST_API_KEY"

	t.Setenv("DOCTOR_TEST_API_KEY", "")
	if result := checkAPIKey(context.Background(), cfg); result.Status != "WARN" {
		t.Fatalf("status = %s, want WARN without key", result.Status)
	}

	t.Setenv("DOCTOR_TEST_API_KEY", "sk-doctor")
	if result := checkAPIKey(context.Background(), cfg); result.Status != "PASS" {
		t.Fatalf("status = %s, want PASS with key", result.Status)
	}
}

func TestCheckPersona(t *testing.T) {
	cfg := testConfig(t)
	if result := checkPersona(context.Background(), cfg); result.Status != "WARN" {
		t.Fatalf("status = %s, want WARN without PERSONA.md", result.Status)
	}
	cfg.Persona = "You are a study collaborator."
	if result := checkPersona(context.Background(), cfg); result.Status != "PASS" {
		t.Fatalf("status = %s, want PASS with persona", result.Status)
	}
}

func TestRun_CoversAllChecks(t *testing.T) {
	cfg := testConfig(t)
	cfg.Upstream.BaseURL = "http://127.0.0.1:9/v1"

	diag := Run(context.Background(), cfg, "test")
	if len(diag.Results) != 6 {
		t.Fatalf("results = %d, want 6", len(diag.Results))
	}
	for _, res := range diag.Results {
		if res.Status == "" || res.Name == "" {
			t.Fatalf("incomplete result: %+v", res)
		}
	}
}
