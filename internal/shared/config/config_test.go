package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Server.IsProduction() {
		t.Error("Expected development environment by default")
	}
	if cfg.Auth.Enabled {
		t.Error("Expected auth disabled outside production")
	}
	if cfg.Database.Enabled {
		t.Error("Expected in-memory store by default")
	}
	if cfg.Pipeline.Concurrency != 4 {
		t.Errorf("Expected concurrency 4, got %d", cfg.Pipeline.Concurrency)
	}
	if cfg.Pipeline.VendorTimeout != 30*time.Second {
		t.Errorf("Expected vendor timeout 30s, got %v", cfg.Pipeline.VendorTimeout)
	}
	if cfg.Vendors.Primary.Name != "primary" || cfg.Vendors.Secondary.Name != "secondary" {
		t.Errorf("Expected default vendor names, got %q and %q", cfg.Vendors.Primary.Name, cfg.Vendors.Secondary.Name)
	}
	if cfg.EventStore.StreamPrefix != "billcheck" {
		t.Errorf("Expected stream prefix billcheck, got %q", cfg.EventStore.StreamPrefix)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("VENDOR_PRIMARY_NAME", "textract")
	t.Setenv("VENDOR_PRIMARY_URL", "http://ocr-a:8000")
	t.Setenv("VENDOR_PRIMARY_TIMEOUT", "12s")
	t.Setenv("VENDOR_SECONDARY_RPS", "2.5")
	t.Setenv("PIPELINE_CONCURRENCY", "not-a-number")
	t.Setenv("ENGINE_SETTINGS_PATH", "/etc/billcheck/engine.yaml")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}
	if diff := cmp.Diff([]string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins); diff != "" {
		t.Errorf("AllowedOrigins mismatch (-want +got):\n%s", diff)
	}
	want := VendorConfig{
		Name:              "textract",
		BaseURL:           "http://ocr-a:8000",
		Timeout:           12 * time.Second,
		RequestsPerSecond: 5,
	}
	if diff := cmp.Diff(want, cfg.Vendors.Primary); diff != "" {
		t.Errorf("Primary vendor mismatch (-want +got):\n%s", diff)
	}
	if cfg.Vendors.Secondary.RequestsPerSecond != 2.5 {
		t.Errorf("Expected secondary rps 2.5, got %v", cfg.Vendors.Secondary.RequestsPerSecond)
	}
	if cfg.Pipeline.Concurrency != 4 {
		t.Errorf("Expected unparsable value to keep default, got %d", cfg.Pipeline.Concurrency)
	}
	if cfg.Engine.SettingsPath != "/etc/billcheck/engine.yaml" {
		t.Errorf("Expected settings path, got %q", cfg.Engine.SettingsPath)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "production with default secret",
			env:  map[string]string{"ENV": "production"},
		},
		{
			name: "same vendor twice",
			env:  map[string]string{"VENDOR_PRIMARY_NAME": "ocr", "VENDOR_SECONDARY_NAME": "ocr"},
		},
		{
			name: "zero concurrency",
			env:  map[string]string{"PIPELINE_CONCURRENCY": "0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestProductionEnablesAuth(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !cfg.Auth.Enabled {
		t.Error("Expected auth enabled in production")
	}
}
