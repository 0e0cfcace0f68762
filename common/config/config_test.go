package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("controlplane")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Session.WindowSize != 64 {
		t.Errorf("default window size = %d, want 64", cfg.Session.WindowSize)
	}
	if cfg.Dispatch.Strategy != StrategyDefault {
		t.Errorf("default strategy = %q, want %q", cfg.Dispatch.Strategy, StrategyDefault)
	}
	if cfg.Dispatch.MaxAttempts != 5 {
		t.Errorf("default max attempts = %d, want 5", cfg.Dispatch.MaxAttempts)
	}
	if !cfg.Session.SecretGenerated {
		t.Errorf("session secret should be generated when SESSION_SECRET is unset")
	}
	if len(cfg.Session.Secret) == 0 {
		t.Errorf("generated session secret is empty")
	}
}

func TestLoad_WorkerTokensMerged(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "tokens.yaml")
	content := "worker_tokens:\n  - tok-from-file\n  - tok-b\n"
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatalf("write tokens file: %v", err)
	}

	t.Setenv("WORKER_TOKEN", "tok-a")
	t.Setenv("WORKER_TOKENS", "tok-b, tok-c")
	t.Setenv("WORKER_TOKENS_FILE", file)

	cfg, err := Load("controlplane")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := []string{"tok-a", "tok-b", "tok-c", "tok-from-file"}
	if len(cfg.Session.WorkerTokens) != len(want) {
		t.Fatalf("tokens = %v, want %v", cfg.Session.WorkerTokens, want)
	}
	got := make(map[string]bool)
	for _, tok := range cfg.Session.WorkerTokens {
		got[tok] = true
	}
	for _, tok := range want {
		if !got[tok] {
			t.Errorf("missing token %q in %v", tok, cfg.Session.WorkerTokens)
		}
	}
}

func TestLoad_WorkerSection(t *testing.T) {
	t.Setenv("GATEWAY_URL", "ws://cp.internal:9000/gateway")
	t.Setenv("WORKER_NAME", "worker-7")
	t.Setenv("WORKER_CAPABILITIES", "sleep, http")
	t.Setenv("WORKER_PACKAGES", "std@1.0.0,imaging@2.1.0")
	t.Setenv("WORKER_CONCURRENCY", "2")

	cfg, err := Load("worker")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Worker.GatewayURL != "ws://cp.internal:9000/gateway" {
		t.Errorf("gateway url = %q", cfg.Worker.GatewayURL)
	}
	if cfg.Worker.Name != "worker-7" {
		t.Errorf("name = %q", cfg.Worker.Name)
	}
	if len(cfg.Worker.Capabilities) != 2 || cfg.Worker.Capabilities[1] != "http" {
		t.Errorf("capabilities = %v", cfg.Worker.Capabilities)
	}
	if len(cfg.Worker.Packages) != 2 || cfg.Worker.Packages[1] != "imaging@2.1.0" {
		t.Errorf("packages = %v", cfg.Worker.Packages)
	}
	if cfg.Worker.Concurrency != 2 {
		t.Errorf("concurrency = %d, want 2", cfg.Worker.Concurrency)
	}
	if cfg.Worker.HTTPAllowPrivate {
		t.Errorf("http allow private should default to false")
	}
}

func TestLoad_StaticTokensMerged(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "api_tokens.yaml")
	content := "api_tokens:\n  - token: tok-ops\n    subject: ops-bot\n    roles: [operator]\n  - token: tok-ro\n    subject: dashboard\n    roles: [viewer]\n"
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatalf("write tokens file: %v", err)
	}

	t.Setenv("ADMIN_TOKEN", "tok-root")
	t.Setenv("API_TOKENS_FILE", file)

	cfg, err := Load("controlplane")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Auth.Mode != AuthModeStatic {
		t.Errorf("auth mode = %q, want %q", cfg.Auth.Mode, AuthModeStatic)
	}
	if len(cfg.Auth.StaticTokens) != 3 {
		t.Fatalf("static tokens = %+v, want 3 entries", cfg.Auth.StaticTokens)
	}
	if cfg.Auth.StaticTokens[0].Subject != "admin" || cfg.Auth.StaticTokens[0].Token != "tok-root" {
		t.Errorf("ADMIN_TOKEN entry = %+v", cfg.Auth.StaticTokens[0])
	}
	if cfg.Auth.StaticTokens[1].Subject != "ops-bot" || len(cfg.Auth.StaticTokens[1].Roles) != 1 {
		t.Errorf("file entry = %+v", cfg.Auth.StaticTokens[1])
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad_port", func(c *Config) { c.Service.Port = 0 }},
		{"bad_strategy", func(c *Config) { c.Dispatch.Strategy = "fastest" }},
		{"zero_window", func(c *Config) { c.Session.WindowSize = 0 }},
		{"zero_attempts", func(c *Config) { c.Dispatch.MaxAttempts = 0 }},
		{"bad_auth_mode", func(c *Config) { c.Auth.Mode = "ldap" }},
		{"zero_worker_concurrency", func(c *Config) { c.Worker.Concurrency = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("controlplane")
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}
