package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  timeout_seconds: 45
auth:
  enabled: true
  api_key: secret
jobs:
  ttl_seconds: 7200
  allowed_hosts: ["themeforest.net", "preview.example.com"]
  log_read_limit: 250
workers:
  max: 3
queue:
  limit: 8
sweeper:
  interval_seconds: 30
storage:
  dir: /var/lib/ripperd/jobs
tokens:
  store: postgres
  secret: token-secret
  postgres_dsn: postgres://localhost/ripperd
runner:
  user_agent: custom-agent
  max_depth: 3
  min_archive_bytes: 2048
notify:
  provider: pubsub
  project_id: proj
  topic_name: rip-events
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Workers.Max != 3 || cfg.Queue.Limit != 8 {
		t.Fatalf("expected worker and queue overrides to apply")
	}
	if len(cfg.Jobs.AllowedHosts) != 2 || cfg.Jobs.AllowedHosts[0] != "themeforest.net" {
		t.Fatalf("expected allowed hosts to be loaded: %+v", cfg.Jobs.AllowedHosts)
	}
	if cfg.Tokens.Store != "postgres" || cfg.Tokens.PostgresDSN == "" {
		t.Fatalf("expected postgres token store config: %+v", cfg.Tokens)
	}
	if cfg.Runner.MaxDepth != 3 || cfg.Runner.MinArchiveBytes != 2048 {
		t.Fatalf("expected runner overrides to apply: %+v", cfg.Runner)
	}
	if got := cfg.JobTTL(); got != 2*time.Hour {
		t.Fatalf("expected job TTL 2h, got %v", got)
	}
	if got := cfg.SweepInterval(); got != 30*time.Second {
		t.Fatalf("expected sweep interval 30s, got %v", got)
	}
	if got := cfg.ServerTimeout(); got != 45*time.Second {
		t.Fatalf("expected server timeout 45s, got %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RIPPERD_TOKENS_SECRET", "env-secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Workers.Max != 2 || cfg.Queue.Limit != 4 {
		t.Fatalf("expected default pool sizing, got %+v %+v", cfg.Workers, cfg.Queue)
	}
	if cfg.Jobs.TTLSeconds != 3600 {
		t.Fatalf("expected default TTL 3600, got %d", cfg.Jobs.TTLSeconds)
	}
	if cfg.Tokens.Store != "sqlite" || cfg.Tokens.Secret != "env-secret" {
		t.Fatalf("expected sqlite store with env secret, got %+v", cfg.Tokens)
	}
	if cfg.Notify.Provider != "none" {
		t.Fatalf("expected notify disabled by default, got %q", cfg.Notify.Provider)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:  ServerConfig{Port: 8080, TimeoutSeconds: 30},
		Jobs:    JobsConfig{TTLSeconds: 3600},
		Workers: WorkersConfig{Max: 2},
		Queue:   QueueConfig{Limit: 4},
		Storage: StorageConfig{Dir: "/tmp/jobs"},
		Tokens:  TokensConfig{Store: "memory", Secret: "s"},
		Notify:  NotifyConfig{Provider: "none"},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "invalid workers",
			cfg: func() Config {
				c := base
				c.Workers.Max = 0
				return c
			}(),
			want: "workers.max",
		},
		{
			name: "invalid queue limit",
			cfg: func() Config {
				c := base
				c.Queue.Limit = 0
				return c
			}(),
			want: "queue.limit",
		},
		{
			name: "missing token secret",
			cfg: func() Config {
				c := base
				c.Tokens.Secret = ""
				return c
			}(),
			want: "tokens.secret",
		},
		{
			name: "sqlite store missing path",
			cfg: func() Config {
				c := base
				c.Tokens.Store = "sqlite"
				return c
			}(),
			want: "tokens.sqlite_path",
		},
		{
			name: "unknown token store",
			cfg: func() Config {
				c := base
				c.Tokens.Store = "dynamo"
				return c
			}(),
			want: "tokens.store",
		},
		{
			name: "pubsub missing topic",
			cfg: func() Config {
				c := base
				c.Notify.Provider = "pubsub"
				c.Notify.ProjectID = "proj"
				return c
			}(),
			want: "notify.project_id and notify.topic_name",
		},
		{
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Auth.Enabled = true
				return c
			}(),
			want: "auth.api_key",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
