package config

import (
	"strings"
	"testing"
)

func TestLoadMemoryDefaults(t *testing.T) {
	path := writeConfigForTest(t, `
storage:
  driver: memory
security:
  bearer_token: "operator-token"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:8080" {
		t.Fatalf("unexpected listen %q", cfg.Server.Listen)
	}
	if cfg.Notify.Mode != "log" || cfg.Archive.Mode != "none" || cfg.Sweeper.Mode != "local" {
		t.Fatalf("unexpected mode defaults: notify=%s archive=%s sweeper=%s", cfg.Notify.Mode, cfg.Archive.Mode, cfg.Sweeper.Mode)
	}
	if *cfg.Security.EnableIPAllow {
		t.Fatalf("ip allow list should default off")
	}
	if cfg.Links.TTLHours != 720 {
		t.Fatalf("unexpected link ttl %d", cfg.Links.TTLHours)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("SIGNOFF_TEST_TOKEN", "from-env")
	t.Setenv("SIGNOFF_TEST_DB", "/var/lib/signoff/signoff.db")
	path := writeConfigForTest(t, `
storage:
  driver: SQLite
  sqlite_path: "${SIGNOFF_TEST_DB}"
security:
  bearer_token: "${SIGNOFF_TEST_TOKEN}"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.SQLitePath != "/var/lib/signoff/signoff.db" {
		t.Fatalf("unexpected storage %+v", cfg.Storage)
	}
	if cfg.Security.BearerToken != "from-env" {
		t.Fatalf("bearer token not expanded: %q", cfg.Security.BearerToken)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "unknown driver",
			body: "storage:\n  driver: mongo\n",
			want: "storage.driver must be one of",
		},
		{
			name: "insecure postgres",
			body: "storage:\n  postgres_dsn: \"postgres://u:p@localhost/db?sslmode=disable\"\nsecurity:\n  bearer_token: t\n",
			want: "storage.postgres_dsn must use sslmode",
		},
		{
			name: "missing bearer token",
			body: "storage:\n  driver: memory\n",
			want: "security.bearer_token is required",
		},
		{
			name: "short link secret",
			body: "storage:\n  driver: memory\nsecurity:\n  bearer_token: t\nlinks:\n  base_url: https://sign.example.com\n  secret: short\n",
			want: "links.secret must be at least 32 bytes",
		},
		{
			name: "outbox on redis",
			body: "storage:\n  driver: redis\n  redis_addr: localhost:6379\nsecurity:\n  bearer_token: t\nnotify:\n  mode: outbox\n",
			want: "notify.mode outbox requires",
		},
		{
			name: "s3 without bucket",
			body: "storage:\n  driver: memory\nsecurity:\n  bearer_token: t\narchive:\n  mode: s3\n",
			want: "archive.s3_bucket is required",
		},
		{
			name: "half key pair",
			body: "storage:\n  driver: memory\nsecurity:\n  bearer_token: t\nkeys:\n  signing_private_key_path: /tmp/k.pem\n",
			want: "must be set together",
		},
		{
			name: "bad cidr",
			body: "storage:\n  driver: memory\nsecurity:\n  bearer_token: t\n  enable_ip_allow_list: true\n  trusted_cidrs: [\"10.0.0.0/33\"]\n",
			want: "security.trusted_cidrs[0] is invalid",
		},
		{
			name: "bad log level",
			body: "storage:\n  driver: memory\nsecurity:\n  bearer_token: t\nlogging:\n  level: chatty\n",
			want: "logging.level",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfigForTest(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
