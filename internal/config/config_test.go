package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if errWrite := os.WriteFile(path, []byte(content), 0644); errWrite != nil {
		t.Fatalf("write config: %v", errWrite)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: ledger.db
auth:
  jwt-secret: test-secret
`)
	cfg, errLoad := Load(path)
	if errLoad != nil {
		t.Fatalf("load: %v", errLoad)
	}
	if cfg.Server.Listen != ":8317" {
		t.Fatalf("default listen wrong: %s", cfg.Server.Listen)
	}
	if cfg.Auth.TokenExpiry != 24*time.Hour {
		t.Fatalf("default expiry wrong: %s", cfg.Auth.TokenExpiry)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("default log level wrong: %s", cfg.Logging.Level)
	}
}

func TestLoadParsesFullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: ":9000"
database:
  dsn: postgres://ledger:pw@localhost/ledger
redis:
  addr: localhost:6379
  db: 2
auth:
  jwt-secret: test-secret
  token-expiry: 1h
  service-keys:
    - clm_abc
admin:
  username: root
  password: hunter2
logging:
  level: debug
  file: /var/log/ledger.log
`)
	cfg, errLoad := Load(path)
	if errLoad != nil {
		t.Fatalf("load: %v", errLoad)
	}
	if cfg.Server.Listen != ":9000" {
		t.Fatalf("listen: %s", cfg.Server.Listen)
	}
	if cfg.Redis.Addr != "localhost:6379" || cfg.Redis.DB != 2 {
		t.Fatalf("redis: %+v", cfg.Redis)
	}
	if cfg.Auth.TokenExpiry != time.Hour {
		t.Fatalf("expiry: %s", cfg.Auth.TokenExpiry)
	}
	if len(cfg.Auth.ServiceKeys) != 1 || cfg.Auth.ServiceKeys[0] != "clm_abc" {
		t.Fatalf("service keys: %v", cfg.Auth.ServiceKeys)
	}
	if cfg.Admin.Username != "root" {
		t.Fatalf("admin: %+v", cfg.Admin)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging: %+v", cfg.Logging)
	}
}

func TestLoadRequiresDSNAndSecret(t *testing.T) {
	if _, errLoad := Load(writeConfig(t, "auth:\n  jwt-secret: s\n")); errLoad == nil {
		t.Fatal("expected error for missing dsn")
	}
	if _, errLoad := Load(writeConfig(t, "database:\n  dsn: ledger.db\n")); errLoad == nil {
		t.Fatal("expected error for missing jwt secret")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, errLoad := Load(filepath.Join(t.TempDir(), "absent.yaml")); errLoad == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestResolveConfigPath(t *testing.T) {
	if got := ResolveConfigPath("explicit.yaml"); got != "explicit.yaml" {
		t.Fatalf("explicit path ignored: %s", got)
	}

	t.Setenv("CONFIG_PATH", "/etc/ledger/config.yaml")
	if got := ResolveConfigPath(""); got != "/etc/ledger/config.yaml" {
		t.Fatalf("env path ignored: %s", got)
	}

	t.Setenv("CONFIG_PATH", "")
	if got := ResolveConfigPath(" "); got != defaultConfigPath {
		t.Fatalf("default path wrong: %s", got)
	}
}
