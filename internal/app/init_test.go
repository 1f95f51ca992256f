package app

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/churnguard/tenant-governor/internal/config"
)

func TestWriteConfigFileLoadsBack(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "nested", "config.yaml")
	req := InitRequest{DatabasePath: filepath.Join(dir, "governor.db"), RedisAddr: "10.0.0.5:6379", FailPolicy: "open"}
	if err := ValidateInitRequest(&req); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := WriteConfigFile(configPath, req); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !ConfigExists(configPath) {
		t.Fatalf("expected config written")
	}
	if err := WriteConfigFile(configPath, req); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}

	conf, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if conf.Redis.Addr != "10.0.0.5:6379" || conf.FailPolicy != "open" {
		t.Fatalf("unexpected config %+v", conf)
	}
	if len(conf.JWT.Secret) < 32 {
		t.Fatalf("expected generated jwt secret, got %q", conf.JWT.Secret)
	}
	if !strings.HasPrefix(conf.Database.DSN, "file:") {
		t.Fatalf("expected sqlite dsn, got %q", conf.Database.DSN)
	}
	if err := TestDatabaseConnection(conf.Database.DSN); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func TestValidateInitRequest(t *testing.T) {
	cases := []struct {
		name string
		req  InitRequest
		ok   bool
	}{
		{name: "sqlite defaults", req: InitRequest{}, ok: true},
		{name: "postgres missing host", req: InitRequest{DatabaseType: "postgres", DatabasePort: 5432}},
		{name: "postgres complete", req: InitRequest{DatabaseType: "postgres", DatabaseHost: "db", DatabasePort: 5432, DatabaseUser: "gov", DatabaseName: "gov"}, ok: true},
		{name: "unknown type", req: InitRequest{DatabaseType: "mysql"}},
		{name: "bad policy", req: InitRequest{FailPolicy: "maybe"}},
	}
	for _, tc := range cases {
		req := tc.req
		err := ValidateInitRequest(&req)
		if (err == nil) != tc.ok {
			t.Fatalf("%s: expected ok=%v, got err=%v", tc.name, tc.ok, err)
		}
	}

	dsn, err := BuildDSN(InitRequest{DatabaseType: "postgres", DatabaseHost: "db", DatabasePort: 5432, DatabaseUser: "gov", DatabasePassword: "pw", DatabaseName: "gov"})
	if err != nil || dsn != "postgres://gov:pw@db:5432/gov?sslmode=disable" {
		t.Fatalf("unexpected dsn %q err=%v", dsn, err)
	}
}
