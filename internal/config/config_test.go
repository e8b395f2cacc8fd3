package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	p := writeFile(t, "evolve.yaml", `
db_path: /var/lib/evolve/state.db
autonomy:
  auto_approve_ceiling: 0.3
  session_budget: 5
  max_session_runtime: 30m
replication:
  retry:
    max_attempts: 6
destinations:
  - type: memory
    id: scratch
  - type: s3
    s3:
      bucket: evolve-replica
      region: eu-west-1
  - type: postgres
    postgres:
      dsn: postgres://evolve@localhost/evolve
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "/var/lib/evolve/state.db" {
		t.Fatalf("db_path = %q", cfg.DBPath)
	}
	if cfg.Autonomy.AutoApproveCeiling != 0.3 || cfg.Autonomy.SessionBudget != 5 {
		t.Fatalf("autonomy not applied: %+v", cfg.Autonomy)
	}
	if cfg.Autonomy.MaxSessionRuntime != 30*time.Minute {
		t.Fatalf("duration not parsed: %v", cfg.Autonomy.MaxSessionRuntime)
	}
	// Untouched fields keep defaults.
	if cfg.Autonomy.EscalationThreshold != 0.8 || !cfg.Autonomy.AutoApprove {
		t.Fatalf("defaults lost: %+v", cfg.Autonomy)
	}
	if cfg.Replication.Retry.MaxAttempts != 6 || cfg.Replication.Retry.Base != 2 {
		t.Fatalf("retry merge wrong: %+v", cfg.Replication.Retry)
	}
	if len(cfg.Destinations) != 3 || cfg.Destinations[1].S3.Bucket != "evolve-replica" {
		t.Fatalf("destinations = %+v", cfg.Destinations)
	}
}

func TestLoadJSON(t *testing.T) {
	p := writeFile(t, "evolve.json", `{"db_path": "x.db", "api": {"addr": ":9000"}}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if cfg.DBPath != "x.db" || cfg.API.Addr != ":9000" {
		t.Fatalf("json not applied: %+v %+v", cfg.DBPath, cfg.API)
	}
}

func TestValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"unknown destination type", "destinations:\n  - type: ftp\n", "oneof"},
		{"s3 without block", "destinations:\n  - type: s3\n", "required_if"},
		{"s3 without bucket", "destinations:\n  - type: s3\n    s3:\n      region: x\n", "Bucket"},
		{"ceiling above escalation", "autonomy:\n  auto_approve_ceiling: 0.9\n  escalation_threshold: 0.5\n", "escalation"},
		{"ceiling out of range", "autonomy:\n  auto_approve_ceiling: 1.5\n", "AutoApproveCeiling"},
		{"duplicate ids", "destinations:\n  - {type: memory, id: a}\n  - {type: memory, id: a}\n", "duplicate"},
		{"backoff ceiling", "replication:\n  retry:\n    max_attempts: 20\n", "backoff"},
		{"advisor without addr", "advisor:\n  enabled: true\n", "Addr"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "c.yaml", tc.body))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"EVOLVE_DB_PATH":             "/tmp/e.db",
		"EVOLVE_AUTO_APPROVE":        "false",
		"EVOLVE_SESSION_BUDGET":      "3",
		"EVOLVE_MAX_SESSION_RUNTIME": "2h",
		"EVOLVE_ADVISOR_ADDR":        "advisor:7000",
		"EVOLVE_LOG_LEVEL":           "DEBUG",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := Default()
	if err := applyEnv(&cfg, lookup); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.DBPath != "/tmp/e.db" || cfg.Autonomy.AutoApprove || cfg.Autonomy.SessionBudget != 3 {
		t.Fatalf("env not applied: %+v", cfg.Autonomy)
	}
	if cfg.Autonomy.MaxSessionRuntime != 2*time.Hour {
		t.Fatalf("runtime = %v", cfg.Autonomy.MaxSessionRuntime)
	}
	if !cfg.Advisor.Enabled || cfg.Advisor.Addr != "advisor:7000" {
		t.Fatalf("advisor = %+v", cfg.Advisor)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("env-derived config invalid: %v", err)
	}
}

func TestEnvOverrideBadValue(t *testing.T) {
	cfg := Default()
	err := applyEnv(&cfg, func(k string) (string, bool) {
		if k == "EVOLVE_SESSION_BUDGET" {
			return "many", true
		}
		return "", false
	})
	if err == nil || !strings.Contains(err.Error(), "EVOLVE_SESSION_BUDGET") {
		t.Fatalf("expected named parse error, got %v", err)
	}
}
