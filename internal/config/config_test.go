// Copyright 2025 James Ross
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Queue.WorkerFanout != 16 {
		t.Fatalf("expected default worker fanout 16, got %d", cfg.Queue.WorkerFanout)
	}
	if cfg.Cache.Backend != "memory" {
		t.Fatalf("expected default cache backend memory, got %q", cfg.Cache.Backend)
	}
	if cfg.Router.Breaker.FailureThreshold != 5 {
		t.Fatalf("expected default breaker failure threshold 5, got %d", cfg.Router.Breaker.FailureThreshold)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
cache:
  backend: redis
queue:
  worker_fanout: 4
router:
  request_timeout: 5s
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Cache.Backend != "redis" {
		t.Fatalf("expected cache backend redis, got %q", cfg.Cache.Backend)
	}
	if cfg.Queue.WorkerFanout != 4 {
		t.Fatalf("expected worker fanout 4, got %d", cfg.Queue.WorkerFanout)
	}
	if cfg.Router.RequestTimeout != 5*time.Second {
		t.Fatalf("expected request timeout 5s, got %v", cfg.Router.RequestTimeout)
	}
	// untouched keys keep their defaults
	if cfg.Router.Breaker.SuccessThreshold != 3 {
		t.Fatalf("expected default breaker success threshold 3, got %d", cfg.Router.Breaker.SuccessThreshold)
	}
}

func TestLoadDecodesRetryOverridesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
retry_overrides_json: '{"ai-computation":{"max_attempts":7,"jitter":true}}'
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	p, ok := cfg.RetryOverrides["ai-computation"]
	if !ok {
		t.Fatalf("expected ai-computation override decoded")
	}
	if p.MaxAttempts != 7 || !p.Jitter {
		t.Fatalf("unexpected override: %+v", p)
	}
}
