package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("test")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.Stack.Bucket != "test-internal" || cfg.Dispatch.StartQueue != "test-start" {
		t.Fatalf("unexpected derived names: %+v", cfg.Stack)
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("test")))
	if err != nil {
		t.Fatalf("generated config must parse: %v", err)
	}
	if cfg.Stack.Name != "test" {
		t.Fatalf("unexpected stack name: %q", cfg.Stack.Name)
	}
	if cfg.Reaper.PDRTimeout.Std() != 10*time.Hour {
		t.Fatalf("unexpected pdr timeout: %v", cfg.Reaper.PDRTimeout)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
stack:
  name: prod
  bucket: prod-internal
dispatch:
  start_queue: prod-start
  message_limit: 25
  time_limit: 30s
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Dispatch.MessageLimit != 25 || cfg.Dispatch.TimeLimit.Std() != 30*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg.Dispatch)
	}
	if cfg.Reaper.ExecutionTimeout.Std() != 5*time.Hour {
		t.Fatalf("unset fields must keep defaults: %v", cfg.Reaper.ExecutionTimeout)
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing stack name", func(c *Config) { c.Stack.Name = "" }},
		{"missing bucket", func(c *Config) { c.Stack.Bucket = "" }},
		{"missing index path", func(c *Config) { c.Index.Path = "" }},
		{"missing start queue", func(c *Config) { c.Dispatch.StartQueue = "" }},
		{"negative message limit", func(c *Config) { c.Dispatch.MessageLimit = -1 }},
		{"zero reaper timeout", func(c *Config) { c.Reaper.GranuleTimeout = 0 }},
	}
	for _, tc := range cases {
		cfg := Default("test")
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestLoadOptionalMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Stack.Name != "downlink" {
		t.Fatalf("expected defaults, got %+v", cfg.Stack)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(workspace, "downlink.yml"), []byte(GenerateDefault("ws")), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(workspace)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Stack.Name != "ws" {
		t.Fatalf("unexpected stack: %q", cfg.Stack.Name)
	}
}
