package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MegaGrindStone/agentchat/internal/services"
	"github.com/MegaGrindStone/agentchat/internal/timeline"
	"gopkg.in/yaml.v3"
)

func TestConfigUnmarshalBackend(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		wantKind services.BackendKind
		wantURL  string
		wantErr  bool
	}{
		{
			name: "explicit direct",
			yaml: `
backend:
  kind: direct
  url: http://agents.internal:8000
  appName: deep_research
`,
			wantKind: services.BackendDirect,
			wantURL:  "http://agents.internal:8000",
		},
		{
			name: "direct inferred from loopback url",
			yaml: `
backend:
  url: http://localhost:8000
  appName: deep_research
`,
			wantKind: services.BackendDirect,
			wantURL:  "http://localhost:8000",
		},
		{
			name: "managed inferred from platform url",
			yaml: `
backend:
  url: https://us-central1-aiplatform.googleapis.com/v1/projects/p/locations/us-central1/reasoningEngines/42:query
  token: secret
`,
			wantKind: services.BackendManaged,
			wantURL:  "https://us-central1-aiplatform.googleapis.com/v1/projects/p/locations/us-central1/reasoningEngines/42:query",
		},
		{
			name: "unknown kind",
			yaml: `
backend:
  kind: cloud
  url: http://localhost:8000
`,
			wantErr: true,
		},
		{
			name: "kind cannot be inferred",
			yaml: `
backend:
  url: https://agents.example.com
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg config
			err := yaml.Unmarshal([]byte(tt.yaml), &cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Unmarshal() should fail")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if cfg.Backend.kind() != tt.wantKind {
				t.Errorf("kind = %v, want %v", cfg.Backend.kind(), tt.wantKind)
			}
			if cfg.Backend.endpoint() != tt.wantURL {
				t.Errorf("endpoint = %q, want %q", cfg.Backend.endpoint(), tt.wantURL)
			}
		})
	}
}

func TestConfigManagedToken(t *testing.T) {
	var cfg config
	err := yaml.Unmarshal([]byte(`
backend:
  kind: managed
  url: https://proxy.internal/v1/projects/p/locations/l/reasoningEngines/42:query
  token: secret
`), &cfg)
	if err != nil {
		t.Fatal(err)
	}
	managed, ok := cfg.Backend.(*managedConfig)
	if !ok {
		t.Fatalf("backend = %T, want *managedConfig", cfg.Backend)
	}
	if managed.Token != "secret" {
		t.Errorf("token = %q", managed.Token)
	}
}

func TestConfigDefaults(t *testing.T) {
	var cfg config
	err := yaml.Unmarshal([]byte(`
backend:
  url: http://localhost:8000
  appName: deep_research
userId: alice
`), &cfg)
	if err != nil {
		t.Fatal(err)
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate() error = %v", err)
	}

	if cfg.Store != storeFile {
		t.Errorf("Store = %q, want %q", cfg.Store, storeFile)
	}
	if cfg.PollInterval != services.DirectPollInterval {
		t.Errorf("PollInterval = %v, want %v", cfg.PollInterval, services.DirectPollInterval)
	}
	if cfg.PendingTTL != timeline.DefaultPendingTTL {
		t.Errorf("PendingTTL = %v", cfg.PendingTTL)
	}
	policy := cfg.sourcePolicy()
	if policy.ReportAgent != "report_composer_with_citations" || len(policy.ResearchAgents) != 2 {
		t.Errorf("sourcePolicy() = %+v", policy)
	}
}

func TestConfigExplicitValues(t *testing.T) {
	var cfg config
	err := yaml.Unmarshal([]byte(`
backend:
  url: https://proxy.internal/v1/projects/p/locations/l/reasoningEngines/42:query
userId: alice
store: memory
pollInterval: 10s
pendingTTL: 30s
logLevel: debug
agents:
  report: writer
  research: []
`), &cfg)
	if err != nil {
		t.Fatal(err)
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate() error = %v", err)
	}

	if cfg.PollInterval != 10*time.Second || cfg.PendingTTL != 30*time.Second {
		t.Errorf("intervals = %v, %v", cfg.PollInterval, cfg.PendingTTL)
	}
	if cfg.Store != storeMemory {
		t.Errorf("Store = %q", cfg.Store)
	}
	if cfg.Agents.Report != "writer" || len(cfg.Agents.Research) != 0 {
		t.Errorf("Agents = %+v", cfg.Agents)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "no backend", yaml: "userId: alice\n"},
		{name: "no user", yaml: "backend:\n  url: http://localhost:8000\n  appName: app\n"},
		{name: "direct without app", yaml: "backend:\n  url: http://localhost:8000\nuserId: alice\n"},
		{name: "unknown store", yaml: "backend:\n  url: http://localhost:8000\n  appName: app\nuserId: alice\nstore: redis\n"},
		{name: "bad log level", yaml: "backend:\n  url: http://localhost:8000\n  appName: app\nuserId: alice\nlogLevel: loud\n"},
		{
			name: "managed without query method",
			yaml: "backend:\n  kind: managed\n  url: https://host/v1/reasoningEngines/42\nuserId: alice\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg config
			if err := yaml.Unmarshal([]byte(tt.yaml), &cfg); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			cfg.setDefaults()
			if err := cfg.validate(); err == nil {
				t.Error("validate() should fail")
			}
		})
	}
}

func TestConfigOverrides(t *testing.T) {
	var cfg config
	if err := cfg.applyOverrides("bob", "http://127.0.0.1:9000"); err != nil {
		t.Fatalf("applyOverrides() error = %v", err)
	}
	if cfg.UserID != "bob" {
		t.Errorf("UserID = %q", cfg.UserID)
	}
	if cfg.Backend == nil || cfg.Backend.kind() != services.BackendDirect || cfg.Backend.endpoint() != "http://127.0.0.1:9000" {
		t.Fatalf("Backend = %+v", cfg.Backend)
	}

	if err := cfg.applyOverrides("", "http://localhost:8000"); err != nil {
		t.Fatal(err)
	}
	if cfg.UserID != "bob" || cfg.Backend.endpoint() != "http://localhost:8000" {
		t.Errorf("empty overrides should keep values, got %q %q", cfg.UserID, cfg.Backend.endpoint())
	}

	var unknown config
	if err := unknown.applyOverrides("", "https://agents.example.com"); err == nil {
		t.Error("applyOverrides() should fail when the kind cannot be inferred")
	}
}

func TestConfigOverrideSwitchesProtocol(t *testing.T) {
	const managedURL = "https://us-central1-aiplatform.googleapis.com/v1/projects/p/locations/us-central1/reasoningEngines/42:query"

	tests := []struct {
		name      string
		yaml      string
		url       string
		wantKind  services.BackendKind
		wantValid bool
	}{
		{
			name:      "direct file with managed url",
			yaml:      "backend:\n  url: http://localhost:8000\n  appName: deep_research\nuserId: alice\n",
			url:       managedURL,
			wantKind:  services.BackendManaged,
			wantValid: true,
		},
		{
			name:     "managed file with loopback url",
			yaml:     "backend:\n  url: " + managedURL + "\nuserId: alice\n",
			url:      "http://localhost:8000",
			wantKind: services.BackendDirect,
			// The direct runtime needs an appName the managed section never had.
			wantValid: false,
		},
		{
			name:      "explicit kind kept for an address without hints",
			yaml:      "backend:\n  kind: direct\n  url: http://localhost:8000\n  appName: deep_research\nuserId: alice\n",
			url:       "https://agents.example.com",
			wantKind:  services.BackendDirect,
			wantValid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg config
			if err := yaml.Unmarshal([]byte(tt.yaml), &cfg); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if err := cfg.applyOverrides("", tt.url); err != nil {
				t.Fatalf("applyOverrides() error = %v", err)
			}
			if cfg.Backend.kind() != tt.wantKind {
				t.Errorf("kind = %v, want %v", cfg.Backend.kind(), tt.wantKind)
			}
			if cfg.Backend.endpoint() != tt.url {
				t.Errorf("endpoint = %q, want %q", cfg.Backend.endpoint(), tt.url)
			}

			cfg.setDefaults()
			err := cfg.validate()
			if tt.wantValid && err != nil {
				t.Errorf("validate() error = %v", err)
			}
			if !tt.wantValid && err == nil {
				t.Error("validate() should fail")
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	cfg, err := loadConfig(filepath.Join(dir, "missing.yaml"))
	if err != nil || cfg.Backend != nil {
		t.Fatalf("loadConfig() of a missing file = %+v, %v, want empty config", cfg, err)
	}

	empty := filepath.Join(dir, "empty.yaml")
	if err := os.WriteFile(empty, nil, 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(empty); err != nil {
		t.Errorf("loadConfig() of an empty file error = %v", err)
	}

	path := filepath.Join(dir, "config.yaml")
	content := "backend:\n  url: http://localhost:8000\n  appName: deep_research\nuserId: alice\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err = loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.UserID != "alice" || cfg.Backend == nil {
		t.Errorf("loadConfig() = %+v", cfg)
	}
}
