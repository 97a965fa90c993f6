package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
endpoints:
  - base_url: http://localhost:8000/v1
    model: qwen3
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.MemoryTTLSeconds != 3600 {
		t.Errorf("memory_ttl_seconds = %d", cfg.MemoryTTLSeconds)
	}
	if cfg.MaxIterations != 10 {
		t.Errorf("max_iterations = %d", cfg.MaxIterations)
	}
	if cfg.Skills.Mode != "activation" {
		t.Errorf("skills.mode = %q", cfg.Skills.Mode)
	}
	if got := cfg.MemoryTTL(); got != time.Hour {
		t.Errorf("MemoryTTL() = %v", got)
	}
	if got := cfg.ToolDefaultTimeout(); got != 30*time.Second {
		t.Errorf("ToolDefaultTimeout() = %v", got)
	}
}

func TestParseFullFile(t *testing.T) {
	cfg, err := Parse([]byte(`
listen_addr: ":9090"
log_level: debug
memory_ttl_seconds: 60
max_memory_items: 5
max_iterations: 3
endpoints:
  - base_url: http://a.example/v1
    api_key: k1
    model: m1
    multimodal: true
    temperature: 0.2
    max_tokens: 512
    extra_body:
      enable_thinking: true
  - base_url: http://b.example/v1
    model: m2
skills:
  paths: [/srv/skills]
  watch: true
  mode: filesystem
sandbox:
  base_url: http://sandbox:8194
  workdir: /work
  timeout_seconds: 15
observability:
  otlp_endpoint: otel:4317
  service_name: alphora-dev
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Endpoints) != 2 {
		t.Fatalf("endpoints = %d", len(cfg.Endpoints))
	}
	ep := cfg.Endpoints[0]
	if !ep.Multimodal || ep.Temperature == nil || *ep.Temperature != 0.2 {
		t.Errorf("endpoint[0] = %+v", ep)
	}
	if ep.ExtraBody["enable_thinking"] != true {
		t.Errorf("extra_body = %v", ep.ExtraBody)
	}
	if cfg.Skills.Mode != "filesystem" || !cfg.Skills.Watch {
		t.Errorf("skills = %+v", cfg.Skills)
	}
	if cfg.SandboxTimeout() != 15*time.Second {
		t.Errorf("SandboxTimeout() = %v", cfg.SandboxTimeout())
	}
	if cfg.Observability.OTLPEndpoint != "otel:4317" {
		t.Errorf("observability = %+v", cfg.Observability)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte(minimalYAML + "no_such_key: 1\n"))
	if err == nil {
		t.Fatal("unknown key accepted")
	}
}

func TestParseValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"no endpoints", "listen_addr: ':1'\n", "endpoint"},
		{"missing model", "endpoints:\n  - base_url: http://x\n", "model"},
		{"bad log level", minimalYAML + "log_level: loud\n", "log_level"},
		{"bad skills mode", minimalYAML + "skills:\n  mode: psychic\n", "mode"},
		{"negative ttl", minimalYAML + "memory_ttl_seconds: -1\n", "negative"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil {
				t.Fatal("invalid config accepted")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("ALPHORA_TEST_KEY", "secret-token")
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "endpoints:\n  - base_url: http://x/v1\n    model: m\n    api_key: ${ALPHORA_TEST_KEY}\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Endpoints[0].APIKey != "secret-token" {
		t.Errorf("api_key = %q", cfg.Endpoints[0].APIKey)
	}
}

func TestJSONSchema(t *testing.T) {
	schema, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema: %v", err)
	}
	for _, key := range []string{"memory_ttl_seconds", "endpoints", "skills", "listen_addr"} {
		if !strings.Contains(string(schema), key) {
			t.Errorf("schema missing %q", key)
		}
	}
}
