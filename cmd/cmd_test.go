package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testConfig = `
server:
  port: 18080
model_list:
  - model_name: gpt-4
    litellm_params:
      model: openai/gpt-4
      api_key: ${FG_CMD_TEST_KEY}
  - model_name: claude
    litellm_params:
      model: anthropic/claude-3-5-sonnet-20241022
      api_key: sk-ant
      api_base: https://anthropic.example.com/
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feathergate.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	t.Setenv("FG_CMD_TEST_KEY", "sk-test")
	path := writeConfig(t, testConfig)

	out, err := run(t, "validate", "--config", path)
	if err != nil {
		t.Fatalf("validate error = %v", err)
	}
	if !strings.Contains(out, "configuration OK: 2 models") {
		t.Fatalf("output = %q", out)
	}
}

func TestValidateCommandReportsMissingEnv(t *testing.T) {
	path := writeConfig(t, strings.ReplaceAll(testConfig, "FG_CMD_TEST_KEY", "FG_CMD_TEST_UNSET_KEY"))

	_, err := run(t, "validate", "--config", path)
	if err == nil || !strings.Contains(err.Error(), "FG_CMD_TEST_UNSET_KEY") {
		t.Fatalf("validate error = %v", err)
	}
}

func TestValidateCommandLoadsEnvFile(t *testing.T) {
	path := writeConfig(t, strings.ReplaceAll(testConfig, "FG_CMD_TEST_KEY", "FG_CMD_DOTENV_KEY"))
	envFile := filepath.Join(filepath.Dir(path), "custom.env")
	if err := os.WriteFile(envFile, []byte("FG_CMD_DOTENV_KEY=sk-dotenv\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("FG_CMD_DOTENV_KEY") })

	if _, err := run(t, "validate", "--config", path, "--env-file", envFile); err != nil {
		t.Fatalf("validate error = %v", err)
	}
}

func TestModelsCommand(t *testing.T) {
	t.Setenv("FG_CMD_TEST_KEY", "sk-secret-value")
	path := writeConfig(t, testConfig)

	out, err := run(t, "models", "-c", path)
	if err != nil {
		t.Fatalf("models error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("output = %q", out)
	}
	if fields := strings.Fields(lines[1]); fields[0] != "gpt-4" || fields[1] != "openai" || fields[3] != "https://api.openai.com/v1" {
		t.Fatalf("gpt-4 row = %q", lines[1])
	}
	if fields := strings.Fields(lines[2]); fields[0] != "claude" || fields[3] != "https://anthropic.example.com" {
		t.Fatalf("claude row = %q", lines[2])
	}
	if strings.Contains(out, "sk-secret-value") || strings.Contains(out, "sk-ant") {
		t.Fatalf("api key leaked: %q", out)
	}
}

func TestServeRejectsInvalidOverrides(t *testing.T) {
	t.Setenv("FG_CMD_TEST_KEY", "sk-test")
	path := writeConfig(t, testConfig)

	tests := map[string][]string{
		"port":       {"serve", "--config", path, "--port", "70000"},
		"log level":  {"serve", "--config", path, "--log-level", "loud"},
		"log format": {"serve", "--config", path, "--log-format", "xml"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := run(t, args...); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestServeOptionsApply(t *testing.T) {
	t.Setenv("FG_CMD_TEST_KEY", "sk-test")
	path := writeConfig(t, testConfig)
	cfg, err := (&globalOptions{configPath: path}).load()
	if err != nil {
		t.Fatalf("load error = %v", err)
	}

	opts := &serveOptions{port: 9999, host: "127.0.0.1", logLevel: "debug", logFormat: "json"}
	if err := opts.apply(&cfg); err != nil {
		t.Fatalf("apply error = %v", err)
	}
	if cfg.Server.Address() != "127.0.0.1:9999" || cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Fatalf("cfg = %+v", cfg)
	}

	if _, err := buildServer(cfg); err != nil {
		t.Fatalf("buildServer error = %v", err)
	}
}
