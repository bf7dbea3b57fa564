package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/rendis/stagecraft/pkg/schema"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), envOf(nil))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, bindingDirect, cfg.Assembly.Binding)
	assert.Equal(t, 10, cfg.Assembly.MaxDepth)
	assert.Equal(t, 5, cfg.Assembly.PoolSize)
	assert.Equal(t, 5*time.Minute, cfg.Assembly.IterationTimeout.Std())
	assert.Equal(t, 2*time.Minute, cfg.Assembly.AwaitTimeout.Std())
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := writeFile(t, "settings.yaml", `
db_path: /var/lib/stagecraft/db
log_level: debug
assembly:
  max_depth: 4
  iteration_timeout: 30s
  binding: event
remote_creators:
  - name: templates
    addr: localhost:4200
    kinds: [template]
waiter:
  retention: 15m
`)
	cfg, err := loadConfig(path, envOf(map[string]string{
		"STAGECRAFT_LOG_LEVEL":          "warn",
		"STAGECRAFT_ASSEMBLY_POOL_SIZE": "2",
	}))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/stagecraft/db", cfg.DBPath)
	assert.Equal(t, "warn", cfg.LogLevel, "env wins over file")
	assert.Equal(t, 4, cfg.Assembly.MaxDepth)
	assert.Equal(t, 2, cfg.Assembly.PoolSize)
	assert.Equal(t, 30*time.Second, cfg.Assembly.IterationTimeout.Std())
	assert.Equal(t, 2*time.Minute, cfg.Assembly.AwaitTimeout.Std(), "unset keys keep defaults")
	assert.Equal(t, bindingEvent, cfg.Assembly.Binding)
	assert.Equal(t, 15*time.Minute, cfg.Waiter.Retention.Std())
	require.Len(t, cfg.RemoteCreators, 1)
	assert.Equal(t, []string{"template"}, cfg.RemoteCreators[0].Kinds)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
		msg  string
	}{
		{"bad duration", "assembly:\n  await_timeout: soon\n", nil, "soon"},
		{"bad binding", "assembly:\n  binding: carrier-pigeon\n", nil, "assembly.binding"},
		{"bad env int", "", map[string]string{"STAGECRAFT_ASSEMBLY_MAX_DEPTH": "ten"}, "STAGECRAFT_ASSEMBLY_MAX_DEPTH"},
		{"zero depth", "assembly:\n  max_depth: -1\n", nil, "max_depth"},
		{"remote without addr", "remote_creators:\n  - name: x\n", nil, "remote_creators[0]"},
		{"sample rate out of range", "tracing:\n  sample_rate: 2\n", nil, "tracing.sample_rate"},
		{"bad tracing env", "", map[string]string{"STAGECRAFT_TRACING_ENABLED": "maybe"}, "STAGECRAFT_TRACING_ENABLED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "settings.yaml", tt.file)
			_, err := loadConfig(path, envOf(tt.env))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoadConfig_Tracing(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), envOf(nil))
	require.NoError(t, err)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRate)

	path := writeFile(t, "settings.yaml", "tracing:\n  sample_rate: 0.25\n")
	cfg, err = loadConfig(path, envOf(map[string]string{"STAGECRAFT_TRACING_ENABLED": "true"}))
	require.NoError(t, err)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, 0.25, cfg.Tracing.SampleRate)
}

func TestConfig_DSN(t *testing.T) {
	assert.Equal(t, "file:/tmp/a.db", Config{DBPath: "/tmp/a.db"}.dsn())
	assert.Equal(t, "file:/tmp/a.db", Config{DBPath: "file:/tmp/a.db"}.dsn())
	assert.Equal(t, "/tmp", dirOf("file:/tmp/a.db"))
}

const cliDefinition = `
name: hello
stages:
  - id: greet
    steps:
      - {id: say, type: echo, params: {output: {msg: hi}}}
      - id: fanout
        parallel:
          - {id: left, type: echo}
          - {id: right, type: echo}
`

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	settings := filepath.Join(t.TempDir(), "settings.yaml")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", settings, "--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCLI_Assemble(t *testing.T) {
	def := writeFile(t, "hello.yaml", cliDefinition)
	out, err := runCLI(t, "assemble", "-f", def)
	require.NoError(t, err)

	var plan schema.Plan
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	assert.Equal(t, "hello", plan.StartingNodeID)
	assert.ElementsMatch(t, []string{"hello", "greet", "say", "fanout", "left", "right"}, plan.NodeIDs())
}

func TestCLI_AssembleOverEventBinding(t *testing.T) {
	def := writeFile(t, "hello.yaml", cliDefinition)
	out, err := runCLI(t, "--binding", "event", "assemble", "-f", def)
	require.NoError(t, err)

	var plan schema.Plan
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	assert.Len(t, plan.Nodes, 6)
}

func TestCLI_RunWithEvents(t *testing.T) {
	def := writeFile(t, "hello.yaml", cliDefinition)
	out, err := runCLI(t, "--db-path", "memory", "run", "-f", def, "--events")
	require.NoError(t, err)
	assert.Contains(t, out, "SUCCEEDED")
	assert.Contains(t, out, "timelines:")
	assert.Contains(t, out, "left: QUEUED -> RUNNING -> SUCCEEDED")
}

func TestCLI_RunOnLibSQL(t *testing.T) {
	def := writeFile(t, "hello.yaml", cliDefinition)
	db := filepath.Join(t.TempDir(), "data", "stagecraft.db")
	out, err := runCLI(t, "--db-path", db, "run", "-f", def)
	require.NoError(t, err)
	assert.Contains(t, out, "run ")
	assert.FileExists(t, db)
}

func TestCLI_Version(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestCLI_RunReleaseExample(t *testing.T) {
	out, err := runCLI(t, "--db-path", "memory", "run", "-f", filepath.Join("..", "..", "examples", "release", "release.yaml"), "--diagram")
	require.NoError(t, err)
	assert.Contains(t, out, "=== release ===")
	assert.Contains(t, out, "approve (approval) ~ [OK]")
	assert.Contains(t, out, "integration-tests (wait) ~ [OK]")
}

func TestCLI_AssembleWithTracing(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	def := writeFile(t, "hello.yaml", cliDefinition)
	out, err := runCLI(t, "--trace", "assemble", "-f", def)
	require.NoError(t, err)

	var plan schema.Plan
	require.NoError(t, json.Unmarshal([]byte(out), &plan), "spans must not leak into command output")
	assert.Equal(t, "hello", plan.StartingNodeID)
}

func TestCLI_AssembleMermaid(t *testing.T) {
	def := writeFile(t, "hello.yaml", cliDefinition)
	out, err := runCLI(t, "assemble", "-f", def, "--format", "mermaid")
	require.NoError(t, err)
	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, "greet -->|2| fanout")

	_, err = runCLI(t, "assemble", "-f", def, "--format", "svg")
	assert.ErrorContains(t, err, "unknown format")
}
