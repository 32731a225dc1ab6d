package cli

import (
	"bytes"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnykmshr/detflow/pkg/deterministic/driver"
	"github.com/vnykmshr/detflow/pkg/metrics"
)

const script = `
var n = 0;

function main(limit, greeting) {
  while (n < limit) {
    n++;
    wait();
  }
  sleep(5);
  return { count: n, text: greeting + " " + readFile("data.txt") };
}

function fails() {
  wait();
  throw new Error("script gave up");
}

function forever() {
  for (;;) {
    wait();
  }
}
`

func writeScript(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "job.js"), []byte(script), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.txt"), []byte("world"), 0o600))
	return filepath.Join(dir, "job.js")
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestRunPrintsResult(t *testing.T) {
	path := writeScript(t)

	stdout, stderr, err := execute(t, "run", path, "main", "3", `"hello"`, "--schedule", "@every 5ms")
	require.NoError(t, err, stderr)
	assert.JSONEq(t, `{"count": 3, "text": "hello world"}`, stdout)
	assert.Contains(t, stderr, "execution finished")
}

func TestRunScriptError(t *testing.T) {
	path := writeScript(t)

	_, _, err := execute(t, "run", path, "fails", "--schedule", "@every 5ms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "script gave up")
}

func TestRunTickBudget(t *testing.T) {
	path := writeScript(t)

	_, _, err := execute(t, "run", path, "forever", "--schedule", "@every 5ms", "--max-ticks", "5")
	require.ErrorIs(t, err, driver.ErrTickBudget)
}

func TestRunConfigFile(t *testing.T) {
	path := writeScript(t)
	cfgPath := filepath.Join(filepath.Dir(path), "detflow.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
log:
  level: warn
  format: json
driver:
  schedule: "@every 5ms"
  max_ticks: 3
`), 0o600))

	_, stderr, err := execute(t, "run", path, "forever", "--config", cfgPath)
	require.ErrorIs(t, err, driver.ErrTickBudget)
	assert.NotContains(t, stderr, "execution finished", "info is below the configured level")

	// Flags win over the file.
	_, _, err = execute(t, "run", path, "main", "1", `"hi"`, "--config", cfgPath, "--max-ticks", "0")
	require.NoError(t, err)
}

func TestRunRateLimitedHostCalls(t *testing.T) {
	path := writeScript(t)

	stdout, stderr, err := execute(t, "run", path, "main", "2", `"hi"`, "--schedule", "@every 5ms", "--rate-limit", "100")
	require.NoError(t, err, stderr)
	assert.JSONEq(t, `{"count": 2, "text": "hi world"}`, stdout)
}

func TestRunRejectsInput(t *testing.T) {
	path := writeScript(t)

	tests := []struct {
		name string
		args []string
	}{
		{name: "missing function", args: []string{"run", path}},
		{name: "bad json argument", args: []string{"run", path, "main", "{nope"}},
		{name: "unknown function", args: []string{"run", path, "absent"}},
		{name: "bad schedule", args: []string{"run", path, "main", "--schedule", "sometimes"}},
		{name: "negative rate limit", args: []string{"run", path, "main", "--rate-limit", "-1"}},
		{name: "bad log level", args: []string{"run", path, "main", "--log-level", "loud"}},
		{name: "missing config", args: []string{"run", path, "main", "--config", "/nonexistent/detflow.yaml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestParseArgs(t *testing.T) {
	got, err := parseArgs([]string{"1", `"two"`, `[3]`, `{"four": 4}`, "null"})
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, "two", []any{3.0}, map[string]any{"four": 4.0}, nil}, got)
}

func TestServeMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.Config{Enabled: true, Registry: reg}.Resolve()
	m.Ticks.WithLabelValues("cli-test").Inc()

	log := logrus.New()
	log.SetOutput(io.Discard)

	addr, shutdown, err := serveMetrics("127.0.0.1:0", reg, log)
	require.NoError(t, err)
	defer shutdown()

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `detflow_scheduler_ticks_total{scheduler_name="cli-test"} 1`)
}
