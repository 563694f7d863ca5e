package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tastythames/ssh-fleet/internal/metrics"
	"github.com/tastythames/ssh-fleet/internal/sshclient/sshtest"
)

func TestRunCommand(t *testing.T) {
	srv := sshtest.Start(t, sshtest.WithPasswordAuth("fleet", "secret"))
	dir := t.TempDir()
	remote := t.TempDir()

	fleet := filepath.Join(dir, "fleet.yaml")
	require.NoError(t, os.WriteFile(fleet, []byte(fmt.Sprintf(`
targets:
  - name: local
    address: %s
    port: %d
    slots: 2
    ssh:
      user: fleet
      auth:
        mode: password_env
        password_env: FLEET_TEST_PASSWORD
`, srv.Host(), srv.Port())), 0o600))
	t.Setenv("FLEET_TEST_PASSWORD", "secret")
	t.Setenv("SSH_KNOWN_HOSTS", "")
	t.Setenv("SSH_CONFIG_FILE", filepath.Join(dir, "no-ssh-config"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "in.txt"), []byte("hello"), 0o644))
	jobs := filepath.Join(dir, "jobs.yaml")
	require.NoError(t, os.WriteFile(jobs, []byte(`
jobs:
  - id: copy
    command: cat in.txt > out.txt
    required_files:
      - local: in.txt
    return_files:
      - local: out/copy.txt
        remote: out.txt
    payload: first
  - id: fail
    command: exit 9
`), 0o644))

	root := newRootCmd()
	var stdout bytes.Buffer
	root.SetOut(&stdout)
	root.SetArgs([]string{
		"run",
		"--inventory", fleet,
		"--jobs", jobs,
		"--remote-root", remote,
		"--local-attempts", "1",
		"--global-passes", "1",
		"--log-level", "warn",
	})
	require.NoError(t, root.Execute())

	var results struct {
		Summary struct {
			Succeeded int `yaml:"succeeded"`
			Failed    int `yaml:"failed"`
		} `yaml:"summary"`
		Results []struct {
			ID       string `yaml:"id"`
			ExitCode int    `yaml:"exit_code"`
			Payload  any    `yaml:"payload"`
		} `yaml:"results"`
	}
	require.NoError(t, yaml.Unmarshal(stdout.Bytes(), &results))
	assert.Equal(t, 1, results.Summary.Succeeded)
	assert.Equal(t, 1, results.Summary.Failed)
	require.Len(t, results.Results, 2)
	assert.Equal(t, "copy", results.Results[0].ID)
	assert.Equal(t, 0, results.Results[0].ExitCode)
	assert.Equal(t, "first", results.Results[0].Payload)
	assert.Equal(t, -1, results.Results[1].ExitCode)

	got, err := os.ReadFile(filepath.Join(dir, "out", "copy.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestRunCommandBadInventory(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"run", "--inventory", filepath.Join(t.TempDir(), "none.yaml")})
	err := root.Execute()
	assert.ErrorContains(t, err, "load inventory")
}

func TestRootRejectsBadLogLevel(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"run", "--log-level", "loud"})
	assert.Error(t, root.Execute())
}

func TestRouterServesHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Reconnected()

	srv := httptest.NewServer(newRouter(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), metrics.MetricReconnectsTotal+" 1")
	assert.Contains(t, string(body), metrics.MetricJobsTotal)
}
