package main

import (
	"bytes"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTarget(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_, _ = io.Copy(io.Discard, r.Body)
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		_, _ = w.Write(bytes.Repeat([]byte("s"), 8192))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeRunConfig(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	dir := t.TempDir()
	ca := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(ca, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw}), 0o600))
	cfg := "probe:\n  target_url: " + srv.URL + "\n" +
		"connectivity:\n  source: always\n" +
		"transfer:\n  upload_size: 4kb\n  ca_file: " + ca + "\n" +
		"speedtest:\n  clear_delay: 0s\n" +
		"settings:\n  database: " + filepath.Join(dir, "settings.db") + "\n" +
		"control:\n  enabled: false\n"
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func TestRunJSONFailureKeepsStdoutParseable(t *testing.T) {
	srv := newTarget(t, http.StatusServiceUnavailable)
	var stdout, stderr bytes.Buffer
	code := runTest([]string{"--config", writeRunConfig(t, srv), "--json"}, &stdout, &stderr)
	assert.Equal(t, 1, code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out), "stdout: %q", stdout.String())
	assert.Equal(t, false, out["ok"])
	assert.Equal(t, "phase_failed", out["error_kind"])
	assert.NotContains(t, out, "download_mbps")
	assert.Contains(t, stderr.String(), "speed test failed")
}

func TestRunJSONSuccess(t *testing.T) {
	srv := newTarget(t, http.StatusOK)
	var stdout, stderr bytes.Buffer
	code := runTest([]string{"--config", writeRunConfig(t, srv), "--json", "--no-upload"}, &stdout, &stderr)
	require.Equal(t, 0, code, "stderr: %s", stderr.String())

	var out map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, float64(8192), out["instantaneous_bytes"])
	assert.IsType(t, float64(0), out["download_mbps"])
	assert.Equal(t, "unknown", out["upload_mbps"])
}

func TestRunTextOutput(t *testing.T) {
	srv := newTarget(t, http.StatusOK)
	var stdout, stderr bytes.Buffer
	code := runTest([]string{"--config", writeRunConfig(t, srv), "--no-download"}, &stdout, &stderr)
	require.Equal(t, 0, code, "stderr: %s", stderr.String())

	text := stdout.String()
	assert.Contains(t, text, "Target:              "+srv.URL)
	assert.Contains(t, text, "Instantaneous bytes: unknown")
	assert.Contains(t, text, "Download:            unknown")
	assert.Contains(t, text, " Mbps")
}

func TestRunRejectsPlainHTTPOverride(t *testing.T) {
	srv := newTarget(t, http.StatusOK)
	var stdout, stderr bytes.Buffer
	code := runTest([]string{"--config", writeRunConfig(t, srv), "--url", "http://example.com"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Empty(t, stdout.String())
	assert.Equal(t, "Invalid URL format. Please enter a valid HTTPS URL.", strings.TrimSpace(stderr.String()))
}

func TestRunMissingExplicitConfig(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runTest([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml")}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "config invalid")
}
