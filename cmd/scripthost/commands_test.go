package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/scripthost/internal/manager"
	"github.com/loykin/scripthost/internal/provision/provisiontest"
	"github.com/loykin/scripthost/internal/server"
	"github.com/loykin/scripthost/pkg/client"
)

// newDaemon serves a real manager with a fake provisioner and returns the
// server.
func newDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := manager.New(context.Background(), manager.Options{
		DataDir:         t.TempDir(),
		GracePeriod:     500 * time.Millisecond,
		RestartPause:    -1,
		MonitorInterval: time.Hour,
		Runner:          &provisiontest.Runner{},
		Logger:          quiet,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	ts := httptest.NewServer(server.NewRouter(m, m, "/api", quiet).GinHandler())
	t.Cleanup(ts.Close)
	return ts
}

// run executes the CLI in-process.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := buildRoot(&out, strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func listJobs(t *testing.T, api string) []client.Summary {
	t.Helper()
	out, err := run(t, "", "list", "--owner=42", "--api-url", api, "-o", "json")
	require.NoError(t, err)
	var jobs []client.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	return jobs
}

func TestLifecycleCommands(t *testing.T) {
	api := newDaemon(t).URL + "/api"
	script := writeScript(t, "loop.py", "exec sleep 30\n")

	out, err := run(t, "", "submit", script, "--owner=42", "--start", "--api-url", api)
	require.NoError(t, err)
	assert.Contains(t, out, "✅ Uploaded: loop.py (42_")
	assert.Contains(t, out, "✅ Started (PID ")

	jobs := listJobs(t, api)
	require.Len(t, jobs, 1)
	hash := jobs[0].Hash
	assert.Equal(t, "running", jobs[0].Status)

	out, err = run(t, "", "submit", script, "--owner=42", "--api-url", api)
	require.NoError(t, err)
	assert.Contains(t, out, "ℹ️ Already uploaded: loop.py")

	out, err = run(t, "", "start", hash, "--owner=42", "--api-url", api)
	require.NoError(t, err, "already running is informational")
	assert.Equal(t, "ℹ️ Already running\n", out)

	out, err = run(t, "", "status", hash, "--owner=42", "--api-url", api)
	require.NoError(t, err)
	assert.Contains(t, out, "🤖 loop.py")
	assert.Contains(t, out, "Status: ")
	assert.Contains(t, out, "Actions: stop, restart, delete")

	out, err = run(t, "", "status", hash, "--owner=42", "--api-url", api, "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "file_name: loop.py")
	assert.Contains(t, out, "status: running")

	out, err = run(t, "", "stop", hash, "--owner=42", "--api-url", api)
	require.NoError(t, err)
	assert.Equal(t, "✅ Stopped\n", out)

	out, err = run(t, "", "sweep", "--api-url", api, "-o", "json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"crashed":0}`, out)

	out, err = run(t, "", "delete", hash, "--owner=42", "--api-url", api)
	require.NoError(t, err)
	assert.Equal(t, "✅ Deleted\n", out)

	_, err = run(t, "", "status", hash, "--owner=42", "--api-url", api)
	require.Error(t, err)
	assert.True(t, client.IsNotFound(err))

	out, err = run(t, "", "list", "--owner=42", "--api-url", api)
	require.NoError(t, err)
	assert.Contains(t, out, "You have no jobs.")
	assert.Empty(t, listJobs(t, api))
}

func TestSubmitFromStdin(t *testing.T) {
	api := newDaemon(t).URL + "/api"

	_, err := run(t, "print(1)\n", "submit", "--owner=42", "--api-url", api)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--name is required")

	out, err := run(t, "print(1)\n", "submit", "-", "--name", "piped.py", "--owner=42", "--api-url", api)
	require.NoError(t, err)
	assert.Contains(t, out, "Uploaded: piped.py")
}

func TestSubmitRejectsNonPython(t *testing.T) {
	api := newDaemon(t).URL + "/api"
	good := writeScript(t, "ok.py", "print(1)\n")
	bad := writeScript(t, "notes.txt", "hello\n")

	out, err := run(t, "", "submit", bad, good, "--owner=42", "--api-url", api)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notes.txt")
	assert.Contains(t, out, "Uploaded: ok.py", "later files are still uploaded")
}

func TestOwnerRequired(t *testing.T) {
	t.Setenv(OwnerEnv, "")
	_, err := run(t, "", "list", "--api-url", "http://127.0.0.1:1/api")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner id is required")
}

func TestOwnerFromEnv(t *testing.T) {
	api := newDaemon(t).URL + "/api"
	t.Setenv(OwnerEnv, "42")
	out, err := run(t, "", "list", "--api-url", api)
	require.NoError(t, err)
	assert.Contains(t, out, "You have no jobs.")
}

func TestUnknownOutputFormat(t *testing.T) {
	api := newDaemon(t).URL + "/api"
	_, err := run(t, "", "list", "--owner=42", "--api-url", api, "-o", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}

func TestActionNeedsHash(t *testing.T) {
	_, err := run(t, "", "stop", "--owner=42")
	require.Error(t, err)
}

func TestAPIURLFromConfig(t *testing.T) {
	ts := newDaemon(t)
	dir := t.TempDir()
	cfg := filepath.Join(dir, "scripthost.toml")
	body := "[server]\nlisten = \"" + ts.Listener.Addr().String() + "\"\nbase_path = \"/api\"\n"
	require.NoError(t, os.WriteFile(cfg, []byte(body), 0o600))

	out, err := run(t, "", "list", "--owner=42", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "You have no jobs.")
}

func TestAPIURL(t *testing.T) {
	cases := []struct {
		listen, base, want string
	}{
		{"127.0.0.1:8080", "/api", "http://127.0.0.1:8080/api"},
		{":9000", "api/", "http://127.0.0.1:9000/api"},
		{"0.0.0.0:80", "", "http://127.0.0.1:80"},
		{"[::]:8080", "/", "http://127.0.0.1:8080"},
		{"example.com:443", "/x/y", "http://example.com:443/x/y"},
		{"nonsense", "/api", ""},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, apiURL(c.listen, c.base), c.listen)
	}
}
