package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openmined/deskbridge/internal/config"
	"github.com/openmined/deskbridge/internal/version"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the config lookup at an empty file so the developer's own
// config never leaks into a test.
func isolate(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_file: \"\"\n"), 0o600))
	t.Setenv(config.EnvPrefix+"_CONFIG", path)
	return path
}

func execute(t *testing.T, sub *cobra.Command, args ...string) (string, error) {
	t.Helper()
	root := &cobra.Command{Use: "deskbridge", SilenceErrors: true}
	root.PersistentFlags().StringP("config", "c", "", "config file")
	root.AddCommand(sub)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{sub.Name()}, args...))
	err := root.Execute()
	return out.String(), err
}

func addrOf(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, newVersionCmd())
	require.NoError(t, err)
	assert.Equal(t, version.DetailedWithApp(), strings.TrimSpace(out))
}

func TestDaemonCommandFlags(t *testing.T) {
	cmd := newDaemonCmd()

	httpAddr := cmd.Flags().Lookup("http-addr")
	require.NotNil(t, httpAddr)
	assert.Equal(t, "a", httpAddr.Shorthand)
	assert.Equal(t, "", httpAddr.DefValue)

	url := cmd.Flags().Lookup("url")
	require.NotNil(t, url)
	assert.Equal(t, "u", url.Shorthand)

	for _, name := range []string{"root", "policy", "interval", "journal", "ignore", "project", "no-sync", "no-watch", "max-retries", "encoding"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
	assert.Nil(t, cmd.Flags().Lookup("listen"))

	peerCmd := newPeerCmd()
	assert.NotNil(t, peerCmd.Flags().Lookup("listen"))
	assert.Nil(t, peerCmd.Flags().Lookup("url"))
}

func TestLoadConfigLayers(t *testing.T) {
	path := isolate(t)
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  policy: manual\n  interval: 2s\ncontrol_plane:\n  token: from-file\n"), 0o600))
	t.Setenv("DESKBRIDGE_CONTROL_PLANE_TOKEN", "from-env")

	cmd := newDaemonCmd()
	require.NoError(t, cmd.Flags().Set("http-addr", "127.0.0.1:9001"))
	require.NoError(t, cmd.Flags().Set("project", "alpha,beta"))
	require.NoError(t, cmd.Flags().Set("no-watch", "true"))

	cfg, err := loadConfig(cmd, nil)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, "manual", cfg.Sync.Policy)
	assert.Equal(t, "2s", cfg.Sync.Interval.String())
	assert.Equal(t, "from-env", cfg.ControlPlane.Token)
	assert.Equal(t, "127.0.0.1:9001", cfg.ControlPlane.Addr)
	assert.Equal(t, []string{"alpha", "beta"}, cfg.Projects)
	assert.False(t, cfg.Sync.Watch)
	assert.True(t, cfg.Sync.Enabled)
	assert.Equal(t, "cli", cfg.Sync.Side)
}

func TestLoadConfigForcedSide(t *testing.T) {
	isolate(t)
	t.Setenv("DESKBRIDGE_SYNC_SIDE", "cli")

	cmd := newPeerCmd()
	require.NoError(t, cmd.Flags().Set("listen", "127.0.0.1:9002"))
	require.NoError(t, cmd.Flags().Set("no-sync", "true"))

	cfg, err := loadConfig(cmd, map[string]any{"sync.side": "desktop"})
	require.NoError(t, err)
	assert.Equal(t, "desktop", cfg.Sync.Side)
	assert.Equal(t, "127.0.0.1:9002", cfg.Peer.Addr)
	assert.False(t, cfg.Sync.Enabled)
}

func TestLoadConfigRejectsBadPolicy(t *testing.T) {
	isolate(t)
	cmd := newDaemonCmd()
	require.NoError(t, cmd.Flags().Set("policy", "coin_flip"))
	_, err := loadConfig(cmd, nil)
	assert.Error(t, err)
}

func statusServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		if r.URL.Path != "/v1/status" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"protocol": map[string]any{"protocol_version": "1.0"},
			"link":     map[string]any{"state": "connected", "url": "ws://127.0.0.1:8765/v1/bridge"},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStatusCommand(t *testing.T) {
	isolate(t)
	srv := statusServer(t)

	out, err := execute(t, newStatusCmd(), "--http-addr", addrOf(srv), "--http-token", "secret")
	require.NoError(t, err)
	assert.Contains(t, out, "LINK")
	assert.Contains(t, out, "connected")
	assert.Contains(t, out, "protocol_version: \"1.0\"")

	out, err = execute(t, newStatusCmd(), "--http-addr", addrOf(srv), "--http-token", "secret", "--raw")
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "ok", doc["status"])
}

func TestStatusCommandUnreachable(t *testing.T) {
	isolate(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := addrOf(srv)
	srv.Close()

	_, err := execute(t, newStatusCmd(), "--http-addr", addr)
	assert.ErrorContains(t, err, "unreachable")
}

func TestPrintStatusPeerLink(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printStatus(&out, map[string]any{
		"link": map[string]any{"addr": "127.0.0.1:8765", "clients": []any{map[string]any{"id": "a"}}},
	}))
	assert.Contains(t, out.String(), "serving 1 client(s)")
}

func TestNotifyCommand(t *testing.T) {
	isolate(t)
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"OK","message_id":"msg-1"}`))
	}))
	defer srv.Close()

	out, err := execute(t, newNotifyCmd(), "--http-addr", addrOf(srv), "--title", "Build", "-m", "done", "--level", "success")
	require.NoError(t, err)
	assert.Contains(t, out, "msg-1")
	assert.Equal(t, "notification", got["type"])
	assert.Equal(t, "Build", got["title"])
	assert.Equal(t, "success", got["level"])

	_, err = execute(t, newNotifyCmd(), "--http-addr", addrOf(srv))
	assert.ErrorContains(t, err, "--title or --message")
}

func TestSyncCommand(t *testing.T) {
	isolate(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		if req["now"] == true {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"code":"ERR_SYNC_FAILED","error":"link down"}`))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"code":"OK","queued":true}`))
	}))
	defer srv.Close()

	out, err := execute(t, newSyncCmd(), "--http-addr", addrOf(srv), "notes.md")
	require.NoError(t, err)
	assert.Contains(t, out, "QUEUED")
	assert.Contains(t, out, "notes.md")

	_, err = execute(t, newSyncCmd(), "--http-addr", addrOf(srv), "--now", "notes.md")
	assert.ErrorContains(t, err, "ERR_SYNC_FAILED")

	_, err = execute(t, newSyncCmd(), "--http-addr", addrOf(srv))
	assert.Error(t, err)
}

func TestConflictsCommand(t *testing.T) {
	isolate(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"conflicts":[{"file_path":"a/b.txt","incoming_writer":"desktop","incoming_time":"2024-01-01T00:00:00Z","origin":"remote"}]}`))
	}))
	defer srv.Close()

	out, err := execute(t, newConflictsCmd(), "--http-addr", addrOf(srv))
	require.NoError(t, err)
	assert.Contains(t, out, "CONFLICT")
	assert.Contains(t, out, "a/b.txt")
	assert.Contains(t, out, "desktop")
}

func TestResolveCommand(t *testing.T) {
	isolate(t)
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"OK","path":"a.txt","resolution":"manual"}`))
	}))
	defer srv.Close()

	_, err := execute(t, newResolveCmd(), "--http-addr", addrOf(srv), "a.txt", "manual")
	assert.ErrorContains(t, err, "--content-file")

	merged := filepath.Join(t.TempDir(), "merged.txt")
	require.NoError(t, os.WriteFile(merged, []byte("merged text"), 0o644))

	out, err := execute(t, newResolveCmd(), "--http-addr", addrOf(srv), "-f", merged, "a.txt", "manual")
	require.NoError(t, err)
	assert.Contains(t, out, "RESOLVED")
	assert.Equal(t, "merged text", got["content"])
	assert.Equal(t, "manual", got["resolution"])
}

func TestParseLevel(t *testing.T) {
	l, err := parseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", l.String())

	_, err = parseLevel("loud")
	assert.Error(t, err)
}
