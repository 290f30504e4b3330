package nodehost

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/nodehost/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "nodehost.toml")
	body := "data_dir = \"" + filepath.ToSlash(filepath.Join(dir, "data")) + "\"\n" +
		"[server]\nlisten = \"127.0.0.1:0\"\nbase_path = \"/api\"\n" +
		"[auth]\nbcrypt_cost = 4\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	c, err := LoadConfig(path)
	require.NoError(t, err)
	return c
}

func TestNewRejectsNilConfig(t *testing.T) {
	_, err := New(context.Background(), nil)
	assert.Error(t, err)
}

func TestAppServesAPI(t *testing.T) {
	c := testConfig(t)
	app, err := New(context.Background(), c, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	assert.NotNil(t, app.Logger())
	assert.DirExists(t, c.DataDir)

	n, err := app.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.ServeListener(ctx, ln) }()

	base := "http://" + ln.Addr().String() + "/api"
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cl, err := client.New(client.Config{BaseURL: base})
	require.NoError(t, err)
	tok, err := cl.Login(context.Background(), "admin", "secret")
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Token)

	nodes, total, err := cl.ListNodes(context.Background(), client.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, nodes)
	assert.Zero(t, total)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServeFailsOnBusyAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	c := testConfig(t)
	c.Server.Listen = ln.Addr().String()
	app, err := New(context.Background(), c, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer func() { _ = app.Close(context.Background()) }()

	assert.Error(t, app.Serve(context.Background()))
}

func TestServeListenerClosesAppWhenServeFails(t *testing.T) {
	app, err := New(context.Background(), testConfig(t), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	err = app.ServeListener(context.Background(), ln)
	require.Error(t, err)
	assert.NotErrorIs(t, err, http.ErrServerClosed)

	_, err = app.Recover(context.Background())
	assert.Error(t, err, "store is released after a failed serve")
}
