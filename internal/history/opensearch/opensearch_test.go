package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/nodehost/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var (
		receivedBody   []byte
		receivedPath   string
		receivedMethod string
		user, pass     string
		authOK         bool
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedPath = r.URL.Path
		receivedBody, _ = io.ReadAll(r.Body)
		user, pass, authOK = r.BasicAuth()
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "test-index").WithBasicAuth("admin", "secret")
	code := 2
	event := history.Event{
		Type:       history.EventExited,
		OccurredAt: time.Now().UTC(),
		Record:     history.Record{NodeID: "n-1", Name: "web", NodeType: 1, PID: 12345, ExitCode: &code, Error: true},
	}
	require.NoError(t, sink.Send(context.Background(), event))

	assert.Equal(t, http.MethodPost, receivedMethod)
	assert.Equal(t, "/test-index/_doc", receivedPath)
	assert.True(t, authOK)
	assert.Equal(t, "admin", user)
	assert.Equal(t, "secret", pass)

	var got map[string]any
	require.NoError(t, json.Unmarshal(receivedBody, &got))
	assert.Equal(t, string(history.EventExited), got["type"])
	rec, ok := got["record"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "web", rec["name"])
	assert.Equal(t, float64(12345), rec["pid"])
	assert.Equal(t, float64(2), rec["exit_code"])
}

func TestOpenSearchSink_SendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	err := New(server.URL, "idx").Send(context.Background(), history.Event{Type: history.EventStarted})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opensearch sink status 400")
}

func TestOpenSearchSink_DefaultIndex(t *testing.T) {
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	require.NoError(t, New(server.URL, "").Send(context.Background(), history.Event{Type: history.EventCreated}))
	assert.Equal(t, "/"+DefaultIndex+"/_doc", path)
}
