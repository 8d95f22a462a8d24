package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_dispatch_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)
	return reg
}

func get(t *testing.T, h http.Handler, path string) (*http.Response, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	res := rec.Result()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, string(body)
}

func TestRouter_Healthz(t *testing.T) {
	t.Parallel()

	res, body := get(t, Router(testRegistry(t), nil, nil), "/healthz")

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"status":"healthy"}`, body)
}

func TestRouter_Metrics(t *testing.T) {
	t.Parallel()

	res, body := get(t, Router(testRegistry(t), nil, nil), "/metrics")

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body, "mail_dispatch_test_total 3")
}

func TestRouter_Readyz(t *testing.T) {
	t.Parallel()

	checks := Checks{
		"bus":   func(context.Context) error { return nil },
		"relay": func(context.Context) error { return errors.New("connection refused") },
	}

	res, body := get(t, Router(testRegistry(t), checks, nil), "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Equal(t, Check{Status: StatusHealthy}, resp.Checks["bus"])
	assert.Equal(t, Check{Status: StatusUnhealthy, Error: "connection refused"}, resp.Checks["relay"])
}

func TestRouter_ReadyzAllHealthy(t *testing.T) {
	t.Parallel()

	checks := Checks{"bus": func(context.Context) error { return nil }}
	res, _ := get(t, Router(testRegistry(t), checks, nil), "/readyz")
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestRouter_UnknownPath(t *testing.T) {
	t.Parallel()

	res, _ := get(t, Router(testRegistry(t), nil, nil), "/debug")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestServer_ListenAndServe(t *testing.T) {
	t.Parallel()

	srv := New("127.0.0.1:0", testRegistry(t), nil, nil)
	assert.Empty(t, srv.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	select {
	case <-srv.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	res, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, strings.Contains(string(body), StatusHealthy))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
