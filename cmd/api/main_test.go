package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"accountmarket/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.LoadWithEnv("", func(key string) string {
		switch key {
		case "JWT_SECRET":
			return "main-test-secret-main-test-secret!"
		case "DELIVERY_SEAL_KEY":
			return "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
		case "HTTP_ADDR":
			return "127.0.0.1:0"
		}
		return ""
	})
	require.NoError(t, err)
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunFlags(t *testing.T) {
	var stderr bytes.Buffer
	require.NoError(t, run([]string{"--help"}, &stderr))
	require.Contains(t, stderr.String(), "--config")

	require.Error(t, run([]string{"--bogus"}, &stderr))
	require.ErrorContains(t, run([]string{"extra"}, &stderr), "unexpected argument")
	require.ErrorContains(t, run([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}, &stderr), "load env file")
}

func TestBuildServesHealthAndMetrics(t *testing.T) {
	a, err := build(context.Background(), testConfig(t), quietLogger())
	require.NoError(t, err)
	defer a.Close()

	for _, path := range []string{"/healthz", "/metrics"} {
		rec := httptest.NewRecorder()
		a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
	require.NotNil(t, a.janitor)
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Janitor.Disabled = true
	a, err := build(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer a.Close()
	require.Nil(t, a.janitor)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, a.Serve(ctx))
}

func TestBuildRejectsBadLedger(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ledger.Driver = "mysql"
	_, err := build(context.Background(), cfg, quietLogger())
	require.ErrorContains(t, err, "bootstrap ledger")
}
