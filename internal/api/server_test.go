package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrowatch/hydrowatch/internal/alerting"
	apiv2 "github.com/hydrowatch/hydrowatch/internal/api/v2"
	"github.com/hydrowatch/hydrowatch/internal/conf"
	"github.com/hydrowatch/hydrowatch/internal/errors"
	"github.com/hydrowatch/hydrowatch/internal/logger"
	"github.com/hydrowatch/hydrowatch/internal/observability"
)

func TestServer_MetricsAndHealth(t *testing.T) {
	t.Parallel()

	metrics, err := observability.NewMetrics()
	require.NoError(t, err)
	metrics.RecordTickSkipped()

	s := NewServer(conf.APISettings{Listen: "127.0.0.1:0"}, apiv2.Dependencies{
		Health: func(context.Context) error { return nil },
	}, metrics.Handler(), logger.NewNopLogger())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hydrowatch_scheduler_ticks_skipped_total 1")

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v2/health", http.NoBody))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_NoMetricsRoute(t *testing.T) {
	t.Parallel()

	s := NewServer(conf.APISettings{}, apiv2.Dependencies{}, nil, logger.NewNopLogger())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_StartAndShutdown(t *testing.T) {
	t.Parallel()

	s := NewServer(conf.APISettings{Listen: "127.0.0.1:0"}, apiv2.Dependencies{}, nil, logger.NewNopLogger())
	require.NoError(t, s.Start())
	require.NotEmpty(t, s.Addr())

	resp, err := http.Get("http://" + s.Addr() + "/api/v2/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	_, err = http.Get("http://" + s.Addr() + "/api/v2/health")
	assert.Error(t, err)
}

func TestServer_MaxConnections(t *testing.T) {
	t.Parallel()

	s := NewServer(conf.APISettings{Listen: "127.0.0.1:0", MaxConnections: 1}, apiv2.Dependencies{}, nil, logger.NewNopLogger())
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	url := "http://" + s.Addr() + "/api/v2/health"

	get := func(client *http.Client) error {
		resp, err := client.Get(url)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.Body.Close()
	}

	// The first client keeps its connection open in its idle pool.
	holder := &http.Client{Transport: &http.Transport{}}
	require.NoError(t, get(holder))

	blocked := &http.Client{Transport: &http.Transport{}, Timeout: 300 * time.Millisecond}
	assert.Error(t, get(blocked), "second connection should wait for the first")

	holder.Transport.(*http.Transport).CloseIdleConnections()
	require.Eventually(t, func() bool {
		return get(&http.Client{Transport: &http.Transport{}, Timeout: time.Second}) == nil
	}, 5*time.Second, 50*time.Millisecond)
}

func TestServer_ShutdownClosesStream(t *testing.T) {
	t.Parallel()

	bus := alerting.NewTransitionBus(logger.NewNopLogger())
	t.Cleanup(bus.Stop)

	s := NewServer(conf.APISettings{Listen: "127.0.0.1:0"}, apiv2.Dependencies{Transitions: bus}, nil, logger.NewNopLogger())
	require.NoError(t, s.Start())

	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/api/v2/alerts/stream", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestServer_StartFailsOnBadAddress(t *testing.T) {
	t.Parallel()

	s := NewServer(conf.APISettings{Listen: "256.0.0.1:http"}, apiv2.Dependencies{}, nil, logger.NewNopLogger())
	err := s.Start()
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryNetwork))
}
