package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"

	"github.com/hydrowatch/hydrowatch/internal/datastore"
	"github.com/hydrowatch/hydrowatch/internal/datastore/entities"
	"github.com/hydrowatch/hydrowatch/internal/datastore/repository"
	"github.com/hydrowatch/hydrowatch/internal/errors"
	"github.com/hydrowatch/hydrowatch/internal/logger"
	"github.com/hydrowatch/hydrowatch/internal/notification"
	"github.com/hydrowatch/hydrowatch/internal/observability"
)

var apiNow = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type fakeDismisser struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (f *fakeDismisser) Dismiss(_ context.Context, alertID, reason, actor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, alertID+"|"+reason+"|"+actor)
	return f.err
}

type fakeChannels struct {
	infos   []notification.ChannelInfo
	results []notification.DeliveryResult
	err     error
}

func (f *fakeChannels) Channels() []notification.ChannelInfo { return f.infos }

func (f *fakeChannels) SendTest(_ context.Context, name string, _ time.Time) ([]notification.DeliveryResult, error) {
	return f.results, f.err
}

type testAPI struct {
	echo      *echo.Echo
	alerts    repository.AlertRepository
	dismisser *fakeDismisser
	channels  *fakeChannels
}

func setupAPI(t *testing.T) *testAPI {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: gorm_logger.Default.LogMode(gorm_logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store := datastore.NewManager(db, logger.NewNopLogger())
	require.NoError(t, store.Migrate())

	api := &testAPI{
		echo:      echo.New(),
		alerts:    repository.NewAlertRepository(db),
		dismisser: &fakeDismisser{},
		channels:  &fakeChannels{},
	}
	New(api.echo, Dependencies{
		Alerts:    api.alerts,
		Dismisser: api.dismisser,
		Channels:  api.channels,
		Health:    store.Ping,
		Clock:     func() time.Time { return apiNow },
		Log:       logger.NewNopLogger(),
	})
	return api
}

func (a *testAPI) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, http.NoBody)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) seedAlert(t *testing.T, sensorID string, alertType entities.AlertType, severity entities.Severity) *entities.Alert {
	t.Helper()
	alert, err := entities.NewAlert(sensorID, alertType, entities.AlertContent{
		Severity:      severity,
		Title:         "Title " + sensorID,
		Message:       "Message " + sensorID,
		ThresholdInfo: "Info " + sensorID,
	}, apiNow)
	require.NoError(t, err)
	created, err := a.alerts.Create(t.Context(), alert)
	require.NoError(t, err)
	require.True(t, created)
	return alert
}

func (a *testAPI) archive(t *testing.T, alert *entities.Alert, res entities.Resolution) {
	t.Helper()
	h, err := entities.NewAlertHistory(alert, res)
	require.NoError(t, err)
	require.NoError(t, a.alerts.Archive(t.Context(), alert, h))
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestListActiveAlerts(t *testing.T) {
	t.Parallel()
	api := setupAPI(t)

	api.seedAlert(t, "tank-1", entities.AlertTypePH, entities.SeverityWarning)
	api.seedAlert(t, "tank-1", entities.AlertTypeTemperature, entities.SeverityCritical)
	api.seedAlert(t, "tank-2", entities.AlertTypePH, entities.SeverityCritical)

	type listResponse struct {
		Alerts []entities.Alert `json:"alerts"`
		Count  int              `json:"count"`
	}

	rec := api.do(t, http.MethodGet, "/api/v2/alerts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[listResponse](t, rec).Count)

	rec = api.do(t, http.MethodGet, "/api/v2/alerts?sensor_id=tank-1&severity=critical", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[listResponse](t, rec)
	require.Len(t, resp.Alerts, 1)
	assert.Equal(t, entities.AlertTypeTemperature, resp.Alerts[0].AlertType)

	rec = api.do(t, http.MethodGet, "/api/v2/alerts?alert_type=ph", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[listResponse](t, rec).Count)
}

func TestListActiveAlerts_InvalidFilters(t *testing.T) {
	t.Parallel()
	api := setupAPI(t)

	for _, target := range []string{
		"/api/v2/alerts?alert_type=turbidity",
		"/api/v2/alerts?severity=normal",
		"/api/v2/alerts/history?resolution_type=expired",
	} {
		rec := api.do(t, http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestGetAlert(t *testing.T) {
	t.Parallel()
	api := setupAPI(t)
	alert := api.seedAlert(t, "tank-1", entities.AlertTypeWaterLevel, entities.SeverityWarning)

	rec := api.do(t, http.MethodGet, "/api/v2/alerts/"+alert.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[entities.Alert](t, rec)
	assert.Equal(t, alert.ID, got.ID)
	assert.Equal(t, "Info tank-1", got.ThresholdInfo)

	rec = api.do(t, http.MethodGet, "/api/v2/alerts/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAlertHistory_Pagination(t *testing.T) {
	t.Parallel()
	api := setupAPI(t)

	for i := range 5 {
		alert := api.seedAlert(t, fmt.Sprintf("tank-%d", i), entities.AlertTypePH, entities.SeverityWarning)
		res := entities.Resolution{Type: entities.ResolutionAutoResolved, At: apiNow.Add(time.Duration(i+1) * time.Minute)}
		if i%2 == 0 {
			res = entities.Resolution{Type: entities.ResolutionManualDismiss, Actor: "operator", At: res.At}
		}
		api.archive(t, alert, res)
	}

	type historyResponse struct {
		History []entities.AlertHistory `json:"history"`
		Total   int64                   `json:"total"`
		Limit   int                     `json:"limit"`
		Offset  int                     `json:"offset"`
	}

	rec := api.do(t, http.MethodGet, "/api/v2/alerts/history?limit=2&offset=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[historyResponse](t, rec)
	assert.Equal(t, int64(5), resp.Total)
	assert.Equal(t, 2, resp.Limit)
	assert.Equal(t, 1, resp.Offset)
	require.Len(t, resp.History, 2)
	assert.Equal(t, "tank-3", resp.History[0].SensorID, "newest first")

	rec = api.do(t, http.MethodGet, "/api/v2/alerts/history?resolution_type=manual_dismiss", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[historyResponse](t, rec)
	assert.Equal(t, int64(3), resp.Total)
	assert.Equal(t, defaultHistoryLimit, resp.Limit)

	rec = api.do(t, http.MethodGet, "/api/v2/alerts/history?limit=5000&offset=-3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[historyResponse](t, rec)
	assert.Equal(t, maxHistoryLimit, resp.Limit)
	assert.Equal(t, 0, resp.Offset)
}

func TestGetAlertHistory(t *testing.T) {
	t.Parallel()
	api := setupAPI(t)
	alert := api.seedAlert(t, "tank-1", entities.AlertTypeConductivity, entities.SeverityCritical)
	api.archive(t, alert, entities.Resolution{
		Type:   entities.ResolutionManualDismiss,
		Actor:  "operator",
		Reason: "sensor cleaned",
		At:     apiNow.Add(42 * time.Minute),
	})

	rec := api.do(t, http.MethodGet, "/api/v2/alerts/history/"+alert.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	h := decode[entities.AlertHistory](t, rec)
	assert.Equal(t, int64(42), h.DurationMinutes)
	require.NotNil(t, h.DismissReason)
	assert.Equal(t, "sensor cleaned", *h.DismissReason)

	rec = api.do(t, http.MethodGet, "/api/v2/alerts/history/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDismissAlert(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCalls  int
	}{
		{"dismissed", `{"reason":"false alarm","actor":"operator"}`, nil, http.StatusNoContent, 1},
		{"missing actor", `{"reason":"false alarm"}`, nil, http.StatusBadRequest, 0},
		{"malformed body", `{"actor":`, nil, http.StatusBadRequest, 0},
		{"uncategorized failure", `{"actor":"operator"}`,
			errors.NewStd("boom"), http.StatusInternalServerError, 1},
		{"not found", `{"actor":"operator"}`,
			errors.Newf("alert not found").Category(errors.CategoryNotFound).Build(), http.StatusNotFound, 1},
		{"already resolved", `{"actor":"operator"}`,
			errors.Newf("alert is not active").Category(errors.CategoryConflict).Build(), http.StatusConflict, 1},
		{"store unavailable", `{"actor":"operator"}`,
			errors.Newf("get alert: timeout").Category(errors.CategoryTransient).Build(), http.StatusServiceUnavailable, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			api := setupAPI(t)
			api.dismisser.err = tt.err

			rec := api.do(t, http.MethodPost, "/api/v2/alerts/a-1/dismiss", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Len(t, api.dismisser.calls, tt.wantCalls)
			if tt.wantStatus == http.StatusNoContent {
				assert.Equal(t, "a-1|false alarm|operator", api.dismisser.calls[0])
			}
			if tt.wantStatus >= http.StatusInternalServerError {
				resp := decode[ErrorResponse](t, rec)
				assert.Equal(t, tt.wantStatus, resp.Code)
				assert.Len(t, resp.CorrelationID, 8)
			}
		})
	}
}

func TestGetAlertCatalog(t *testing.T) {
	t.Parallel()
	api := setupAPI(t)

	rec := api.do(t, http.MethodGet, "/api/v2/alerts/catalog", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Contains(t, body, "metrics")
	assert.Contains(t, body, "alertTypes")
}

func TestHealth(t *testing.T) {
	t.Parallel()
	api := setupAPI(t)

	rec := api.do(t, http.MethodGet, "/api/v2/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, rec)["status"])

	e := echo.New()
	New(e, Dependencies{
		Alerts: api.alerts,
		Health: func(context.Context) error { return errors.NewStd("database is closed") },
		Log:    logger.NewNopLogger(),
	})
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v2/health", http.NoBody))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable", decode[map[string]any](t, rec)["status"])
}

func TestHealth_HostStats(t *testing.T) {
	t.Parallel()

	serve := func(stats func(context.Context) (*observability.HostStats, error)) map[string]any {
		e := echo.New()
		New(e, Dependencies{
			Health:    func(context.Context) error { return nil },
			HostStats: stats,
			Log:       logger.NewNopLogger(),
		})
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v2/health", http.NoBody))
		require.Equal(t, http.StatusOK, rec.Code)
		return decode[map[string]any](t, rec)
	}

	body := serve(func(context.Context) (*observability.HostStats, error) {
		return &observability.HostStats{DiskPath: "/var/lib/hydrowatch", DiskFree: "1.50GiB", DiskUsedPercent: 40}, nil
	})
	host, ok := body["host"].(map[string]any)
	require.True(t, ok, "host block missing: %v", body)
	assert.Equal(t, "/var/lib/hydrowatch", host["disk_path"])
	assert.Equal(t, "1.50GiB", host["disk_free"])

	// A failed host read is reported in the log only.
	body = serve(func(context.Context) (*observability.HostStats, error) {
		return nil, errors.NewStd("statfs failed")
	})
	assert.Equal(t, "ok", body["status"])
	assert.NotContains(t, body, "host")
}

func TestNotificationChannels(t *testing.T) {
	t.Parallel()
	api := setupAPI(t)
	api.channels.infos = []notification.ChannelInfo{{Name: "ops-chat", Type: "shoutrrr", Recipients: []string{"ntfy://ntfy.example.com/ops"}}}
	api.channels.results = []notification.DeliveryResult{
		{Recipient: "ntfy://ntfy.example.com/ops", Delivered: true},
		{Recipient: "ntfy://ntfy.example.com/oncall", Error: "connection refused"},
	}

	rec := api.do(t, http.MethodGet, "/api/v2/notifications/channels", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 1, decode[map[string]any](t, rec)["count"], 0)

	rec = api.do(t, http.MethodPost, "/api/v2/notifications/channels/ops-chat/test", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.InDelta(t, 1, body["delivered"], 0)
	assert.Len(t, body["results"], 2)
}

func TestNotificationChannels_TestSendErrors(t *testing.T) {
	t.Parallel()
	api := setupAPI(t)

	api.channels.err = errors.Newf("unknown notification channel").Category(errors.CategoryNotFound).Build()
	rec := api.do(t, http.MethodPost, "/api/v2/notifications/channels/pager/test", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNotificationChannels_RateLimited(t *testing.T) {
	t.Parallel()
	api := setupAPI(t)

	codes := make([]int, 0, testSendBurst+1)
	for range testSendBurst + 1 {
		codes = append(codes, api.do(t, http.MethodPost, "/api/v2/notifications/channels/ops-chat/test", "").Code)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Equal(t, http.StatusTooManyRequests, codes[testSendBurst])
}

func TestNotificationRoutesAbsentWithoutChannels(t *testing.T) {
	t.Parallel()

	e := echo.New()
	New(e, Dependencies{Log: logger.NewNopLogger()})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v2/notifications/channels", http.NoBody))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
