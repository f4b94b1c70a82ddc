package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"snackloader-backend/config"
	"snackloader-backend/internal/auth"
	"snackloader-backend/internal/db"
	"snackloader-backend/internal/feeding"
	"snackloader-backend/internal/store"
)

var dbSeq atomic.Int64

type testServer struct {
	router *gin.Engine
	coord  *feeding.Coordinator
	store  store.Store
	token  string
}

func newTestServer(t *testing.T, verifier *auth.HMACVerifier, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.Server.RateLimitPerSec = 1000
	cfg.Server.RateLimitBurst = 1000
	cfg.Feeding.RetryBackoff = time.Millisecond
	for _, m := range mutate {
		m(cfg)
	}

	name := fmt.Sprintf("api_%s_%d", strings.ReplaceAll(t.Name(), "/", "_"), dbSeq.Add(1))
	gdb, err := db.Init(&config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
		MaxOpenConns: 1,
		LogLevel:     "silent",
	})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	st := store.NewGormStore(gdb)
	reg := prometheus.NewRegistry()
	responses := NewResponseCache(cfg.Server)
	coord := feeding.NewCoordinator(cfg.Feeding, st, feeding.Options{
		Metrics: feeding.NewMetrics(reg),
		Logger:  zerolog.Nop(),
		Changed: responses.Invalidate,
	})

	deps := Deps{
		Store:       st,
		Coordinator: coord,
		Gatherer:    reg,
		Logger:      zerolog.Nop(),
		Responses:   responses,
	}
	ts := &testServer{coord: coord, store: st}
	if verifier != nil {
		deps.Verifier = verifier
		ts.token, err = verifier.Sign(auth.Claims{Email: "owner@example.com", UserID: "user-1"})
		require.NoError(t, err)
	}
	ts.router = NewRouter(cfg.Server, deps)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if ts.token != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (ts *testServer) register(t *testing.T, id string) {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/devices", gin.H{
		"deviceId":   id,
		"ownerId":    "user-1",
		"ownerEmail": "owner@example.com",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

type commandBody struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	Amount    float64 `json:"amount"`
	Processed bool    `json:"processed"`
}

func TestFeedCatQueuesCommand(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.register(t, "feeder-1")

	w := ts.do(t, http.MethodPost, "/api/device/feeder-1/feed-cat", gin.H{"amount": 25})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[map[string]string](t, w)
	assert.Equal(t, "cat_manual_feed_queued", resp["status"])
	assert.NotEmpty(t, resp["cmdId"])

	w = ts.do(t, http.MethodGet, "/api/device/feeder-1/commands", nil)
	require.Equal(t, http.StatusOK, w.Code)
	cmds := decode[[]commandBody](t, w)
	require.Len(t, cmds, 1)
	assert.Equal(t, resp["cmdId"], cmds[0].ID)
	assert.Equal(t, "FEED_CAT", cmds[0].Type)
	assert.Equal(t, 25.0, cmds[0].Amount)
	assert.False(t, cmds[0].Processed)
}

func TestFeedDogUsesFallbackAmount(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.register(t, "feeder-1")

	w := ts.do(t, http.MethodPost, "/api/device/feeder-1/feed-dog", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "dog_manual_feed_queued", decode[map[string]string](t, w)["status"])

	cmds := decode[[]commandBody](t, ts.do(t, http.MethodGet, "/api/device/feeder-1/commands", nil))
	require.Len(t, cmds, 1)
	assert.Equal(t, "FEED_DOG", cmds[0].Type)
	assert.Equal(t, 50.0, cmds[0].Amount)
}

func TestFeedConflict(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.register(t, "feeder-1")

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/device/feeder-1/feed-cat", nil).Code)

	w := ts.do(t, http.MethodPost, "/api/device/feeder-1/feed-dog", gin.H{"amount": 40})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"cat feeder active"}`, w.Body.String())

	cmds := decode[[]commandBody](t, ts.do(t, http.MethodGet, "/api/device/feeder-1/commands", nil))
	assert.Len(t, cmds, 1)
}

func TestFeedRejectsBadAmount(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.register(t, "feeder-1")

	w := ts.do(t, http.MethodPost, "/api/device/feeder-1/feed-cat", gin.H{"amount": -3})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/device/feeder-1/feed-cat", `{"amount":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"invalid request"}`, w.Body.String())
}

func TestFeedUnknownDevice(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/device/ghost/feed-cat", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"device not found"}`, w.Body.String())
}

func TestDeviceReportsOnUnknownDevice(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, path := range []string{"/heartbeat", "/telemetry", "/feed-log"} {
		body := gin.H{}
		if path == "/feed-log" {
			body = gin.H{"pet": "cat", "amount": 10}
		}
		w := ts.do(t, http.MethodPost, "/api/device/ghost"+path, body)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}

	// Polling an unknown device is not an error.
	w := ts.do(t, http.MethodGet, "/api/device/ghost/commands", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestAcknowledgeAndComplete(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.register(t, "feeder-1")

	cmdID := decode[map[string]string](t, ts.do(t, http.MethodPost, "/api/device/feeder-1/feed-cat", nil))["cmdId"]

	for i := 0; i < 2; i++ {
		w := ts.do(t, http.MethodPost, "/api/device/feeder-1/commands/"+cmdID+"/processed", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"processed"}`, w.Body.String())
	}
	assert.JSONEq(t, `[]`, ts.do(t, http.MethodGet, "/api/device/feeder-1/commands", nil).Body.String())

	// Still active until the device logs the feeding.
	status := decode[map[string]any](t, ts.do(t, http.MethodGet, "/api/device/feeder-1/status", nil))
	assert.Equal(t, true, status["catFeedingActive"])

	w := ts.do(t, http.MethodPost, "/api/device/feeder-1/feed-log", gin.H{"pet": "cat", "amount": 30})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"feed_logged"}`, w.Body.String())

	status = decode[map[string]any](t, ts.do(t, http.MethodGet, "/api/device/feeder-1/status", nil))
	assert.Equal(t, false, status["catFeedingActive"])
	assert.Equal(t, false, status["dogFeedingActive"])
	cat := status["cat"].(map[string]any)
	assert.NotNil(t, cat["lastFeeding"])

	logs := decode[[]map[string]any](t, ts.do(t, http.MethodGet, "/api/device/feeder-1/feed-logs", nil))
	require.Len(t, logs, 1)
	assert.Equal(t, "cat", logs[0]["pet"])
	assert.Equal(t, 30.0, logs[0]["amount"])
	assert.Equal(t, "device", logs[0]["source"])
}

func TestAcknowledgeUnknownCommand(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.register(t, "feeder-1")

	w := ts.do(t, http.MethodPost, "/api/device/feeder-1/commands/nope/processed", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"command not found"}`, w.Body.String())
}

func TestFeedLogRequiresPetAndAmount(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.register(t, "feeder-1")

	w := ts.do(t, http.MethodPost, "/api/device/feeder-1/feed-log", gin.H{"amount": 30})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do(t, http.MethodPost, "/api/device/feeder-1/feed-log", gin.H{"pet": "dog"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.JSONEq(t, `[]`, ts.do(t, http.MethodGet, "/api/device/feeder-1/feed-logs", nil).Body.String())
}

func TestTelemetryAndHeartbeat(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.register(t, "feeder-1")

	w := ts.do(t, http.MethodPost, "/api/device/feeder-1/telemetry", gin.H{
		"bowlWeight": 120.5, "temperature": 22.1, "humidity": 40, "petDetected": true,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"telemetry_saved"}`, w.Body.String())

	w = ts.do(t, http.MethodPost, "/api/device/feeder-1/heartbeat", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	status := decode[map[string]any](t, ts.do(t, http.MethodGet, "/api/device/feeder-1/status", nil))
	assert.Equal(t, true, status["online"])
	assert.Equal(t, 120.5, status["currentWeight"])
	assert.Equal(t, true, status["petDetectedRecently"])

	samples := decode[[]map[string]any](t, ts.do(t, http.MethodGet, "/api/device/feeder-1/telemetry", nil))
	require.Len(t, samples, 1)
	assert.Equal(t, 22.1, samples[0]["temperature"])
}

func TestSettings(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.register(t, "feeder-1")

	w := ts.do(t, http.MethodPost, "/api/device/feeder-1/settings", gin.H{
		"cat": gin.H{
			"schedule":      []gin.H{{"time": "07:30", "amount": 20, "days": []string{"mon", "wed"}}},
			"defaultAmount": 35,
			"lidState":      "open",
		},
		"autoFeedEnabled": false,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"status":"settings_saved"}`, w.Body.String())

	status := decode[map[string]any](t, ts.do(t, http.MethodGet, "/api/device/feeder-1/status", nil))
	assert.Equal(t, false, status["autoFeedEnabled"])
	cat := status["cat"].(map[string]any)
	assert.Equal(t, "open", cat["lidState"])
	assert.Len(t, cat["schedule"], 1)

	// The configured default now applies to manual feeds.
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/device/feeder-1/feed-cat", nil).Code)
	cmds := decode[[]commandBody](t, ts.do(t, http.MethodGet, "/api/device/feeder-1/commands", nil))
	require.Len(t, cmds, 1)
	assert.Equal(t, 35.0, cmds[0].Amount)
}

func TestSettingsPartialSaveKeepsStoredFields(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.register(t, "feeder-1")

	w := ts.do(t, http.MethodPost, "/api/device/feeder-1/settings", `{"cat":{"defaultAmount":25,"schedule":[{"time":"08:00"}]}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = ts.do(t, http.MethodPost, "/api/device/feeder-1/settings", `{"cat":{"schedule":[{"time":"09:00"}]}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	status := decode[map[string]any](t, ts.do(t, http.MethodGet, "/api/device/feeder-1/status", nil))
	cat := status["cat"].(map[string]any)
	assert.Equal(t, 25.0, cat["defaultAmount"])
	schedule := cat["schedule"].([]any)
	require.Len(t, schedule, 1)
	assert.Equal(t, "09:00", schedule[0].(map[string]any)["time"])

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/device/feeder-1/feed-cat", nil).Code)
	cmds := decode[[]commandBody](t, ts.do(t, http.MethodGet, "/api/device/feeder-1/commands", nil))
	require.Len(t, cmds, 1)
	assert.Equal(t, 25.0, cmds[0].Amount)
}

func TestSettingsRejectsInvalidPayload(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.register(t, "feeder-1")

	cases := map[string]string{
		"bad time":     `{"cat":{"schedule":[{"time":"25:00"}]}}`,
		"bad lid":      `{"dog":{"lidState":"ajar"}}`,
		"zero amount":  `{"cat":{"defaultAmount":0}}`,
		"not json":     `{"cat":`,
		"wrong type":   `{"autoFeedEnabled":"yes"}`,
		"unknown day":  `{"cat":{"schedule":[{"time":"08:00","days":["funday"]}]}}`,
		"missing time": `{"cat":{"schedule":[{"amount":10}]}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/device/feeder-1/settings", body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestStatusCacheInvalidatedByWrites(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.register(t, "feeder-1")

	first := ts.do(t, http.MethodGet, "/api/device/feeder-1/status", nil)
	require.Equal(t, http.StatusOK, first.Code)
	second := ts.do(t, http.MethodGet, "/api/device/feeder-1/status", nil)
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/device/feeder-1/feed-dog", nil).Code)

	third := ts.do(t, http.MethodGet, "/api/device/feeder-1/status", nil)
	assert.Empty(t, third.Header().Get("X-Cache"))
	assert.Equal(t, true, decode[map[string]any](t, third)["dogFeedingActive"])
}

func TestStatusCacheInvalidatedBySweep(t *testing.T) {
	ts := newTestServer(t, nil, func(c *config.Config) {
		c.Feeding.StaleAfter = time.Millisecond
	})
	ts.register(t, "feeder-1")

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/device/feeder-1/feed-dog", nil).Code)
	ts.do(t, http.MethodGet, "/api/device/feeder-1/status", nil)
	cached := ts.do(t, http.MethodGet, "/api/device/feeder-1/status", nil)
	require.Equal(t, "HIT", cached.Header().Get("X-Cache"))
	assert.Equal(t, true, decode[map[string]any](t, cached)["dogFeedingActive"])

	time.Sleep(5 * time.Millisecond)
	res, err := ts.coord.SweepStale(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Abandoned)

	fresh := ts.do(t, http.MethodGet, "/api/device/feeder-1/status", nil)
	assert.Empty(t, fresh.Header().Get("X-Cache"))
	assert.Equal(t, false, decode[map[string]any](t, fresh)["dogFeedingActive"])
}

func TestStatusCacheDisabledByNegativeTTL(t *testing.T) {
	ts := newTestServer(t, nil, func(c *config.Config) {
		c.Server.CacheTTLSeconds = -1
	})
	ts.register(t, "feeder-1")

	for i := 0; i < 2; i++ {
		w := ts.do(t, http.MethodGet, "/api/device/feeder-1/status", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-Cache"))
	}
}

func TestDefaultDeviceMount(t *testing.T) {
	ts := newTestServer(t, nil)

	// The single-device mount creates the default device on first read.
	w := ts.do(t, http.MethodGet, "/device/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "default", decode[map[string]any](t, w)["deviceId"])

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/device/feed-cat", nil).Code)

	cmds := decode[[]commandBody](t, ts.do(t, http.MethodGet, "/api/device/default/commands", nil))
	require.Len(t, cmds, 1)
	assert.Equal(t, 30.0, cmds[0].Amount)
}

func TestCameraRoutes(t *testing.T) {
	ts := newTestServer(t, nil)

	assert.JSONEq(t, `{"turnOn":false}`, ts.do(t, http.MethodGet, "/commands/camera", nil).Body.String())

	w := ts.do(t, http.MethodPost, "/camera", gin.H{"turnOn": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"turnOn":true}`, ts.do(t, http.MethodGet, "/commands/camera", nil).Body.String())

	w = ts.do(t, http.MethodPost, "/camera", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/pet-detected", gin.H{"pet": "cat", "confidence": 0.92})
	assert.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodPost, "/pet-detected", gin.H{"confidence": 3})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegisterDevice(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.register(t, "feeder-1")

	w := ts.do(t, http.MethodPost, "/api/devices", gin.H{
		"deviceId": "feeder-1", "ownerId": "user-1", "ownerEmail": "owner@example.com",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"device already exists"}`, w.Body.String())

	w = ts.do(t, http.MethodPost, "/api/devices", gin.H{"deviceId": "feeder-2"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	devices := decode[[]map[string]any](t, ts.do(t, http.MethodGet, "/api/devices?ownerId=user-1", nil))
	require.Len(t, devices, 1)
	assert.Equal(t, "feeder-1", devices[0]["deviceId"])
	assert.Equal(t, false, devices[0]["catFeedingActive"])
}

func TestAuthGuardsFrontendRoutes(t *testing.T) {
	verifier := auth.NewHMACVerifier("test-secret")
	ts := newTestServer(t, verifier)

	// Owner comes from the token.
	w := ts.do(t, http.MethodPost, "/api/devices", gin.H{"deviceId": "feeder-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	devices := decode[[]map[string]any](t, ts.do(t, http.MethodGet, "/api/devices", nil))
	require.Len(t, devices, 1)
	assert.Equal(t, "user-1", devices[0]["ownerId"])
	assert.Equal(t, "owner@example.com", devices[0]["ownerEmail"])

	anonymous := &testServer{router: ts.router}
	w = anonymous.do(t, http.MethodGet, "/api/device/feeder-1/status", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"No token provided"}`, w.Body.String())

	w = anonymous.do(t, http.MethodPost, "/api/device/feeder-1/feed-cat", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	forged := &testServer{router: ts.router, token: "not-a-token"}
	w = forged.do(t, http.MethodGet, "/api/device/feeder-1/status", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"Invalid token"}`, w.Body.String())

	// Device routes stay open.
	w = anonymous.do(t, http.MethodGet, "/api/device/feeder-1/commands", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = anonymous.do(t, http.MethodPost, "/api/device/feeder-1/heartbeat", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestExportFeedLogs(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.register(t, "feeder-1")

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/device/feeder-1/feed-log", gin.H{"pet": "dog", "amount": 45, "source": "schedule"}).Code)

	w := ts.do(t, http.MethodGet, "/api/device/feeder-1/feed-logs/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, xlsxContentType, w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "feed-logs-feeder-1-")

	f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Feed Logs")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, feedLogHeader, rows[0])
	assert.Equal(t, []string{"dog", "45", "schedule"}, rows[1][1:])
}

func TestHealthMetricsAndRoot(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.register(t, "feeder-1")
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/device/feeder-1/feed-cat", nil).Code)

	w := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","database":"up"}`, w.Body.String())

	w = ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `snackloader_feed_requests_total{pet="cat",result="queued"} 1`)

	w = ts.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, "SnackLoader Backend Running", w.Body.String())
}
