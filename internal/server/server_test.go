package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/focusloop/regulation-engine/internal/behavior"
	"github.com/focusloop/regulation-engine/internal/consent"
	"github.com/focusloop/regulation-engine/internal/engine"
	"github.com/focusloop/regulation-engine/internal/params"
	"github.com/focusloop/regulation-engine/internal/preset"
	"github.com/focusloop/regulation-engine/internal/regulation"
	"github.com/focusloop/regulation-engine/internal/signal"
	"github.com/focusloop/regulation-engine/internal/store"
	"github.com/focusloop/regulation-engine/internal/surfacer"
)

// #region fixture

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router *gin.Engine
	events *behavior.Log
}

func newTestServer(t *testing.T, testingMode bool) *testServer {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	consentReg, err := consent.NewRegistry(db)
	require.NoError(t, err)
	events, err := behavior.NewLog(db, 10*time.Minute)
	require.NoError(t, err)
	signals, err := signal.NewEngine(db, consentReg, events)
	require.NoError(t, err)
	lifecycle, err := signal.NewLifecycle(db)
	require.NoError(t, err)
	paramStore, err := params.NewStore(db)
	require.NoError(t, err)
	registry, err := surfacer.NewRegistry(db)
	require.NoError(t, err)
	surf, err := surfacer.NewSurfacer(db, registry, consentReg, events, paramStore)
	require.NoError(t, err)
	machine, err := regulation.NewMachine(db, paramStore)
	require.NoError(t, err)
	catalog, err := preset.DefaultCatalog()
	require.NoError(t, err)
	presets, err := preset.NewLayer(db, paramStore, catalog)
	require.NoError(t, err)

	eng := engine.New(consentReg, events, signals, lifecycle, surf, machine, presets,
		engine.Options{}, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	t.Cleanup(func() {
		eng.Close()
		cancel()
	})

	srv := New(eng, slog.New(slog.DiscardHandler), testingMode)
	return &testServer{router: srv.Router(), events: events}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

// #endregion fixture

// #region health

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, false)
	w := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

// #endregion health

// #region consent

func TestConsentRoundTrip(t *testing.T) {
	ts := newTestServer(t, false)

	w := ts.do(t, http.MethodPut, "/v1/users/u1/consent/session_structures",
		map[string]any{"enabled": true})
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/v1/users/u1/consent", nil)
	require.Equal(t, http.StatusOK, w.Code)

	flags := decode(t, w)["consent"].([]any)
	enabled := map[string]bool{}
	for _, raw := range flags {
		f := raw.(map[string]any)
		enabled[f["category"].(string)] = f["enabled"].(bool)
	}
	assert.True(t, enabled["session_structures"])
	assert.False(t, enabled["capture_patterns"])
}

func TestConsentUnknownCategory(t *testing.T) {
	ts := newTestServer(t, false)
	w := ts.do(t, http.MethodPut, "/v1/users/u1/consent/mind_reading",
		map[string]any{"enabled": true})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestConsentMissingBody(t *testing.T) {
	ts := newTestServer(t, false)
	w := ts.do(t, http.MethodPut, "/v1/users/u1/consent/session_structures", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// #endregion consent

// #region regulation

func TestRecordRegulationEvent(t *testing.T) {
	ts := newTestServer(t, false)

	w := ts.do(t, http.MethodGet, "/v1/users/u1/regulation/default", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, "/v1/users/u1/regulation/default/events",
		map[string]any{"type": "task_completed", "severity": 3})
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, float64(80), body["trust_score"])
	assert.Equal(t, float64(1), body["level"])

	w = ts.do(t, http.MethodGet, "/v1/users/u1/regulation/default", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(80), decode(t, w)["trust_score"])
}

func TestListRegulationStates(t *testing.T) {
	ts := newTestServer(t, false)
	for _, scope := range []string{"default", "project-a"} {
		w := ts.do(t, http.MethodPost, "/v1/users/u1/regulation/"+scope+"/events",
			map[string]any{"type": "task_completed", "severity": 3})
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := ts.do(t, http.MethodGet, "/v1/users/u1/regulation", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["states"].([]any), 2)
}

func TestRecordRegulationEventUnknownType(t *testing.T) {
	ts := newTestServer(t, false)
	w := ts.do(t, http.MethodPost, "/v1/users/u1/regulation/default/events",
		map[string]any{"type": "vibe_shift", "severity": 1})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestRecordRegulationEventRejectsDerivative(t *testing.T) {
	ts := newTestServer(t, false)
	w := ts.do(t, http.MethodPost, "/v1/users/u1/regulation/default/events",
		map[string]any{"type": "level_escalated", "severity": 1})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestListRegulationEvents(t *testing.T) {
	ts := newTestServer(t, false)
	for i := 0; i < 3; i++ {
		w := ts.do(t, http.MethodPost, "/v1/users/u1/regulation/default/events",
			map[string]any{"type": "deadline_missed", "severity": 3})
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := ts.do(t, http.MethodGet, "/v1/users/u1/regulation/default/events?limit=100", nil)
	require.Equal(t, http.StatusOK, w.Code)
	events := decode(t, w)["events"].([]any)
	// Three caller events; crossings add derivative rows on top.
	assert.GreaterOrEqual(t, len(events), 3)
}

// #endregion regulation

// #region behavior

func TestIngestBehaviorEvent(t *testing.T) {
	ts := newTestServer(t, false)
	w := ts.do(t, http.MethodPost, "/v1/users/u1/events",
		map[string]any{"type": "focus_started", "scope_id": "s1"})
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.NotEmpty(t, body["id"])
	assert.Equal(t, false, body["late"])
}

// #endregion behavior

// #region active-signals

func TestActiveSignalsEmpty(t *testing.T) {
	ts := newTestServer(t, false)
	w := ts.do(t, http.MethodGet, "/v1/users/u1/active-signals?session=s1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["signals"])
}

func TestDismissUnknownSignal(t *testing.T) {
	ts := newTestServer(t, false)
	w := ts.do(t, http.MethodPost, "/v1/active-signals/no-such-id/dismiss", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// #endregion active-signals

// #region presets

func TestListPresets(t *testing.T) {
	ts := newTestServer(t, false)
	w := ts.do(t, http.MethodGet, "/v1/presets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	presets := decode(t, w)["presets"].([]any)
	assert.NotEmpty(t, presets)
}

func TestPreviewUnknownPreset(t *testing.T) {
	ts := newTestServer(t, false)
	w := ts.do(t, http.MethodPost, "/v1/users/u1/presets/no-such/preview", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestApplyRevertPreset(t *testing.T) {
	ts := newTestServer(t, false)

	w := ts.do(t, http.MethodPost, "/v1/users/u1/presets/gentle_start/apply", nil)
	require.Equal(t, http.StatusOK, w.Code)
	appID := decode(t, w)["id"].(string)
	require.NotEmpty(t, appID)

	w = ts.do(t, http.MethodPost, "/v1/preset-applications/"+appID+"/revert",
		map[string]any{"user_id": "u1"})
	require.Equal(t, http.StatusOK, w.Code)

	// Second revert conflicts.
	w = ts.do(t, http.MethodPost, "/v1/preset-applications/"+appID+"/revert",
		map[string]any{"user_id": "u1"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRevertRequiresUserID(t *testing.T) {
	ts := newTestServer(t, false)
	w := ts.do(t, http.MethodPost, "/v1/preset-applications/x/revert", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// #endregion presets

// #region testing-mode

func TestCandidateEndpointsHiddenByDefault(t *testing.T) {
	ts := newTestServer(t, false)
	w := ts.do(t, http.MethodGet, "/v1/users/u1/candidate-signals", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, "/v1/users/u1/candidate-signals/compute",
		map[string]any{"key": "session_structures"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestComputeCandidateInTestingMode(t *testing.T) {
	ts := newTestServer(t, true)

	w := ts.do(t, http.MethodPut, "/v1/users/u1/consent/session_structures",
		map[string]any{"enabled": true})
	require.Equal(t, http.StatusOK, w.Code)

	base := time.Now().UTC().Add(-30 * time.Minute)
	for i := 0; i < 5; i++ {
		_, err := ts.events.Append(context.Background(), behavior.Event{
			UserID:     "u1",
			Type:       behavior.EventFocusStarted,
			OccurredAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	now := time.Now().UTC()
	w = ts.do(t, http.MethodPost, "/v1/users/u1/candidate-signals/compute", map[string]any{
		"key":   "session_structures",
		"start": now.Add(-24 * time.Hour).Format(time.RFC3339Nano),
		"end":   now.Format(time.RFC3339Nano),
	})
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "session_structures", body["key"])
	assert.Len(t, body["provenance_event_ids"].([]any), 5)
	assert.Equal(t, "candidate", body["status"])

	w = ts.do(t, http.MethodGet, "/v1/users/u1/candidate-signals", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["signals"].([]any), 1)
}

func TestComputeWithoutConsentForbidden(t *testing.T) {
	ts := newTestServer(t, true)
	for i := 0; i < 3; i++ {
		_, err := ts.events.Append(context.Background(), behavior.Event{
			UserID: "u1",
			Type:   behavior.EventFocusStarted,
		})
		require.NoError(t, err)
	}
	now := time.Now().UTC()
	w := ts.do(t, http.MethodPost, "/v1/users/u1/candidate-signals/compute", map[string]any{
		"key":   "capture_coverage",
		"start": now.Add(-time.Hour).Format(time.RFC3339Nano),
		"end":   now.Format(time.RFC3339Nano),
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

// #endregion testing-mode
