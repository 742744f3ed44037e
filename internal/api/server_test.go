package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tempo/internal/action"
	"github.com/roach88/tempo/internal/config"
	"github.com/roach88/tempo/internal/engine"
	"github.com/roach88/tempo/internal/errs"
	"github.com/roach88/tempo/internal/events"
	"github.com/roach88/tempo/internal/ids"
	"github.com/roach88/tempo/internal/params"
	"github.com/roach88/tempo/internal/schedule"
	"github.com/roach88/tempo/internal/testutil"
	"github.com/roach88/tempo/internal/validate"
)

const (
	rwToken = "secret-rw"
	roToken = "secret-ro"
)

type fixture struct {
	srv    *Server
	engine *engine.Engine
}

func newFixture(t *testing.T, ttl time.Duration, opts ...engine.Option) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	base := []engine.Option{
		engine.WithClock(clock.NewMock()),
		engine.WithTransport(testutil.NewManualTransport(5, 3.75, 124, 4)),
		engine.WithIDs(ids.NewSequenceGenerator("id")),
		engine.WithTokens(ids.NewSequenceGenerator("tok")),
	}
	e, err := engine.New(context.Background(), params.Default(), append(base, opts...)...)
	require.NoError(t, err)
	srv := New(e, Options{
		Tokens: []config.Token{
			{Name: "writer", Token: rwToken, Scopes: []string{config.ScopeRead, config.ScopeWrite}},
			{Name: "reader", Token: roToken, Scopes: []string{config.ScopeRead}},
		},
		SessionIdleTTL: ttl,
		IDs:            ids.NewSequenceGenerator("sess"),
	})
	return &fixture{srv: srv, engine: e}
}

type call struct {
	method  string
	path    string
	token   string
	body    any
	headers map[string]string
}

func (f *fixture) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if c.body != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(c.body))
	}
	req := httptest.NewRequest(c.method, c.path, &body)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) tick(t *testing.T) {
	t.Helper()
	_, err := f.engine.Tick(context.Background())
	require.NoError(t, err)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) errs.Code {
	t.Helper()
	return decode[errs.Error](t, w).Code
}

func reverbBundle(id string, value float64) action.Bundle {
	return testutil.Bundle(id, true, testutil.Set("a1", "fx.reverb.mix", value, testutil.Now()))
}

// validateAndSchedule runs the two-phase flow and returns the schedule response.
func (f *fixture) validateAndSchedule(t *testing.T, b action.Bundle, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	w := f.do(t, call{method: http.MethodPost, path: "/v1/actions/validate", token: rwToken, body: gin.H{"bundle": b}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	val := decode[validate.Result](t, w)
	require.True(t, val.Valid)

	return f.do(t, call{
		method:  http.MethodPost,
		path:    "/v1/actions/schedule",
		token:   rwToken,
		headers: headers,
		body: gin.H{
			"bundle":            b,
			"applyMode":         "validated_only",
			"validationId":      val.ValidationID,
			"confirmationToken": val.ConfirmationToken,
		},
	})
}

func TestAuth(t *testing.T) {
	f := newFixture(t, 0)

	w := f.do(t, call{method: http.MethodGet, path: "/v1/state"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, errs.CodeUnauthorized, errorCode(t, w))

	w = f.do(t, call{method: http.MethodGet, path: "/v1/state", token: "nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, call{method: http.MethodGet, path: "/v1/state", token: roToken})
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, call{method: http.MethodPost, path: "/v1/actions/schedule", token: roToken, body: gin.H{}})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, errs.CodeForbidden, errorCode(t, w))
}

func TestAuth_DisabledWithoutTokens(t *testing.T) {
	gin.SetMode(gin.TestMode)
	e, err := engine.New(context.Background(), params.Default(),
		engine.WithClock(clock.NewMock()),
		engine.WithTransport(testutil.NewManualTransport(1, 1, 120, 4)))
	require.NoError(t, err)
	f := &fixture{srv: New(e, Options{}), engine: e}

	w := f.do(t, call{method: http.MethodPut, path: "/v1/modules/fx.reverb/lock"})

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOperationalEndpoints(t *testing.T) {
	f := newFixture(t, 0)

	assert.Equal(t, http.StatusOK, f.do(t, call{method: http.MethodGet, path: "/live"}).Code)
	assert.Equal(t, http.StatusOK, f.do(t, call{method: http.MethodGet, path: "/ready"}).Code)

	w := f.do(t, call{method: http.MethodGet, path: "/metrics"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tempo_core_")
}

func TestSessions(t *testing.T) {
	f := newFixture(t, time.Minute)

	w := f.do(t, call{method: http.MethodPost, path: "/v1/sessions", token: rwToken})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[sessionResponse](t, w)
	assert.Equal(t, "sess-1", created.ID)
	assert.Equal(t, time.Minute.Milliseconds(), created.IdleTTLMs)

	withSession := map[string]string{headerSessionID: created.ID}
	w = f.do(t, call{method: http.MethodGet, path: "/v1/state", token: roToken, headers: withSession})
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, call{method: http.MethodDelete, path: "/v1/sessions/" + created.ID, token: rwToken})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, call{method: http.MethodGet, path: "/v1/state", token: roToken, headers: withSession})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, errs.CodeSessionExpired, errorCode(t, w))

	w = f.do(t, call{method: http.MethodDelete, path: "/v1/sessions/" + created.ID, token: rwToken})
	assert.Equal(t, http.StatusNotFound, w.Code)

	var types []string
	for _, ev := range f.engine.Events().Recent(0) {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{events.TypeSessionCreated, events.TypeSessionClosed}, types)
}

func TestSessions_IdleExpiry(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)

	w := f.do(t, call{method: http.MethodPost, path: "/v1/sessions", token: rwToken})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[sessionResponse](t, w).ID

	assert.Eventually(t, func() bool {
		w := f.do(t, call{method: http.MethodGet, path: "/v1/state", token: roToken, headers: map[string]string{headerSessionID: id}})
		return w.Code == http.StatusUnauthorized
	}, 2*time.Second, 20*time.Millisecond)
}

func TestValidateScheduleApply(t *testing.T) {
	f := newFixture(t, 0)
	key := map[string]string{headerIdempotencyKey: "k-1"}
	b := reverbBundle("b1", 0.6)

	w := f.validateAndSchedule(t, b, key)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	first := decode[schedule.Result](t, w)
	assert.Equal(t, "b1", first.BundleID)
	assert.Equal(t, schedule.StatusScheduled, first.Status)

	f.tick(t)

	w = f.do(t, call{method: http.MethodGet, path: "/v1/state", token: roToken})
	st := decode[stateResponse](t, w)
	assert.Equal(t, int64(1), st.StateVersion)
	assert.Equal(t, 0.6, st.Values["fx.reverb.mix"])
	assert.Equal(t, 124.0, st.Transport.BPM)

	w = f.do(t, call{method: http.MethodGet, path: "/v1/actions/b1", token: roToken})
	assert.Equal(t, schedule.StatusApplied, decode[schedule.Entry](t, w).Status)
}

func TestSchedule_IdempotentReplay(t *testing.T) {
	f := newFixture(t, 0)
	b := reverbBundle("b1", 0.6)
	body := gin.H{"bundle": b, "applyMode": "best_effort"}
	key := map[string]string{headerIdempotencyKey: "k-1"}

	w := f.do(t, call{method: http.MethodPost, path: "/v1/actions/schedule", token: rwToken, body: body, headers: key})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	first := decode[schedule.Result](t, w)

	w = f.do(t, call{method: http.MethodPost, path: "/v1/actions/schedule", token: rwToken, body: body, headers: key})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	replay := decode[schedule.Result](t, w)
	assert.True(t, replay.IdempotentReplay)
	assert.Equal(t, first.BundleID, replay.BundleID)
	assert.Equal(t, first.ScheduledAtTransport, replay.ScheduledAtTransport)

	changed := gin.H{"bundle": reverbBundle("b1", 0.7), "applyMode": "best_effort", "idempotencyKey": "k-1"}
	w = f.do(t, call{method: http.MethodPost, path: "/v1/actions/schedule", token: rwToken, body: changed})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, errs.CodeIdempotencyKeyConflict, errorCode(t, w))
}

func TestSchedule_KeyHeaderAndBodyMustAgree(t *testing.T) {
	f := newFixture(t, 0)

	w := f.do(t, call{
		method:  http.MethodPost,
		path:    "/v1/actions/schedule",
		token:   rwToken,
		headers: map[string]string{headerIdempotencyKey: "k-1"},
		body:    gin.H{"bundle": reverbBundle("b1", 0.6), "applyMode": "best_effort", "idempotencyKey": "k-2"},
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, errs.CodeBadRequest, errorCode(t, w))
}

func TestSchedule_Errors(t *testing.T) {
	f := newFixture(t, 0, engine.WithQueue(1, 0))
	stale := int64(7)

	tests := []struct {
		name   string
		body   any
		status int
		code   errs.Code
	}{
		{
			name:   "malformed body",
			body:   "not an object",
			status: http.StatusBadRequest,
			code:   errs.CodeBadRequest,
		},
		{
			name:   "missing validation",
			body:   gin.H{"bundle": reverbBundle("b1", 0.6), "applyMode": "validated_only"},
			status: http.StatusNotFound,
			code:   errs.CodeValidationNotFound,
		},
		{
			name: "stale state version",
			body: gin.H{"applyMode": "best_effort", "bundle": action.Bundle{
				BundleID:                 "b2",
				Atomic:                   true,
				PreconditionStateVersion: &stale,
				Actions:                  []action.Action{testutil.Set("a1", "fx.reverb.mix", 0.5, testutil.Now())},
			}},
			status: http.StatusConflict,
			code:   errs.CodeStaleStateVersion,
		},
		{
			name:   "out of range",
			body:   gin.H{"bundle": reverbBundle("b3", 4), "applyMode": "best_effort"},
			status: http.StatusUnprocessableEntity,
			code:   errs.CodeActionOutOfRange,
		},
		{
			name: "queue full",
			body: gin.H{"applyMode": "best_effort", "bundle": testutil.Bundle("b4", true,
				testutil.Set("a1", "fx.reverb.mix", 0.5, testutil.Now()),
				testutil.Set("a2", "fx.delay.time", 0.5, testutil.Now()),
			)},
			status: http.StatusTooManyRequests,
			code:   errs.CodeQueueFullRetry,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, call{method: http.MethodPost, path: "/v1/actions/schedule", token: rwToken, body: tt.body})
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, errorCode(t, w))
			if tt.code == errs.CodeQueueFullRetry {
				assert.Equal(t, "1", w.Header().Get("Retry-After"))
				assert.Equal(t, int64(50), decode[errs.Error](t, w).RetryAfterMs)
			}
		})
	}
	assert.Equal(t, 0, f.engine.QueueLen())
}

func TestCancel(t *testing.T) {
	f := newFixture(t, 0)
	b := testutil.Bundle("b1", true, testutil.Set("a1", "fx.reverb.mix", 0.6, testutil.NextBar()))
	w := f.validateAndSchedule(t, b, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = f.do(t, call{method: http.MethodGet, path: "/v1/actions/scheduled?active=true", token: roToken})
	require.Equal(t, http.StatusOK, w.Code)
	listed := decode[struct {
		Bundles    []schedule.Entry `json:"bundles"`
		QueueDepth int              `json:"queueDepth"`
	}](t, w)
	require.Len(t, listed.Bundles, 1)
	assert.Equal(t, 1, listed.QueueDepth)

	w = f.do(t, call{method: http.MethodPost, path: "/v1/actions/b1/cancel", token: rwToken})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, schedule.StatusCanceled, decode[schedule.Entry](t, w).Status)

	w = f.do(t, call{method: http.MethodPost, path: "/v1/actions/nope/cancel", token: rwToken})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, errs.CodeBundleNotFound, errorCode(t, w))

	w = f.do(t, call{method: http.MethodGet, path: "/v1/actions/scheduled?active=maybe", token: roToken})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUndoRedo(t *testing.T) {
	f := newFixture(t, 0)

	w := f.do(t, call{method: http.MethodPost, path: "/v1/history/undo", token: rwToken})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, errs.CodeHistoryEmpty, errorCode(t, w))

	require.Equal(t, http.StatusAccepted, f.validateAndSchedule(t, reverbBundle("b1", 0.6), nil).Code)
	f.tick(t)

	w = f.do(t, call{method: http.MethodPost, path: "/v1/history/undo", token: rwToken})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	f.tick(t)

	w = f.do(t, call{method: http.MethodGet, path: "/v1/history", token: roToken})
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[struct {
		Undo []json.RawMessage `json:"undo"`
		Redo []json.RawMessage `json:"redo"`
	}](t, w)
	assert.Empty(t, view.Undo)
	assert.Len(t, view.Redo, 1)
	values, _ := f.engine.Query([]string{"fx.reverb.mix"})
	assert.Equal(t, 0.2, values["fx.reverb.mix"])

	w = f.do(t, call{method: http.MethodPost, path: "/v1/history/redo", token: rwToken})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	f.tick(t)
	values, _ = f.engine.Query([]string{"fx.reverb.mix"})
	assert.Equal(t, 0.6, values["fx.reverb.mix"])
}

func TestModuleLock(t *testing.T) {
	f := newFixture(t, 0)

	w := f.do(t, call{method: http.MethodPut, path: "/v1/modules/fx.reverb/lock", token: rwToken})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"module":"fx.reverb","locked":true,"lockedModules":["fx.reverb"]}`, w.Body.String())

	w = f.do(t, call{method: http.MethodPost, path: "/v1/actions/validate", token: roToken, body: gin.H{"bundle": reverbBundle("b1", 0.6)}})
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[validate.Result](t, w)
	assert.False(t, res.Valid)
	assert.Equal(t, errs.CodeModuleLocked, res.Errors[0].Code)

	w = f.do(t, call{method: http.MethodDelete, path: "/v1/modules/fx.reverb/lock", token: rwToken})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"module":"fx.reverb","locked":false,"lockedModules":[]}`, w.Body.String())

	w = f.do(t, call{method: http.MethodPut, path: "/v1/modules/synth/lock", token: rwToken})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDiscoveryAndQuery(t *testing.T) {
	f := newFixture(t, 0)

	w := f.do(t, call{method: http.MethodGet, path: "/v1/capabilities", token: roToken})
	require.Equal(t, http.StatusOK, w.Code)
	caps := decode[engine.Capabilities](t, w)
	assert.Equal(t, engine.Version, caps.Version)
	assert.Contains(t, caps.ApplyModes, schedule.ModeValidatedOnly)

	w = f.do(t, call{method: http.MethodGet, path: "/v1/parameters", token: roToken})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"fx.reverb.mix"`)

	w = f.do(t, call{method: http.MethodPost, path: "/v1/state/query", token: roToken, body: gin.H{"paths": []string{"fx.reverb"}}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"stateVersion":0,"values":{"fx.reverb.mix":0.2,"fx.reverb.size":0.5,"fx.reverb.freeze":false}}`, w.Body.String())
}

func dial(t *testing.T, ts *httptest.Server, query, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events" + query
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestEvents_ReplayThenLive(t *testing.T) {
	f := newFixture(t, 0)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()
	require.NoError(t, f.engine.LockModule("fx.reverb", ""))

	conn, _, err := dial(t, ts, "?afterSeq=0", roToken)
	require.NoError(t, err)
	defer conn.Close()

	first := readEvent(t, conn)
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, events.TypeModuleLocked, first.Type)

	require.NoError(t, f.engine.UnlockModule("fx.reverb", ""))
	second := readEvent(t, conn)
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, events.TypeModuleUnlocked, second.Type)
}

func TestEvents_GapWhenAhead(t *testing.T) {
	f := newFixture(t, 0)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	conn, _, err := dial(t, ts, "?afterSeq=50", roToken)
	require.NoError(t, err)
	defer conn.Close()

	ev := readEvent(t, conn)
	assert.Equal(t, events.TypeGapDetected, ev.Type)
	var gap events.Gap
	require.NoError(t, json.Unmarshal(ev.Payload, &gap))
	assert.Equal(t, int64(51), gap.ExpectedSeq)
}

func TestEvents_Rejected(t *testing.T) {
	f := newFixture(t, 0)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	_, resp, err := dial(t, ts, "", "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = dial(t, ts, "?afterSeq=-3", roToken)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
