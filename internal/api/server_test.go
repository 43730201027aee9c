package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flowpbx/openzap/internal/api/middleware"
	"github.com/flowpbx/openzap/internal/database"
	"github.com/flowpbx/openzap/internal/database/models"
	"github.com/flowpbx/openzap/internal/driver/loop"
	"github.com/flowpbx/openzap/internal/zap"
)

type testEnv struct {
	srv   *Server
	hal   *zap.HAL
	span  *zap.Span
	token string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	spans := database.NewSpanRepository(db)
	if err := spans.Create(ctx, &models.Span{Name: "t1a", IOName: loop.Name, ChanSpec: "1-4", Enabled: true}); err != nil {
		t.Fatalf("creating span row: %v", err)
	}
	operators := database.NewAdminUserRepository(db)
	hash, err := database.PasswordParams{Time: 1, MemoryKiB: 1024, Threads: 1, KeyLen: 32, SaltLen: 16}.Hash("hunter2")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if err := operators.Create(ctx, &models.AdminUser{Username: "admin", PasswordHash: hash}); err != nil {
		t.Fatalf("creating operator: %v", err)
	}

	h := zap.Init(zap.Options{Logger: logger})
	if err := h.Register(loop.New(logger), nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	span, err := h.CreateSpan(loop.Name, "t1a", zap.TrunkT1)
	if err != nil {
		t.Fatalf("CreateSpan: %v", err)
	}
	if _, err := span.Configure("1-4", zap.ChanTypeB); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })

	tokens := middleware.NewTokenIssuer([]byte("0123456789abcdef0123456789abcdef"), time.Hour)
	srv := NewServer(Options{
		HAL:       h,
		Spans:     spans,
		ToneMaps:  database.NewToneMapRepository(db),
		Operators: operators,
		Tokens:    tokens,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "openzap_uptime_seconds 1\n") //nolint:errcheck
		}),
		Logger:    logger,
		StartTime: time.Now().Add(-90 * time.Second),
	})
	t.Cleanup(srv.Close)

	token, _, err := tokens.Issue("admin")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return &testEnv{srv: srv, hal: h, span: span, token: token}
}

// do performs a request and decodes the envelope data into out when non-nil.
func (e *testEnv) do(t *testing.T, method, path string, body any, auth bool, out any) (int, string) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.RemoteAddr = "192.0.2.10:40000"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	rr := httptest.NewRecorder()
	e.srv.ServeHTTP(rr, req)

	var env struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		return rr.Code, rr.Body.String()
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			t.Fatalf("decoding data %s: %v", env.Data, err)
		}
	}
	return rr.Code, env.Error
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	var resp healthResponse
	code, _ := e.do(t, http.MethodGet, "/api/v1/health", nil, false, &resp)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if resp.Status != "ok" || resp.Spans != 1 || resp.UptimeSec < 90 {
		t.Errorf("health = %+v", resp)
	}
	if len(resp.Interfaces) != 1 || resp.Interfaces[0] != loop.Name {
		t.Errorf("interfaces = %v", resp.Interfaces)
	}
}

func TestMetricsMounted(t *testing.T) {
	e := newTestEnv(t)
	rr := httptest.NewRecorder()
	e.srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK || !bytes.Contains(rr.Body.Bytes(), []byte("openzap_uptime_seconds")) {
		t.Errorf("metrics = %d %q", rr.Code, rr.Body.String())
	}
}

func TestListAndGetSpans(t *testing.T) {
	e := newTestEnv(t)

	var list []zap.SpanInfo
	if code, _ := e.do(t, http.MethodGet, "/api/v1/spans", nil, false, &list); code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	if len(list) != 1 || list[0].Name != "t1a" || list[0].ChanCount != 4 || list[0].Channels != nil {
		t.Errorf("list = %+v", list)
	}

	for _, key := range []string{"1", "t1a"} {
		var info zap.SpanInfo
		if code, _ := e.do(t, http.MethodGet, "/api/v1/spans/"+key, nil, false, &info); code != http.StatusOK {
			t.Fatalf("get %s status = %d", key, code)
		}
		if info.IO != loop.Name || len(info.Channels) != 4 {
			t.Errorf("get %s = %+v", key, info)
		}
	}

	if code, msg := e.do(t, http.MethodGet, "/api/v1/spans/nope", nil, false, nil); code != http.StatusNotFound || msg != "span not found" {
		t.Errorf("missing span = %d %q", code, msg)
	}
}

func TestGetChannel(t *testing.T) {
	e := newTestEnv(t)

	var ci zap.ChannelInfo
	if code, _ := e.do(t, http.MethodGet, "/api/v1/spans/t1a/channels/2", nil, false, &ci); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if ci.ChanID != 2 || ci.State != "DOWN" || ci.Type != "B" {
		t.Errorf("channel = %+v", ci)
	}

	if code, _ := e.do(t, http.MethodGet, "/api/v1/spans/t1a/channels/x", nil, false, nil); code != http.StatusBadRequest {
		t.Errorf("non-numeric chan status = %d", code)
	}
	if code, _ := e.do(t, http.MethodGet, "/api/v1/spans/t1a/channels/9", nil, false, nil); code != http.StatusNotFound {
		t.Errorf("missing chan status = %d", code)
	}
}

func TestSetChannelState(t *testing.T) {
	e := newTestEnv(t)
	path := "/api/v1/spans/t1a/channels/1/state"

	if code, _ := e.do(t, http.MethodPost, path, stateRequest{State: "UP"}, false, nil); code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", code)
	}

	var tv transitionView
	if code, msg := e.do(t, http.MethodPost, path, stateRequest{State: "up"}, true, &tv); code != http.StatusOK {
		t.Fatalf("status = %d %q", code, msg)
	}
	if tv.Outcome != "committed" || !tv.Accepted || tv.Previous != "DOWN" || tv.State != "UP" {
		t.Errorf("transition = %+v", tv)
	}

	// UP -> RING is refused by the default policy; a veto is still a 200.
	if code, _ := e.do(t, http.MethodPost, path, stateRequest{State: "RING"}, true, &tv); code != http.StatusOK {
		t.Fatalf("veto status = %d", code)
	}
	if tv.Outcome != "vetoed" || tv.Accepted || tv.State != "UP" {
		t.Errorf("veto = %+v", tv)
	}

	ch, _ := e.span.Channel(1)
	if ch.State() != zap.StateUp {
		t.Errorf("channel state = %s", ch.State())
	}

	for _, bad := range []string{"", "ANY", "LUNCH"} {
		if code, _ := e.do(t, http.MethodPost, path, stateRequest{State: bad}, true, nil); code != http.StatusBadRequest {
			t.Errorf("state %q status = %d, want 400", bad, code)
		}
	}

	ch.ClearFlag(zap.ChannelReady)
	if code, _ := e.do(t, http.MethodPost, path, stateRequest{State: "DOWN"}, true, nil); code != http.StatusConflict {
		t.Errorf("not-ready status = %d, want 409", code)
	}
}

func TestResetSpan(t *testing.T) {
	e := newTestEnv(t)
	for id := 1; id <= 2; id++ {
		ch, _ := e.span.Channel(id)
		if _, err := ch.SetState(zap.StateDialtone); err != nil {
			t.Fatalf("SetState: %v", err)
		}
	}

	var resp resetResponse
	if code, msg := e.do(t, http.MethodPost, "/api/v1/spans/t1a/reset", nil, true, &resp); code != http.StatusOK {
		t.Fatalf("status = %d %q", code, msg)
	}
	if len(resp.Channels) != 4 {
		t.Fatalf("reset = %+v", resp)
	}
	if resp.Channels[0].Outcome != "committed" || resp.Channels[2].Outcome != "same-state" {
		t.Errorf("outcomes = %+v", resp.Channels)
	}
	// No signaling module acknowledges the changes on a bare span.
	if resp.Settled {
		t.Error("span reported settled with state changes pending")
	}
	for _, ch := range e.span.Channels() {
		ch.CompleteStateChange()
	}
	if !e.span.CheckStateAll(zap.StateDown) {
		t.Error("span not down after acknowledging reset")
	}
}

func TestLoadTones(t *testing.T) {
	e := newTestEnv(t)
	path := "/api/v1/spans/t1a/tones"

	var info zap.SpanInfo
	if code, msg := e.do(t, http.MethodPost, path, loadTonesRequest{ToneMap: "us", Persist: true}, true, &info); code != http.StatusOK {
		t.Fatalf("status = %d %q", code, msg)
	}
	if info.ToneMap != "us" {
		t.Errorf("tonemap = %q", info.ToneMap)
	}
	if m := e.span.ToneMap(); m == nil || len(m.DetectFreqs(0)) == 0 {
		t.Error("span tone map not loaded")
	}

	if code, _ := e.do(t, http.MethodPost, path, loadTonesRequest{ToneMap: "atlantis"}, true, nil); code != http.StatusNotFound {
		t.Errorf("unknown map status = %d", code)
	}
	if code, _ := e.do(t, http.MethodPost, path, loadTonesRequest{ToneMap: "../etc"}, true, nil); code != http.StatusBadRequest {
		t.Errorf("bad name status = %d", code)
	}
}

func TestToneMaps(t *testing.T) {
	e := newTestEnv(t)

	var names []string
	if code, _ := e.do(t, http.MethodGet, "/api/v1/tonemaps", nil, false, &names); code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	if len(names) != 1 || names[0] != "us" {
		t.Errorf("maps = %v", names)
	}

	uk := putToneMapRequest{Entries: []toneEntryView{
		{Key: "detect-dial", Value: "350,450"},
		{Key: "Generate-Busy", Value: "%(375,375,400)"},
	}}
	if code, _ := e.do(t, http.MethodPut, "/api/v1/tonemaps/uk", uk, false, nil); code != http.StatusUnauthorized {
		t.Errorf("unauthenticated put status = %d", code)
	}
	var view toneMapView
	if code, msg := e.do(t, http.MethodPut, "/api/v1/tonemaps/uk", uk, true, &view); code != http.StatusOK {
		t.Fatalf("put status = %d %q", code, msg)
	}
	if view.Entries[1].Key != "generate-busy" {
		t.Errorf("key not normalised: %+v", view.Entries)
	}

	if code, _ := e.do(t, http.MethodGet, "/api/v1/tonemaps/uk", nil, false, &view); code != http.StatusOK || len(view.Entries) != 2 {
		t.Errorf("get uk = %d %+v", code, view)
	}
	if code, _ := e.do(t, http.MethodGet, "/api/v1/tonemaps/fr", nil, false, nil); code != http.StatusNotFound {
		t.Errorf("missing map status = %d", code)
	}

	bad := []putToneMapRequest{
		{},
		{Entries: []toneEntryView{{Key: "detect-dial", Value: "9000"}}},
		{Entries: []toneEntryView{{Key: "detect-klaxon", Value: "440"}}},
	}
	for i, req := range bad {
		if code, _ := e.do(t, http.MethodPut, "/api/v1/tonemaps/uk", req, true, nil); code != http.StatusBadRequest {
			t.Errorf("bad map %d status = %d", i, code)
		}
	}
}

func TestLogin(t *testing.T) {
	e := newTestEnv(t)

	var resp loginResponse
	code, msg := e.do(t, http.MethodPost, "/api/v1/auth/login", loginRequest{Username: "admin", Password: "hunter2"}, false, &resp)
	if code != http.StatusOK {
		t.Fatalf("login status = %d %q", code, msg)
	}
	if resp.Token == "" || resp.ExpiresAt == "" {
		t.Fatalf("login = %+v", resp)
	}

	// The minted token drives the protected routes.
	e.token = resp.Token
	if code, _ := e.do(t, http.MethodPost, "/api/v1/spans/t1a/reset", nil, true, nil); code != http.StatusOK {
		t.Errorf("reset with login token status = %d", code)
	}

	tests := []struct {
		name string
		req  loginRequest
		want int
	}{
		{"wrong password", loginRequest{Username: "admin", Password: "nope"}, http.StatusUnauthorized},
		{"unknown user", loginRequest{Username: "root", Password: "hunter2"}, http.StatusUnauthorized},
		{"missing password", loginRequest{Username: "admin"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _ := e.do(t, http.MethodPost, "/api/v1/auth/login", tt.req, false, nil); code != tt.want {
				t.Errorf("status = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestUnknownRoute(t *testing.T) {
	e := newTestEnv(t)
	if code, msg := e.do(t, http.MethodGet, "/api/v1/trunks", nil, false, nil); code != http.StatusNotFound || msg != "not found" {
		t.Errorf("unknown route = %d %q", code, msg)
	}
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{5 * time.Second, "5s"},
		{3*time.Minute + 2*time.Second, "3m 2s"},
		{2*time.Hour + 1*time.Minute, "2h 1m 0s"},
		{50 * time.Hour, "2d 2h 0m 0s"},
	}
	for _, tt := range tests {
		if got := formatUptime(tt.d); got != tt.want {
			t.Errorf("formatUptime(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
