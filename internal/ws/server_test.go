package ws

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nomo-app/backend/internal/content"
	"github.com/nomo-app/backend/internal/entitlement"
	"github.com/nomo-app/backend/internal/progression"
	"github.com/nomo-app/backend/internal/storage"
)

// fixedDraw keeps bonus rolls in the neutral tier.
type fixedDraw float64

func (f fixedDraw) Float64() float64 { return float64(f) }

type refreshCounter struct{ n int }

func (r *refreshCounter) Refresh() { r.n++ }

type testEnv struct {
	srv    *httptest.Server
	engine *progression.Engine
	ent    *entitlement.Cache
	b      *Broadcaster
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	kv := storage.NewMemoryKV()
	engine, err := progression.New(progression.Options{
		Tables:  content.Default(),
		Storage: kv,
		Rand:    fixedDraw(0.99),
	})
	if err != nil {
		t.Fatal(err)
	}
	ent := entitlement.NewCache(kv, map[string]float64{"free": 1, "plus": 1.5, "pro": 2})
	b := NewBroadcaster(engine, 10*time.Millisecond, 0)
	unsubscribe := engine.Subscribe(b.HandleEvent)

	s := NewServer(engine, ent, b, []string{"*"}, token)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		unsubscribe()
		b.Stop()
	})
	return &testEnv{srv: srv, engine: engine, ent: ent, b: b}
}

func (e *testEnv) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}

	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

func TestAPI_SessionAward(t *testing.T) {
	env := newTestEnv(t, "")

	var res progression.AwardResult
	if code := env.do(t, http.MethodPost, "/api/sessions", `{"minutes":45}`, &res); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if res.XPGained != 50 || res.NewLevel != 2 || !res.LeveledUp {
		t.Errorf("award = %+v", res)
	}

	var snap progression.Snapshot
	env.do(t, http.MethodGet, "/api/progress", "", &snap)
	if snap.TotalExperience != 50 || snap.SessionCount != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestAPI_SessionUsesEntitlement(t *testing.T) {
	env := newTestEnv(t, "")

	var ent map[string]any
	if code := env.do(t, http.MethodPut, "/api/entitlement", `{"tier":"pro"}`, &ent); code != http.StatusOK {
		t.Fatalf("entitlement status = %d", code)
	}
	if ent["multiplier"] != 2.0 {
		t.Errorf("multiplier = %v, want 2", ent["multiplier"])
	}

	var res progression.AwardResult
	env.do(t, http.MethodPost, "/api/sessions", `{"minutes":25}`, &res)
	if res.XPGained != 50 || res.SubscriptionMultiplier != 2 {
		t.Errorf("award = %+v, want 50 XP at x2", res)
	}
}

func TestAPI_Validation(t *testing.T) {
	env := newTestEnv(t, "")
	tests := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodPost, "/api/sessions", `{"minutes":-1}`, http.StatusBadRequest},
		{http.MethodPost, "/api/sessions", `nope`, http.StatusBadRequest},
		{http.MethodPost, "/api/sessions", `{"minutes":1e308}`, http.StatusBadRequest},
		{http.MethodPost, "/api/sessions", `{"minutes":1441}`, http.StatusBadRequest},
		{http.MethodPost, "/api/xp", `{"amount":0}`, http.StatusBadRequest},
		{http.MethodPost, "/api/world", `{"worldId":"city"}`, http.StatusConflict},
		{http.MethodPost, "/api/sync", ``, http.StatusServiceUnavailable},
		{http.MethodPut, "/api/entitlement", `{"tier":""}`, http.StatusBadRequest},
		{http.MethodGet, "/api/xp", ``, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		if got := env.do(t, tt.method, tt.path, tt.body, nil); got != tt.want {
			t.Errorf("%s %s %s: status = %d, want %d", tt.method, tt.path, tt.body, got, tt.want)
		}
	}
}

func TestAPI_DirectXPWorldAndReset(t *testing.T) {
	env := newTestEnv(t, "")

	var res progression.AwardResult
	env.do(t, http.MethodPost, "/api/xp", `{"amount":200,"reason":"gift"}`, &res)
	if res.NewLevel != 5 || res.Reason != "gift" {
		t.Fatalf("award = %+v", res)
	}

	var snap progression.Snapshot
	if code := env.do(t, http.MethodPost, "/api/world", `{"worldId":"sunset"}`, &snap); code != http.StatusOK {
		t.Fatalf("world status = %d", code)
	}
	if snap.ActiveWorldID != "sunset" {
		t.Errorf("ActiveWorldID = %q", snap.ActiveWorldID)
	}

	env.do(t, http.MethodPost, "/api/reset", "", &snap)
	if snap.TotalExperience != 0 || snap.CurrentLevel != 0 {
		t.Errorf("after reset = %+v", snap)
	}
}

func TestAPI_SyncRefresh(t *testing.T) {
	kv := storage.NewMemoryKV()
	engine, _ := progression.New(progression.Options{Tables: content.Default(), Storage: kv})
	b := NewBroadcaster(engine, time.Hour, 0)
	defer b.Stop()
	s := NewServer(engine, nil, b, nil, "")
	r := &refreshCounter{}
	s.SetSyncer(r)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/sync", nil))
	if rec.Code != http.StatusAccepted || r.n != 1 {
		t.Errorf("status = %d, refreshes = %d", rec.Code, r.n)
	}
}

func TestAPI_Content(t *testing.T) {
	env := newTestEnv(t, "")
	var resp ContentResponse
	if code := env.do(t, http.MethodGet, "/api/content", "", &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if resp.MaxLevel != content.MaxLevel || len(resp.LevelThresholds) != content.MaxLevel+1 {
		t.Errorf("curve = max %d, %d thresholds", resp.MaxLevel, len(resp.LevelThresholds))
	}
	if resp.LevelThresholds[13] != 1425 {
		t.Errorf("threshold 13 = %d, want 1425", resp.LevelThresholds[13])
	}
	total := 0.0
	for _, tier := range resp.BonusTiers {
		total += tier.Chance
	}
	if total < 0.999 || total > 1.001 {
		t.Errorf("bonus chances sum to %v", total)
	}
}

func TestAPI_Auth(t *testing.T) {
	env := newTestEnv(t, "s3cret")

	if code := env.do(t, http.MethodGet, "/api/progress", "", nil); code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", code)
	}
	if code := env.do(t, http.MethodGet, "/api/progress?token=s3cret", "", nil); code != http.StatusOK {
		t.Errorf("query token: status = %d, want 200", code)
	}

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/progress", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("bearer token: status = %d, want 200", resp.StatusCode)
	}

	if code := env.do(t, http.MethodGet, "/healthz", "", nil); code != http.StatusOK {
		t.Errorf("healthz should not need auth: status = %d", code)
	}
}

func TestAPI_CORSPreflight(t *testing.T) {
	env := newTestEnv(t, "")
	req, _ := http.NewRequest(http.MethodOptions, env.srv.URL+"/api/sessions", nil)
	req.Header.Set("Origin", "http://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestMount_StripsPrefix(t *testing.T) {
	engine, _ := progression.New(progression.Options{Tables: content.Default(), Storage: storage.NewMemoryKV()})
	b := NewBroadcaster(engine, time.Hour, 0)
	defer b.Stop()
	s := NewServer(engine, nil, b, nil, "token")
	s.Mount("/remote", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.Path))
	}))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/remote/v1/progress", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "/v1/progress" {
		t.Errorf("mounted = %d %q", rec.Code, rec.Body.String())
	}
}

func TestWS_ReceivesSnapshotAndAward(t *testing.T) {
	env := newTestEnv(t, "")
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if msg := readMsg(t, conn, nil); msg.Type != MsgSnapshot {
		t.Fatalf("first message = %s, want snapshot", msg.Type)
	}

	body := bytes.NewBufferString(`{"amount":15}`)
	resp, err := http.Post(env.srv.URL+"/api/xp", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	var award AwardPayload
	if msg := readMsg(t, conn, &award); msg.Type != MsgAward {
		t.Fatalf("message = %s, want award", msg.Type)
	}
	if award.Award.XPGained != 15 || award.Progress.CurrentLevel != 1 {
		t.Errorf("award = %+v", award)
	}
	var prog ProgressPayload
	if msg := readMsg(t, conn, &prog); msg.Type != MsgProgress {
		t.Fatalf("message = %s, want progress", msg.Type)
	}
}

func TestCheckOrigin(t *testing.T) {
	s := NewServer(nil, nil, nil, []string{"https://nomo.app"}, "")
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://nomo.app", true},
		{"https://evil.example", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := s.checkOrigin(r); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}

	local := NewServer(nil, nil, nil, nil, "")
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "http://localhost:5173")
	if !local.checkOrigin(r) {
		t.Error("localhost origin should be allowed by default")
	}
}

func TestWS_RefusedConnectionGetsErrorFrame(t *testing.T) {
	engine, _ := progression.New(progression.Options{Tables: content.Default(), Storage: storage.NewMemoryKV()})
	b := NewBroadcaster(engine, time.Hour, 1)
	srv := httptest.NewServer(NewServer(engine, nil, b, nil, "").Handler())
	defer srv.Close()
	defer b.Stop()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	first, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()
	readMsg(t, first, nil)

	second, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()

	var p ErrorPayload
	if msg := readMsg(t, second, &p); msg.Type != MsgError {
		t.Fatalf("message = %s, want error", msg.Type)
	}
	if p.Message != ErrTooManyConnections.Error() {
		t.Errorf("error message = %q", p.Message)
	}
}
