package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flowpbx/pbxsignal/internal/api/middleware"
	"github.com/flowpbx/pbxsignal/internal/callcontrol"
	"github.com/flowpbx/pbxsignal/internal/database"
	"github.com/flowpbx/pbxsignal/internal/database/models"
	"github.com/flowpbx/pbxsignal/internal/history"
	"github.com/flowpbx/pbxsignal/internal/protocol"
	"github.com/flowpbx/pbxsignal/internal/queuecall"
)

var testSecret = []byte("api-test-secret")

const testControlKey = "control-key"

type fakeExtensions struct {
	byNumber map[string]*models.Extension
	err      error
}

func (f *fakeExtensions) Create(context.Context, *models.Extension) error { return nil }
func (f *fakeExtensions) GetByID(_ context.Context, id int64) (*models.Extension, error) {
	for _, e := range f.byNumber {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, f.err
}
func (f *fakeExtensions) GetByExtension(_ context.Context, ext string) (*models.Extension, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byNumber[ext], nil
}
func (f *fakeExtensions) ListByTenant(context.Context, int64) ([]models.Extension, error) {
	return nil, nil
}
func (f *fakeExtensions) SetPIN(context.Context, int64, string) error { return nil }

type fakeHistory struct {
	records []history.Record
	gotExt  string
	gotLim  int
}

func (f *fakeHistory) Save(context.Context, *history.Record) error { return nil }
func (f *fakeHistory) RecentForExtension(_ context.Context, _ int64, ext string, limit int) ([]history.Record, error) {
	f.gotExt, f.gotLim = ext, limit
	return f.records, nil
}

type fakePresence struct {
	entries []protocol.PresenceEntry
	tenant  int64
	exclude string
}

func (f *fakePresence) Snapshot(_ context.Context, tenantID int64, excluding string) ([]protocol.PresenceEntry, error) {
	f.tenant, f.exclude = tenantID, excluding
	return f.entries, nil
}

type fakeQueueCalls struct {
	offered   []queuecall.OfferRequest
	offerErr  error
	connected []string
	ended     map[string]protocol.Reason
	known     map[string]queuecall.Info
}

func (f *fakeQueueCalls) Offer(req queuecall.OfferRequest) (queuecall.Info, error) {
	if f.offerErr != nil {
		return queuecall.Info{}, f.offerErr
	}
	f.offered = append(f.offered, req)
	return queuecall.Info{
		ID:        req.QueueCallID,
		Handle:    req.Handle,
		QueueID:   req.QueueID,
		State:     queuecall.StateOffered,
		Remaining: req.Candidates,
		CreatedAt: time.Now(),
	}, nil
}

func (f *fakeQueueCalls) ExternalConnected(id string) error {
	info, ok := f.known[id]
	if !ok {
		return queuecall.ErrNotFound
	}
	if info.State == queuecall.StateOffered {
		return queuecall.ErrInvalidState
	}
	f.connected = append(f.connected, id)
	return nil
}

func (f *fakeQueueCalls) ExternalEnded(id string, reason protocol.Reason) error {
	if _, ok := f.known[id]; !ok {
		return queuecall.ErrNotFound
	}
	f.ended[id] = reason
	return nil
}

func (f *fakeQueueCalls) Lookup(id string) (queuecall.Info, bool) {
	info, ok := f.known[id]
	return info, ok
}

type testServer struct {
	srv      *Server
	exts     *fakeExtensions
	history  *fakeHistory
	presence *fakePresence
	queue    *fakeQueueCalls
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	hash, err := database.HashPIN("4321")
	if err != nil {
		t.Fatalf("HashPIN: %v", err)
	}
	ts := &testServer{
		exts: &fakeExtensions{byNumber: map[string]*models.Extension{
			"101": {ID: 1, TenantID: 1, Extension: "101", Name: "Alice", PINHash: hash, Enabled: true},
			"102": {ID: 2, TenantID: 1, Extension: "102", Name: "Bob", PINHash: hash, Enabled: false},
			"103": {ID: 3, TenantID: 1, Extension: "103", Name: "Carol", Enabled: true},
		}},
		history:  &fakeHistory{},
		presence: &fakePresence{},
		queue: &fakeQueueCalls{
			ended: make(map[string]protocol.Reason),
			known: map[string]queuecall.Info{
				"q-offered": {ID: "q-offered", State: queuecall.StateOffered},
				"q-taken":   {ID: "q-taken", State: queuecall.StateTaken, Taker: "101", Remaining: []string{"101"}},
			},
		},
	}
	ts.srv = NewServer(Deps{
		Extensions:     ts.exts,
		History:        ts.history,
		Presence:       ts.presence,
		QueueCalls:     ts.queue,
		Metrics:        http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "# metrics\n") }),
		JWTSecret:      testSecret,
		CallControlKey: testControlKey,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = "192.0.2.10:5555"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.srv.ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder, data any) envelope {
	t.Helper()
	var raw struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decoding body %q: %v", w.Body.String(), err)
	}
	if data != nil && len(raw.Data) > 0 {
		if err := json.Unmarshal(raw.Data, data); err != nil {
			t.Fatalf("decoding data: %v", err)
		}
	}
	return envelope{Error: raw.Error}
}

func bearer(t *testing.T, id int64, ext string, tenant int64) map[string]string {
	t.Helper()
	tok, _, err := middleware.GenerateAppToken(testSecret, id, ext, tenant)
	if err != nil {
		t.Fatalf("GenerateAppToken: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + tok}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(http.MethodGet, "/api/v1/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got map[string]string
	decodeEnvelope(t, w, &got)
	if got["status"] != "ok" {
		t.Errorf("status = %q, want ok", got["status"])
	}
}

func TestIssueToken(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/api/v1/auth/token", `{"extension":"101","pin":"4321"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp tokenResponse
	decodeEnvelope(t, w, &resp)
	if resp.Extension != "101" || resp.DisplayName != "Alice" {
		t.Errorf("response = %+v", resp)
	}
	claims, err := middleware.ParseAppToken(testSecret, resp.Token)
	if err != nil {
		t.Fatalf("ParseAppToken: %v", err)
	}
	if claims.ExtensionID != 1 || claims.Extension != "101" || claims.TenantID != 1 {
		t.Errorf("claims = %+v", claims)
	}
	if _, err := time.Parse(time.RFC3339, resp.ExpiresAt); err != nil {
		t.Errorf("expires_at %q: %v", resp.ExpiresAt, err)
	}
}

func TestIssueToken_Rejected(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"wrong pin", `{"extension":"101","pin":"0000"}`, http.StatusUnauthorized},
		{"disabled", `{"extension":"102","pin":"4321"}`, http.StatusUnauthorized},
		{"no pin set", `{"extension":"103","pin":"4321"}`, http.StatusUnauthorized},
		{"unknown", `{"extension":"199","pin":"4321"}`, http.StatusUnauthorized},
		{"bad extension", `{"extension":"abc","pin":"4321"}`, http.StatusBadRequest},
		{"missing pin", `{"extension":"101"}`, http.StatusBadRequest},
		{"unknown field", `{"extension":"101","pin":"4321","admin":true}`, http.StatusBadRequest},
		{"empty body", ``, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			w := ts.do(http.MethodPost, "/api/v1/auth/token", tt.body, nil)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.status, w.Body.String())
			}
			if env := decodeEnvelope(t, w, nil); env.Error == "" {
				t.Error("expected error message")
			}
		})
	}
}

func TestIssueToken_LookupFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.exts.err = errors.New("database is locked")
	w := ts.do(http.MethodPost, "/api/v1/auth/token", `{"extension":"101","pin":"4321"}`, nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestIssueToken_RateLimited(t *testing.T) {
	ts := newTestServer(t)
	burst := middleware.AuthRateLimitConfig().Burst
	var last int
	for i := 0; i <= burst; i++ {
		last = ts.do(http.MethodPost, "/api/v1/auth/token", `{"extension":"abc","pin":"1"}`, nil).Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("status after %d requests = %d, want 429", burst+1, last)
	}
}

func TestPresence(t *testing.T) {
	ts := newTestServer(t)
	ts.presence.entries = []protocol.PresenceEntry{
		{ExtensionID: "102", DisplayName: "Bob", Status: protocol.StatusAvailable},
	}

	w := ts.do(http.MethodGet, "/api/v1/presence", "", bearer(t, 1, "101", 7))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp presenceResponse
	decodeEnvelope(t, w, &resp)
	if len(resp.Extensions) != 1 || resp.Extensions[0].ExtensionID != "102" {
		t.Errorf("extensions = %+v", resp.Extensions)
	}
	if ts.presence.tenant != 7 || ts.presence.exclude != "101" {
		t.Errorf("snapshot called with tenant %d excluding %q", ts.presence.tenant, ts.presence.exclude)
	}
}

func TestPresence_EmptyIsArray(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(http.MethodGet, "/api/v1/presence", "", bearer(t, 1, "101", 1))
	if !strings.Contains(w.Body.String(), `"extensions":[]`) {
		t.Errorf("body = %s, want empty extensions array", w.Body.String())
	}
}

func TestAppEndpointsRequireAuth(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/api/v1/presence", "/api/v1/app/history"} {
		if w := ts.do(http.MethodGet, path, "", nil); w.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: status = %d, want 401", path, w.Code)
		}
		h := map[string]string{"Authorization": "Bearer nope"}
		if w := ts.do(http.MethodGet, path, "", h); w.Code != http.StatusUnauthorized {
			t.Errorf("%s with bad token: status = %d, want 401", path, w.Code)
		}
	}
}

func TestHistory(t *testing.T) {
	ts := newTestServer(t)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	answered := start.Add(5 * time.Second)
	ts.history.records = []history.Record{
		{CallID: "c1", Kind: history.KindDirect, Caller: "101", Callee: "102",
			StartedAt: start, AnsweredAt: &answered, EndedAt: answered.Add(90 * time.Second), EndReason: "hangup"},
		{CallID: "q1", Kind: history.KindQueue, Caller: "+15550100", Callee: "101", QueueID: "sales",
			StartedAt: start, EndedAt: start.Add(30 * time.Second), EndReason: "timeout"},
	}

	w := ts.do(http.MethodGet, "/api/v1/app/history?limit=10", "", bearer(t, 1, "101", 1))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var items []historyResponse
	decodeEnvelope(t, w, &items)
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if items[0].Direction != "outgoing" || items[0].DurationSeconds != 90 || items[0].AnsweredAt == nil {
		t.Errorf("direct item = %+v", items[0])
	}
	if items[1].Direction != "incoming" || items[1].QueueID != "sales" || items[1].AnsweredAt != nil {
		t.Errorf("queue item = %+v", items[1])
	}
	if ts.history.gotExt != "101" || ts.history.gotLim != 10 {
		t.Errorf("store called with %q limit %d", ts.history.gotExt, ts.history.gotLim)
	}

	if w := ts.do(http.MethodGet, "/api/v1/app/history?limit=x", "", bearer(t, 1, "101", 1)); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", w.Code)
	}
}

func TestHistory_Disabled(t *testing.T) {
	srv := NewServer(Deps{
		Extensions: &fakeExtensions{},
		Presence:   &fakePresence{},
		QueueCalls: &fakeQueueCalls{},
		JWTSecret:  testSecret,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	defer srv.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/app/history", nil)
	for k, v := range bearer(t, 1, "101", 1) {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestQueueCalls_RequireAPIKey(t *testing.T) {
	ts := newTestServer(t)
	body := `{"handle":"h1","candidates":["101"]}`
	if w := ts.do(http.MethodPost, "/api/v1/queue-calls", body, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", w.Code)
	}
	wrong := map[string]string{callcontrol.APIKeyHeader: "wrong"}
	if w := ts.do(http.MethodPost, "/api/v1/queue-calls", body, wrong); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", w.Code)
	}
	if len(ts.queue.offered) != 0 {
		t.Errorf("offer reached the bridge without a key")
	}
}

func TestOfferQueueCall(t *testing.T) {
	ts := newTestServer(t)
	key := map[string]string{callcontrol.APIKeyHeader: testControlKey}

	body := `{"queue_call_id":"q1","handle":"carrier-7","queue_id":"sales","caller_number":"+15550100","candidates":["101","103"],"tenant_id":1}`
	w := ts.do(http.MethodPost, "/api/v1/queue-calls", body, key)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp queueCallResponse
	decodeEnvelope(t, w, &resp)
	if resp.ID != "q1" || resp.State != "offered" || len(resp.Remaining) != 2 {
		t.Errorf("response = %+v", resp)
	}
	if len(ts.queue.offered) != 1 || ts.queue.offered[0].TenantID != 1 || ts.queue.offered[0].CallerNumber != "+15550100" {
		t.Errorf("offered = %+v", ts.queue.offered)
	}

	invalid := map[string]string{
		"missing handle":    `{"candidates":["101"]}`,
		"no candidates":     `{"handle":"h","candidates":[]}`,
		"bad candidate":     `{"handle":"h","candidates":["10a"]}`,
		"control chars":     `{"handle":"h","caller_number":"\u0007","candidates":["101"]}`,
		"unknown field":     `{"handle":"h","candidates":["101"],"priority":1}`,
		"malformed":         `{"handle":`,
		"candidates string": `{"handle":"h","candidates":"101"}`,
	}
	for name, body := range invalid {
		if w := ts.do(http.MethodPost, "/api/v1/queue-calls", body, key); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, w.Code)
		}
	}

	ts.queue.offerErr = queuecall.ErrDuplicate
	if w := ts.do(http.MethodPost, "/api/v1/queue-calls", body, key); w.Code != http.StatusConflict {
		t.Errorf("duplicate: status = %d, want 409", w.Code)
	}
	ts.queue.offerErr = errors.New("boom")
	if w := ts.do(http.MethodPost, "/api/v1/queue-calls", body, key); w.Code != http.StatusInternalServerError {
		t.Errorf("internal: status = %d, want 500", w.Code)
	}
}

func TestQueueCallEvents(t *testing.T) {
	ts := newTestServer(t)
	key := map[string]string{callcontrol.APIKeyHeader: testControlKey}

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"connected", "/api/v1/queue-calls/q-taken/connected", "", http.StatusNoContent},
		{"connected before accept", "/api/v1/queue-calls/q-offered/connected", "", http.StatusConflict},
		{"connected unknown", "/api/v1/queue-calls/nope/connected", "", http.StatusNotFound},
		{"ended default reason", "/api/v1/queue-calls/q-offered/ended", "", http.StatusNoContent},
		{"ended with reason", "/api/v1/queue-calls/q-taken/ended", `{"reason":"timeout"}`, http.StatusNoContent},
		{"ended bad reason", "/api/v1/queue-calls/q-taken/ended", `{"reason":"exploded"}`, http.StatusBadRequest},
		{"ended unknown", "/api/v1/queue-calls/nope/ended", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(http.MethodPost, tt.path, tt.body, key)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.status, w.Body.String())
			}
		})
	}

	if len(ts.queue.connected) != 1 || ts.queue.connected[0] != "q-taken" {
		t.Errorf("connected = %v", ts.queue.connected)
	}
	if r, ok := ts.queue.ended["q-offered"]; !ok || r != "" {
		t.Errorf("q-offered ended reason = %q (%v), want empty", r, ok)
	}
	if ts.queue.ended["q-taken"] != protocol.ReasonTimeout {
		t.Errorf("q-taken ended reason = %q, want timeout", ts.queue.ended["q-taken"])
	}
}

func TestGetQueueCall(t *testing.T) {
	ts := newTestServer(t)
	key := map[string]string{callcontrol.APIKeyHeader: testControlKey}

	w := ts.do(http.MethodGet, "/api/v1/queue-calls/q-taken", "", key)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp queueCallResponse
	decodeEnvelope(t, w, &resp)
	if resp.State != "taken" || resp.Taker != "101" {
		t.Errorf("response = %+v", resp)
	}

	if w := ts.do(http.MethodGet, "/api/v1/queue-calls/nope", "", key); w.Code != http.StatusNotFound {
		t.Errorf("unknown: status = %d, want 404", w.Code)
	}
}

func TestMetricsMounted(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "# metrics") {
		t.Errorf("metrics: status %d body %q", w.Code, w.Body.String())
	}
}
