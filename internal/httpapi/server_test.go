package httpapi

import (
	"bytes"
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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ordermesh/backend-core/internal/authn"
	"github.com/ordermesh/backend-core/internal/breaker"
	"github.com/ordermesh/backend-core/internal/config"
	"github.com/ordermesh/backend-core/internal/credstore"
	"github.com/ordermesh/backend-core/internal/dlq"
	"github.com/ordermesh/backend-core/internal/eventbus"
	"github.com/ordermesh/backend-core/internal/metrics"
)

// fakePublisher satisfies dlq.Publisher without a broker.
type fakePublisher struct {
	fail   bool
	topics []string
}

func (f *fakePublisher) Publish(_ context.Context, topic string, _ *eventbus.Envelope) error {
	if f.fail {
		return errors.New("broker down")
	}
	f.topics = append(f.topics, topic)
	return nil
}

func (f *fakePublisher) PublishWithHeaders(ctx context.Context, topic string, env *eventbus.Envelope, _ map[string]string) error {
	return f.Publish(ctx, topic, env)
}

type fixture struct {
	srv   *Server
	users *credstore.MemoryStore
	store *dlq.MemoryStore
	pub   *fakePublisher
	ts    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.AuthConfig{
		LocalIssuerEnabled: true,
		LocalIssuer:        "https://auth.internal.test",
		HMACSecret:         "0123456789abcdef0123456789abcdef",
		ClockSkewSeconds:   30,
		AccessLifetime:     config.Duration(15 * time.Minute),
		RefreshLifetime:    config.Duration(24 * time.Hour),
	}
	issuer, err := authn.NewIssuer(cfg, nil)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	pipeline, err := authn.NewPipeline(cfg, issuer, nil, nil)
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}

	users := credstore.NewMemoryStore()
	if _, err := users.Add("duong", "password123"); err != nil {
		t.Fatalf("Add(duong) error = %v", err)
	}
	if _, err := users.Add("root", "admin-password-1", "admin"); err != nil {
		t.Fatalf("Add(root) error = %v", err)
	}

	store := dlq.NewMemoryStore()
	pub := &fakePublisher{}
	reg := prometheus.NewRegistry()

	srv := &Server{
		Credentials:    users,
		Issuer:         issuer,
		Rotator:        authn.NewRotator(issuer, nil, users.Authorities, nil),
		Pipeline:       pipeline,
		DeadLetters:    dlq.NewSink(store, pub, dlq.SinkOptions{}),
		Breakers:       breaker.NewRegistry(config.BreakerConfig{}, nil),
		Metrics:        metrics.New("ordermesh", "authsvc", reg),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return &fixture{srv: srv, users: users, store: store, pub: pub, ts: ts}
}

// postJSON posts a JSON body and returns the response with its body read.
func postJSON(t *testing.T, url string, body any) (*http.Response, []byte) {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

// get performs a GET with optional bearer token.
func get(t *testing.T, url, token string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

// grant runs the password grant and returns the token pair.
func grant(t *testing.T, f *fixture, username, password string) tokenResponse {
	t.Helper()
	resp, data := postJSON(t, f.ts.URL+"/v1/auth/token", tokenRequest{Username: username, Password: password})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("password grant status = %d, body %s", resp.StatusCode, data)
	}
	var pair tokenResponse
	if err := json.Unmarshal(data, &pair); err != nil {
		t.Fatalf("decode pair: %v", err)
	}
	return pair
}

func TestPasswordGrantIssuesWorkingPair(t *testing.T) {
	f := newFixture(t)

	pair := grant(t, f, "duong", "password123")
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("pair = %+v", pair)
	}
	if pair.TokenType != "Bearer" {
		t.Fatalf("token_type = %q", pair.TokenType)
	}
	if pair.ExpiresIn <= 0 || pair.ExpiresIn > int64((15*time.Minute).Seconds()) {
		t.Fatalf("expires_in = %d", pair.ExpiresIn)
	}

	resp, data := get(t, f.ts.URL+"/v1/auth/verify", pair.AccessToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d, body %s", resp.StatusCode, data)
	}
	var v verifyResponse
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode verify: %v", err)
	}
	if v.Subject == "" {
		t.Fatal("verify returned empty subject")
	}
	if v.TokenType != string(authn.TokenTypeLocal) {
		t.Fatalf("tokenType = %q", v.TokenType)
	}
	found := false
	for _, a := range v.Authorities {
		if a == authn.RoleUser {
			found = true
		}
	}
	if !found {
		t.Fatalf("authorities = %v, want %s", v.Authorities, authn.RoleUser)
	}
}

func TestPasswordGrantRejectsBadCredentials(t *testing.T) {
	f := newFixture(t)

	resp, data := postJSON(t, f.ts.URL+"/v1/auth/token", tokenRequest{Username: "duong", Password: "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, body %s", resp.StatusCode, data)
	}
	var e errorResponse
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if e.Error != "bad_credentials" {
		t.Fatalf("error kind = %q", e.Error)
	}

	// Unknown users read the same as wrong passwords.
	resp, _ = postJSON(t, f.ts.URL+"/v1/auth/token", tokenRequest{Username: "nobody", Password: "whatever"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unknown user status = %d", resp.StatusCode)
	}
}

func TestPasswordGrantValidatesBody(t *testing.T) {
	f := newFixture(t)

	resp, _ := postJSON(t, f.ts.URL+"/v1/auth/token", tokenRequest{Username: "duong"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing password status = %d", resp.StatusCode)
	}

	raw, err := http.Post(f.ts.URL+"/v1/auth/token", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	raw.Body.Close()
	if raw.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d", raw.StatusCode)
	}
}

func TestRefreshRotationAndReuseDetection(t *testing.T) {
	f := newFixture(t)

	pair := grant(t, f, "duong", "password123")

	// First rotation succeeds and yields a new pair.
	resp, data := postJSON(t, f.ts.URL+"/v1/auth/refresh", refreshRequest{RefreshToken: pair.RefreshToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d, body %s", resp.StatusCode, data)
	}
	var next tokenResponse
	if err := json.Unmarshal(data, &next); err != nil {
		t.Fatalf("decode refresh: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("rotation returned the same refresh token")
	}

	// The new access token verifies.
	if resp, _ := get(t, f.ts.URL+"/v1/auth/verify", next.AccessToken); resp.StatusCode != http.StatusOK {
		t.Fatalf("verify rotated access = %d", resp.StatusCode)
	}

	// Replaying the consumed token is reuse: rejected, and the whole
	// family goes down with it.
	resp, data = postJSON(t, f.ts.URL+"/v1/auth/refresh", refreshRequest{RefreshToken: pair.RefreshToken})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replay status = %d, body %s", resp.StatusCode, data)
	}
	var e errorResponse
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if e.Error != "invalid_refresh" {
		t.Fatalf("error kind = %q", e.Error)
	}

	resp, _ = postJSON(t, f.ts.URL+"/v1/auth/refresh", refreshRequest{RefreshToken: next.RefreshToken})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("burned family refresh status = %d", resp.StatusCode)
	}
}

func TestRevokeBlocksRefresh(t *testing.T) {
	f := newFixture(t)

	pair := grant(t, f, "duong", "password123")

	resp, _ := postJSON(t, f.ts.URL+"/v1/auth/revoke", refreshRequest{RefreshToken: pair.RefreshToken})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke status = %d", resp.StatusCode)
	}

	resp, _ = postJSON(t, f.ts.URL+"/v1/auth/refresh", refreshRequest{RefreshToken: pair.RefreshToken})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("refresh after revoke status = %d", resp.StatusCode)
	}
}

func TestVerifyRejectsMissingAndGarbageTokens(t *testing.T) {
	f := newFixture(t)

	resp, _ := get(t, f.ts.URL+"/v1/auth/verify", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", resp.StatusCode)
	}

	resp, _ = get(t, f.ts.URL+"/v1/auth/verify", "not.a.token")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d", resp.StatusCode)
	}
}

func TestAdminSurfaceRequiresAdminAuthority(t *testing.T) {
	f := newFixture(t)

	resp, _ := get(t, f.ts.URL+"/v1/dlq/stats", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", resp.StatusCode)
	}

	user := grant(t, f, "duong", "password123")
	resp, _ = get(t, f.ts.URL+"/v1/dlq/stats", user.AccessToken)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("plain user status = %d", resp.StatusCode)
	}

	admin := grant(t, f, "root", "admin-password-1")
	resp, data := get(t, f.ts.URL+"/v1/dlq/stats", admin.AccessToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin status = %d, body %s", resp.StatusCode, data)
	}
}

// parkEntry stores one open dead letter whose payload replays cleanly.
func parkEntry(t *testing.T, f *fixture, id, topic string, at time.Time) {
	t.Helper()
	env, err := eventbus.NewEnvelope("user.updated", "agg-"+id, map[string]string{"id": id})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	payload, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	e := &dlq.Entry{
		ID:           id,
		Topic:        topic,
		Payload:      payload,
		ErrorType:    "*errors.errorString",
		ErrorMessage: "downstream 503",
		Attempts:     3,
		FirstAttempt: at,
		LastAttempt:  at,
		Status:       dlq.StatusOpen,
		CreatedAt:    at,
	}
	if err := f.store.Append(context.Background(), e); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
}

func TestDLQAdminEndpoints(t *testing.T) {
	f := newFixture(t)
	admin := grant(t, f, "root", "admin-password-1")

	base := time.Now().UTC()
	parkEntry(t, f, "d1", "users", base)
	parkEntry(t, f, "d2", "users", base.Add(time.Millisecond))
	parkEntry(t, f, "d3", "orders", base.Add(2*time.Millisecond))

	resp, data := get(t, f.ts.URL+"/v1/dlq/stats", admin.AccessToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d", resp.StatusCode)
	}
	var stats dlq.Stats
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Open != 3 || stats.OpenByTopic["users"] != 2 {
		t.Fatalf("stats = %+v", stats)
	}

	// Page through entries with limit 2.
	resp, data = get(t, f.ts.URL+"/v1/dlq/entries?limit=2", admin.AccessToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("entries status = %d", resp.StatusCode)
	}
	var page dlqListResponse
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if page.Count != 2 || page.NextCursor == nil {
		t.Fatalf("page = %+v", page)
	}
	if page.Entries[0].ID != "d1" || page.Entries[1].ID != "d2" {
		t.Fatalf("page order = %s, %s", page.Entries[0].ID, page.Entries[1].ID)
	}

	resp, data = get(t, f.ts.URL+"/v1/dlq/entries?limit=2&cursor="+*page.NextCursor, admin.AccessToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second page status = %d", resp.StatusCode)
	}
	var second dlqListResponse
	if err := json.Unmarshal(data, &second); err != nil {
		t.Fatalf("decode second page: %v", err)
	}
	if second.Count != 1 || second.Entries[0].ID != "d3" {
		t.Fatalf("second page = %+v", second)
	}

	resp, _ = get(t, f.ts.URL+"/v1/dlq/entries?cursor=@@bad@@", admin.AccessToken)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad cursor status = %d", resp.StatusCode)
	}

	// Reprocess republishes and resolves.
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/v1/dlq/d1/reprocess", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+admin.AccessToken)
	rr, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST reprocess: %v", err)
	}
	body, _ := io.ReadAll(rr.Body)
	rr.Body.Close()
	if rr.StatusCode != http.StatusOK {
		t.Fatalf("reprocess status = %d, body %s", rr.StatusCode, body)
	}
	var entry dlq.Entry
	if err := json.Unmarshal(body, &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry.Status != dlq.StatusResolved || entry.ReprocessCount != 1 {
		t.Fatalf("entry after reprocess = %+v", entry)
	}
	if len(f.pub.topics) != 1 || f.pub.topics[0] != "users" {
		t.Fatalf("republished topics = %v", f.pub.topics)
	}

	// Unknown ids are a 404.
	req, _ = http.NewRequest(http.MethodPost, f.ts.URL+"/v1/dlq/missing/reprocess", nil)
	req.Header.Set("Authorization", "Bearer "+admin.AccessToken)
	rr, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST reprocess: %v", err)
	}
	rr.Body.Close()
	if rr.StatusCode != http.StatusNotFound {
		t.Fatalf("missing entry status = %d", rr.StatusCode)
	}
}

func TestDLQReprocessPublishFailure(t *testing.T) {
	f := newFixture(t)
	admin := grant(t, f, "root", "admin-password-1")
	parkEntry(t, f, "d1", "users", time.Now().UTC())
	f.pub.fail = true

	req, _ := http.NewRequest(http.MethodPost, f.ts.URL+"/v1/dlq/d1/reprocess", nil)
	req.Header.Set("Authorization", "Bearer "+admin.AccessToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST reprocess: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	// The entry stays open for another try.
	e, err := f.store.Get(context.Background(), "d1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if e.Status != dlq.StatusOpen || e.ReprocessCount != 1 {
		t.Fatalf("entry = %+v", e)
	}
}

func TestBreakerAndCacheStatsEndpoints(t *testing.T) {
	f := newFixture(t)
	admin := grant(t, f, "root", "admin-password-1")

	cb := f.srv.Breakers.Get("redis")
	if err := cb.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	resp, data := get(t, f.ts.URL+"/v1/admin/breakers", admin.AccessToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("breakers status = %d", resp.StatusCode)
	}
	var breakers map[string]breakerStatsEntry
	if err := json.Unmarshal(data, &breakers); err != nil {
		t.Fatalf("decode breakers: %v", err)
	}
	if st, ok := breakers["redis"]; !ok || st.State != "closed" || st.Calls != 1 {
		t.Fatalf("breakers = %+v", breakers)
	}

	// Nil cache reads as an empty stats object, not an error.
	resp, data = get(t, f.ts.URL+"/v1/admin/cache/stats", admin.AccessToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cache stats status = %d", resp.StatusCode)
	}
	if strings.TrimSpace(string(data)) != "{}" {
		t.Fatalf("cache stats body = %s", data)
	}
}

func TestTokenEndpointRateLimit(t *testing.T) {
	f := newFixture(t)
	f.srv.RateLimit = RateLimitConfig{WindowSeconds: 60, MaxRequests: 1, Burst: 2}
	ts := httptest.NewServer(f.srv.Routes())
	defer ts.Close()

	var last *http.Response
	for i := 0; i < 3; i++ {
		resp, _ := postJSON(t, ts.URL+"/v1/auth/token", tokenRequest{Username: "duong", Password: "wrong"})
		last = resp
	}
	if last.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", last.StatusCode)
	}
	if last.Header.Get("Retry-After") == "" {
		t.Fatal("429 without Retry-After")
	}
	if last.Header.Get("X-RateLimit-Limit") != "1" {
		t.Fatalf("X-RateLimit-Limit = %q", last.Header.Get("X-RateLimit-Limit"))
	}

	// The verify endpoint is outside the limited group.
	resp, _ := get(t, ts.URL+"/v1/auth/verify", "garbage")
	if resp.StatusCode == http.StatusTooManyRequests {
		t.Fatal("verify endpoint must not share the credential limiter")
	}
}

func TestCORSPreflightWhenConfigured(t *testing.T) {
	f := newFixture(t)
	f.srv.AllowedOrigins = []string{"https://app.example.com"}
	ts := httptest.NewServer(f.srv.Routes())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/v1/auth/token", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}

	// Unlisted origins get no CORS grant.
	req, _ = http.NewRequest(http.MethodOptions, ts.URL+"/v1/auth/token", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("Access-Control-Allow-Origin for unlisted origin = %q", got)
	}
}

func TestCorrelationIDEchoedOnResponses(t *testing.T) {
	f := newFixture(t)

	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Correlation-ID"); got != "corr-123" {
		t.Fatalf("echoed correlation id = %q", got)
	}

	resp, err = http.Get(f.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Correlation-ID") == "" {
		t.Fatal("no correlation id generated for bare request")
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	f := newFixture(t)

	resp, data := get(t, f.ts.URL+"/healthz", "")
	if resp.StatusCode != http.StatusOK || string(data) != "ok" {
		t.Fatalf("healthz = %d %q", resp.StatusCode, data)
	}

	// One grant so the auth series exist.
	grant(t, f, "duong", "password123")

	resp, data = get(t, f.ts.URL+"/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(data), "ordermesh_auth_requests_total") {
		t.Fatal("metrics exposition missing auth series")
	}
}
