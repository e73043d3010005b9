package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apiguard/internal/audit"
	"apiguard/internal/auth"
	"apiguard/internal/models"
	"apiguard/internal/ratelimit"
)

const testRawKey = "ag_test_0123456789abcdef0123456789abcdef"

type testEnv struct {
	store    *auth.InMemoryCredentialStore
	resolver *auth.Resolver
	sink     *audit.MemorySink
	auditor  *audit.Auditor
	mr       *miniredis.Miniredis
	key      *models.APIKey
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	store := auth.NewInMemoryCredentialStore()
	key := store.Add(testRawKey, models.APIKey{Name: "test", Active: true})
	sink := audit.NewMemorySink(0)

	return &testEnv{
		store:    store,
		resolver: auth.NewResolver(store),
		sink:     sink,
		auditor:  audit.NewAuditor(sink),
		mr:       mr,
		key:      key,
	}
}

func (e *testEnv) limiter(client *redis.Client, table *ratelimit.PolicyTable, opts ...ratelimit.Option) ratelimit.Limiter {
	return ratelimit.NewFixedWindowLimiter(ratelimit.NewRedisCounter(client), table, opts...)
}

func (e *testEnv) redisClient(t *testing.T) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: e.mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

// records waits for pending audit writes and returns what was recorded.
func (e *testEnv) records(t *testing.T) []*models.RequestStat {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.auditor.Close(ctx))
	e.resolver.Wait()
	return e.sink.Records()
}

func authedRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+testRawKey)
	return req
}

func okHandler(w http.ResponseWriter, r *http.Request, key *models.APIKey) error {
	w.WriteHeader(http.StatusOK)
	_, err := w.Write([]byte(`{"ok":true}`))
	return err
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestDispatcher_Success(t *testing.T) {
	env := newTestEnv(t)
	d := NewDispatcher(env.resolver, env.limiter(env.redisClient(t), nil), env.auditor)

	var seen *models.APIKey
	var fromCtx *models.APIKey
	h := d.WrapRoute("/api/v1/me", func(w http.ResponseWriter, r *http.Request, key *models.APIKey) error {
		seen = key
		fromCtx, _ = GetAPIKey(r.Context())
		return okHandler(w, r, key)
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/me"))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, env.key.ID, seen.ID)
	assert.Equal(t, seen, fromCtx)
	assert.Equal(t, "1000", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "999", rec.Header().Get("X-RateLimit-Remaining"))

	records := env.records(t)
	require.Len(t, records, 1)
	stat := records[0]
	require.NotNil(t, stat.APIKeyID)
	assert.Equal(t, env.key.ID, *stat.APIKeyID)
	assert.Equal(t, "/api/v1/me", stat.Route)
	assert.Equal(t, http.StatusOK, stat.StatusCode)
	assert.Nil(t, stat.ErrorKind)
	require.NotNil(t, stat.ResponseSize)
	assert.Equal(t, int64(len(`{"ok":true}`)), *stat.ResponseSize)
}

func TestDispatcher_InvalidKeyIsNotAudited(t *testing.T) {
	env := newTestEnv(t)
	d := NewDispatcher(env.resolver, env.limiter(env.redisClient(t), nil), env.auditor)

	called := false
	h := d.Wrap(func(w http.ResponseWriter, r *http.Request, key *models.APIKey) error {
		called = true
		return nil
	})

	for _, header := range []string{"", "Bearer wrongtoken", "Basic abc", "Bearer "} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code, header)
		assert.Equal(t, map[string]string{"error": "Invalid API key"}, decodeBody(t, rec))
	}

	assert.False(t, called)
	assert.Empty(t, env.records(t))
	assert.Empty(t, env.mr.Keys(), "no counter should be touched before authentication")
}

func TestDispatcher_InactiveAndExpiredKeys(t *testing.T) {
	env := newTestEnv(t)
	past := time.Now().Add(-time.Minute)
	env.store.Add("ag_expired_key", models.APIKey{Active: true, ExpiresAt: &past})
	inactive := env.store.Add("ag_inactive_key", models.APIKey{Active: true})
	env.store.Deactivate(inactive.ID)

	d := NewDispatcher(env.resolver, nil, env.auditor)
	h := d.Wrap(okHandler)

	for _, raw := range []string{"ag_expired_key", "ag_inactive_key"} {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("Authorization", "Bearer "+raw)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, raw)
	}
	assert.Empty(t, env.records(t))
}

type failingStore struct{}

func (failingStore) FindActiveByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	return nil, errors.New("connection refused")
}

func (failingStore) TouchLastUsed(ctx context.Context, id uuid.UUID) error {
	return nil
}

func TestDispatcher_StoreUnavailableIs401(t *testing.T) {
	sink := audit.NewMemorySink(0)
	auditor := audit.NewAuditor(sink)
	d := NewDispatcher(auth.NewResolver(failingStore{}), nil, auditor)

	rec := httptest.NewRecorder()
	d.Wrap(okHandler).ServeHTTP(rec, authedRequest(http.MethodGet, "/x"))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, map[string]string{"error": "Invalid API key"}, decodeBody(t, rec))
	require.NoError(t, auditor.Close(context.Background()))
	assert.Zero(t, sink.Len())
}

func TestDispatcher_RateLimitWindow(t *testing.T) {
	env := newTestEnv(t)
	table := ratelimit.NewPolicyTable(ratelimit.Policy{Requests: 2, Window: 60 * time.Second}, nil)
	d := NewDispatcher(env.resolver, env.limiter(env.redisClient(t), table), env.auditor)
	h := d.WrapRoute("/api/v1/me", okHandler)

	call := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/me"))
		return rec
	}

	assert.Equal(t, http.StatusOK, call().Code)
	assert.Equal(t, http.StatusOK, call().Code)

	rejected := call()
	assert.Equal(t, http.StatusTooManyRequests, rejected.Code)
	assert.Equal(t, "60", rejected.Header().Get("Retry-After"))
	assert.Equal(t, "0", rejected.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, map[string]string{
		"error":   "Rate limit exceeded",
		"message": "Too many requests, please try again later",
	}, decodeBody(t, rejected))

	env.mr.FastForward(61 * time.Second)
	assert.Equal(t, http.StatusOK, call().Code)

	records := env.records(t)
	require.Len(t, records, 4)
	var limited int
	for _, r := range records {
		if r.StatusCode == http.StatusTooManyRequests {
			limited++
			require.NotNil(t, r.ErrorKind)
			assert.Equal(t, audit.KindRateLimitExceeded, *r.ErrorKind)
		}
	}
	assert.Equal(t, 1, limited)
}

func TestDispatcher_OverrideRaisesLimit(t *testing.T) {
	env := newTestEnv(t)
	table := ratelimit.NewPolicyTable(ratelimit.Policy{Requests: 1, Window: time.Minute}, nil)
	d := NewDispatcher(env.resolver, env.limiter(env.redisClient(t), table), env.auditor)
	h := d.WrapRoute("/r", okHandler)

	override := 3
	env.store.Add("ag_override_key", models.APIKey{Active: true, RateLimit: &override})
	call := func() int {
		req := httptest.NewRequest(http.MethodGet, "/r", nil)
		req.Header.Set("Authorization", "Bearer ag_override_key")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, call(), "call %d", i+1)
	}
	assert.Equal(t, http.StatusTooManyRequests, call())

	// The base key still gets the policy limit.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodGet, "/r"))
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodGet, "/r"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	env.records(t)
}

func TestDispatcher_FailClosedLimiter(t *testing.T) {
	env := newTestEnv(t)
	client := env.redisClient(t)
	d := NewDispatcher(env.resolver, env.limiter(client, nil, ratelimit.WithFailClosed()), env.auditor)
	env.mr.Close()

	called := false
	rec := httptest.NewRecorder()
	d.WrapRoute("/r", func(w http.ResponseWriter, r *http.Request, key *models.APIKey) error {
		called = true
		return nil
	}).ServeHTTP(rec, authedRequest(http.MethodGet, "/r"))

	assert.False(t, called)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, map[string]string{"error": "Internal server error"}, decodeBody(t, rec))

	records := env.records(t)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].ErrorKind)
	assert.Equal(t, audit.KindUpstreamUnavailable, *records[0].ErrorKind)
}

func TestDispatcher_FailOpenLimiter(t *testing.T) {
	env := newTestEnv(t)
	d := NewDispatcher(env.resolver, env.limiter(env.redisClient(t), nil), env.auditor)
	env.mr.Close()

	rec := httptest.NewRecorder()
	d.WrapRoute("/r", okHandler).ServeHTTP(rec, authedRequest(http.MethodGet, "/r"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Remaining"))
	assert.Len(t, env.records(t), 1)
}

func TestDispatcher_HandlerError(t *testing.T) {
	env := newTestEnv(t)

	var handled error
	d := NewDispatcher(env.resolver, nil, env.auditor,
		WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
			handled = err
			DefaultErrorHandler(w, r, err)
		}))

	boom := errors.New("backend exploded")
	rec := httptest.NewRecorder()
	d.WrapRoute("/r", func(w http.ResponseWriter, r *http.Request, key *models.APIKey) error {
		return boom
	}).ServeHTTP(rec, authedRequest(http.MethodGet, "/r"))

	assert.Same(t, boom, handled)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, map[string]string{"error": "Internal server error"}, decodeBody(t, rec))

	records := env.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, http.StatusInternalServerError, records[0].StatusCode)
	require.NotNil(t, records[0].ErrorMessage)
	assert.Equal(t, "backend exploded", *records[0].ErrorMessage)
	assert.Equal(t, audit.KindHandlerError, *records[0].ErrorKind)
}

func TestDispatcher_HandlerRateLimitError(t *testing.T) {
	env := newTestEnv(t)
	d := NewDispatcher(env.resolver, nil, env.auditor)

	rec := httptest.NewRecorder()
	d.WrapRoute("/r", func(w http.ResponseWriter, r *http.Request, key *models.APIKey) error {
		return &ratelimit.LimitError{Decision: ratelimit.Decision{Limit: 5, Window: time.Hour, RetryAfter: time.Hour}}
	}).ServeHTTP(rec, authedRequest(http.MethodGet, "/r"))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3600", rec.Header().Get("Retry-After"))

	records := env.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, http.StatusTooManyRequests, records[0].StatusCode)
	assert.Equal(t, audit.KindRateLimitExceeded, *records[0].ErrorKind)
}

func TestDispatcher_BareRateLimitErrorGetsRetryAfter(t *testing.T) {
	env := newTestEnv(t)
	table := ratelimit.NewPolicyTable(ratelimit.DefaultPolicy, map[string]ratelimit.Policy{
		"/r": {Requests: 10, Window: 90 * time.Second},
	})
	d := NewDispatcher(env.resolver, env.limiter(env.redisClient(t), table), env.auditor)

	rec := httptest.NewRecorder()
	d.WrapRoute("/r", func(w http.ResponseWriter, r *http.Request, key *models.APIKey) error {
		return fmt.Errorf("quota: %w", ratelimit.ErrRateLimited)
	}).ServeHTTP(rec, authedRequest(http.MethodGet, "/r"))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "90", rec.Header().Get("Retry-After"))

	records := env.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, audit.KindRateLimitExceeded, *records[0].ErrorKind)
}

func TestDefaultErrorHandler_BareRateLimitError(t *testing.T) {
	rec := httptest.NewRecorder()
	DefaultErrorHandler(rec, httptest.NewRequest(http.MethodGet, "/r", nil), ratelimit.ErrRateLimited)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3600", rec.Header().Get("Retry-After"))
}

func TestDispatcher_HandlerErrorAfterWrite(t *testing.T) {
	env := newTestEnv(t)
	d := NewDispatcher(env.resolver, nil, env.auditor)

	rec := httptest.NewRecorder()
	d.WrapRoute("/r", func(w http.ResponseWriter, r *http.Request, key *models.APIKey) error {
		w.WriteHeader(http.StatusAccepted)
		return errors.New("late failure")
	}).ServeHTTP(rec, authedRequest(http.MethodGet, "/r"))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())

	records := env.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, http.StatusAccepted, records[0].StatusCode)
	assert.Equal(t, "late failure", *records[0].ErrorMessage)
}

func TestDispatcher_PanicIsAuditedAndRethrown(t *testing.T) {
	env := newTestEnv(t)
	d := NewDispatcher(env.resolver, nil, env.auditor)
	h := d.WrapRoute("/r", func(w http.ResponseWriter, r *http.Request, key *models.APIKey) error {
		panic("boom")
	})

	assert.PanicsWithValue(t, "boom", func() {
		h.ServeHTTP(httptest.NewRecorder(), authedRequest(http.MethodGet, "/r"))
	})

	records := env.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, http.StatusInternalServerError, records[0].StatusCode)
	assert.Equal(t, audit.KindHandlerPanic, *records[0].ErrorKind)
	assert.Equal(t, "panic: boom", *records[0].ErrorMessage)
}

func TestDispatcher_ClientClosedRequest(t *testing.T) {
	env := newTestEnv(t)
	d := NewDispatcher(env.resolver, nil, env.auditor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := authedRequest(http.MethodGet, "/r").WithContext(ctx)

	d.WrapRoute("/r", func(w http.ResponseWriter, r *http.Request, key *models.APIKey) error {
		cancel()
		return nil
	}).ServeHTTP(httptest.NewRecorder(), req)

	records := env.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, audit.StatusClientClosedRequest, records[0].StatusCode)
	assert.Equal(t, audit.KindClientClosedRequest, *records[0].ErrorKind)
}

func TestDispatcher_CancelAfterCommitKeepsStatus(t *testing.T) {
	env := newTestEnv(t)
	d := NewDispatcher(env.resolver, nil, env.auditor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := authedRequest(http.MethodGet, "/r").WithContext(ctx)

	d.WrapRoute("/r", func(w http.ResponseWriter, r *http.Request, key *models.APIKey) error {
		err := okHandler(w, r, key)
		cancel()
		return err
	}).ServeHTTP(httptest.NewRecorder(), req)

	records := env.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, http.StatusOK, records[0].StatusCode)
	assert.Nil(t, records[0].ErrorKind)
}

func TestDispatcher_OneRecordPerCall(t *testing.T) {
	env := newTestEnv(t)
	table := ratelimit.NewPolicyTable(ratelimit.Policy{Requests: 5, Window: time.Minute}, nil)
	d := NewDispatcher(env.resolver, env.limiter(env.redisClient(t), table), env.auditor)

	calls := 0
	h := d.WrapRoute("/r", func(w http.ResponseWriter, r *http.Request, key *models.APIKey) error {
		calls++
		if calls%2 == 0 {
			return errors.New("even")
		}
		return okHandler(w, r, key)
	})

	const total = 8
	for i := 0; i < total; i++ {
		h.ServeHTTP(httptest.NewRecorder(), authedRequest(http.MethodGet, "/r"))
	}

	assert.Equal(t, 5, calls)
	assert.Len(t, env.records(t), total)
}

func TestDispatcher_ChiRoutePattern(t *testing.T) {
	env := newTestEnv(t)
	d := NewDispatcher(env.resolver, env.limiter(env.redisClient(t), nil), env.auditor)

	r := chi.NewRouter()
	r.Method(http.MethodGet, "/api/v1/items/{id}", d.Wrap(okHandler))

	for _, path := range []string{"/api/v1/items/1", "/api/v1/items/2"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, authedRequest(http.MethodGet, path))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	count, err := env.mr.Get(ratelimit.CounterKey(env.key.ID.String(), "/api/v1/items/{id}"))
	require.NoError(t, err)
	assert.Equal(t, "2", count)

	for _, stat := range env.records(t) {
		assert.Equal(t, "/api/v1/items/{id}", stat.Route)
	}
}

func TestDispatcher_RouteFallsBackToPath(t *testing.T) {
	env := newTestEnv(t)
	d := NewDispatcher(env.resolver, nil, env.auditor)

	d.Wrap(okHandler).ServeHTTP(httptest.NewRecorder(), authedRequest(http.MethodGet, "/plain/path"))

	records := env.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, "/plain/path", records[0].Route)
}

func TestDispatcher_UsesIngressRequestID(t *testing.T) {
	env := newTestEnv(t)
	d := NewDispatcher(env.resolver, nil, env.auditor)

	rec := httptest.NewRecorder()
	Chain(d.Wrap(okHandler), RequestStart).ServeHTTP(rec, authedRequest(http.MethodGet, "/r"))

	id := rec.Header().Get("X-Request-ID")
	require.NotEmpty(t, id)
	records := env.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, id, records[0].RequestID)
}
