package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/honeycomb-labs/settlement/pkg/identity"
)

type staticValidator map[string]identity.Account

func (v staticValidator) Validate(token string) (identity.Account, error) {
	if a, ok := v[token]; ok {
		return a, nil
	}
	return "", errors.New("unknown token")
}

func TestAuthMiddleware(t *testing.T) {
	var seen identity.Account
	h := AuthMiddleware(staticValidator{"t1": "acct:alice"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = CallerFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/escrows", nil)
	req.Header.Set("Authorization", "Bearer t1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, identity.Account("acct:alice"), seen)

	req.Header.Set("Authorization", "Bearer t2")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthMiddleware_FailsClosedWithoutValidator(t *testing.T) {
	h := AuthMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/escrows", nil)
	req.Header.Set("Authorization", "Bearer anything")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	var fromCtx string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromCtx = RequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "abc", fromCtx)
	assert.Equal(t, "abc", w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, w.Header().Get("X-Request-ID"), 36)
}

func TestRateLimiter_PerClientAndEviction(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 1)
	rl.now = func() time.Time { return now }
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(remote string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}
	assert.Equal(t, http.StatusOK, send("10.0.0.1:5000"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:5001"))
	assert.Equal(t, http.StatusOK, send("10.0.0.2:5000"))
	assert.Equal(t, http.StatusOK, send("[::1]"))

	now = now.Add(visitorIdle + time.Second)
	rl.evict()
	rl.mu.Lock()
	assert.Empty(t, rl.visitors)
	rl.mu.Unlock()
}

func TestRateLimiter_RunStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewRateLimiter(1, 1).Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestIdempotencyMiddleware_OnlyStoresSuccess(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)
	calls := 0
	status := http.StatusConflict
	h := IdempotencyMiddleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"n":1}`))
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/escrows/1/fund", nil)
		req.Header.Set("Idempotency-Key", "k")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusConflict, send().Code)
	status = http.StatusOK
	assert.Equal(t, http.StatusOK, send().Code)
	w := send()
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, `{"n":1}`, w.Body.String())
	assert.Equal(t, 2, calls)
}

func TestIdempotencyMiddleware_ConcurrentDuplicateRunsOnce(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)
	var calls atomic.Int32
	h := IdempotencyMiddleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"paid":true}`))
	}))

	recs := make([]*httptest.ResponseRecorder, 2)
	var wg sync.WaitGroup
	for i := range recs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/v1/escrows/1/release", nil)
			req.Header.Set("Idempotency-Key", "once")
			recs[i] = httptest.NewRecorder()
			h.ServeHTTP(recs[i], req)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	replayed := 0
	for _, rec := range recs {
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"paid":true}`, rec.Body.String())
		if rec.Header().Get("Idempotent-Replayed") == "true" {
			replayed++
		}
	}
	assert.Equal(t, 1, replayed)
}

func TestIdempotencyMiddleware_DistinctKeysRunConcurrently(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	h := IdempotencyMiddleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-release
		w.WriteHeader(http.StatusOK)
	}))

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/v1/escrows/1/release", nil)
			req.Header.Set("Idempotency-Key", key)
			h.ServeHTTP(httptest.NewRecorder(), req)
		}(key)
	}
	<-started
	<-started
	close(release)
	wg.Wait()
}

func TestMemoryIdempotencyStore_Expiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryIdempotencyStore(time.Minute)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", CachedResponse{StatusCode: 201, Body: []byte("{}")}))
	_, ok, err := s.Check(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(time.Minute)
	_, ok, err = s.Check(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	s.Prune()
	assert.Empty(t, s.entries)
}

func TestPostgresIdempotencyStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewPostgresIdempotencyStore(db, time.Hour)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idempotency_keys (key, status_code, body, cached_at) VALUES ($1, $2, $3, $4)")).
		WithArgs("k", 201, []byte(`{"id":1}`), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status_code, body, cached_at FROM idempotency_keys WHERE key = $1 AND cached_at > $2")).
		WithArgs("k", now.Add(-time.Hour)).
		WillReturnRows(sqlmock.NewRows([]string{"status_code", "body", "cached_at"}).AddRow(201, []byte(`{"id":1}`), now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM idempotency_keys WHERE key = $1")).
		WithArgs("missing", now.Add(-time.Hour)).
		WillReturnRows(sqlmock.NewRows([]string{"status_code", "body", "cached_at"}))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM idempotency_keys WHERE cached_at < $1")).
		WithArgs(now.Add(-time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	require.NoError(t, s.Set(ctx, "k", CachedResponse{StatusCode: 201, Body: []byte(`{"id":1}`)}))

	resp, ok, err := s.Check(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 201, resp.StatusCode)
	assert.JSONEq(t, `{"id":1}`, string(resp.Body))

	_, ok, err = s.Check(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	assert.NoError(t, mock.ExpectationsWereMet())
}
