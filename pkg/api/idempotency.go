package api

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/honeycomb-labs/settlement/pkg/util/keylock"
)

// CachedResponse is a response kept for idempotent replay.
type CachedResponse struct {
	StatusCode int
	Body       []byte
	CachedAt   time.Time
}

// IdempotencyStore backs the Idempotency-Key middleware.
type IdempotencyStore interface {
	Check(ctx context.Context, key string) (*CachedResponse, bool, error)
	Set(ctx context.Context, key string, resp CachedResponse) error
}

// MemoryIdempotencyStore holds cached responses in memory.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]CachedResponse
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]CachedResponse),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *MemoryIdempotencyStore) Check(ctx context.Context, key string) (*CachedResponse, bool, error) {
	s.mu.RLock()
	cached, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || s.now().Sub(cached.CachedAt) >= s.ttl {
		return nil, false, nil
	}
	return &cached, true, nil
}

func (s *MemoryIdempotencyStore) Set(ctx context.Context, key string, resp CachedResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if resp.CachedAt.IsZero() {
		resp.CachedAt = s.now()
	}
	s.entries[key] = resp
	return nil
}

// Prune drops expired entries.
func (s *MemoryIdempotencyStore) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, v := range s.entries {
		if now.Sub(v.CachedAt) >= s.ttl {
			delete(s.entries, k)
		}
	}
}

type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the stored response of a POST carrying an
// Idempotency-Key already seen from the same caller. Only 2xx responses are
// stored, so a rejected call can be retried with the same key. Requests
// sharing a key run one at a time: a duplicate that arrives while the first
// is in flight waits for it and is then replayed.
func IdempotencyMiddleware(store IdempotencyStore) func(http.Handler) http.Handler {
	inflight := keylock.New[string]()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			caller, _ := CallerFrom(r.Context())
			key = string(caller) + "|" + r.URL.Path + "|" + key
			unlock := inflight.Lock(key)
			defer unlock()

			cached, ok, err := store.Check(r.Context(), key)
			if err != nil {
				WriteInternal(w, err)
				return
			}
			if ok {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 {
				if err := store.Set(r.Context(), key, CachedResponse{StatusCode: capture.statusCode, Body: capture.body.Bytes()}); err != nil {
					slog.WarnContext(r.Context(), "failed to store idempotent response", "error", err)
				}
			}
		})
	}
}
