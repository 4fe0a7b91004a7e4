package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// mapStore is an in-memory Store with TTL recording and fault injection.
type mapStore struct {
	mu      sync.Mutex
	entries map[string][]byte
	ttls    map[string]time.Duration

	failGets    bool
	failSets    bool
	failDeletes bool
}

func newMapStore() *mapStore {
	return &mapStore{
		entries: make(map[string][]byte),
		ttls:    make(map[string]time.Duration),
	}
}

func (s *mapStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGets {
		return nil, ErrUnavailable
	}
	value, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (s *mapStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSets {
		return ErrUnavailable
	}
	s.entries[key] = append([]byte(nil), value...)
	s.ttls[key] = ttl
	return nil
}

func (s *mapStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDeletes {
		return ErrUnavailable
	}
	if _, ok := s.entries[key]; !ok {
		return ErrNotFound
	}
	delete(s.entries, key)
	delete(s.ttls, key)
	return nil
}

func (s *mapStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *mapStore) ttlFor(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttls[key]
}

func TestHandlerGetOrCompute(t *testing.T) {
	store := newMapStore()
	handler := NewHandler(store, DefaultTTLs())
	ctx := context.Background()

	var computes atomic.Int32
	compute := func(ctx context.Context) ([]byte, error) {
		computes.Add(1)
		return []byte("computed"), nil
	}

	value, err := handler.GetOrCompute(ctx, "k", ClassCredentials, compute)
	if err != nil {
		t.Fatalf("GetOrCompute() error = %v", err)
	}
	if string(value) != "computed" {
		t.Fatalf("GetOrCompute() = %q, want %q", value, "computed")
	}

	// The second read is a cache hit.
	if _, err := handler.GetOrCompute(ctx, "k", ClassCredentials, compute); err != nil {
		t.Fatalf("GetOrCompute() error = %v", err)
	}
	if got := computes.Load(); got != 1 {
		t.Fatalf("compute ran %d times, want 1", got)
	}

	if ttl := store.ttlFor("k"); ttl != DefaultTTLs().Credentials {
		t.Fatalf("stored ttl = %v, want %v", ttl, DefaultTTLs().Credentials)
	}
}

func TestHandlerSingleFlight(t *testing.T) {
	const waiters = 20

	store := newMapStore()
	handler := NewHandler(store, DefaultTTLs())
	ctx := context.Background()

	var computes atomic.Int32
	release := make(chan struct{})
	compute := func(ctx context.Context) ([]byte, error) {
		computes.Add(1)
		<-release
		return []byte("shared"), nil
	}

	var wg sync.WaitGroup
	results := make([][]byte, waiters)
	errs := make([]error, waiters)
	started := make(chan struct{}, waiters)

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started <- struct{}{}
			results[i], errs[i] = handler.GetOrCompute(ctx, "hot", ClassAuthzInfo, compute)
		}(i)
	}

	for i := 0; i < waiters; i++ {
		<-started
	}
	// Give the goroutines a moment to pile onto the flight before the
	// compute is allowed to finish.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := computes.Load(); got != 1 {
		t.Fatalf("compute ran %d times for %d concurrent misses, want 1", got, waiters)
	}
	for i := 0; i < waiters; i++ {
		if errs[i] != nil {
			t.Fatalf("waiter %d error = %v", i, errs[i])
		}
		if string(results[i]) != "shared" {
			t.Fatalf("waiter %d = %q, want %q", i, results[i], "shared")
		}
	}
}

func TestHandlerComputeErrorPropagates(t *testing.T) {
	store := newMapStore()
	handler := NewHandler(store, DefaultTTLs())

	wantErr := errors.New("backend exploded")
	_, err := handler.GetOrCompute(context.Background(), "k", ClassCredentials, func(ctx context.Context) ([]byte, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("GetOrCompute() error = %v, want %v", err, wantErr)
	}

	// Nothing was cached for the failed compute.
	if _, err := handler.Get(context.Background(), "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after failed compute error = %v, want ErrNotFound", err)
	}
}

func TestHandlerNilStore(t *testing.T) {
	handler := NewHandler(nil, DefaultTTLs())
	ctx := context.Background()

	var computes atomic.Int32
	compute := func(ctx context.Context) ([]byte, error) {
		computes.Add(1)
		return []byte("direct"), nil
	}

	for i := 0; i < 3; i++ {
		value, err := handler.GetOrCompute(ctx, "k", ClassSession, compute)
		if err != nil {
			t.Fatalf("GetOrCompute() error = %v", err)
		}
		if string(value) != "direct" {
			t.Fatalf("GetOrCompute() = %q, want %q", value, "direct")
		}
	}
	// Without a store every read computes.
	if got := computes.Load(); got != 3 {
		t.Fatalf("compute ran %d times, want 3", got)
	}

	if _, err := handler.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
	handler.Put(ctx, "k", ClassSession, []byte("ignored"))
	handler.Invalidate(ctx, "k")
	if keys := handler.ScanKeys(ctx, "k"); keys != nil {
		t.Fatalf("ScanKeys() = %v, want nil", keys)
	}
}

func TestHandlerFailOpen(t *testing.T) {
	store := newMapStore()
	store.failGets = true
	store.failSets = true
	handler := NewHandler(store, DefaultTTLs())

	var computes atomic.Int32
	value, err := handler.GetOrCompute(context.Background(), "k", ClassCredentials, func(ctx context.Context) ([]byte, error) {
		computes.Add(1)
		return []byte("fresh"), nil
	})
	if err != nil {
		t.Fatalf("GetOrCompute() with a broken backend error = %v", err)
	}
	if string(value) != "fresh" {
		t.Fatalf("GetOrCompute() = %q, want %q", value, "fresh")
	}
	if got := computes.Load(); got != 1 {
		t.Fatalf("compute ran %d times, want 1", got)
	}
}

func TestHandlerPutBounded(t *testing.T) {
	store := newMapStore()
	handler := NewHandler(store, DefaultTTLs())
	ctx := context.Background()

	// maxTTL below the class TTL caps the entry.
	handler.PutBounded(ctx, "short", ClassSession, []byte("v"), time.Minute)
	if ttl := store.ttlFor("short"); ttl != time.Minute {
		t.Fatalf("ttl = %v, want %v", ttl, time.Minute)
	}

	// maxTTL above the class TTL leaves the class TTL in charge.
	handler.PutBounded(ctx, "long", ClassSession, []byte("v"), 2*time.Hour)
	if ttl := store.ttlFor("long"); ttl != DefaultTTLs().Session {
		t.Fatalf("ttl = %v, want %v", ttl, DefaultTTLs().Session)
	}

	// Zero maxTTL means no cap.
	handler.Put(ctx, "uncapped", ClassAuthzInfo, []byte("v"))
	if ttl := store.ttlFor("uncapped"); ttl != DefaultTTLs().AuthzInfo {
		t.Fatalf("ttl = %v, want %v", ttl, DefaultTTLs().AuthzInfo)
	}
}

func TestHandlerInvalidateIdempotent(t *testing.T) {
	store := newMapStore()
	handler := NewHandler(store, DefaultTTLs())
	ctx := context.Background()

	handler.Put(ctx, "k", ClassCredentials, []byte("v"))
	handler.Invalidate(ctx, "k")
	handler.Invalidate(ctx, "k")

	if _, err := handler.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after invalidate error = %v, want ErrNotFound", err)
	}
}

func TestHandlerScanKeys(t *testing.T) {
	store := newMapStore()
	handler := NewHandler(store, DefaultTTLs())
	ctx := context.Background()

	handler.Put(ctx, "session:1", ClassSession, []byte("a"))
	handler.Put(ctx, "session:2", ClassSession, []byte("b"))
	handler.Put(ctx, "credential:1", ClassCredentials, []byte("c"))

	keys := handler.ScanKeys(ctx, "session:")
	if len(keys) != 2 {
		t.Fatalf("ScanKeys() = %v, want 2 session keys", keys)
	}
	for _, key := range keys {
		if !strings.HasPrefix(key, "session:") {
			t.Fatalf("ScanKeys() returned %q outside the prefix", key)
		}
	}
}

func TestTTLsForClassFallback(t *testing.T) {
	tests := []struct {
		name  string
		ttls  TTLs
		class Class
		want  time.Duration
	}{
		{name: "configured class", ttls: DefaultTTLs(), class: ClassCredentials, want: 5 * time.Minute},
		{name: "zero class falls back to absolute", ttls: TTLs{Absolute: time.Minute}, class: ClassSession, want: time.Minute},
		{name: "all zero falls back to an hour", ttls: TTLs{}, class: ClassAuthzInfo, want: time.Hour},
		{name: "absolute class", ttls: DefaultTTLs(), class: ClassAbsolute, want: time.Hour},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.ttls.forClass(tc.class); got != tc.want {
				t.Fatalf("forClass(%q) = %v, want %v", tc.class, got, tc.want)
			}
		})
	}
}
