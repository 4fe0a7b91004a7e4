package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// Class selects which configured TTL applies to an entry. Credentials,
// authorization info, and session copies each expire independently;
// everything else falls under the absolute default.
type Class string

const (
	ClassCredentials Class = "credentials"
	ClassAuthzInfo   Class = "authz_info"
	ClassSession     Class = "session"
	ClassAbsolute    Class = "absolute"
)

// TTLs holds the per-class expiry windows. Zero values fall back to Absolute.
type TTLs struct {
	Credentials time.Duration
	AuthzInfo   time.Duration
	Session     time.Duration
	Absolute    time.Duration
}

// DefaultTTLs returns conservative cache windows suitable for most
// deployments.
func DefaultTTLs() TTLs {
	return TTLs{
		Credentials: 5 * time.Minute,
		AuthzInfo:   10 * time.Minute,
		Session:     30 * time.Minute,
		Absolute:    time.Hour,
	}
}

func (t TTLs) forClass(c Class) time.Duration {
	var d time.Duration
	switch c {
	case ClassCredentials:
		d = t.Credentials
	case ClassAuthzInfo:
		d = t.AuthzInfo
	case ClassSession:
		d = t.Session
	}
	if d <= 0 {
		d = t.Absolute
	}
	if d <= 0 {
		d = time.Hour
	}
	return d
}

// ComputeFunc produces the authoritative value for a key on a cache miss.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Handler layers TTL-class bookkeeping and miss collapsing on top of a
// Store. Concurrent misses on the same key execute the compute function
// exactly once; every waiter receives the same result. A nil Store disables
// caching: computes go straight through (still collapsed).
//
// Backend failures never fail the request. The handler logs and falls back
// to direct compute, so an unavailable cache degrades latency, not
// correctness.
type Handler struct {
	store  Store
	ttls   TTLs
	group  singleflight.Group
	logger *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger attaches a structured logger for backend-failure warnings.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler builds a Handler over the given store with per-class TTLs.
func NewHandler(store Store, ttls TTLs, opts ...HandlerOption) *Handler {
	h := &Handler{store: store, ttls: ttls}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// GetOrCompute returns the cached value for key, computing and caching it on
// a miss. The class picks the TTL under which a freshly computed value is
// stored. Compute errors propagate to every collapsed waiter.
func (h *Handler) GetOrCompute(ctx context.Context, key string, class Class, fn ComputeFunc) ([]byte, error) {
	if h.store != nil {
		value, err := h.store.Get(ctx, key)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrNotFound) {
			h.warn(ctx, "cache get failed, bypassing", key, err)
		}
	}

	value, err, _ := h.group.Do(key, func() (any, error) {
		// Re-check under the flight: a concurrent winner may have
		// populated the key while this caller queued.
		if h.store != nil {
			if cached, err := h.store.Get(ctx, key); err == nil {
				return cached, nil
			}
		}
		computed, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		if h.store != nil {
			if err := h.store.Set(ctx, key, computed, h.ttls.forClass(class)); err != nil {
				h.warn(ctx, "cache set failed, serving uncached", key, err)
			}
		}
		return computed, nil
	})
	if err != nil {
		return nil, err
	}
	return value.([]byte), nil
}

// Put stores a value under the class TTL without going through a compute.
func (h *Handler) Put(ctx context.Context, key string, class Class, value []byte) {
	h.PutBounded(ctx, key, class, value, 0)
}

// PutBounded stores a value whose TTL is additionally capped by maxTTL when
// maxTTL is positive. Session copies use it so a cached session never
// outlives its absolute timeout.
func (h *Handler) PutBounded(ctx context.Context, key string, class Class, value []byte, maxTTL time.Duration) {
	if h.store == nil {
		return
	}
	ttl := h.ttls.forClass(class)
	if maxTTL > 0 && maxTTL < ttl {
		ttl = maxTTL
	}
	if ttl <= 0 {
		return
	}
	if err := h.store.Set(ctx, key, value, ttl); err != nil {
		h.warn(ctx, "cache set failed", key, err)
	}
}

// Get returns the cached value without computing on a miss.
func (h *Handler) Get(ctx context.Context, key string) ([]byte, error) {
	if h.store == nil {
		return nil, ErrNotFound
	}
	return h.store.Get(ctx, key)
}

// Invalidate removes a key. Missing keys are not an error: invalidation is
// idempotent.
func (h *Handler) Invalidate(ctx context.Context, key string) {
	if h.store == nil {
		return
	}
	if err := h.store.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		h.warn(ctx, "cache delete failed", key, err)
	}
}

// ScanKeys lists cached keys under prefix when the backend supports it.
func (h *Handler) ScanKeys(ctx context.Context, prefix string) []string {
	scanner, ok := h.store.(Scanner)
	if !ok {
		return nil
	}
	keys, err := scanner.Scan(ctx, prefix)
	if err != nil {
		h.warn(ctx, "cache scan failed", prefix, err)
		return nil
	}
	return keys
}

func (h *Handler) warn(ctx context.Context, msg, key string, err error) {
	if h.logger == nil {
		return
	}
	h.logger.LogAttrs(ctx, slog.LevelWarn, msg,
		slog.String("key", key),
		slog.String("error", err.Error()),
	)
}
