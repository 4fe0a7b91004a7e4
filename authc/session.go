package authc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"gatehouse/cache"
)

// Default session lifecycle parameters.
const (
	DefaultAbsoluteTimeout = 30 * time.Minute
	DefaultIdleTimeout     = 5 * time.Minute
	DefaultSweepInterval   = time.Minute

	sessionKeyPrefix = "gatehouse:session:"
)

// Session is the authoritative record for one authenticated principal.
// Two independent clocks bound it: the absolute expiry fixed at creation
// and the idle window reset on each validated access.
type Session struct {
	ID             string        `json:"id"`
	Principal      Principal     `json:"principal"`
	CreatedAt      time.Time     `json:"created_at"`
	LastAccessedAt time.Time     `json:"last_accessed_at"`
	AbsoluteExpiry time.Time     `json:"absolute_expiry"`
	IdleTimeout    time.Duration `json:"idle_timeout"`
}

// Valid is the single validity predicate shared by lazy expiry on access
// and the periodic sweep: the session holds while now precedes both the
// absolute expiry and the idle window since the last access.
func (s Session) Valid(now time.Time) bool {
	return now.Before(s.AbsoluteExpiry) && now.Before(s.LastAccessedAt.Add(s.IdleTimeout))
}

// SessionManager creates, extends, expires, and sweeps sessions. It owns
// the authoritative session records; the cache handler only ever holds a
// non-owning copy whose TTL is capped by the session's remaining absolute
// window. Touch and the sweep serialize on the manager lock, so a sweep
// never evicts a session that was just extended.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	absolute      time.Duration
	idle          time.Duration
	sweepEnabled  bool
	sweepInterval time.Duration

	cache  *cache.Handler
	logger *slog.Logger
	now    func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// SessionOption configures SessionManager.
type SessionOption func(*SessionManager)

// WithSessionTimeouts sets the absolute and idle windows.
func WithSessionTimeouts(absolute, idle time.Duration) SessionOption {
	return func(m *SessionManager) {
		m.absolute = absolute
		m.idle = idle
	}
}

// WithSessionSweep enables the periodic validation sweep at the given
// interval. Without it only lazy expiry on access evicts sessions.
func WithSessionSweep(interval time.Duration) SessionOption {
	return func(m *SessionManager) {
		m.sweepEnabled = true
		m.sweepInterval = interval
	}
}

// WithSessionCache attaches the handler that holds cached session copies.
func WithSessionCache(handler *cache.Handler) SessionOption {
	return func(m *SessionManager) {
		m.cache = handler
	}
}

// WithSessionLogger attaches a structured logger for sweep reporting.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(m *SessionManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithSessionNow sets a custom time function for testing.
func WithSessionNow(fn func() time.Time) SessionOption {
	return func(m *SessionManager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewSessionManager validates the configured windows and builds a manager.
func NewSessionManager(opts ...SessionOption) (*SessionManager, error) {
	m := &SessionManager{
		sessions:      make(map[string]*Session),
		absolute:      DefaultAbsoluteTimeout,
		idle:          DefaultIdleTimeout,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	if m.absolute <= 0 || m.idle <= 0 {
		return nil, fmt.Errorf("%w: session timeouts must be positive, got absolute=%v idle=%v",
			ErrConfiguration, m.absolute, m.idle)
	}
	if m.idle > m.absolute {
		return nil, fmt.Errorf("%w: idle timeout %v exceeds absolute timeout %v",
			ErrConfiguration, m.idle, m.absolute)
	}
	if m.sweepEnabled && m.sweepInterval <= 0 {
		return nil, fmt.Errorf("%w: sweep interval must be positive, got %v",
			ErrConfiguration, m.sweepInterval)
	}

	return m, nil
}

// Create issues a fresh session for the principal.
func (m *SessionManager) Create(ctx context.Context, principal Principal) (*Session, error) {
	if err := contextError(ctx); err != nil {
		return nil, err
	}

	now := m.now()
	session := &Session{
		ID:             uuid.NewString(),
		Principal:      principal,
		CreatedAt:      now,
		LastAccessedAt: now,
		AbsoluteExpiry: now.Add(m.absolute),
		IdleTimeout:    m.idle,
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	snapshot := *session
	m.mu.Unlock()

	m.cacheCopy(ctx, snapshot)
	return &snapshot, nil
}

// Touch validates the session and extends its idle window. An expired
// session is removed and reported as ErrSessionExpired; it is never
// resurrected, regardless of how much absolute window remained.
func (m *SessionManager) Touch(ctx context.Context, id string) (*Session, error) {
	if err := contextError(ctx); err != nil {
		return nil, err
	}

	now := m.now()

	m.mu.Lock()
	session, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if !session.Valid(now) {
		delete(m.sessions, id)
		m.mu.Unlock()
		m.dropCopy(ctx, id)
		return nil, ErrSessionExpired
	}
	session.LastAccessedAt = now
	snapshot := *session
	m.mu.Unlock()

	m.cacheCopy(ctx, snapshot)
	return &snapshot, nil
}

// Peek returns the session if currently valid without extending its idle
// window.
func (m *SessionManager) Peek(ctx context.Context, id string) (*Session, error) {
	if err := contextError(ctx); err != nil {
		return nil, err
	}

	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !session.Valid(now) {
		return nil, ErrSessionExpired
	}
	snapshot := *session
	return &snapshot, nil
}

// Invalidate removes the session and its cached copy. It is idempotent.
func (m *SessionManager) Invalidate(ctx context.Context, id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	m.dropCopy(ctx, id)
}

// Sweep evicts every expired session using the same predicate as Touch and
// returns how many authoritative records it removed. When the cache backend
// supports key scanning, it also drops cached session copies that have no
// authoritative record, such as copies stranded by a process restart.
func (m *SessionManager) Sweep(ctx context.Context) int {
	now := m.now()

	m.mu.Lock()
	var expired []string
	for id, session := range m.sessions {
		if !session.Valid(now) {
			expired = append(expired, id)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.dropCopy(ctx, id)
	}
	m.evictOrphanedCopies(ctx)
	if len(expired) > 0 && m.logger != nil {
		m.logger.LogAttrs(ctx, slog.LevelInfo, "session sweep evicted sessions",
			slog.Int("count", len(expired)),
		)
	}
	return len(expired)
}

// evictOrphanedCopies scans cached session keys and invalidates every copy
// whose id has no authoritative record in this manager.
func (m *SessionManager) evictOrphanedCopies(ctx context.Context) {
	if m.cache == nil {
		return
	}
	for _, key := range m.cache.ScanKeys(ctx, sessionKeyPrefix) {
		id := strings.TrimPrefix(key, sessionKeyPrefix)
		m.mu.Lock()
		_, ok := m.sessions[id]
		m.mu.Unlock()
		if !ok {
			m.cache.Invalidate(ctx, key)
		}
	}
}

// Start launches the periodic validation sweep when one is configured.
// It is a no-op otherwise.
func (m *SessionManager) Start(ctx context.Context) {
	if !m.sweepEnabled {
		return
	}
	go func() {
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep(ctx)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the periodic sweep. Safe to call more than once.
func (m *SessionManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

// Count reports the number of live authoritative records, expired or not.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// cacheCopy stores a non-owning session copy whose TTL never exceeds the
// remaining absolute window.
func (m *SessionManager) cacheCopy(ctx context.Context, session Session) {
	if m.cache == nil {
		return
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return
	}
	remaining := session.AbsoluteExpiry.Sub(m.now())
	if remaining <= 0 {
		return
	}
	m.cache.PutBounded(ctx, sessionKeyPrefix+session.ID, cache.ClassSession, payload, remaining)
}

func (m *SessionManager) dropCopy(ctx context.Context, id string) {
	if m.cache == nil {
		return
	}
	m.cache.Invalidate(ctx, sessionKeyPrefix+id)
}
