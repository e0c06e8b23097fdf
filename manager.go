package imapproxy

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bradenaw/juniper/xslices"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Options tune a Manager. The zero value keeps sessions until logout and
// does not limit logins.
type Options struct {
	// IdleTimeout logs out sessions unused for this long. Zero disables.
	IdleTimeout time.Duration
	// LoginRate is the sustained number of logins per second. Zero is
	// unlimited.
	LoginRate float64
	// LoginBurst is how many logins may happen at once. Defaults to 1 when
	// LoginRate is set.
	LoginBurst int
}

// SessionSummary describes one live session.
type SessionSummary struct {
	ID        SessionID
	Username  string
	Address   string
	Port      int
	State     LinkState
	Selected  string
	CreatedAt time.Time
	LastUsed  time.Time
}

// Manager owns the table of live sessions. Its mutex guards only the table
// and is never held across network I/O.
type Manager struct {
	opts    Options
	limiter *rate.Limiter

	mu       sync.Mutex
	sessions map[SessionID]*Session
	nextID   SessionID
}

// NewManager returns an empty session table.
func NewManager(opts Options) *Manager {
	limit, burst := rate.Inf, 0
	if opts.LoginRate > 0 {
		limit, burst = rate.Limit(opts.LoginRate), max(opts.LoginBurst, 1)
	}
	return &Manager{
		opts:     opts,
		limiter:  rate.NewLimiter(limit, burst),
		sessions: make(map[SessionID]*Session),
	}
}

// Login opens and authenticates a connection and registers it under a new
// id. Nothing is registered when it fails.
func (m *Manager) Login(ctx context.Context, creds Credentials, address string, port int) (SessionID, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	link, err := Dial(ctx, creds, address, port)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	s := newSession(id, creds, address, port, link)
	m.sessions[id] = s
	m.mu.Unlock()

	s.log.Info("session opened", "user", creds.Username, "address", address, "port", port, "conn", link.ConnNum)
	return id, nil
}

// Resolve returns the live session for id.
func (m *Manager) Resolve(id SessionID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w %d", errSessionNotFound, id)
	}
	return s, nil
}

// Sessions lists the live sessions ordered by id.
func (m *Manager) Sessions() []SessionSummary {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	slices.SortFunc(sessions, func(a, b *Session) int { return cmp.Compare(a.ID, b.ID) })
	return xslices.Map(sessions, func(s *Session) SessionSummary {
		return SessionSummary{
			ID:        s.ID,
			Username:  s.Username,
			Address:   s.Address,
			Port:      s.Port,
			State:     s.link.State(),
			Selected:  s.link.Selected(),
			CreatedAt: s.CreatedAt,
			LastUsed:  s.LastUsed(),
		}
	})
}

// Logout removes the session and closes its connection. The id stops
// resolving before LOGOUT is sent; errors from LOGOUT itself are logged and
// dropped.
func (m *Manager) Logout(ctx context.Context, id SessionID) error {
	s, ok := m.take(id)
	if !ok {
		return fmt.Errorf("%w %d", errSessionNotFound, id)
	}
	if err := s.close(ctx); err != nil {
		s.log.Warn("logout did not complete cleanly", "error", err)
	}
	s.log.Info("session closed")
	return nil
}

func (m *Manager) take(id SessionID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	return s, ok
}

// ReapIdle logs out every session unused since now minus IdleTimeout and
// returns how many it closed.
func (m *Manager) ReapIdle(ctx context.Context, now time.Time) int {
	if m.opts.IdleTimeout <= 0 {
		return 0
	}
	cutoff := now.Add(-m.opts.IdleTimeout)

	m.mu.Lock()
	var idle []SessionID
	for id, s := range m.sessions {
		if s.LastUsed().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, id := range idle {
		if err := m.Logout(ctx, id); err == nil {
			n++
		}
	}
	if n > 0 {
		getLogger().Info("reaped idle sessions", "count", n, "idle_timeout", m.opts.IdleTimeout)
	}
	return n
}

// RunJanitor calls ReapIdle every interval until ctx ends.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) {
	if m.opts.IdleTimeout <= 0 {
		return
	}
	if interval <= 0 {
		interval = max(m.opts.IdleTimeout/4, time.Second)
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			m.ReapIdle(ctx, now)
		}
	}
}

// Close logs out every session concurrently.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]SessionID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return m.Logout(ctx, id)
		})
	}
	return g.Wait()
}
