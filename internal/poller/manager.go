package poller

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/mochat/wearchive/internal/archive"
	"github.com/mochat/wearchive/internal/dispatch"
	"github.com/mochat/wearchive/internal/domain"
	"github.com/mochat/wearchive/internal/download"
	"github.com/mochat/wearchive/internal/metrics"
	"github.com/mochat/wearchive/internal/pool"
	"github.com/mochat/wearchive/internal/repo"
	"github.com/mochat/wearchive/internal/retry"
)

// Deps bundles what every tenant session needs.
type Deps struct {
	DB      *gorm.DB
	Dialer  archive.Dialer
	Cursors CursorStore
	Pool    *pool.Pool
	Engine  *download.Engine
	Out     *dispatch.Dispatcher
	Router  *retry.Router
	Sink    *metrics.Sink
	Log     zerolog.Logger
}

// Manager owns the tenant sessions. It starts one loop per enabled
// tenant and lets the admin API (re)start individual tenants at runtime.
// Sessions run under the manager's base context, never a request's.
type Manager struct {
	baseCtx context.Context
	deps    *Deps
	log     zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager builds an empty Manager whose sessions live under baseCtx.
func NewManager(baseCtx context.Context, deps *Deps) *Manager {
	return &Manager{
		baseCtx:  baseCtx,
		deps:     deps,
		log:      deps.Log.With().Str("component", "poller-manager").Logger(),
		sessions: make(map[string]*session),
	}
}

// StartAll launches a session for every enabled tenant in the catalog.
func (m *Manager) StartAll() error {
	tenants, err := repo.ListEnabledTenants(m.deps.DB)
	if err != nil {
		return err
	}
	for _, t := range tenants {
		m.Start(t)
	}
	m.log.Info().Int("tenants", len(tenants)).Msg("poll loops started")
	return nil
}

// Start launches (or restarts) the session for one tenant. An existing
// session is stopped first so credential changes take effect.
func (m *Manager) Start(tenant domain.Tenant) {
	m.mu.Lock()
	if old, ok := m.sessions[tenant.TenantID]; ok {
		m.mu.Unlock()
		old.stop()
		m.mu.Lock()
	}
	s := newSession(tenant, m.deps)
	sctx, cancel := context.WithCancel(m.baseCtx)
	s.cancel = cancel
	m.sessions[tenant.TenantID] = s
	m.mu.Unlock()

	go s.run(sctx)
}

// Reload re-reads one tenant from the catalog and restarts its loop.
// It is the admin trigger behind the pull endpoint.
func (m *Manager) Reload(tenantID string) (bool, error) {
	tenant, found, err := repo.FindTenant(m.deps.DB, tenantID)
	if err != nil || !found {
		return false, err
	}
	if tenant.Status != domain.TenantStatusEnabled {
		m.StopTenant(tenantID)
		return true, nil
	}
	m.Start(*tenant)
	return true, nil
}

// ClientFor reuses a running session's archive handle, dialing a fresh
// one for tenants without a live session. The retry consumer uses this.
func (m *Manager) ClientFor(tenantID, secret string) (archive.Client, error) {
	m.mu.Lock()
	s, ok := m.sessions[tenantID]
	m.mu.Unlock()
	if ok {
		return s.Client()
	}
	return m.deps.Dialer(tenantID, secret)
}

// Running returns the tenant ids with live sessions, sorted.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// StopTenant stops one tenant's session if it is running.
func (m *Manager) StopTenant(tenantID string) {
	m.mu.Lock()
	s, ok := m.sessions[tenantID]
	if ok {
		delete(m.sessions, tenantID)
	}
	m.mu.Unlock()
	if ok {
		s.stop()
	}
}

// Stop halts every session and waits for the loops to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.stop()
	}
}
