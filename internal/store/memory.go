package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/enrolid/backend/internal/core"
)

// Memory is the in-process Store used by tests and dev mode. All maps are
// guarded by one RWMutex; documents are deep-copied on the way in and out
// so callers never share memory with the store.
type Memory struct {
	mu           sync.RWMutex
	applications map[string]*core.Application
	identities   map[string]*core.Identity
	embeddings   map[string]*core.EmbeddingRecord // by application id
	auditEvents  []*core.AuditEvent
	users        map[string]*core.User
	appOrder     []string // insertion order for stable listings
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		applications: make(map[string]*core.Application),
		identities:   make(map[string]*core.Identity),
		embeddings:   make(map[string]*core.EmbeddingRecord),
		users:        make(map[string]*core.User),
	}
}

func (m *Memory) Close() error { return nil }

// ============================================================================
// APPLICATIONS
// ============================================================================

func (m *Memory) CreateApplication(_ context.Context, app *core.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.applications[app.ApplicationID]; exists {
		return fmt.Errorf("%w: application %s", ErrDuplicate, app.ApplicationID)
	}
	m.applications[app.ApplicationID] = copyApplication(app)
	m.appOrder = append(m.appOrder, app.ApplicationID)
	return nil
}

func (m *Memory) GetApplication(_ context.Context, applicationID string) (*core.Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	app, exists := m.applications[applicationID]
	if !exists {
		return nil, fmt.Errorf("%w: application %s", ErrNotFound, applicationID)
	}
	return copyApplication(app), nil
}

func (m *Memory) UpdateApplication(_ context.Context, app *core.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.applications[app.ApplicationID]; !exists {
		return fmt.Errorf("%w: application %s", ErrNotFound, app.ApplicationID)
	}
	cp := copyApplication(app)
	cp.UpdatedAt = time.Now().UTC()
	m.applications[app.ApplicationID] = cp
	return nil
}

func (m *Memory) ListApplications(_ context.Context, f ListFilter) ([]*core.Application, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Newest first, per the (status, created_at desc) index.
	matched := make([]*core.Application, 0)
	for i := len(m.appOrder) - 1; i >= 0; i-- {
		app := m.applications[m.appOrder[i]]
		if f.Status != "" && app.Processing.Status != f.Status {
			continue
		}
		matched = append(matched, app)
	}

	total := len(matched)
	page, size := normalizePage(f.Page, f.Size)
	start := (page - 1) * size
	if start >= total {
		return []*core.Application{}, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}

	out := make([]*core.Application, 0, end-start)
	for _, app := range matched[start:end] {
		out = append(out, copyApplication(app))
	}
	return out, total, nil
}

func (m *Memory) ListApplicationsByIdentity(_ context.Context, identityID string) ([]*core.Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*core.Application, 0)
	for _, id := range m.appOrder {
		app := m.applications[id]
		if app.Result.IdentityID == identityID {
			out = append(out, copyApplication(app))
		}
	}
	return out, nil
}

func (m *Memory) CountApplicationsByStatus(_ context.Context) (map[core.Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[core.Status]int)
	for _, app := range m.applications {
		out[app.Processing.Status]++
	}
	return out, nil
}

// ============================================================================
// IDENTITIES
// ============================================================================

func (m *Memory) CreateIdentity(_ context.Context, id *core.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.identities[id.IdentityID]; exists {
		return fmt.Errorf("%w: identity %s", ErrDuplicate, id.IdentityID)
	}
	m.identities[id.IdentityID] = copyIdentity(id)
	return nil
}

func (m *Memory) GetIdentity(_ context.Context, identityID string) (*core.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, exists := m.identities[identityID]
	if !exists {
		return nil, fmt.Errorf("%w: identity %s", ErrNotFound, identityID)
	}
	return copyIdentity(id), nil
}

func (m *Memory) UpdateIdentity(_ context.Context, id *core.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.identities[id.IdentityID]; !exists {
		return fmt.Errorf("%w: identity %s", ErrNotFound, id.IdentityID)
	}
	cp := copyIdentity(id)
	cp.UpdatedAt = time.Now().UTC()
	m.identities[id.IdentityID] = cp
	return nil
}

func (m *Memory) ListIdentities(_ context.Context, f IdentityFilter) ([]*core.Identity, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*core.Identity, 0, len(m.identities))
	for _, id := range m.identities {
		if f.Status != "" && id.Status != f.Status {
			continue
		}
		matched = append(matched, id)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	page, size := normalizePage(f.Page, f.Size)
	start := (page - 1) * size
	if start >= total {
		return []*core.Identity{}, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}

	out := make([]*core.Identity, 0, end-start)
	for _, id := range matched[start:end] {
		out = append(out, copyIdentity(id))
	}
	return out, total, nil
}

func (m *Memory) IdentityExists(_ context.Context, identityID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.identities[identityID]
	return exists, nil
}

// ============================================================================
// EMBEDDINGS
// ============================================================================

func (m *Memory) InsertEmbedding(_ context.Context, rec *core.EmbeddingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.embeddings[rec.ApplicationID]; exists {
		return fmt.Errorf("%w: embedding for application %s", ErrDuplicate, rec.ApplicationID)
	}
	m.embeddings[rec.ApplicationID] = copyEmbedding(rec)
	return nil
}

func (m *Memory) GetEmbedding(_ context.Context, applicationID string) (*core.EmbeddingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, exists := m.embeddings[applicationID]
	if !exists {
		return nil, fmt.Errorf("%w: embedding for application %s", ErrNotFound, applicationID)
	}
	return copyEmbedding(rec), nil
}

func (m *Memory) ListEmbeddingsByIdentity(_ context.Context, identityID string) ([]*core.EmbeddingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*core.EmbeddingRecord, 0)
	for _, rec := range m.embeddings {
		if rec.IdentityID == identityID {
			out = append(out, copyEmbedding(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ============================================================================
// AUDIT EVENTS (insert-only by construction)
// ============================================================================

func (m *Memory) AppendAuditEvent(_ context.Context, ev *core.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditEvents = append(m.auditEvents, copyAuditEvent(ev))
	return nil
}

func (m *Memory) QueryAuditEvents(_ context.Context, f AuditFilter, page, size int) ([]*core.AuditEvent, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Newest first.
	matched := make([]*core.AuditEvent, 0)
	for i := len(m.auditEvents) - 1; i >= 0; i-- {
		ev := m.auditEvents[i]
		if f.ResourceID != "" && ev.ResourceID != f.ResourceID {
			continue
		}
		if f.ActorID != "" && ev.ActorID != f.ActorID {
			continue
		}
		if f.Kind != "" && ev.Kind != f.Kind {
			continue
		}
		if !f.From.IsZero() && ev.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && ev.Timestamp.After(f.To) {
			continue
		}
		matched = append(matched, ev)
	}

	total := len(matched)
	page, size = normalizePage(page, size)
	start := (page - 1) * size
	if start >= total {
		return []*core.AuditEvent{}, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}

	out := make([]*core.AuditEvent, 0, end-start)
	for _, ev := range matched[start:end] {
		out = append(out, copyAuditEvent(ev))
	}
	return out, total, nil
}

// ============================================================================
// USERS
// ============================================================================

func (m *Memory) CreateUser(_ context.Context, u *core.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[u.UserID]; exists {
		return fmt.Errorf("%w: user %s", ErrDuplicate, u.UserID)
	}
	for _, existing := range m.users {
		if existing.Username == u.Username {
			return fmt.Errorf("%w: username %s", ErrDuplicate, u.Username)
		}
	}
	cp := *u
	m.users[u.UserID] = &cp
	return nil
}

func (m *Memory) GetUser(_ context.Context, userID string) (*core.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, exists := m.users[userID]
	if !exists {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) GetUserByUsername(_ context.Context, username string) (*core.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: username %s", ErrNotFound, username)
}

func (m *Memory) UpdateUser(_ context.Context, u *core.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[u.UserID]; !exists {
		return fmt.Errorf("%w: user %s", ErrNotFound, u.UserID)
	}
	cp := *u
	cp.UpdatedAt = time.Now().UTC()
	m.users[u.UserID] = &cp
	return nil
}

func (m *Memory) ListUsers(_ context.Context) ([]*core.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*core.User, 0, len(m.users))
	for _, u := range m.users {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ============================================================================
// COPY HELPERS
// ============================================================================

func normalizePage(page, size int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 || size > 500 {
		size = 50
	}
	return page, size
}

func copyApplication(a *core.Application) *core.Application {
	cp := *a
	if a.Applicant.Demographic != nil {
		cp.Applicant.Demographic = make(map[string]string, len(a.Applicant.Demographic))
		for k, v := range a.Applicant.Demographic {
			cp.Applicant.Demographic[k] = v
		}
	}
	if a.Result.Matches != nil {
		cp.Result.Matches = append([]core.Match(nil), a.Result.Matches...)
	}
	return &cp
}

func copyIdentity(i *core.Identity) *core.Identity {
	cp := *i
	cp.ApplicationIDs = append([]string(nil), i.ApplicationIDs...)
	if i.Metadata != nil {
		cp.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func copyEmbedding(e *core.EmbeddingRecord) *core.EmbeddingRecord {
	cp := *e
	cp.Vector = append([]float32(nil), e.Vector...)
	return &cp
}

func copyAuditEvent(e *core.AuditEvent) *core.AuditEvent {
	cp := *e
	if e.Details != nil {
		cp.Details = make(map[string]interface{}, len(e.Details))
		for k, v := range e.Details {
			cp.Details[k] = v
		}
	}
	return &cp
}
