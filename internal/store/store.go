// Package store defines the durable record store for applications,
// identities, embeddings, audit events and users, with an in-memory
// implementation for tests/dev and a Postgres implementation for
// production.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/enrolid/backend/internal/core"
)

// Common errors.
var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

// ListFilter narrows application listings.
type ListFilter struct {
	Status core.Status // "" matches all
	Page   int         // 1-based
	Size   int
}

// IdentityFilter narrows identity listings.
type IdentityFilter struct {
	Status core.IdentityStatus // "" matches all
	Page   int
	Size   int
}

// AuditFilter narrows audit queries. Zero fields match all.
type AuditFilter struct {
	ResourceID string
	ActorID    string
	Kind       core.EventKind
	From       time.Time
	To         time.Time
}

// Store is the durable record store. Updates on a single document are
// atomic; sequences spanning documents are rolled forward by the caller on
// retry, not rolled back.
type Store interface {
	// Applications
	CreateApplication(ctx context.Context, app *core.Application) error
	GetApplication(ctx context.Context, applicationID string) (*core.Application, error)
	UpdateApplication(ctx context.Context, app *core.Application) error
	ListApplications(ctx context.Context, f ListFilter) ([]*core.Application, int, error)
	ListApplicationsByIdentity(ctx context.Context, identityID string) ([]*core.Application, error)
	CountApplicationsByStatus(ctx context.Context) (map[core.Status]int, error)

	// Identities
	CreateIdentity(ctx context.Context, id *core.Identity) error
	GetIdentity(ctx context.Context, identityID string) (*core.Identity, error)
	UpdateIdentity(ctx context.Context, id *core.Identity) error
	ListIdentities(ctx context.Context, f IdentityFilter) ([]*core.Identity, int, error)
	IdentityExists(ctx context.Context, identityID string) (bool, error)

	// Embeddings (1:1 with applications; second insert is ErrDuplicate)
	InsertEmbedding(ctx context.Context, rec *core.EmbeddingRecord) error
	GetEmbedding(ctx context.Context, applicationID string) (*core.EmbeddingRecord, error)
	ListEmbeddingsByIdentity(ctx context.Context, identityID string) ([]*core.EmbeddingRecord, error)

	// Audit events (insert-only; no update or delete exists)
	AppendAuditEvent(ctx context.Context, ev *core.AuditEvent) error
	QueryAuditEvents(ctx context.Context, f AuditFilter, page, size int) ([]*core.AuditEvent, int, error)

	// Users
	CreateUser(ctx context.Context, u *core.User) error
	GetUser(ctx context.Context, userID string) (*core.User, error)
	GetUserByUsername(ctx context.Context, username string) (*core.User, error)
	UpdateUser(ctx context.Context, u *core.User) error
	ListUsers(ctx context.Context) ([]*core.User, error)

	Close() error
}
