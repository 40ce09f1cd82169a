package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/enrolid/backend/internal/core"
)

// Postgres is the production Store. Nested document parts (applicant,
// photo, processing, result, metadata, details) live in jsonb columns;
// the columns backing the hot queries are first-class and indexed.
type Postgres struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgres connects, verifies the connection and ensures the schema.
func NewPostgres(uri string) (*Postgres, error) {
	db, err := sql.Open("postgres", uri)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p := &Postgres{
		db:     db,
		logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}
	if err := p.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	p.logger.Printf("connected")
	return p, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS applications (
		application_id TEXT PRIMARY KEY,
		status         TEXT NOT NULL,
		identity_id    TEXT,
		is_duplicate   BOOLEAN NOT NULL DEFAULT FALSE,
		document       JSONB NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_applications_identity ON applications (identity_id)`,
	`CREATE INDEX IF NOT EXISTS idx_applications_status_created ON applications (status, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_applications_dup_status ON applications (is_duplicate, status)`,

	`CREATE TABLE IF NOT EXISTS identities (
		identity_id TEXT PRIMARY KEY,
		status      TEXT NOT NULL,
		document    JSONB NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_identities_status_created ON identities (status, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS embeddings (
		application_id TEXT PRIMARY KEY,
		identity_id    TEXT NOT NULL,
		document       JSONB NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_embeddings_identity ON embeddings (identity_id)`,

	`CREATE TABLE IF NOT EXISTS audit_events (
		event_id    TEXT PRIMARY KEY,
		event_kind  TEXT NOT NULL,
		actor_id    TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		ts          TIMESTAMPTZ NOT NULL,
		document    JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_resource_ts ON audit_events (resource_id, ts DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_actor_kind_ts ON audit_events (actor_id, event_kind, ts DESC)`,

	`CREATE TABLE IF NOT EXISTS users (
		user_id       TEXT PRIMARY KEY,
		username      TEXT NOT NULL UNIQUE,
		email         TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		role          TEXT NOT NULL,
		active        BOOLEAN NOT NULL DEFAULT TRUE,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL
	)`,
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// ============================================================================
// APPLICATIONS
// ============================================================================

func (p *Postgres) CreateApplication(ctx context.Context, app *core.Application) error {
	doc, err := json.Marshal(app)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO applications (application_id, status, identity_id, is_duplicate, document, created_at, updated_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)`,
		app.ApplicationID, app.Processing.Status, app.Result.IdentityID,
		app.Result.IsDuplicate, doc, app.CreatedAt, app.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: application %s", ErrDuplicate, app.ApplicationID)
	}
	return err
}

func (p *Postgres) GetApplication(ctx context.Context, applicationID string) (*core.Application, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT document FROM applications WHERE application_id = $1`, applicationID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: application %s", ErrNotFound, applicationID)
	}
	if err != nil {
		return nil, err
	}
	var app core.Application
	if err := json.Unmarshal(doc, &app); err != nil {
		return nil, err
	}
	return &app, nil
}

func (p *Postgres) UpdateApplication(ctx context.Context, app *core.Application) error {
	app.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(app)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE applications
		 SET status = $2, identity_id = NULLIF($3, ''), is_duplicate = $4, document = $5, updated_at = $6
		 WHERE application_id = $1`,
		app.ApplicationID, app.Processing.Status, app.Result.IdentityID,
		app.Result.IsDuplicate, doc, app.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: application %s", ErrNotFound, app.ApplicationID)
	}
	return nil
}

func (p *Postgres) ListApplications(ctx context.Context, f ListFilter) ([]*core.Application, int, error) {
	page, size := normalizePage(f.Page, f.Size)

	where, args := "", []interface{}{}
	if f.Status != "" {
		where = "WHERE status = $1"
		args = append(args, string(f.Status))
	}

	var total int
	if err := p.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM applications %s`, where), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, size, (page-1)*size)
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT document FROM applications %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	apps, err := scanApplications(rows)
	return apps, total, err
}

func (p *Postgres) ListApplicationsByIdentity(ctx context.Context, identityID string) ([]*core.Application, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT document FROM applications WHERE identity_id = $1 ORDER BY created_at`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanApplications(rows)
}

func (p *Postgres) CountApplicationsByStatus(ctx context.Context) (map[core.Status]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM applications GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[core.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[core.Status(status)] = count
	}
	return out, rows.Err()
}

func scanApplications(rows *sql.Rows) ([]*core.Application, error) {
	out := make([]*core.Application, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var app core.Application
		if err := json.Unmarshal(doc, &app); err != nil {
			return nil, err
		}
		out = append(out, &app)
	}
	return out, rows.Err()
}

// ============================================================================
// IDENTITIES
// ============================================================================

func (p *Postgres) CreateIdentity(ctx context.Context, id *core.Identity) error {
	doc, err := json.Marshal(id)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO identities (identity_id, status, document, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		id.IdentityID, id.Status, doc, id.CreatedAt, id.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: identity %s", ErrDuplicate, id.IdentityID)
	}
	return err
}

func (p *Postgres) GetIdentity(ctx context.Context, identityID string) (*core.Identity, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT document FROM identities WHERE identity_id = $1`, identityID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: identity %s", ErrNotFound, identityID)
	}
	if err != nil {
		return nil, err
	}
	var id core.Identity
	if err := json.Unmarshal(doc, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

func (p *Postgres) UpdateIdentity(ctx context.Context, id *core.Identity) error {
	id.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(id)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE identities SET status = $2, document = $3, updated_at = $4 WHERE identity_id = $1`,
		id.IdentityID, id.Status, doc, id.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: identity %s", ErrNotFound, id.IdentityID)
	}
	return nil
}

func (p *Postgres) ListIdentities(ctx context.Context, f IdentityFilter) ([]*core.Identity, int, error) {
	page, size := normalizePage(f.Page, f.Size)

	where, args := "", []interface{}{}
	if f.Status != "" {
		where = "WHERE status = $1"
		args = append(args, string(f.Status))
	}

	var total int
	if err := p.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM identities %s`, where), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, size, (page-1)*size)
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT document FROM identities %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]*core.Identity, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, 0, err
		}
		var id core.Identity
		if err := json.Unmarshal(doc, &id); err != nil {
			return nil, 0, err
		}
		out = append(out, &id)
	}
	return out, total, rows.Err()
}

func (p *Postgres) IdentityExists(ctx context.Context, identityID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM identities WHERE identity_id = $1)`, identityID).Scan(&exists)
	return exists, err
}

// ============================================================================
// EMBEDDINGS
// ============================================================================

func (p *Postgres) InsertEmbedding(ctx context.Context, rec *core.EmbeddingRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO embeddings (application_id, identity_id, document, created_at)
		 VALUES ($1, $2, $3, $4)`,
		rec.ApplicationID, rec.IdentityID, doc, rec.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: embedding for application %s", ErrDuplicate, rec.ApplicationID)
	}
	return err
}

func (p *Postgres) GetEmbedding(ctx context.Context, applicationID string) (*core.EmbeddingRecord, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT document FROM embeddings WHERE application_id = $1`, applicationID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: embedding for application %s", ErrNotFound, applicationID)
	}
	if err != nil {
		return nil, err
	}
	var rec core.EmbeddingRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (p *Postgres) ListEmbeddingsByIdentity(ctx context.Context, identityID string) ([]*core.EmbeddingRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT document FROM embeddings WHERE identity_id = $1 ORDER BY created_at`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*core.EmbeddingRecord, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var rec core.EmbeddingRecord
		if err := json.Unmarshal(doc, &rec); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// ============================================================================
// AUDIT EVENTS (the table has no UPDATE or DELETE path in this codebase)
// ============================================================================

func (p *Postgres) AppendAuditEvent(ctx context.Context, ev *core.AuditEvent) error {
	doc, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO audit_events (event_id, event_kind, actor_id, resource_id, ts, document)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.EventID, ev.Kind, ev.ActorID, ev.ResourceID, ev.Timestamp, doc)
	return err
}

func (p *Postgres) QueryAuditEvents(ctx context.Context, f AuditFilter, page, size int) ([]*core.AuditEvent, int, error) {
	page, size = normalizePage(page, size)

	where := "WHERE 1=1"
	args := []interface{}{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}
	if f.ResourceID != "" {
		add("resource_id =", f.ResourceID)
	}
	if f.ActorID != "" {
		add("actor_id =", f.ActorID)
	}
	if f.Kind != "" {
		add("event_kind =", string(f.Kind))
	}
	if !f.From.IsZero() {
		add("ts >=", f.From)
	}
	if !f.To.IsZero() {
		add("ts <=", f.To)
	}

	var total int
	if err := p.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM audit_events %s`, where), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, size, (page-1)*size)
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT document FROM audit_events %s ORDER BY ts DESC LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]*core.AuditEvent, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, 0, err
		}
		var ev core.AuditEvent
		if err := json.Unmarshal(doc, &ev); err != nil {
			return nil, 0, err
		}
		out = append(out, &ev)
	}
	return out, total, rows.Err()
}

// ============================================================================
// USERS
// ============================================================================

func (p *Postgres) CreateUser(ctx context.Context, u *core.User) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO users (user_id, username, email, password_hash, role, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.UserID, u.Username, u.Email, u.PasswordHash, u.Role, u.Active, u.CreatedAt, u.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: user %s", ErrDuplicate, u.Username)
	}
	return err
}

func (p *Postgres) GetUser(ctx context.Context, userID string) (*core.User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx,
		`SELECT user_id, username, email, password_hash, role, active, created_at, updated_at
		 FROM users WHERE user_id = $1`, userID), userID)
}

func (p *Postgres) GetUserByUsername(ctx context.Context, username string) (*core.User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx,
		`SELECT user_id, username, email, password_hash, role, active, created_at, updated_at
		 FROM users WHERE username = $1`, username), username)
}

func (p *Postgres) scanUser(row *sql.Row, key string) (*core.User, error) {
	var u core.User
	err := row.Scan(&u.UserID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (p *Postgres) UpdateUser(ctx context.Context, u *core.User) error {
	u.UpdatedAt = time.Now().UTC()
	res, err := p.db.ExecContext(ctx,
		`UPDATE users SET username = $2, email = $3, password_hash = $4, role = $5, active = $6, updated_at = $7
		 WHERE user_id = $1`,
		u.UserID, u.Username, u.Email, u.PasswordHash, u.Role, u.Active, u.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: user %s", ErrNotFound, u.UserID)
	}
	return nil
}

func (p *Postgres) ListUsers(ctx context.Context) ([]*core.User, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT user_id, username, email, password_hash, role, active, created_at, updated_at
		 FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*core.User, 0)
	for rows.Next() {
		var u core.User
		if err := rows.Scan(&u.UserID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &u.Active, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}
