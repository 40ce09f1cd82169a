package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enrolid/backend/internal/core"
)

func newApp(id string, status core.Status) *core.Application {
	return &core.Application{
		ApplicationID: id,
		Applicant:     core.Applicant{FullName: "Jane Doe", DateOfBirth: "1990-01-01"},
		Processing:    core.Processing{Status: status, Stage: core.StageIngest},
		CreatedAt:     time.Now().UTC(),
	}
}

func TestApplicationCRUD(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	app := newApp("app-1", core.StatusPending)
	require.NoError(t, m.CreateApplication(ctx, app))
	assert.ErrorIs(t, m.CreateApplication(ctx, app), ErrDuplicate)

	got, err := m.GetApplication(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", got.Applicant.FullName)

	got.Processing.Status = core.StatusVerified
	require.NoError(t, m.UpdateApplication(ctx, got))

	updated, err := m.GetApplication(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusVerified, updated.Processing.Status)

	_, err = m.GetApplication(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.UpdateApplication(ctx, newApp("ghost", core.StatusPending)), ErrNotFound)
}

func TestGetReturnsDeepCopy(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	app := newApp("app-1", core.StatusPending)
	app.Result.Matches = []core.Match{{ApplicationID: "other", Score: 0.9}}
	require.NoError(t, m.CreateApplication(ctx, app))

	first, err := m.GetApplication(ctx, "app-1")
	require.NoError(t, err)
	first.Applicant.FullName = "mutated"
	first.Result.Matches[0].Score = 0

	second, err := m.GetApplication(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", second.Applicant.FullName)
	assert.Equal(t, 0.9, second.Result.Matches[0].Score)
}

func TestListApplicationsFilterAndPaging(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		status := core.StatusPending
		if i%2 == 0 {
			status = core.StatusVerified
		}
		require.NoError(t, m.CreateApplication(ctx, newApp(fmt.Sprintf("app-%d", i), status)))
	}

	verified, total, err := m.ListApplications(ctx, ListFilter{Status: core.StatusVerified})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, verified, 3)

	page, total, err := m.ListApplications(ctx, ListFilter{Page: 2, Size: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page, 2)

	// Newest first.
	all, _, err := m.ListApplications(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, "app-4", all[0].ApplicationID)
}

func TestCountApplicationsByStatus(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.CreateApplication(ctx, newApp("a", core.StatusVerified))
	m.CreateApplication(ctx, newApp("b", core.StatusVerified))
	m.CreateApplication(ctx, newApp("c", core.StatusDuplicate))

	counts, err := m.CountApplicationsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[core.StatusVerified])
	assert.Equal(t, 1, counts[core.StatusDuplicate])
}

func TestIdentityCRUDAndListByIdentity(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ident := &core.Identity{
		IdentityID:     "id-1",
		Status:         core.IdentityActive,
		ApplicationIDs: []string{"app-1"},
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, m.CreateIdentity(ctx, ident))
	assert.ErrorIs(t, m.CreateIdentity(ctx, ident), ErrDuplicate)

	exists, err := m.IdentityExists(ctx, "id-1")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = m.IdentityExists(ctx, "id-2")
	require.NoError(t, err)
	assert.False(t, exists)

	app := newApp("app-1", core.StatusVerified)
	app.Result.IdentityID = "id-1"
	require.NoError(t, m.CreateApplication(ctx, app))

	linked, err := m.ListApplicationsByIdentity(ctx, "id-1")
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, "app-1", linked[0].ApplicationID)
}

func TestEmbeddingOnePerApplication(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	rec := &core.EmbeddingRecord{
		ApplicationID: "app-1",
		IdentityID:    "id-1",
		Vector:        []float32{1, 2, 3},
		ModelVersion:  "stub-v1",
	}
	require.NoError(t, m.InsertEmbedding(ctx, rec))
	assert.ErrorIs(t, m.InsertEmbedding(ctx, rec), ErrDuplicate)

	got, err := m.GetEmbedding(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, got.Vector)

	byIdent, err := m.ListEmbeddingsByIdentity(ctx, "id-1")
	require.NoError(t, err)
	assert.Len(t, byIdent, 1)
}

func TestAuditEventsInsertAndQuery(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, m.AppendAuditEvent(ctx, &core.AuditEvent{
			EventID:    fmt.Sprintf("ev-%d", i),
			Kind:       core.EventSubmitted,
			Timestamp:  base.Add(time.Duration(i) * time.Second),
			ResourceID: "app-1",
			ActorID:    "api",
		}))
	}

	events, total, err := m.QueryAuditEvents(ctx, AuditFilter{ResourceID: "app-1"}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, events, 3)
	// Newest first.
	assert.Equal(t, "ev-2", events[0].EventID)

	filtered, total, err := m.QueryAuditEvents(ctx, AuditFilter{From: base.Add(1500 * time.Millisecond)}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "ev-2", filtered[0].EventID)
}

func TestUserCRUD(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	u := &core.User{
		UserID:   "u-1",
		Username: "reviewer1",
		Role:     "reviewer",
		Active:   true,
	}
	require.NoError(t, m.CreateUser(ctx, u))
	assert.ErrorIs(t, m.CreateUser(ctx, u), ErrDuplicate)

	byName, err := m.GetUserByUsername(ctx, "reviewer1")
	require.NoError(t, err)
	assert.Equal(t, "u-1", byName.UserID)

	byName.Active = false
	require.NoError(t, m.UpdateUser(ctx, byName))

	got, err := m.GetUser(ctx, "u-1")
	require.NoError(t, err)
	assert.False(t, got.Active)

	users, err := m.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}
