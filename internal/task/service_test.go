package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskboard/internal/config"
	"taskboard/internal/model"
	"taskboard/internal/pkg/apperr"
	"taskboard/internal/pkg/logger"
	"taskboard/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

type fixture struct {
	svc   *Service
	alice uint
	bob   uint
	clock time.Time
	tasks *store.TaskStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(db) })

	users := store.NewUserStore(db)
	alice := &model.User{Email: "alice@x.com", PasswordHash: "h"}
	bob := &model.User{Email: "bob@x.com", PasswordHash: "h"}
	require.NoError(t, users.CreateUser(context.Background(), alice))
	require.NoError(t, users.CreateUser(context.Background(), bob))

	f := &fixture{
		alice: alice.ID,
		bob:   bob.ID,
		clock: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC),
		tasks: store.NewTaskStore(db),
	}
	f.svc = NewService(f.tasks, logger.Discard())
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func TestCreate_Defaults(t *testing.T) {
	f := newFixture(t)

	got, err := f.svc.Create(context.Background(), f.alice, CreateInput{Title: "  Buy milk  "})
	require.NoError(t, err)
	assert.NotZero(t, got.ID)
	assert.Equal(t, "Buy milk", got.Title)
	assert.Equal(t, model.StatusTodo, got.Status)
	assert.Equal(t, f.alice, got.OwnerID)
	assert.True(t, got.CreatedAt.Equal(got.UpdatedAt))
	assert.True(t, got.CreatedAt.Equal(f.clock))
}

func TestCreate_WithStatusAndDescription(t *testing.T) {
	f := newFixture(t)

	got, err := f.svc.Create(context.Background(), f.alice, CreateInput{
		Title:       "Ship",
		Description: strPtr("release v2"),
		Status:      strPtr("In-Progress"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, got.Status)
	assert.Equal(t, "release v2", got.Description)
}

func TestCreate_InvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, in := range []CreateInput{
		{Title: ""},
		{Title: "   "},
		{Title: "ok", Status: strPtr("blocked")},
		{Title: string(make([]rune, maxTitleLength+1))},
	} {
		_, err := f.svc.Create(ctx, f.alice, in)
		require.ErrorIs(t, err, apperr.ErrInvalidInput)
	}

	list, err := f.svc.List(ctx, f.alice)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRoundTrip_CreateThenUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.svc.Create(ctx, f.alice, CreateInput{Title: "Buy milk"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusTodo, created.Status)
	assert.True(t, created.CreatedAt.Equal(created.UpdatedAt))

	f.clock = f.clock.Add(90 * time.Second)
	updated, err := f.svc.Update(ctx, f.alice, created.ID, UpdateInput{Status: strPtr("done")})
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, model.StatusDone, updated.Status)
	assert.Equal(t, "Buy milk", updated.Title)
	assert.False(t, updated.UpdatedAt.Before(created.CreatedAt))
	assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))
	assert.True(t, updated.CreatedAt.Equal(created.CreatedAt))

	stored, err := f.tasks.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, stored.Status)
	assert.True(t, stored.UpdatedAt.Equal(updated.UpdatedAt))
}

func TestUpdate_StatusTransitionsAreFree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.svc.Create(ctx, f.alice, CreateInput{Title: "t", Status: strPtr("done")})
	require.NoError(t, err)

	for _, st := range []string{"todo", "done", "in-progress", "todo"} {
		got, err := f.svc.Update(ctx, f.alice, created.ID, UpdateInput{Status: strPtr(st)})
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatus(st), got.Status)
	}
}

func TestUpdate_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.svc.Create(ctx, f.alice, CreateInput{Title: "mine"})
	require.NoError(t, err)

	_, err = f.svc.Update(ctx, f.alice, created.ID, UpdateInput{})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = f.svc.Update(ctx, f.alice, created.ID, UpdateInput{Title: strPtr(" ")})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = f.svc.Update(ctx, f.alice, created.ID, UpdateInput{Status: strPtr("archived")})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = f.svc.Update(ctx, f.alice, created.ID+100, UpdateInput{Title: strPtr("x")})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.svc.Update(ctx, f.bob, created.ID, UpdateInput{Title: strPtr("stolen")})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	stored, err := f.tasks.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "mine", stored.Title)
}

func TestUpdate_OwnershipCheckedBeforeInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.svc.Create(ctx, f.alice, CreateInput{Title: "mine"})
	require.NoError(t, err)

	_, err = f.svc.Update(ctx, f.bob, created.ID, UpdateInput{Title: strPtr("")})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.svc.Update(ctx, f.bob, created.ID, UpdateInput{})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.svc.Update(ctx, f.alice, created.ID+100, UpdateInput{Status: strPtr("archived")})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestOwnershipIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.svc.Create(ctx, f.alice, CreateInput{Title: "alice only"})
	require.NoError(t, err)

	bobs, err := f.svc.List(ctx, f.bob)
	require.NoError(t, err)
	for _, tk := range bobs {
		assert.NotEqual(t, created.ID, tk.ID)
	}

	err = f.svc.Delete(ctx, f.bob, created.ID)
	require.ErrorIs(t, err, apperr.ErrForbidden)

	alices, err := f.svc.List(ctx, f.alice)
	require.NoError(t, err)
	require.Len(t, alices, 1)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.svc.Create(ctx, f.alice, CreateInput{Title: "Write report"})
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, f.alice, created.ID))
	err = f.svc.Delete(ctx, f.alice, created.ID)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	list, err := f.svc.List(ctx, f.alice)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestList_InsertionOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, title := range []string{"one", "two", "three"} {
		_, err := f.svc.Create(ctx, f.alice, CreateInput{Title: title})
		require.NoError(t, err)
	}
	list, err := f.svc.List(ctx, f.alice)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"one", "two", "three"}, []string{list[0].Title, list[1].Title, list[2].Title})
}

// failingRepo 模拟存储不可用。
type failingRepo struct{ Repository }

func (failingRepo) GetTask(context.Context, uint) (*model.Task, error) {
	return nil, apperr.Store("get task", errors.New("connection reset"))
}

func TestStoreFailuresSurface(t *testing.T) {
	svc := NewService(failingRepo{}, logger.Discard())
	err := svc.Delete(context.Background(), 1, 1)
	require.ErrorIs(t, err, apperr.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, apperr.ErrNotFound)
}
