package branches

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/platinummonkey/campus/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_DescendantsAndLookup(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	store := NewStore(db)
	main := mustCreate(t, store, "main", nil)
	sub := mustCreate(t, store, "sub", &main.ID)
	other := mustCreate(t, store, "other", nil)

	svc := NewService(store, nil)

	set, err := svc.DescendantIDs(ctx, main.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{main.ID, sub.ID}, set.Slice())

	ok, err := svc.IsDescendantOf(ctx, sub.ID, main.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.IsDescendantOf(ctx, other.ID, main.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	b, err := svc.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "sub", b.Name)

	_, err = svc.Get(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	empty, err := svc.DescendantIDs(ctx, 999)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestService_ReturnedSetIsACopy(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	store := NewStore(db)
	main := mustCreate(t, store, "main", nil)
	svc := NewService(store, nil)

	set, err := svc.DescendantIDs(ctx, main.ID)
	require.NoError(t, err)
	set[12345] = struct{}{}

	again, err := svc.DescendantIDs(ctx, main.ID)
	require.NoError(t, err)
	assert.False(t, again.Contains(12345))
}

func TestService_WritesInvalidate(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	store := NewStore(db)
	svc := NewService(store, &cache.Config{Name: "branches", TTL: time.Hour, MaxEntries: 16})

	notified := 0
	svc.OnInvalidate(func() { notified++ })

	main := &Branch{Name: "main", Code: "MAIN"}
	require.NoError(t, svc.Create(ctx, main))

	b, err := svc.Get(ctx, main.ID)
	require.NoError(t, err)
	assert.True(t, b.IsActive())

	require.NoError(t, svc.SetStatus(ctx, main.ID, StatusInactive))
	b, err = svc.Get(ctx, main.ID)
	require.NoError(t, err)
	assert.False(t, b.IsActive(), "status change must be visible after invalidation")

	sub := &Branch{Name: "sub", Code: "SUB"}
	require.NoError(t, svc.Create(ctx, sub))
	sub.ParentBranchID = &main.ID
	require.NoError(t, svc.Update(ctx, sub))

	ok, err := svc.IsDescendantOf(ctx, sub.ID, main.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, 4, notified)
}

func TestService_StaleUntilPurged(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	store := NewStore(db)
	main := mustCreate(t, store, "main", nil)
	svc := NewService(store, &cache.Config{Name: "branches", TTL: time.Hour, MaxEntries: 16})

	_, err := svc.Get(ctx, main.ID)
	require.NoError(t, err)

	// write behind the service's back
	require.NoError(t, store.SetStatus(ctx, main.ID, StatusInactive))
	b, _ := svc.Get(ctx, main.ID)
	assert.True(t, b.IsActive())

	svc.Purge()
	b, _ = svc.Get(ctx, main.ID)
	assert.False(t, b.IsActive())
}

func TestService_LoadFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM branches").WillReturnError(errors.New("connection refused"))

	svc := NewService(NewStore(db), nil)
	_, err = svc.DescendantIDs(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}
