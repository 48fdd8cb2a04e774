package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/inventra/authgate/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLockoutFixture(t *testing.T) (*LockoutService, *MemoryStateStore) {
	t.Helper()
	store := NewMemoryStateStore()
	store.Seed(&models.LoginState{AccountID: "acct-1"})
	return NewLockoutService(store, 5, 15*time.Minute, discardLogger()), store
}

func TestLockoutService_RecordFailure_BelowThreshold(t *testing.T) {
	svc, _ := newLockoutFixture(t)
	now := time.Now()

	for i := 1; i <= 4; i++ {
		state, crossed, err := svc.RecordFailure(context.Background(), "acct-1", now)
		require.NoError(t, err)
		assert.False(t, crossed)
		assert.Equal(t, i, state.FailedAttempts)
		assert.Nil(t, state.BlockedUntil)
	}
}

func TestLockoutService_RecordFailure_CrossesThreshold(t *testing.T) {
	svc, _ := newLockoutFixture(t)
	now := time.Now()

	for i := 0; i < 4; i++ {
		_, _, err := svc.RecordFailure(context.Background(), "acct-1", now)
		require.NoError(t, err)
	}

	state, crossed, err := svc.RecordFailure(context.Background(), "acct-1", now)
	require.NoError(t, err)
	assert.True(t, crossed)
	assert.Equal(t, 5, state.FailedAttempts)
	require.NotNil(t, state.BlockedUntil)
	assert.WithinDuration(t, now.Add(15*time.Minute), *state.BlockedUntil, time.Second)
}

func TestLockoutService_RecordFailure_BeyondThresholdDoesNotExtend(t *testing.T) {
	svc, _ := newLockoutFixture(t)
	now := time.Now()

	for i := 0; i < 5; i++ {
		_, _, err := svc.RecordFailure(context.Background(), "acct-1", now)
		require.NoError(t, err)
	}

	later := now.Add(10 * time.Minute)
	state, crossed, err := svc.RecordFailure(context.Background(), "acct-1", later)
	require.NoError(t, err)
	assert.False(t, crossed)
	assert.Equal(t, 6, state.FailedAttempts)
	assert.WithinDuration(t, now.Add(15*time.Minute), *state.BlockedUntil, time.Second)
}

func TestLockoutService_RecordFailure_ConcurrentNeverUndercounts(t *testing.T) {
	svc, store := newLockoutFixture(t)
	now := time.Now()

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _, err := svc.RecordFailure(context.Background(), "acct-1", now)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	state, err := store.GetByAccountID(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, n, state.FailedAttempts)
	require.NotNil(t, state.BlockedUntil)
}

func TestLockoutService_Evaluate_ActiveBlock(t *testing.T) {
	svc, store := newLockoutFixture(t)
	now := time.Now()
	until := now.Add(10 * time.Minute)
	store.Seed(&models.LoginState{AccountID: "acct-1", FailedAttempts: 5, BlockedUntil: &until})

	state, _ := store.GetByAccountID(context.Background(), "acct-1")
	_, err := svc.Evaluate(context.Background(), state, now)

	var locked *models.LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, until.Unix(), locked.Until.Unix())
}

func TestLockoutService_Evaluate_LiftsExpiredBlock(t *testing.T) {
	svc, store := newLockoutFixture(t)
	now := time.Now()
	until := now.Add(-time.Minute)
	store.Seed(&models.LoginState{AccountID: "acct-1", FailedAttempts: 5, BlockedUntil: &until})

	state, _ := store.GetByAccountID(context.Background(), "acct-1")
	refreshed, err := svc.Evaluate(context.Background(), state, now)

	require.NoError(t, err)
	assert.Equal(t, 0, refreshed.FailedAttempts)
	assert.Nil(t, refreshed.BlockedUntil)

	stored, _ := store.GetByAccountID(context.Background(), "acct-1")
	assert.Equal(t, 0, stored.FailedAttempts)
}

func TestLockoutService_Evaluate_CleanState(t *testing.T) {
	svc, store := newLockoutFixture(t)

	state, _ := store.GetByAccountID(context.Background(), "acct-1")
	refreshed, err := svc.Evaluate(context.Background(), state, time.Now())

	require.NoError(t, err)
	assert.Equal(t, 0, refreshed.FailedAttempts)
}

func TestLockoutService_RecordSuccess_Resets(t *testing.T) {
	svc, store := newLockoutFixture(t)
	now := time.Now()

	for i := 0; i < 3; i++ {
		_, _, err := svc.RecordFailure(context.Background(), "acct-1", now)
		require.NoError(t, err)
	}

	state, err := svc.RecordSuccess(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 0, state.FailedAttempts)
	assert.Nil(t, state.BlockedUntil)

	stored, _ := store.GetByAccountID(context.Background(), "acct-1")
	assert.Equal(t, 0, stored.FailedAttempts)
}
