package storage

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr-network/wopr-fleet/pkg/types"
)

func TestConsumeTokenSingleUse(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	token := &types.RegistrationToken{
		ID:        uuid.New().String(),
		UserID:    "user-1",
		Label:     "rack-7",
		CreatedAt: now,
		ExpiresAt: now.Add(15 * time.Minute),
	}
	require.NoError(t, store.CreateToken(token))

	consumed, err := store.ConsumeToken(token.ID, "node-1", now)
	require.NoError(t, err)
	require.NotNil(t, consumed)
	assert.Equal(t, "user-1", consumed.UserID)
	assert.Equal(t, "rack-7", consumed.Label)
	assert.Equal(t, "node-1", consumed.NodeID)
	require.NotNil(t, consumed.UsedAt)

	// second consume returns nil
	again, err := store.ConsumeToken(token.ID, "node-2", now)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestConsumeTokenExpired(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	token := &types.RegistrationToken{
		ID:        uuid.New().String(),
		UserID:    "user-1",
		CreatedAt: now.Add(-time.Hour),
		ExpiresAt: now.Add(-45 * time.Minute),
	}
	require.NoError(t, store.CreateToken(token))

	consumed, err := store.ConsumeToken(token.ID, "node-1", now)
	require.NoError(t, err)
	assert.Nil(t, consumed)

	consumed, err = store.ConsumeToken("unknown-token", "node-1", now)
	require.NoError(t, err)
	assert.Nil(t, consumed)
}

func TestListActiveAndPurge(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	live := &types.RegistrationToken{ID: uuid.New().String(), UserID: "user-1", ExpiresAt: now.Add(10 * time.Minute)}
	dead := &types.RegistrationToken{ID: uuid.New().String(), UserID: "user-1", ExpiresAt: now.Add(-10 * time.Minute)}
	other := &types.RegistrationToken{ID: uuid.New().String(), UserID: "user-2", ExpiresAt: now.Add(10 * time.Minute)}
	for _, token := range []*types.RegistrationToken{live, dead, other} {
		require.NoError(t, store.CreateToken(token))
	}

	active, err := store.ListActiveTokens("user-1", now)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, live.ID, active[0].ID)

	purged, err := store.PurgeExpiredTokens(now)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	// purge is idempotent
	purged, err = store.PurgeExpiredTokens(now)
	require.NoError(t, err)
	assert.Equal(t, 0, purged)
}
