//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/velmie/offline-outbox"
	"github.com/velmie/offline-outbox/internal/storetest"
	"github.com/velmie/offline-outbox/internal/testutil"
	"github.com/velmie/offline-outbox/postgres"
)

func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	url := testutil.StartPostgres(t, ctx)

	setup, err := postgres.Open(ctx, url, postgres.WithTable("public.outbox_messages"))
	require.NoError(t, err)
	require.NoError(t, setup.EnsureSchema(ctx))
	require.NoError(t, setup.EnsureSchema(ctx))
	require.NoError(t, setup.Close())

	storetest.Run(t, func(t *testing.T) outbox.Store {
		store, err := postgres.Open(ctx, url, postgres.WithTable("public.outbox_messages"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestStorePruneIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	store, err := postgres.Open(ctx, testutil.StartPostgres(t, ctx))
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.EnsureSchema(ctx))

	conv := outbox.ConversationID("prune")
	require.NoError(t, store.Insert(ctx, storetest.Message("a", conv, 0, outbox.StatusSent)))
	require.NoError(t, store.Insert(ctx, storetest.Message("b", conv, time.Second, outbox.StatusSent)))
	require.NoError(t, store.Insert(ctx, storetest.Message("c", conv, 2*time.Second, outbox.StatusFailed)))

	deleted, err := store.Prune(ctx, time.Now().Add(time.Hour), 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	deleted, err = store.Prune(ctx, time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	pending, err := store.Pending(ctx, conv)
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, storetest.Keys(pending))
}
