package sellers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusans/escrowd/internal/testutil"
)

func pgSeller(name string) *Seller {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Seller{
		AgentName:  name,
		Wallet:     testWallet,
		WebhookURL: "https://" + name + ".example/webhook",
		VerifyURL:  "https://" + name + ".example/verify",
		APIKey:     "sk_live_" + name,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestPostgres_SellerRoundtrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	want := pgSeller("skyjet-airways")
	require.NoError(t, store.Create(ctx, want))

	got, err := store.Get(ctx, "skyjet-airways")
	require.NoError(t, err)
	assert.Equal(t, want.Wallet, got.Wallet)
	assert.Equal(t, want.WebhookURL, got.WebhookURL)
	assert.Equal(t, want.VerifyURL, got.VerifyURL)
	assert.Equal(t, want.APIKey, got.APIKey)
	assert.True(t, got.Active)

	_, err = store.Get(ctx, "ghost-agent")
	assert.ErrorIs(t, err, ErrSellerNotFound)
}

func TestPostgres_SellerDuplicate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, pgSeller("dup-agent")))

	err := store.Create(ctx, pgSeller("dup-agent"))
	assert.ErrorIs(t, err, ErrSellerExists)
}

func TestPostgres_SellerUpdate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	s := pgSeller("update-agent")
	require.NoError(t, store.Create(ctx, s))

	s.Active = false
	s.WebhookURL = "https://new.example/webhook"
	s.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, store.Update(ctx, s))

	got, err := store.Get(ctx, "update-agent")
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, "https://new.example/webhook", got.WebhookURL)

	ghost := pgSeller("ghost-agent")
	assert.ErrorIs(t, store.Update(ctx, ghost), ErrSellerNotFound)
}

func TestPostgres_SellerList(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	for _, name := range []string{"agent-a", "agent-b", "agent-c"} {
		require.NoError(t, store.Create(ctx, pgSeller(name)))
	}

	got, err := store.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
