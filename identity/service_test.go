package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"colisflow/delivery"
)

func TestIsVerified(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(
		Profile{ID: "carrier-1", DisplayName: "Awa", Verified: true},
		Profile{ID: "carrier-2", DisplayName: "Moussa"},
	))

	ok, err := svc.IsVerified(ctx, "carrier-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.IsVerified(ctx, "carrier-2")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.IsVerified(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegisterKeepsVerification(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore())

	_, err := svc.Register(ctx, "p1", "Fatou")
	require.NoError(t, err)
	_, err = svc.SetVerified(ctx, "p1", true)
	require.NoError(t, err)

	p, err := svc.Register(ctx, "p1", "Fatou D.")
	require.NoError(t, err)
	assert.True(t, p.Verified)
	assert.Equal(t, "Fatou D.", p.DisplayName)

	_, err = svc.Register(ctx, " ", "x")
	assert.ErrorIs(t, err, delivery.ErrValidation)
	_, err = svc.SetVerified(ctx, "ghost", true)
	assert.ErrorIs(t, err, delivery.ErrNotFound)
}

func TestListOrdersByName(t *testing.T) {
	svc := NewService(NewMemoryStore(
		Profile{ID: "b", DisplayName: "Bineta"},
		Profile{ID: "a", DisplayName: "Aminata"},
	))
	got, err := svc.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
}
