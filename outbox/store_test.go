package outbox

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"colisflow/events"
	"colisflow/test/infra"
)

func enqueueAll(t *testing.T, h *infra.Harness, evs ...events.Event) {
	t.Helper()
	ctx := context.Background()
	tx, err := h.Pool().Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, Enqueue(ctx, tx, evs...))
	require.NoError(t, tx.Commit(ctx))
}

// A second relay polling while the first holds an aggregate's head must not
// publish that aggregate's later events.
func TestPGStore_ConcurrentClaimsKeepAggregateOrder(t *testing.T) {
	if os.Getenv("COLISFLOW_DOCKER_TESTS") == "" {
		t.Skip("COLISFLOW_DOCKER_TESTS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	h, err := infra.NewHarness(ctx)
	require.NoError(t, err)
	defer h.Close(context.Background())

	now := time.Now().UTC()
	a1 := events.New(events.TransactionStatusChanged, events.AggregateTransaction, "tx-a", 1, nil, now)
	a2 := events.New(events.TransactionStatusChanged, events.AggregateTransaction, "tx-a", 2, nil, now)
	b1 := events.New(events.TransactionStatusChanged, events.AggregateTransaction, "tx-b", 1, nil, now)
	a3 := events.New(events.TransactionStatusChanged, events.AggregateTransaction, "tx-a", 3, nil, now)
	enqueueAll(t, h, a1, a2, b1, a3)

	store := NewPGStore(h.Pool())
	var (
		mu    sync.Mutex
		order []string
	)
	publishAll := func(_ context.Context, msgs []Message) map[int64]Outcome {
		out := make(map[int64]Outcome, len(msgs))
		mu.Lock()
		defer mu.Unlock()
		for _, m := range msgs {
			order = append(order, m.Event.ID)
			out[m.ID] = Outcome{Status: Published}
		}
		return out
	}

	held := make(chan struct{})
	resume := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		_, err := store.Claim(ctx, 2, func(ctx context.Context, msgs []Message) map[int64]Outcome {
			close(held)
			<-resume
			return publishAll(ctx, msgs)
		})
		firstDone <- err
	}()
	<-held

	n, err := store.Claim(ctx, 10, publishAll)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the unrelated aggregate is claimable")

	close(resume)
	require.NoError(t, <-firstDone)

	n, err = store.Claim(ctx, 10, publishAll)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{b1.ID, a1.ID, a2.ID, a3.ID}, order)
}
