package actor_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lumenize/lumenize-sub005/pkg/chain"
)

func TestReceiveResultSubstitutesAndExecutesHandler(t *testing.T) {
	c := newCounter()
	handler := chain.New().Call("add", chain.Result()).OperationChain()
	require.NoError(t, c.StorePendingContinuation(context.Background(), "fetch", "req-1", handler))

	require.NoError(t, c.ReceiveResult(context.Background(), "fetch", "req-1", 7))
	require.Equal(t, 7, c.Total)

	_, ok, _ := c.Storage().Get(context.Background(), "__lmz_fetch_pending:req-1")
	require.False(t, ok)
}

func TestReceiveResultDropsDuplicateDelivery(t *testing.T) {
	c := newCounter()
	handler := chain.New().Call("add", chain.Result()).OperationChain()
	require.NoError(t, c.StorePendingContinuation(context.Background(), "fetch", "req-2", handler))

	require.NoError(t, c.ReceiveResult(context.Background(), "fetch", "req-2", 3))
	require.Equal(t, 3, c.Total)

	// second delivery for the same workId is dropped: handler does not run again
	require.NoError(t, c.ReceiveResult(context.Background(), "fetch", "req-2", 100))
	require.Equal(t, 3, c.Total)
}

func TestReceiveResultWithoutPendingContinuationWarnsAndReturns(t *testing.T) {
	c := newCounter()
	require.NoError(t, c.ReceiveResult(context.Background(), "fetch", "never-enqueued", 42))
	require.Equal(t, 0, c.Total)
}
