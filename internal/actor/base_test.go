package actor_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lumenize/lumenize-sub005/internal/actor"
	"github.com/lumenize/lumenize-sub005/internal/apperr"
	"github.com/lumenize/lumenize-sub005/pkg/chain"
	"github.com/lumenize/lumenize-sub005/pkg/envelope"
)

type Counter struct {
	*actor.Base
	Total int
	Last  any
}

func (c *Counter) Add(n int) int {
	c.Total += n
	return c.Total
}

func (c *Counter) Record(v any) any {
	c.Last = v
	return v
}

func newCounter() *Counter {
	c := &Counter{}
	c.Base = actor.NewBase(c, actor.NewMemoryStorage(), 0)
	return c
}

func TestInitIsWriteOnce(t *testing.T) {
	c := newCounter()
	require.NoError(t, c.Init(context.Background(), "counter-binding", "inst-1"))
	require.Equal(t, "counter-binding", c.BindingName())

	// idempotent re-init with the same values
	require.NoError(t, c.Init(context.Background(), "counter-binding", "inst-1"))

	err := c.Init(context.Background(), "counter-binding", "inst-2")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindIdentityConflict))
}

func TestEnvelopeIntakeAppliesCalleeIdentityAndExecutesChain(t *testing.T) {
	c := newCounter()

	oc := chain.New().Call("add", 5).OperationChain()
	env := envelope.CallEnvelope{
		Version: envelope.Version,
		Chain:   oc,
		Metadata: envelope.Metadata{
			Callee: envelope.Identity{Kind: envelope.KindActor, BindingName: "counter-binding", InstanceNameOrId: "inst-1"},
		},
	}

	result, err := c.ExecuteOperation(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, 5, result)
	require.Equal(t, "counter-binding", c.BindingName())
	require.Equal(t, "inst-1", c.InstanceNameOrId())
}

func TestEnvelopeIntakeRejectsVersionMismatch(t *testing.T) {
	c := newCounter()
	env := envelope.CallEnvelope{Version: 2, Chain: chain.New().OperationChain()}
	_, err := c.ExecuteOperation(context.Background(), env)
	require.Error(t, err)
	require.Contains(t, err.Error(), "version mismatch")
}
