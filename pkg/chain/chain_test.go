package chain_test

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lumenize/lumenize-sub005/pkg/chain"
)

type testActor struct {
	data  map[string]string
	store map[string]string
}

func newTestActor() *testActor {
	return &testActor{data: map[string]string{"k": "v"}, store: map[string]string{}}
}

func (a *testActor) GetData(key string) (string, error) {
	v, ok := a.data[key]
	if !ok {
		return "", fmt.Errorf("no such key %q", key)
	}
	return v, nil
}

func (a *testActor) Store(key, value string) string {
	a.store[key] = value
	return value
}

func TestContinuationRecordsImmutableLineage(t *testing.T) {
	base := chain.New().Get("data")
	a := base.Call("getData", "k")
	b := base.Call("getData", "other")

	require.Len(t, a.OperationChain().Steps, 2)
	require.Len(t, b.OperationChain().Steps, 2)
	require.Len(t, base.OperationChain().Steps, 1, "building from base must not mutate it")
}

func TestGetOperationChainTypeGuard(t *testing.T) {
	c := chain.New().Call("getData", "k")

	got, ok := chain.GetOperationChain(c)
	require.True(t, ok)
	require.Same(t, c.OperationChain(), got)

	_, ok = chain.GetOperationChain("not a continuation")
	require.False(t, ok)
}

func TestExecuteSimpleCall(t *testing.T) {
	actor := newTestActor()
	c := chain.New().Call("getData", "k")

	result, err := chain.Execute(c.OperationChain(), actor)
	require.NoError(t, err)
	require.Equal(t, "v", result)
}

func TestExecutePropagatesThrow(t *testing.T) {
	actor := newTestActor()
	c := chain.New().Call("getData", "missing")

	_, err := chain.Execute(c.OperationChain(), actor)
	require.Error(t, err)
}

func TestExecuteNestedChainSubstitution(t *testing.T) {
	actor := newTestActor()

	remote := chain.New().Call("getData", "k")
	outer := chain.New().Call("store", "k", remote)

	result, err := chain.Execute(outer.OperationChain(), actor)
	require.NoError(t, err)
	require.Equal(t, "v", result)
	require.Equal(t, "v", actor.store["k"])
}

func TestReplaceNestedOperationMarkersThenExecute(t *testing.T) {
	actor := newTestActor()

	// handler = ctn().store("k", $result)
	handler := chain.New().Call("store", "k", chain.Result())
	substituted := chain.ReplaceNestedOperationMarkers(handler.OperationChain(), "v")

	result, err := chain.Execute(substituted, actor)
	require.NoError(t, err)
	require.Equal(t, "v", result)
	require.Equal(t, "v", actor.store["k"])
}

// TestChainWithNestedResultInjection builds
// handler = ctn().store(remote, $result) and executes it against the actor
// after remote resolves to "v"; the result must equal actor.Store("v", "v").
func TestChainWithNestedResultInjection(t *testing.T) {
	actorA := newTestActor()
	actorB := newTestActor()

	remote := chain.New().Call("getData", "k")
	handler := chain.New().Call("store", remote, chain.Result())

	// Path 1: substitute $result, then execute (remote nested chain resolves
	// against the same target during execution).
	substituted := chain.ReplaceNestedOperationMarkers(handler.OperationChain(), "v")
	got, err := chain.Execute(substituted, actorA)
	require.NoError(t, err)
	require.Equal(t, "v", got)

	// Path 2: the equivalent direct call.
	want := actorB.Store("v", "v")
	require.Equal(t, want, got)
}

func TestWireRoundTripPreservesMarkers(t *testing.T) {
	actor := newTestActor()

	remote := chain.New().Call("getData", "k")
	handler := chain.New().Call("store", remote, chain.Result())

	encoded, err := json.Marshal(handler.OperationChain())
	require.NoError(t, err)

	var revived chain.OperationChain
	require.NoError(t, json.Unmarshal(encoded, &revived))

	substituted := chain.ReplaceNestedOperationMarkers(&revived, "v")
	got, err := chain.Execute(substituted, actor)
	require.NoError(t, err)
	require.Equal(t, "v", got)
	require.Equal(t, "v", actor.store["v"])
}

func TestGetPropertyAccessor(t *testing.T) {
	type withGetter struct{ Name string }
	c := chain.New().Get("name")

	// property-style: no zero-arg method "Name", falls back to exported field read
	target := &withGetter{Name: "alice"}
	result, err := chain.Execute(c.OperationChain(), target)
	require.NoError(t, err)
	require.Equal(t, "alice", result)
}
