package envelope_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lumenize/lumenize-sub005/pkg/chain"
	"github.com/lumenize/lumenize-sub005/pkg/envelope"
)

type fakeCaller struct{ identity envelope.Identity }

func (f fakeCaller) CallerIdentity() envelope.Identity { return f.identity }

type echoStub struct {
	gotEnvelope envelope.CallEnvelope
	result      any
	err         error
}

func (s *echoStub) ExecuteOperation(ctx context.Context, env envelope.CallEnvelope) (any, error) {
	s.gotEnvelope = env
	return s.result, s.err
}

func TestCallRawBuildsEnvelopeAndDispatches(t *testing.T) {
	stub := &echoStub{result: "ok"}
	caller := fakeCaller{identity: envelope.Identity{Kind: envelope.KindActor, BindingName: "caller-binding", InstanceNameOrId: "inst-1"}}

	c := chain.New().Call("getData", "k")
	instanceID := "target-1"

	result, err := envelope.CallRaw(context.Background(), caller, "target-binding", &instanceID, c, func(callee envelope.Identity) (envelope.Stub, error) {
		require.Equal(t, envelope.KindActor, callee.Kind)
		require.Equal(t, "target-binding", callee.BindingName)
		require.Equal(t, "target-1", callee.InstanceNameOrId)
		return stub, nil
	})

	require.NoError(t, err)
	require.Equal(t, "ok", result)
	require.Equal(t, envelope.Version, stub.gotEnvelope.Version)
	require.Equal(t, "caller-binding", stub.gotEnvelope.Metadata.Caller.BindingName)
}

func TestCallRawWorkerCalleeHasNoInstance(t *testing.T) {
	stub := &echoStub{result: nil}
	caller := fakeCaller{}

	c := chain.New().Call("ping")
	_, err := envelope.CallRaw(context.Background(), caller, "worker-binding", nil, c, func(callee envelope.Identity) (envelope.Stub, error) {
		require.Equal(t, envelope.KindWorker, callee.Kind)
		require.Empty(t, callee.InstanceNameOrId)
		return stub, nil
	})
	require.NoError(t, err)
}

func TestPreprocessPostprocessRoundTripsError(t *testing.T) {
	original := errors.New("boom")
	c := chain.New().Call("store", "k", chain.Result())
	substituted := chain.ReplaceNestedOperationMarkers(c.OperationChain(), original)

	wire := envelope.Preprocess(substituted)
	// the error must not survive preprocessing as a Go error value
	require.IsType(t, map[string]any{}, wire.Steps[0].Args[1])

	restored := envelope.Postprocess(wire)
	gotErr, ok := restored.Steps[0].Args[1].(error)
	require.True(t, ok)
	require.Equal(t, "boom", gotErr.Error())
}
