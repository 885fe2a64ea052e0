package actor

import (
	"context"
	"time"

	"github.com/lumenize/lumenize-sub005/internal/apperr"
	"github.com/lumenize/lumenize-sub005/pkg/chain"
	"github.com/lumenize/lumenize-sub005/pkg/envelope"
)

// Call schedules an async remote call for a durable actor caller and
// returns immediately. The handler continuation, if any, runs later inside
// a serialized asynchronous region so no other inbound operation
// interleaves with the receive-result-then-execute-handler step. A nil
// handlerContinuation makes the call fire-and-forget: a throw is logged and
// silently dropped.
func (b *Base) Call(ctx context.Context, calleeBinding string, calleeInstanceNameOrId *string, remoteContinuation any, handlerContinuation any, resolve envelope.StubResolver) error {
	remoteChain, ok := chain.GetOperationChain(remoteContinuation)
	if !ok {
		return apperr.New(apperr.KindInvalidStubPath, "call: remoteContinuation is not a chain or continuation")
	}

	var handlerChain *chain.OperationChain
	if handlerContinuation != nil {
		handlerChain, ok = chain.GetOperationChain(handlerContinuation)
		if !ok {
			return apperr.New(apperr.KindInvalidStubPath, "call: handlerContinuation is not a chain or continuation")
		}
	}

	if b.BindingName() == "" {
		return apperr.New(apperr.KindInitializationRequired, "call: caller actor has no bindingName")
	}

	go b.runSerializedCall(ctx, calleeBinding, calleeInstanceNameOrId, remoteChain, handlerChain, resolve)
	return nil
}

// runSerializedCall holds asyncMu for the whole await-then-execute-handler
// region, blocking concurrency around it. asyncMu is distinct from the
// identity mutex so CallerIdentity (called from inside envelope.CallRaw)
// never deadlocks against it.
func (b *Base) runSerializedCall(ctx context.Context, calleeBinding string, calleeInstanceNameOrId *string, remoteChain, handlerChain *chain.OperationChain, resolve envelope.StubResolver) {
	b.asyncMu.Lock()
	defer b.asyncMu.Unlock()

	result, err := envelope.CallRaw(ctx, b, calleeBinding, calleeInstanceNameOrId, remoteChain, resolve)

	if handlerChain == nil {
		if err != nil {
			b.logger.Warn("actor: fire-and-forget call failed", "calleeBinding", calleeBinding, "error", err)
		}
		return
	}

	var substituted *chain.OperationChain
	if err != nil {
		substituted = chain.ReplaceNestedOperationMarkers(handlerChain, err)
	} else {
		substituted = chain.ReplaceNestedOperationMarkers(handlerChain, result)
	}

	if _, execErr := chain.Execute(substituted, b.Target()); execErr != nil {
		b.logger.Error("actor: call handler continuation threw", "calleeBinding", calleeBinding, "error", execErr)
	}
}

// CallWorker implements the stateless-caller variant of the async call
// protocol: awaitable, with no serialized region (workers are ephemeral and
// carry no serialization contract) and a mandatory handler continuation.
func CallWorker(ctx context.Context, caller envelope.IdentityProvider, target any, calleeBinding string, remoteContinuation any, handlerContinuation any, resolve envelope.StubResolver) (any, error) {
	remoteChain, ok := chain.GetOperationChain(remoteContinuation)
	if !ok {
		return nil, apperr.New(apperr.KindInvalidStubPath, "callWorker: remoteContinuation is not a chain or continuation")
	}
	handlerChain, ok := chain.GetOperationChain(handlerContinuation)
	if !ok {
		return nil, apperr.New(apperr.KindInvalidStubPath, "callWorker: handler continuation is mandatory for worker callers")
	}

	result, err := envelope.CallRaw(ctx, caller, calleeBinding, nil, remoteChain, resolve)

	var substituted *chain.OperationChain
	if err != nil {
		substituted = chain.ReplaceNestedOperationMarkers(handlerChain, err)
	} else {
		substituted = chain.ReplaceNestedOperationMarkers(handlerChain, result)
	}
	return chain.Execute(substituted, target)
}

// pendingAlarm is the bookkeeping entry for one in-flight proxyFetchSimple
// race: the timer fires the timeout completer, reqId is the race key both
// completers claim by.
type pendingAlarm struct {
	timer *time.Timer
}

// ProxyFetchSimple issues a remote call whose result is delivered back
// through handleProxyFetchSimpleResult, racing a timeout alarm
// registered under reqId.
func (b *Base) ProxyFetchSimple(ctx context.Context, reqId string, timeout time.Duration, calleeBinding string, calleeInstanceNameOrId *string, remoteContinuation any, userChain *chain.OperationChain, resolve envelope.StubResolver) error {
	b.alarmMu.Lock()
	if b.alarms == nil {
		b.alarms = map[string]*pendingAlarm{}
	}
	alarm := &pendingAlarm{}
	alarm.timer = time.AfterFunc(timeout, func() {
		b.handleProxyFetchSimpleResult(context.Background(), reqId,
			apperr.New(apperr.KindToolExecution, "proxyFetchSimple: timed out"), userChain)
	})
	b.alarms[reqId] = alarm
	b.alarmMu.Unlock()

	go func() {
		result, err := envelope.CallRaw(ctx, b, calleeBinding, calleeInstanceNameOrId, remoteContinuation, resolve)
		var resolved any = result
		if err != nil {
			resolved = err
		}
		b.handleProxyFetchSimpleResult(ctx, reqId, resolved, userChain)
	}()

	return nil
}

// handleProxyFetchSimpleResult is the shared completer both the executor
// and the timeout alarm call. Claiming reqId (removing its bookkeeping
// entry) cancels the alarm by reqId: whichever completer claims it first
// wins and runs userChain; the other finds nothing left to claim and
// no-ops.
func (b *Base) handleProxyFetchSimpleResult(ctx context.Context, reqId string, result any, userChain *chain.OperationChain) {
	b.alarmMu.Lock()
	alarm, ok := b.alarms[reqId]
	if ok {
		delete(b.alarms, reqId)
	}
	b.alarmMu.Unlock()

	if !ok {
		return
	}
	alarm.timer.Stop()

	substituted := chain.ReplaceNestedOperationMarkers(userChain, result)
	if _, err := chain.Execute(substituted, b.Target()); err != nil {
		b.logger.Error("actor: proxyFetchSimple user chain threw", "reqId", reqId, "error", err)
	}
}
