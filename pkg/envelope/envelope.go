// Package envelope implements the versioned RPC envelope that carries a
// continuation chain plus caller/callee identity between actors, and the
// callRaw primitive that wraps it for local or remote delivery.
//
// The envelope field names and vocabulary follow a job-progress envelope
// convention carried over into a continuation-carrying RPC envelope; the
// payload shape here is specific to actor-to-actor chain execution.
package envelope

import (
	"context"
	"fmt"

	"github.com/lumenize/lumenize-sub005/pkg/chain"
)

const Version = 1

// Kind names the two identity shapes the wire protocol distinguishes.
type Kind string

const (
	KindActor  Kind = "LumenizeBase"
	KindWorker Kind = "LumenizeWorker"
)

// Identity names either a durable actor (BindingName+InstanceNameOrId) or a
// stateless worker entry point (BindingName only).
type Identity struct {
	Kind             Kind   `json:"type"`
	BindingName      string `json:"bindingName,omitempty"`
	InstanceNameOrId string `json:"instanceNameOrId,omitempty"`
}

// Metadata carries caller (advisory) and callee (authoritative) identity.
type Metadata struct {
	Caller Identity `json:"caller"`
	Callee Identity `json:"callee"`
}

// CallEnvelope is the wire form: {version, chain, metadata}.
type CallEnvelope struct {
	Version  int                  `json:"version"`
	Chain    *chain.OperationChain `json:"chain"`
	Metadata Metadata             `json:"metadata"`
}

// IdentityProvider is implemented by a caller (typically an actor base) so
// callRaw can gather advisory caller metadata without importing the actor
// package (which in turn depends on this one).
type IdentityProvider interface {
	CallerIdentity() Identity
}

// Stub is the platform boundary a callee exposes: __executeOperation.
// Local delivery calls straight into an in-process Base; this module has no
// remote (cross-process) Stub implementation.
type Stub interface {
	ExecuteOperation(ctx context.Context, env CallEnvelope) (any, error)
}

// StubResolver locates the Stub for a given callee identity; the resolver in
// cmd/server resolves every callee to an in-process Base. This is the
// platform collaborator boundary: the runtime here
// only needs *a* stub, not how it was found.
type StubResolver func(callee Identity) (Stub, error)

// EnvelopeVersionMismatchError is permanent: the caller sees the message
// verbatim and the call is never retried.
type EnvelopeVersionMismatchError struct {
	Got int
}

func (e *EnvelopeVersionMismatchError) Error() string {
	return fmt.Sprintf("envelope version mismatch: got %d, want %d", e.Got, Version)
}

// CallRaw extracts the chain, gathers caller metadata, determines callee
// kind, builds the envelope, dispatches to the resolved stub, and returns
// its (already postprocessed) result.
func CallRaw(ctx context.Context, caller IdentityProvider, calleeBindingName string, calleeInstanceNameOrId *string, chainOrContinuation any, resolve StubResolver) (any, error) {
	c, ok := chain.GetOperationChain(chainOrContinuation)
	if !ok {
		if oc, isChain := chainOrContinuation.(*chain.OperationChain); isChain {
			c = oc
		} else {
			return nil, fmt.Errorf("envelope: callRaw requires a continuation or *chain.OperationChain")
		}
	}

	callee := Identity{Kind: KindWorker, BindingName: calleeBindingName}
	if calleeInstanceNameOrId != nil {
		callee.Kind = KindActor
		callee.InstanceNameOrId = *calleeInstanceNameOrId
	}

	var callerIdentity Identity
	if caller != nil {
		callerIdentity = caller.CallerIdentity()
	}

	preprocessed := Preprocess(c)

	env := CallEnvelope{
		Version: Version,
		Chain:   preprocessed,
		Metadata: Metadata{
			Caller: callerIdentity,
			Callee: callee,
		},
	}

	stub, err := resolve(callee)
	if err != nil {
		return nil, err
	}

	return stub.ExecuteOperation(ctx, env)
}
