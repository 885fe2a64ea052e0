// Package actor implements the actor base: write-once identity, lazy
// service resolution, a durable work queue, a result mailbox with
// idempotent delivery, and the async call protocol layered on top of
// pkg/envelope and pkg/chain.
//
// The work queue and result mailbox follow a job-routing pipeline adapted
// into a per-actor durable mailbox: the at-most-once delivery discipline
// and the slog-based logging style carry over from that queue/consumer
// plumbing; the envelope shape and routing semantics here are specific to
// actor RPC.
package actor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lumenize/lumenize-sub005/internal/apperr"
	"github.com/lumenize/lumenize-sub005/pkg/chain"
	"github.com/lumenize/lumenize-sub005/pkg/envelope"
)

type identitySource int

const (
	sourceNone identitySource = iota
	sourceEnvelope
	sourceHeaders
	sourceExplicit
)

const (
	keyBindingName  = "__lmz_do_binding_name"
	keyInstanceName = "__lmz_do_instance_name"
)

// Base is the actor runtime. Concrete actors embed *Base and add exported
// methods of their own; chain.Execute addresses those methods by name when
// a continuation chain runs against Target().
type Base struct {
	// self is the concrete actor embedding this Base, used as the chain
	// execution target so chains can reach the embedder's own methods, not
	// just Base's. Defaults to the Base itself when nil.
	self any

	mu       sync.Mutex // guards identity
	identity envelope.Identity
	idSource identitySource

	asyncMu sync.Mutex // serializes the async call region

	alarmMu sync.Mutex
	alarms  map[string]*pendingAlarm

	storage Storage
	logger  *slog.Logger

	// resultTTL is how long the result_processed idempotency marker survives
	// (see mailbox.go). Zero means DefaultResultTTL.
	resultTTL time.Duration
}

// NewBase constructs a Base. self should be the concrete actor type
// embedding this Base so chain execution can reach its methods; pass nil to
// address Base's own exported methods only. resultTTL configures how long
// the __lmz_result_processed marker survives after a result is received;
// pass 0 to use DefaultResultTTL. Load it from the same YAML config as the
// tool registry (internal/config.Config.ResultTTL) rather than hard-coding
// it at each call site.
func NewBase(self any, storage Storage, resultTTL time.Duration) *Base {
	return &Base{self: self, storage: storage, logger: slog.Default(), resultTTL: resultTTL}
}

// Target returns the chain-execution receiver: self if set, else the Base.
func (b *Base) Target() any {
	if b.self != nil {
		return b.self
	}
	return b
}

// Storage exposes the actor's durable store to embedders and tests.
func (b *Base) Storage() Storage {
	return b.storage
}

// CallerIdentity implements envelope.IdentityProvider.
func (b *Base) CallerIdentity() envelope.Identity {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.identity
}

// BindingName returns the actor's binding name, or "" before init.
func (b *Base) BindingName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.identity.BindingName
}

// InstanceNameOrId returns the actor's instance name/id, or "" before init.
func (b *Base) InstanceNameOrId() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.identity.InstanceNameOrId
}

// Init is the explicit, lowest-precedence identity writer.
func (b *Base) Init(ctx context.Context, bindingName, instanceNameOrId string) error {
	return b.setIdentity(ctx, bindingName, instanceNameOrId, sourceExplicit)
}

// InitFromHeaders is the header-driven identity writer (item 2), invoked by
// the fetch-time collaborator when it sees the x-lumenize-do-* headers.
func (b *Base) InitFromHeaders(ctx context.Context, bindingName, instanceNameOrId string) error {
	return b.setIdentity(ctx, bindingName, instanceNameOrId, sourceHeaders)
}

// initFromEnvelope is the envelope-driven identity writer (item 1),
// invoked from ExecuteOperation with the incoming envelope's callee
// metadata.
func (b *Base) initFromEnvelope(ctx context.Context, callee envelope.Identity) error {
	return b.setIdentity(ctx, callee.BindingName, callee.InstanceNameOrId, sourceEnvelope)
}

// setIdentity applies first-writer-wins semantics across all three entry
// points: whichever call lands first establishes identity; a later call
// with matching values is an idempotent no-op, a later call with
// differing values is a permanent conflict.
func (b *Base) setIdentity(ctx context.Context, bindingName, instanceNameOrId string, source identitySource) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.idSource == sourceNone {
		b.identity = envelope.Identity{Kind: envelope.KindActor, BindingName: bindingName, InstanceNameOrId: instanceNameOrId}
		b.idSource = source
		if b.storage != nil {
			if err := b.storage.Put(ctx, keyBindingName, bindingName); err != nil {
				return fmt.Errorf("actor: persist binding name: %w", err)
			}
			if err := b.storage.Put(ctx, keyInstanceName, instanceNameOrId); err != nil {
				return fmt.Errorf("actor: persist instance name: %w", err)
			}
		}
		return nil
	}

	if b.identity.BindingName == bindingName && b.identity.InstanceNameOrId == instanceNameOrId {
		return nil
	}

	return apperr.New(apperr.KindIdentityConflict, fmt.Sprintf(
		"actor identity already set to (%s, %s), rejecting (%s, %s)",
		b.identity.BindingName, b.identity.InstanceNameOrId, bindingName, instanceNameOrId))
}

// ExecuteOperation implements envelope.Stub: envelope intake, auto-init of
// identity from the callee metadata, then chain execution against this
// actor.
func (b *Base) ExecuteOperation(ctx context.Context, env envelope.CallEnvelope) (any, error) {
	if env.Version != envelope.Version {
		return nil, &envelope.EnvelopeVersionMismatchError{Got: env.Version}
	}

	if env.Metadata.Callee.BindingName != "" {
		if err := b.initFromEnvelope(ctx, env.Metadata.Callee); err != nil {
			return nil, err
		}
	}

	c := envelope.Postprocess(env.Chain)
	result, err := chain.Execute(c, b.Target())
	if err != nil {
		return nil, err
	}
	return envelope.PostprocessValue(result), nil
}
