package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lumenize/lumenize-sub005/pkg/chain"
	"github.com/lumenize/lumenize-sub005/pkg/envelope"
)

// DefaultResultTTL is how long the result_processed marker survives after a
// result is received when a Base is constructed with ResultTTL<=0. It bounds
// how long a late duplicate delivery can still be recognized and dropped.
const DefaultResultTTL = 5 * time.Minute

func pendingKey(workType, workId string) string {
	return fmt.Sprintf("__lmz_%s_pending:%s", workType, workId)
}

func processedKey(workType, workId string) string {
	return fmt.Sprintf("__lmz_result_processed:%s:%s", workType, workId)
}

// StorePendingContinuation persists the handler continuation a caller wants
// run once workId's result arrives. Callers write this before dispatching
// the remote call that will eventually produce the result.
func (b *Base) StorePendingContinuation(ctx context.Context, workType, workId string, handlerChain *chain.OperationChain) error {
	encoded, err := json.Marshal(envelope.Preprocess(handlerChain))
	if err != nil {
		return fmt.Errorf("actor: encode pending continuation: %w", err)
	}
	return b.storage.Put(ctx, pendingKey(workType, workId), string(encoded))
}

// ReceiveResult delivers a result to the pending continuation for
// (workType, workId) at most once. The processed marker is written before
// the continuation executes so a retry racing a timeout-fired fallback can
// only ever execute the handler once.
func (b *Base) ReceiveResult(ctx context.Context, workType, workId string, preprocessedResult any) error {
	pk := processedKey(workType, workId)
	if _, ok, err := b.storage.Get(ctx, pk); err != nil {
		return fmt.Errorf("actor: check processed marker: %w", err)
	} else if ok {
		b.logger.Debug("actor: duplicate result delivery dropped", "workType", workType, "workId", workId)
		return nil
	}

	if err := b.storage.Put(ctx, pk, "1"); err != nil {
		return fmt.Errorf("actor: write processed marker: %w", err)
	}
	b.scheduleMarkerRemoval(pk)

	pendKey := pendingKey(workType, workId)
	raw, ok, err := b.storage.Get(ctx, pendKey)
	if err != nil {
		return fmt.Errorf("actor: load pending continuation: %w", err)
	}
	if !ok {
		droppedResultsWithoutPendingContinuation.Add(1)
		b.logger.Warn("actor: no pending continuation for result", "workType", workType, "workId", workId)
		return nil
	}

	var wire chain.OperationChain
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return fmt.Errorf("actor: decode pending continuation: %w", err)
	}

	handlerChain := envelope.Postprocess(&wire)
	resultValue := envelope.PostprocessValue(preprocessedResult)
	substituted := chain.ReplaceNestedOperationMarkers(handlerChain, resultValue)

	if _, err := chain.Execute(substituted, b.Target()); err != nil {
		b.logger.Error("actor: result handler continuation threw", "workType", workType, "workId", workId, "error", err)
	}

	if err := b.storage.Delete(ctx, pendKey); err != nil {
		return fmt.Errorf("actor: delete pending continuation: %w", err)
	}
	return nil
}

func (b *Base) scheduleMarkerRemoval(key string) {
	ttl := b.resultTTL
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	time.AfterFunc(ttl, func() {
		_ = b.storage.Delete(context.Background(), key)
	})
}

// droppedResultsWithoutPendingContinuation counts ReceiveResult calls that
// found no pending continuation to run (Open Question (a): the fallback is
// to log and drop, not resurrect from a replay log; this counter makes that
// drop path observable in tests instead of silently vanishing).
var droppedResultsWithoutPendingContinuation atomic.Int64

// DroppedResultsWithoutPendingContinuation reports how many ReceiveResult
// calls, across all actors in this process, found no pending continuation.
func DroppedResultsWithoutPendingContinuation() int64 {
	return droppedResultsWithoutPendingContinuation.Load()
}
