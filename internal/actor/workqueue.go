package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

func queueKeyPrefix(workType string) string {
	return fmt.Sprintf("__lmz_queue:%s:", workType)
}

func queueKey(workType, workId string) string {
	return queueKeyPrefix(workType) + workId
}

// EnqueueWork persists the item, then asynchronously drains every item
// queued for workType. A slow or failing handler for one item never blocks
// enqueueing more work.
func (b *Base) EnqueueWork(ctx context.Context, workType, workId string, data any) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("actor: encode work item: %w", err)
	}
	if err := b.storage.Put(ctx, queueKey(workType, workId), string(encoded)); err != nil {
		return fmt.Errorf("actor: persist work item: %w", err)
	}

	go b.drainWork(context.WithoutCancel(ctx), workType)
	return nil
}

// drainWork looks up the registered handler for workType and runs it over
// every currently-queued item. An item that throws is left in place and
// logged; a successful item is deleted.
func (b *Base) drainWork(ctx context.Context, workType string) {
	handler, ok := lookupWorkHandler(workType)
	if !ok {
		b.logger.Warn("actor: no work handler registered", "workType", workType)
		return
	}

	prefix := queueKeyPrefix(workType)
	keys, err := b.storage.ListKeys(ctx, prefix)
	if err != nil {
		b.logger.Error("actor: list work queue", "workType", workType, "error", err)
		return
	}

	for _, key := range keys {
		workId := strings.TrimPrefix(key, prefix)
		raw, ok, err := b.storage.Get(ctx, key)
		if err != nil {
			b.logger.Error("actor: read work item", "workType", workType, "workId", workId, "error", err)
			continue
		}
		if !ok {
			continue
		}

		var data any
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			b.logger.Error("actor: decode work item", "workType", workType, "workId", workId, "error", err)
			continue
		}

		if err := handler(ctx, b, workId, data); err != nil {
			b.logger.Error("actor: work handler failed, leaving item queued", "workType", workType, "workId", workId, "error", err)
			continue
		}

		if err := b.storage.Delete(ctx, key); err != nil {
			b.logger.Error("actor: delete completed work item", "workType", workType, "workId", workId, "error", err)
		}
	}
}
