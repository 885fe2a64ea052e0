// Package subscription implements per-subscriber patch and current-value
// subscriptions over entity URIs, with baseline tracking and fanout on
// entity change.
//
// The subscriber-keyed listener bookkeeping is a mutex-guarded map of
// listeners per key. Fanout calls each connection's Notify in turn on the
// producer's goroutine: Notify returns nothing, so a delivery failure never
// reaches the producer, but a slow Notify delays the return of
// NotifyEntityChanged. The keying (subscriberId, uri) and the entity-change payload shapes are
// specific to the entity-snapshot domain.
package subscription

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lumenize/lumenize-sub005/internal/apperr"
	"github.com/lumenize/lumenize-sub005/internal/resource"
	"github.com/lumenize/lumenize-sub005/internal/store"
)

// Type distinguishes the two subscription flavors.
type Type string

const (
	TypeCurrent Type = "current"
	TypePatch   Type = "patch"
)

// Subscription is one (subscriberId, uri) registration.
type Subscription struct {
	SubscriberID string
	URI          string
	Type         Type
	EntityID     string
	OriginalURI  string
	SubscribedAt time.Time
	Baseline     *time.Time
}

// Connection is one active socket a subscriber is attached through; the
// platform's connection index (external collaborator) resolves these.
type Connection interface {
	Notify(ctx context.Context, method string, params any)
}

// ConnectionIndex locates a subscriber's active connections.
type ConnectionIndex interface {
	ConnectionsFor(subscriberID string) []Connection
}

// Engine is the subscription engine.
type Engine struct {
	store *store.Store
	conns ConnectionIndex
	db    *sql.DB
	log   *slog.Logger

	mu       sync.Mutex
	byKey    map[string]Subscription
	byEntity map[string]map[string]struct{} // entityId -> set of keys
}

// New constructs an Engine with no SQL write-through: subscriptions live
// only in the in-memory index for the life of the process, which is
// sufficient for a single-node deployment and for tests.
func New(s *store.Store, conns ConnectionIndex) *Engine {
	return NewWithDB(s, conns, nil)
}

// NewWithDB additionally mirrors every subscribe/unsubscribe into the
// subscriptions table (best-effort, logged on failure) so a subscriber's
// registrations are inspectable from any node in a multi-process
// deployment, not only the one holding their live socket. The in-memory
// index remains the read path the fanout hot loop uses.
func NewWithDB(s *store.Store, conns ConnectionIndex, db *sql.DB) *Engine {
	return &Engine{
		store:    s,
		conns:    conns,
		db:       db,
		log:      slog.Default(),
		byKey:    map[string]Subscription{},
		byEntity: map[string]map[string]struct{}{},
	}
}

func subKey(subscriberID, uri string) string {
	return subscriberID + "|" + uri
}

// Subscribe records a subscription for subscriberID on uri. It returns the
// same ReadResourceResult shape as resources/read on the same URI.
func (e *Engine) Subscribe(ctx context.Context, subscriberID, uri string, initialBaseline *time.Time) (*resource.ReadResourceResult, error) {
	parsed, err := resource.ParseEntityURI(uri)
	if err != nil {
		return nil, err
	}
	if parsed.Kind == resource.KindPatchRead || parsed.Kind == resource.KindHistorical {
		return nil, apperr.New(apperr.KindInvalidURI, "cannot subscribe to a read-only patch-read or historical uri")
	}

	entityID := resource.EntityID(parsed)

	switch parsed.Kind {
	case resource.KindPatchSubscription:
		if initialBaseline == nil {
			return nil, apperr.New(apperr.KindParameterValidation, "patch subscription requires initialBaseline")
		}
		if _, err := e.store.SnapshotAtValidFrom(ctx, entityID, *initialBaseline); err != nil {
			return nil, err
		}

		e.put(ctx, Subscription{
			SubscriberID: subscriberID, URI: uri, Type: TypePatch, EntityID: entityID,
			OriginalURI: uri, SubscribedAt: time.Now(), Baseline: initialBaseline,
		})

		patch, current, err := e.store.PatchRead(ctx, entityID, *initialBaseline)
		if err != nil {
			return nil, err
		}
		return patchReadResourceResult(uri, patch, *initialBaseline, current)

	case resource.KindCurrent:
		e.put(ctx, Subscription{
			SubscriberID: subscriberID, URI: uri, Type: TypeCurrent, EntityID: entityID,
			OriginalURI: uri, SubscribedAt: time.Now(),
		})

		current, err := e.store.Current(ctx, entityID)
		if err != nil {
			return nil, err
		}
		return currentReadResourceResult(uri, current)

	default:
		return nil, apperr.New(apperr.KindInvalidURI, fmt.Sprintf("uri kind %q is not subscribable", parsed.Kind))
	}
}

func (e *Engine) put(ctx context.Context, sub Subscription) {
	e.mu.Lock()
	key := subKey(sub.SubscriberID, sub.URI)
	e.byKey[key] = sub
	if e.byEntity[sub.EntityID] == nil {
		e.byEntity[sub.EntityID] = map[string]struct{}{}
	}
	e.byEntity[sub.EntityID][key] = struct{}{}
	e.mu.Unlock()

	e.persistPut(ctx, sub)
}

// persistPut mirrors sub into the subscriptions table, best-effort. A
// failure here never blocks Subscribe — the in-memory index already has
// the subscription and is what fanout actually reads from.
func (e *Engine) persistPut(ctx context.Context, sub Subscription) {
	if e.db == nil {
		return
	}
	if _, err := e.db.ExecContext(ctx,
		`INSERT INTO subscriptions (subscriber_id, uri, subscription_type, entity_id, original_uri, subscribed_at, baseline)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (subscriber_id, uri) DO UPDATE SET
		   subscription_type = EXCLUDED.subscription_type,
		   entity_id = EXCLUDED.entity_id,
		   original_uri = EXCLUDED.original_uri,
		   subscribed_at = EXCLUDED.subscribed_at,
		   baseline = EXCLUDED.baseline`,
		sub.SubscriberID, sub.URI, string(sub.Type), sub.EntityID, sub.OriginalURI, sub.SubscribedAt, sub.Baseline); err != nil {
		e.log.Error("subscription: persist write-through failed", "subscriberId", sub.SubscriberID, "uri", sub.URI, "error", err)
	}
}

func (e *Engine) persistDelete(ctx context.Context, subscriberID, uri string) {
	if e.db == nil {
		return
	}
	if _, err := e.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE subscriber_id = $1 AND uri = $2`, subscriberID, uri); err != nil {
		e.log.Error("subscription: persist delete failed", "subscriberId", subscriberID, "uri", uri, "error", err)
	}
}

func (e *Engine) persistDeleteAll(ctx context.Context, subscriberID string) {
	if e.db == nil {
		return
	}
	if _, err := e.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE subscriber_id = $1`, subscriberID); err != nil {
		e.log.Error("subscription: persist delete-all failed", "subscriberId", subscriberID, "error", err)
	}
}

// Unsubscribe removes the (subscriberId, uri) registration.
func (e *Engine) Unsubscribe(subscriberID, uri string) {
	e.mu.Lock()
	key := subKey(subscriberID, uri)
	sub, ok := e.byKey[key]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.byKey, key)
	delete(e.byEntity[sub.EntityID], key)
	if len(e.byEntity[sub.EntityID]) == 0 {
		delete(e.byEntity, sub.EntityID)
	}
	e.mu.Unlock()

	e.persistDelete(context.Background(), subscriberID, uri)
}

// RemoveAllSubscriptionsForSubscriber drops every subscription owned by
// subscriberID, on disconnect.
func (e *Engine) RemoveAllSubscriptionsForSubscriber(subscriberID string) {
	e.mu.Lock()
	for key, sub := range e.byKey {
		if sub.SubscriberID != subscriberID {
			continue
		}
		delete(e.byKey, key)
		delete(e.byEntity[sub.EntityID], key)
		if len(e.byEntity[sub.EntityID]) == 0 {
			delete(e.byEntity, sub.EntityID)
		}
	}
	e.mu.Unlock()

	e.persistDeleteAll(context.Background(), subscriberID)
}

// NotifyEntityChanged implements store.ChangeNotifier, fanning the change
// out to every subscriber of the affected entity. Delivery is
// fire-and-forget — a blocked or gone connection never holds up the
// producing transaction.
func (e *Engine) NotifyEntityChanged(ctx context.Context, newSnap store.Snapshot, oldValue json.RawMessage, oldValidFrom *time.Time) {
	e.mu.Lock()
	keys := make([]string, 0, len(e.byEntity[newSnap.EntityID]))
	for k := range e.byEntity[newSnap.EntityID] {
		keys = append(keys, k)
	}
	e.mu.Unlock()

	for _, key := range keys {
		e.mu.Lock()
		sub, ok := e.byKey[key]
		e.mu.Unlock()
		if !ok {
			continue
		}

		payload, err := e.buildPayload(sub, newSnap, oldValue, oldValidFrom)
		if err != nil {
			e.log.Error("subscription: build notification payload", "uri", sub.URI, "error", err)
			continue
		}

		for _, conn := range e.conns.ConnectionsFor(sub.SubscriberID) {
			conn.Notify(ctx, "notifications/resources/updated", payload)
		}
	}
}

type snapshotMeta struct {
	EntityID          string          `json:"entityId"`
	ValidFrom         time.Time       `json:"validFrom"`
	ValidTo           time.Time       `json:"validTo"`
	ChangedBy         json.RawMessage `json:"changedBy"`
	Deleted           bool            `json:"deleted"`
	ParentID          string          `json:"parentId"`
	EntityTypeName    string          `json:"entityTypeName"`
	EntityTypeVersion int             `json:"entityTypeVersion"`
}

type currentPayloadData struct {
	snapshotMeta
	Value json.RawMessage `json:"value"`
}

// patchPayloadData replaces value with {patch, baseline}: a patch
// subscriber never receives the full value, only the diff against its
// last-known baseline.
type patchPayloadData struct {
	snapshotMeta
	Patch    json.RawMessage `json:"patch"`
	Baseline *time.Time      `json:"baseline"`
}

type notificationPayload struct {
	URI  string `json:"uri"`
	Data any    `json:"data"`
}

func (e *Engine) buildPayload(sub Subscription, newSnap store.Snapshot, oldValue json.RawMessage, oldValidFrom *time.Time) (notificationPayload, error) {
	meta := snapshotMeta{
		EntityID: newSnap.EntityID, ValidFrom: newSnap.ValidFrom, ValidTo: newSnap.ValidTo,
		ChangedBy: newSnap.ChangedBy, Deleted: newSnap.Deleted, ParentID: newSnap.ParentID,
		EntityTypeName: newSnap.EntityTypeName, EntityTypeVersion: newSnap.EntityTypeVersion,
	}

	if sub.Type == TypeCurrent {
		return notificationPayload{URI: sub.URI, Data: currentPayloadData{snapshotMeta: meta, Value: newSnap.Value}}, nil
	}

	var patchBytes json.RawMessage
	var baseline *time.Time
	if oldValue == nil {
		patchBytes = newSnap.Value
		baseline = nil
	} else {
		diff, err := diffForNotification(oldValue, newSnap.Value)
		if err != nil {
			return notificationPayload{}, err
		}
		patchBytes = diff
		baseline = oldValidFrom
	}

	data := patchPayloadData{snapshotMeta: meta, Patch: patchBytes, Baseline: baseline}
	return notificationPayload{URI: sub.URI, Data: data}, nil
}

func metaOf(snap *store.Snapshot) snapshotMeta {
	return snapshotMeta{
		EntityID: snap.EntityID, ValidFrom: snap.ValidFrom, ValidTo: snap.ValidTo,
		ChangedBy: snap.ChangedBy, Deleted: snap.Deleted, ParentID: snap.ParentID,
		EntityTypeName: snap.EntityTypeName, EntityTypeVersion: snap.EntityTypeVersion,
	}
}

func currentReadResourceResult(uri string, snap *store.Snapshot) (*resource.ReadResourceResult, error) {
	return marshalResourceResult(uri, currentPayloadData{snapshotMeta: metaOf(snap), Value: snap.Value})
}

func patchReadResourceResult(uri string, patch json.RawMessage, baseline time.Time, current *store.Snapshot) (*resource.ReadResourceResult, error) {
	data := patchPayloadData{snapshotMeta: metaOf(current), Patch: patch, Baseline: &baseline}
	return marshalResourceResult(uri, data)
}

func marshalResourceResult(uri string, data any) (*resource.ReadResourceResult, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("subscription: encode resource result: %w", err)
	}
	return &resource.ReadResourceResult{
		Contents: []resource.ResourceContent{{URI: uri, MimeType: "application/json", Text: string(encoded)}},
	}, nil
}
