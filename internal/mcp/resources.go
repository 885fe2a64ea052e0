package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lumenize/lumenize-sub005/internal/apperr"
	"github.com/lumenize/lumenize-sub005/internal/registry"
	"github.com/lumenize/lumenize-sub005/internal/resource"
	"github.com/lumenize/lumenize-sub005/internal/store"
)

// resourceTemplates is the fixed set of URI shapes resources/templates/list
// advertises, mirroring internal/resource's five kinds.
var resourceTemplates = []ResourceTemplate{
	{URITemplate: "https://{domain}/universe/{universe}/galaxy/{galaxy}/star/{star}/entity/{id}", Name: "entity-current", Description: "Current value of an entity.", MimeType: "application/json"},
	{URITemplate: "https://{domain}/universe/{universe}/galaxy/{galaxy}/star/{star}/entity/{id}/patch", Name: "entity-patch-subscription", Description: "Subscribe to forward patches against a baseline.", MimeType: "application/json"},
	{URITemplate: "https://{domain}/universe/{universe}/galaxy/{galaxy}/star/{star}/entity/{id}/patch/{baseline}", Name: "entity-patch-read", Description: "Merge patch from baseline to current.", MimeType: "application/json"},
	{URITemplate: "https://{domain}/universe/{universe}/galaxy/{galaxy}/star/{star}/entity/{id}/at/{timestamp}", Name: "entity-historical", Description: "Snapshot as of a point in time.", MimeType: "application/json"},
	{URITemplate: "https://{domain}/universe/{universe}/galaxy/{galaxy}/star/{star}/entity-types", Name: "entity-type-registry", Description: "Registered entity-type definitions.", MimeType: "application/json"},
}

type snapshotMetaPayload struct {
	EntityID          string          `json:"entityId"`
	ValidFrom         time.Time       `json:"validFrom"`
	ValidTo           time.Time       `json:"validTo"`
	ChangedBy         json.RawMessage `json:"changedBy"`
	Deleted           bool            `json:"deleted"`
	ParentID          string          `json:"parentId"`
	EntityTypeName    string          `json:"entityTypeName"`
	EntityTypeVersion int             `json:"entityTypeVersion"`
}

type snapshotPayload struct {
	snapshotMetaPayload
	Value json.RawMessage `json:"value"`
}

// patchPayload carries the patch plus snapshot metadata; the full value
// stays out of the patch-read shape, same as in patch notifications.
type patchPayload struct {
	snapshotMetaPayload
	Patch    json.RawMessage `json:"patch"`
	Baseline time.Time       `json:"baseline"`
}

func toSnapshotMeta(snap *store.Snapshot) snapshotMetaPayload {
	return snapshotMetaPayload{
		EntityID: snap.EntityID, ValidFrom: snap.ValidFrom, ValidTo: snap.ValidTo,
		ChangedBy: snap.ChangedBy, Deleted: snap.Deleted, ParentID: snap.ParentID,
		EntityTypeName: snap.EntityTypeName, EntityTypeVersion: snap.EntityTypeVersion,
	}
}

func toSnapshotPayload(snap *store.Snapshot) snapshotPayload {
	return snapshotPayload{snapshotMetaPayload: toSnapshotMeta(snap), Value: snap.Value}
}

// readResource implements resources/read across every readable uri shape:
// CURRENT, PATCH_READ, and HISTORICAL each delegate to the temporal store;
// REGISTRY lists entity-type definitions. PATCH_SUBSCRIPTION has no
// standalone read form — it only resolves through resources/subscribe,
// which requires an initialBaseline.
func (d *Dispatcher) readResource(ctx context.Context, uri string) (*resource.ReadResourceResult, error) {
	parsed, err := resource.ParseEntityURI(uri)
	if err != nil {
		return nil, err
	}

	switch parsed.Kind {
	case resource.KindCurrent:
		snap, err := d.store.Current(ctx, resource.EntityID(parsed))
		if err != nil {
			return nil, err
		}
		return marshalResult(uri, toSnapshotPayload(snap))

	case resource.KindHistorical:
		at, err := time.Parse(time.RFC3339Nano, parsed.Timestamp)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInvalidURI, "parse historical timestamp", err)
		}
		snap, err := d.store.Historical(ctx, resource.EntityID(parsed), at)
		if err != nil {
			return nil, err
		}
		return marshalResult(uri, toSnapshotPayload(snap))

	case resource.KindPatchRead:
		baseline, err := time.Parse(time.RFC3339Nano, parsed.Baseline)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInvalidURI, "parse patch-read baseline", err)
		}
		patch, current, err := d.store.PatchRead(ctx, resource.EntityID(parsed), baseline)
		if err != nil {
			return nil, err
		}
		return marshalResult(uri, patchPayload{snapshotMetaPayload: toSnapshotMeta(current), Patch: patch, Baseline: baseline})

	case resource.KindRegistry:
		defs, err := d.types.ListEntityTypeDefinitions(ctx)
		if err != nil {
			return nil, err
		}
		return marshalResult(uri, entityTypeListPayload(defs))

	default:
		return nil, apperr.New(apperr.KindInvalidURI, fmt.Sprintf("uri kind %q is not directly readable, subscribe to it instead", parsed.Kind))
	}
}

func entityTypeListPayload(defs []registry.EntityTypeDefinition) any {
	type entityTypeEntry struct {
		Name        string          `json:"name"`
		Version     int             `json:"version"`
		JSONSchema  json.RawMessage `json:"jsonSchema"`
		Description string          `json:"description,omitempty"`
	}
	out := make([]entityTypeEntry, 0, len(defs))
	for _, d := range defs {
		out = append(out, entityTypeEntry{Name: d.Name, Version: d.Version, JSONSchema: d.JSONSchema, Description: d.Description})
	}
	return struct {
		EntityTypes []entityTypeEntry `json:"entityTypes"`
	}{EntityTypes: out}
}

func marshalResult(uri string, data any) (*resource.ReadResourceResult, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("mcp: encode resource result: %w", err)
	}
	return &resource.ReadResourceResult{
		Contents: []resource.ResourceContent{{URI: uri, MimeType: "application/json", Text: string(encoded)}},
	}, nil
}
