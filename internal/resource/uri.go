// Package resource implements the URI router: the five resource URI shapes
// defined here are the single source of truth for both parsing and
// construction, and no shape is recognized or produced anywhere else in the
// codebase.
package resource

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/lumenize/lumenize-sub005/internal/apperr"
)

// Kind names one of the five URI shapes.
type Kind string

const (
	KindCurrent            Kind = "current"
	KindPatchSubscription  Kind = "patch_subscription"
	KindPatchRead          Kind = "patch_read"
	KindHistorical         Kind = "historical"
	KindRegistry           Kind = "registry"
)

// URI is the parsed form of one of the five resource URI shapes.
type URI struct {
	Kind      Kind
	Domain    string
	Universe  string
	Galaxy    string
	Star      string
	EntityID  string
	Baseline  string // PATCH_READ only
	Timestamp string // HISTORICAL only
}

var (
	segmentRe  = regexp.MustCompile(`^[a-z0-9_-]+$`)
	domainRe   = regexp.MustCompile(`^[a-z0-9._-]+$`)
	idRe       = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	timestampRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d{3})?Z$`)

	// Matches: https://{domain}/universe/{u}/galaxy/{g}/star/{s}/entity/{id}[/suffix...]
	fullPathRe = regexp.MustCompile(`^https://([^/]+)/universe/([^/]+)/galaxy/([^/]+)/star/([^/]+)/entity/([^/]+)(?:/(.*))?$`)

	registryPathRe = regexp.MustCompile(`^https://([^/]+)/universe/([^/]+)/galaxy/([^/]+)/star/([^/]+)/entity-types$`)
)

// ParseEntityURI parses one of the five shapes. Unknown suffixes after the
// entity id are rejected — the set of recognized shapes is exhaustive.
func ParseEntityURI(raw string) (*URI, error) {
	if m := registryPathRe.FindStringSubmatch(raw); m != nil {
		u := &URI{Kind: KindRegistry, Domain: m[1], Universe: m[2], Galaxy: m[3], Star: m[4]}
		if err := validateComponents(u); err != nil {
			return nil, err
		}
		return u, nil
	}

	m := fullPathRe.FindStringSubmatch(raw)
	if m == nil {
		return nil, apperr.New(apperr.KindInvalidURI, fmt.Sprintf("unrecognized resource uri: %s", raw))
	}

	u := &URI{
		Domain:   m[1],
		Universe: m[2],
		Galaxy:   m[3],
		Star:     m[4],
		EntityID: m[5],
	}

	suffix := m[6]
	switch {
	case suffix == "":
		u.Kind = KindCurrent
	case suffix == "patch":
		u.Kind = KindPatchSubscription
	case strings.HasPrefix(suffix, "patch/"):
		u.Kind = KindPatchRead
		u.Baseline = strings.TrimPrefix(suffix, "patch/")
		if !timestampRe.MatchString(u.Baseline) {
			return nil, apperr.New(apperr.KindInvalidURI, fmt.Sprintf("invalid baseline timestamp: %s", u.Baseline))
		}
	case strings.HasPrefix(suffix, "at/"):
		u.Kind = KindHistorical
		u.Timestamp = strings.TrimPrefix(suffix, "at/")
		if !timestampRe.MatchString(u.Timestamp) {
			return nil, apperr.New(apperr.KindInvalidURI, fmt.Sprintf("invalid historical timestamp: %s", u.Timestamp))
		}
	default:
		return nil, apperr.New(apperr.KindInvalidURI, fmt.Sprintf("unknown uri suffix: %s", suffix))
	}

	if err := validateComponents(u); err != nil {
		return nil, err
	}
	if !idRe.MatchString(u.EntityID) {
		return nil, apperr.New(apperr.KindInvalidURI, fmt.Sprintf("invalid entity id: %s", u.EntityID))
	}

	return u, nil
}

func validateComponents(u *URI) error {
	if !domainRe.MatchString(u.Domain) {
		return apperr.New(apperr.KindInvalidURI, fmt.Sprintf("invalid domain: %s", u.Domain))
	}
	for name, v := range map[string]string{"universe": u.Universe, "galaxy": u.Galaxy, "star": u.Star} {
		if !segmentRe.MatchString(v) {
			return apperr.New(apperr.KindInvalidURI, fmt.Sprintf("invalid %s segment: %s", name, v))
		}
	}
	return nil
}

// BuildEntityURIParams is the construction-side counterpart of URI: every
// field ParseEntityURI can populate, used so
// ParseEntityURI(BuildEntityURI(kind, params)) round-trips.
type BuildEntityURIParams struct {
	Domain   string
	Universe string
	Galaxy   string
	Star     string
	EntityID string
	Baseline string
	Timestamp string
}

// BuildEntityURI validates params before substitution and returns the wire
// form for kind.
func BuildEntityURI(kind Kind, p BuildEntityURIParams) (string, error) {
	u := &URI{
		Kind:     kind,
		Domain:   p.Domain,
		Universe: p.Universe,
		Galaxy:   p.Galaxy,
		Star:     p.Star,
		EntityID: p.EntityID,
	}
	if err := validateComponents(u); err != nil {
		return "", err
	}

	base := fmt.Sprintf("https://%s/universe/%s/galaxy/%s/star/%s", p.Domain, p.Universe, p.Galaxy, p.Star)

	switch kind {
	case KindRegistry:
		return base + "/entity-types", nil
	case KindCurrent:
		if !idRe.MatchString(p.EntityID) {
			return "", apperr.New(apperr.KindInvalidURI, fmt.Sprintf("invalid entity id: %s", p.EntityID))
		}
		return fmt.Sprintf("%s/entity/%s", base, p.EntityID), nil
	case KindPatchSubscription:
		if !idRe.MatchString(p.EntityID) {
			return "", apperr.New(apperr.KindInvalidURI, fmt.Sprintf("invalid entity id: %s", p.EntityID))
		}
		return fmt.Sprintf("%s/entity/%s/patch", base, p.EntityID), nil
	case KindPatchRead:
		if !idRe.MatchString(p.EntityID) {
			return "", apperr.New(apperr.KindInvalidURI, fmt.Sprintf("invalid entity id: %s", p.EntityID))
		}
		if !timestampRe.MatchString(p.Baseline) {
			return "", apperr.New(apperr.KindInvalidURI, fmt.Sprintf("invalid baseline timestamp: %s", p.Baseline))
		}
		return fmt.Sprintf("%s/entity/%s/patch/%s", base, p.EntityID, p.Baseline), nil
	case KindHistorical:
		if !idRe.MatchString(p.EntityID) {
			return "", apperr.New(apperr.KindInvalidURI, fmt.Sprintf("invalid entity id: %s", p.EntityID))
		}
		if !timestampRe.MatchString(p.Timestamp) {
			return "", apperr.New(apperr.KindInvalidURI, fmt.Sprintf("invalid historical timestamp: %s", p.Timestamp))
		}
		return fmt.Sprintf("%s/entity/%s/at/%s", base, p.EntityID, p.Timestamp), nil
	default:
		return "", apperr.New(apperr.KindInvalidURI, fmt.Sprintf("unknown uri kind: %s", kind))
	}
}

// EntityID derives the store's entity identifier from a parsed URI's
// scoping segments, so the URI router and the temporal store agree on how
// an entity is named without either depending on the other's internals.
func EntityID(u *URI) string {
	return fmt.Sprintf("%s/%s/%s/%s", u.Universe, u.Galaxy, u.Star, u.EntityID)
}

// ResourceContent is one MCP resource content block.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

// ReadResourceResult is the wire shape shared by resources/read and the
// immediate catch-up response to resources/subscribe.
type ReadResourceResult struct {
	Contents []ResourceContent `json:"contents"`
}

// CaseFolder is the external collaborator boundary for binding-name
// path-segment case folding. The default implementation is a
// pass-through; a real deployment plugs in whatever folding its router uses.
type CaseFolder interface {
	Fold(bindingNameSegment string) string
}

type IdentityCaseFolder struct{}

func (IdentityCaseFolder) Fold(s string) string { return s }
