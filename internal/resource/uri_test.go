package resource_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lumenize/lumenize-sub005/internal/apperr"
	"github.com/lumenize/lumenize-sub005/internal/resource"
)

func TestRoundTripAllShapes(t *testing.T) {
	cases := []struct {
		name string
		kind resource.Kind
		p    resource.BuildEntityURIParams
	}{
		{"current", resource.KindCurrent, resource.BuildEntityURIParams{
			Domain: "example.com", Universe: "u1", Galaxy: "g1", Star: "s1", EntityID: "entity-1",
		}},
		{"patch_subscription", resource.KindPatchSubscription, resource.BuildEntityURIParams{
			Domain: "example.com", Universe: "u1", Galaxy: "g1", Star: "s1", EntityID: "entity-1",
		}},
		{"patch_read", resource.KindPatchRead, resource.BuildEntityURIParams{
			Domain: "example.com", Universe: "u1", Galaxy: "g1", Star: "s1", EntityID: "entity-1",
			Baseline: "2026-07-29T00:00:00.000Z",
		}},
		{"historical", resource.KindHistorical, resource.BuildEntityURIParams{
			Domain: "example.com", Universe: "u1", Galaxy: "g1", Star: "s1", EntityID: "entity-1",
			Timestamp: "2026-07-29T00:00:00Z",
		}},
		{"registry", resource.KindRegistry, resource.BuildEntityURIParams{
			Domain: "example.com", Universe: "u1", Galaxy: "g1", Star: "s1",
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := resource.BuildEntityURI(tc.kind, tc.p)
			require.NoError(t, err)

			parsed, err := resource.ParseEntityURI(raw)
			require.NoError(t, err)

			require.Equal(t, tc.kind, parsed.Kind)
			require.Equal(t, tc.p.Domain, parsed.Domain)
			require.Equal(t, tc.p.Universe, parsed.Universe)
			require.Equal(t, tc.p.Galaxy, parsed.Galaxy)
			require.Equal(t, tc.p.Star, parsed.Star)
			require.Equal(t, tc.p.EntityID, parsed.EntityID)
			require.Equal(t, tc.p.Baseline, parsed.Baseline)
			require.Equal(t, tc.p.Timestamp, parsed.Timestamp)
		})
	}
}

func TestParseEntityURIRejectsUnknownSuffix(t *testing.T) {
	_, err := resource.ParseEntityURI("https://example.com/universe/u1/galaxy/g1/star/s1/entity/e1/bogus")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindInvalidURI))
}

func TestParseEntityURIRejectsBadCharset(t *testing.T) {
	_, err := resource.ParseEntityURI("https://example.com/universe/U1/galaxy/g1/star/s1/entity/e1")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindInvalidURI))
}

func TestParseEntityURIRejectsMalformedBaseline(t *testing.T) {
	_, err := resource.ParseEntityURI("https://example.com/universe/u1/galaxy/g1/star/s1/entity/e1/patch/not-a-timestamp")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindInvalidURI))
}

func TestIdentityCaseFolderPassesThrough(t *testing.T) {
	var f resource.CaseFolder = resource.IdentityCaseFolder{}
	require.Equal(t, "MixedCase", f.Fold("MixedCase"))
}
