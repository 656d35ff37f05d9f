package schemas

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeMap(t *testing.T, v interface{}) map[string]interface{} {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestNode_MarshalJSON(t *testing.T) {
	t.Run("should write observables under value", func(t *testing.T) {
		out := decodeMap(t, Node{ID: "ipv4-addr--1", Kind: KindIPv4, Name: "198.51.100.7"})
		assert.Equal(t, "ipv4-addr", out["type"])
		assert.Equal(t, "198.51.100.7", out["value"])
		assert.NotContains(t, out, "name")
		assert.Equal(t, "2.1", out["spec_version"])
	})

	t.Run("should classify identities and locations", func(t *testing.T) {
		org := decodeMap(t, Node{ID: "identity--1", Kind: KindOrganization, Name: "ACME"})
		assert.Equal(t, "identity", org["type"])
		assert.Equal(t, "organization", org["identity_class"])

		country := decodeMap(t, Node{ID: "location--1", Kind: KindCountry, Name: "France"})
		assert.Equal(t, "location", country["type"])
		assert.Equal(t, "Country", country["x_opencti_location_type"])
		assert.Equal(t, "France", country["country"])
	})

	t.Run("should not let attributes override the identity fields", func(t *testing.T) {
		out := decodeMap(t, Node{ID: "malware--1", Kind: KindMalware, Name: "Emotet", Attributes: Properties{"id": "bogus", "is_family": true}})
		assert.Equal(t, "malware--1", out["id"])
		assert.Equal(t, true, out["is_family"])
	})
}

func TestEdge_MarshalJSON(t *testing.T) {
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	out := decodeMap(t, Edge{ID: "relationship--1", Kind: RelTargets, SourceID: "a", TargetID: "b", StartedAt: started})
	assert.Equal(t, "relationship", out["type"])
	assert.Equal(t, "targets", out["relationship_type"])
	assert.Equal(t, "2024-03-01T11:00:00Z", out["start_time"])

	t.Run("should omit an unset start time", func(t *testing.T) {
		out := decodeMap(t, Edge{ID: "relationship--2", Kind: RelUses, SourceID: "a", TargetID: "b"})
		assert.NotContains(t, out, "start_time")
	})
}

func TestReport_MarshalJSON(t *testing.T) {
	published := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	out := decodeMap(t, Report{ID: "report--1", Name: "Weekly", Published: published, ObjectRefs: []string{"malware--1"}})
	assert.Equal(t, "2024-01-02T03:04:05Z", out["published"])
	assert.Equal(t, out["published"], out["modified"])
	assert.Equal(t, []interface{}{}, out["x_opencti_files"])
	assert.Equal(t, []interface{}{"malware--1"}, out["object_refs"])
}

func TestBundle(t *testing.T) {
	objects := []Object{Node{ID: "malware--1", Kind: KindMalware, Name: "Emotet"}}
	b := NewBundle(objects...)
	objects[0] = Node{ID: "malware--2", Kind: KindMalware, Name: "Other"}

	t.Run("should be unaffected by changes to the input slice", func(t *testing.T) {
		require.Equal(t, 1, b.Len())
		assert.Equal(t, "malware--1", b.Objects()[0].ObjectID())
	})

	t.Run("should hand out copies of its objects", func(t *testing.T) {
		got := b.Objects()
		got[0] = nil
		assert.NotNil(t, b.Objects()[0])
	})

	t.Run("should encode the envelope", func(t *testing.T) {
		assert.True(t, strings.HasPrefix(b.ID(), "bundle--"))
		data, err := EncodeBundle(b)
		require.NoError(t, err)
		var env struct {
			Type    string                   `json:"type"`
			ID      string                   `json:"id"`
			Objects []map[string]interface{} `json:"objects"`
		}
		require.NoError(t, json.Unmarshal(data, &env))
		assert.Equal(t, "bundle", env.Type)
		assert.Equal(t, b.ID(), env.ID)
		require.Len(t, env.Objects, 1)
		assert.Equal(t, "Emotet", env.Objects[0]["name"])
	})

	t.Run("should refuse a nil bundle", func(t *testing.T) {
		_, err := EncodeBundle(nil)
		assert.Error(t, err)
	})
}

func TestSTIXObject(t *testing.T) {
	const input = `{"type":"report","id":"report--1","object_refs":[],"x_custom":{"a":1},"error":"boom"}`

	var obj STIXObject
	require.NoError(t, json.Unmarshal([]byte(input), &obj))

	t.Run("should split typed and pass-through fields", func(t *testing.T) {
		assert.Equal(t, "report", obj.ObjectType())
		assert.True(t, obj.HasObjectRefs)
		assert.Empty(t, obj.ObjectRefs)
		assert.Contains(t, obj.Extra, "x_custom")
		assert.True(t, obj.HasError())
	})

	t.Run("should keep an empty object_refs list on output", func(t *testing.T) {
		out := decodeMap(t, obj)
		assert.Equal(t, []interface{}{}, out["object_refs"])
		assert.Equal(t, map[string]interface{}{"a": float64(1)}, out["x_custom"])
	})

	t.Run("should keep an emptied description key", func(t *testing.T) {
		var described STIXObject
		require.NoError(t, json.Unmarshal([]byte(`{"type":"malware","id":"malware--1","description":"<br>"}`), &described))
		described.Description = ""
		out := decodeMap(t, described)
		assert.Contains(t, out, "description")
		assert.Equal(t, "", out["description"])

		assert.NotContains(t, decodeMap(t, obj), "description")
	})

	t.Run("should deep copy on clone", func(t *testing.T) {
		c := obj.Clone()
		c.Extra["x_custom"][0] = '['
		assert.Equal(t, byte('{'), obj.Extra["x_custom"][0])
	})

	t.Run("should reject non-objects", func(t *testing.T) {
		var bad STIXObject
		assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &bad))
	})

	t.Run("should extract reference types", func(t *testing.T) {
		assert.Equal(t, "campaign", RefType("campaign--123"))
		assert.Equal(t, "", RefType("nothing"))
	})
}

func TestSyncState(t *testing.T) {
	t.Run("should decode empty input as no state", func(t *testing.T) {
		s, err := DecodeState(nil)
		require.NoError(t, err)
		assert.Nil(t, s)
		assert.False(t, s.HasRun())
	})

	t.Run("should preserve the last run and cursor", func(t *testing.T) {
		last := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
		data, err := EncodeState(SyncState{LastRun: &last, Cursor: "c-1"})
		require.NoError(t, err)
		s, err := DecodeState(data)
		require.NoError(t, err)
		require.True(t, s.HasRun())
		assert.True(t, last.Equal(*s.LastRun))
		assert.Equal(t, "c-1", s.Cursor)
	})

	t.Run("should report malformed state", func(t *testing.T) {
		_, err := DecodeState([]byte("{"))
		assert.Error(t, err)
	})
}

func TestObservable_ExternalID(t *testing.T) {
	t.Run("should prefer the platform id", func(t *testing.T) {
		obs, err := DecodeObservables([]byte(`[{"id":"domain-name--1","type":"domain-name","value":"example.org","extensions":{"` +
			PlatformExtensionID + `":{"id":"internal-1"}}}]`))
		require.NoError(t, err)
		require.Len(t, obs, 1)
		assert.Equal(t, "internal-1", obs[0].ExternalID())
	})

	t.Run("should fall back to the standard id", func(t *testing.T) {
		assert.Equal(t, "domain-name--1", Observable{ID: "domain-name--1"}.ExternalID())
	})
}
