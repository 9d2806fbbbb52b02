package canonicalize

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Canonical output must be stable under a decode/re-encode round trip:
// parsing the canonical form and canonicalizing again yields identical
// bytes. This is the property every signature in the system leans on.
func TestCanonical_RoundTripStability(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	genMap := gen.MapOf(gen.Identifier(), gen.AlphaString())

	properties.Property("canonical form is a fixpoint", prop.ForAll(
		func(m map[string]string) bool {
			first, err := Canonical(m)
			if err != nil {
				return false
			}

			var decoded interface{}
			if err := json.Unmarshal(first, &decoded); err != nil {
				return false
			}

			second, err := Canonical(decoded)
			if err != nil {
				return false
			}
			return string(first) == string(second)
		},
		genMap,
	))

	properties.Property("hash ignores insertion order", prop.ForAll(
		func(m map[string]string) bool {
			h1, err := CanonicalHash(m)
			if err != nil {
				return false
			}

			// Rebuild the map to randomize iteration layout.
			rebuilt := make(map[string]string, len(m))
			for k, v := range m {
				rebuilt[k] = v
			}
			h2, err := CanonicalHash(rebuilt)
			if err != nil {
				return false
			}
			return h1 == h2
		},
		genMap,
	))

	properties.Property("nested values canonicalize deterministically", prop.ForAll(
		func(outer string, inner map[string]string) bool {
			v1 := map[string]interface{}{outer: inner, "z": int64(1)}
			v2 := map[string]interface{}{"z": int64(1), outer: inner}

			h1, err := CanonicalHash(v1)
			if err != nil {
				return false
			}
			h2, err := CanonicalHash(v2)
			if err != nil {
				return false
			}
			return h1 == h2
		},
		gen.Identifier(), gen.MapOf(gen.Identifier(), gen.AlphaString()),
	))

	properties.TestingRun(t)
}
