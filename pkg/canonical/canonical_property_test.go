package canonical

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: canonicalization is deterministic — repeated marshals of the same
// object produce byte-identical output, regardless of map construction order.
func TestMarshal_Deterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("marshal is deterministic", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			rev := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				obj[keys[i]] = values[i]
			}
			for i := len(keys) - 1; i >= 0; i-- {
				if i < len(values) {
					rev[keys[i]] = values[i]
				}
			}
			b1, err1 := Marshal(obj)
			b2, err2 := Marshal(rev)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return string(b1) == string(b2)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("hash agrees with marshal bytes", prop.ForAll(
		func(k, v string) bool {
			obj := map[string]string{k: v}
			b, err := Marshal(obj)
			if err != nil {
				return false
			}
			h, err := Hash(obj)
			if err != nil {
				return false
			}
			return h == HashBytes(b)
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
