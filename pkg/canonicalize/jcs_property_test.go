//go:build property
// +build property

package canonicalize_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/xase-labs/xase-core/pkg/canonicalize"
)

// TestHashObjectKeyOrderIndependence: inserting the same pairs in reverse
// order must produce the same digest.
func TestHashObjectKeyOrderIndependence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("hash ignores map insertion order", prop.ForAll(
		func(keys []string, values []string) bool {
			forward := make(map[string]any)
			backward := make(map[string]any)
			n := len(keys)
			if len(values) < n {
				n = len(values)
			}
			for i := 0; i < n; i++ {
				forward[keys[i]] = values[i]
			}
			for i := n - 1; i >= 0; i-- {
				if _, seen := backward[keys[i]]; !seen {
					backward[keys[i]] = forward[keys[i]]
				}
			}

			h1, err1 := canonicalize.HashObject(forward)
			h2, err2 := canonicalize.HashObject(backward)
			return err1 == nil && err2 == nil && h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AnyString()),
	))

	properties.Property("hash is a lowercase hex digest", prop.ForAll(
		func(s string) bool {
			h, err := canonicalize.HashObject(map[string]string{"v": s})
			return err == nil && canonicalize.IsHexDigest(h)
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
