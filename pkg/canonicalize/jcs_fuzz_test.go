package canonicalize

import (
	"encoding/json"
	"testing"
)

func FuzzJCS(f *testing.F) {
	f.Add([]byte(`{"a":1,"b":2}`))
	f.Add([]byte(`{"z":{"y":"foo","x":"bar"},"a":1}`))
	f.Add([]byte(`{"html":"<b>&</b>"}`))
	f.Add([]byte(`{"decision":"approve","confidence":0.97,"model":null}`))
	f.Add([]byte(`{"arr":[3,1,2],"nested":{"deep":{"key":"val"}}}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"":"empty_key","a":""}`))
	f.Add([]byte(`{"unicode":"こんにちは","emoji":"🚀"}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			t.Skip("invalid JSON input")
		}

		b1, err := JCS(v)
		if err != nil {
			return
		}
		b2, err := JCS(v)
		if err != nil {
			t.Fatal("JCS returned error on second call but not first")
		}
		if string(b1) != string(b2) {
			t.Errorf("JCS non-deterministic:\n  first:  %s\n  second: %s", b1, b2)
		}

		// Canonical form is a fixed point.
		var again any
		if err := json.Unmarshal(b1, &again); err != nil {
			t.Fatalf("JCS output is not valid JSON: %s", b1)
		}
		b3, err := JCS(again)
		if err != nil {
			t.Fatalf("re-canonicalization failed: %v", err)
		}
		if string(b1) != string(b3) {
			t.Errorf("JCS not idempotent: %s != %s", b1, b3)
		}

		h1, _ := HashObject(v)
		h2, _ := HashObject(again)
		if h1 != h2 {
			t.Errorf("HashObject differs after round-trip: %s != %s", h1, h2)
		}
	})
}
