package canon

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"null", nil, "null"},
		{"string", "hello", `"hello"`},
		{"empty string", "", `""`},
		{"int", 42, "42"},
		{"negative int64", int64(-100), "-100"},
		{"integral float", 3.0, "3"},
		{"fractional float", 1.5, "1.5"},
		{"bool", true, "true"},
		{"empty array", []any{}, "[]"},
		{"empty object", map[string]any{}, "{}"},
		{"nested", map[string]any{"a": []any{1, "x", nil}}, `{"a":[1,"x",null]}`},
		{"json number", json.Number("12"), "12"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Marshal(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(got))
		})
	}
}

func TestMarshalSortedKeys(t *testing.T) {
	got, err := Marshal(map[string]any{
		"zebra": 1,
		"alpha": 2,
		"beta":  map[string]any{"d": 1, "c": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"beta":{"c":2,"d":1},"zebra":1}`, string(got))
}

func TestMarshalUTF16Ordering(t *testing.T) {
	// U+10000 encodes as surrogate 0xD800 which sorts before U+E000.
	got, err := Marshal(map[string]any{
		"\uE000":     1,
		"\U00010000": 2,
	})
	require.NoError(t, err)
	assert.Equal(t, "{\"\U00010000\":2,\"\uE000\":1}", string(got))
}

func TestMarshalNFC(t *testing.T) {
	decomposed := "e\u0301"
	composed := "\u00e9"

	a, err := Marshal(decomposed)
	require.NoError(t, err)
	b, err := Marshal(composed)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestMarshalNoHTMLEscape(t *testing.T) {
	got, err := Marshal("<a&b>")
	require.NoError(t, err)
	assert.Equal(t, `"<a&b>"`, string(got))
}

func TestMarshalControlChars(t *testing.T) {
	got, err := Marshal("a\nb\u0001")
	require.NoError(t, err)
	assert.Equal(t, `"a\nb\u0001"`, string(got))
}

func TestMarshalStructUsesJSONTags(t *testing.T) {
	type decision struct {
		Allowed  bool   `json:"allowed"`
		PolicyID string `json:"policy_id"`
		Reason   string `json:"reason"`
	}

	got, err := Marshal(decision{Allowed: true, PolicyID: "p1", Reason: "ok"})
	require.NoError(t, err)
	assert.Equal(t, `{"allowed":true,"policy_id":"p1","reason":"ok"}`, string(got))
}

func TestMarshalRejectsNonFinite(t *testing.T) {
	_, err := Marshal(math.Inf(1))
	assert.Error(t, err)

	_, err = Marshal(map[string]any{"x": math.NaN()})
	assert.Error(t, err)
}

func TestMarshalTypedNilPointer(t *testing.T) {
	var p *struct{ A int }
	got, err := Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, "null", string(got))
}

func TestMarshalDeterministicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("map encoding is independent of insertion order", prop.ForAll(
		func(keys []string, vals []int64) bool {
			forward := map[string]any{}
			backward := map[string]any{}
			n := len(keys)
			if len(vals) < n {
				n = len(vals)
			}
			for i := 0; i < n; i++ {
				forward[keys[i]] = vals[i]
			}
			for i := n - 1; i >= 0; i-- {
				if _, ok := backward[keys[i]]; !ok {
					backward[keys[i]] = forward[keys[i]]
				}
			}
			a, errA := Marshal(forward)
			b, errB := Marshal(backward)
			return errA == nil && errB == nil && string(a) == string(b)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Int64()),
	))

	properties.Property("output round-trips through encoding/json", prop.ForAll(
		func(s string, n int64) bool {
			out, err := Marshal(map[string]any{"s": s, "n": n})
			if err != nil {
				return false
			}
			var back map[string]any
			return json.Unmarshal(out, &back) == nil
		},
		gen.AnyString(),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
