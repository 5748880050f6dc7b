package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"sorted keys", `{"zebra":1,"alpha":2,"beta":3}`, `{"alpha":2,"beta":3,"zebra":1}`},
		{"nested", `{"z":{"b":1,"a":2},"a":[3, 2, 1]}`, `{"a":[3,2,1],"z":{"a":2,"b":1}}`},
		{"whitespace", "{ \"a\" : true ,\n \"b\" : null }", `{"a":true,"b":null}`},
		{"no html escaping", `{"s":"<a&b>"}`, `{"s":"<a&b>"}`},
		{"big int", `{"n":9223372036854775807}`, `{"n":9223372036854775807}`},
		{"nfc", "{\"s\":\"e\u0301\"}", "{\"s\":\"\u00e9\"}"},
		{"line separator", "{\"s\":\"a\u2028b\"}", "{\"s\":\"a\u2028b\"}"},
		{"escaped backslash", `{"s":"\\u2028"}`, `{"s":"\\u2028"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonicalize([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(got))
		})
	}
}

func TestCanonicalize_UTF16KeyOrder(t *testing.T) {
	// U+1F600 encodes as a surrogate pair starting 0xD83D, which sorts
	// before U+FF5E in UTF-16 but after it in UTF-8.
	got, err := Canonicalize([]byte("{\"\uFF5E\":1,\"\U0001F600\":2}"))
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"\uFF5E\":1}", string(got))
}

func TestCanonicalize_RejectsFloats(t *testing.T) {
	_, err := Canonicalize([]byte(`{"f":1.5}`))
	assert.ErrorContains(t, err, "floats are forbidden")
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	c := JSON{}
	cp := sampleCheckpoint()

	first, err := Fingerprint(c, cp)
	require.NoError(t, err)
	second, err := Fingerprint(c, cp)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first, 64)

	cp.CheckpointState.NumberOfSuspends++
	changed, err := Fingerprint(c, cp)
	require.NoError(t, err)
	assert.NotEqual(t, first, changed)
}

func TestHashWithDomain_Separates(t *testing.T) {
	data := []byte(`{}`)
	assert.NotEqual(t, hashWithDomain("a", data), hashWithDomain("b", data))
	assert.NotEqual(t, hashWithDomain("ab", []byte("c")), hashWithDomain("a", []byte("bc")))
}
