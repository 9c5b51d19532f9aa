package encoding

import (
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Round-trip
// ---------------------------------------------------------------------------

func TestRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		{},
		{0x00},
		{0xff, 0xfe, 0xfd},
		[]byte("hello world"),
		make([]byte, 1023), // maximum credential ID length
	}
	for _, b := range cases {
		decoded, err := Decode(Encode(b))
		require.NoError(t, err)
		assert.Equal(t, []byte(b), append([]byte{}, decoded...))
	}
}

func TestRoundTrip_Random(t *testing.T) {
	for n := 0; n < 64; n++ {
		b := make([]byte, n)
		_, err := rand.Read(b)
		require.NoError(t, err)

		decoded, err := Decode(Encode(b))
		require.NoError(t, err)
		assert.Equal(t, b, decoded, "length %d", n)
	}
}

func TestEncode_NoPadding(t *testing.T) {
	assert.NotContains(t, Encode([]byte{1}), "=")
	assert.NotContains(t, Encode([]byte{1, 2}), "=")
	assert.NotContains(t, Encode([]byte{1, 2, 3}), "=")
}

func TestDecode_ToleratesPadding(t *testing.T) {
	decoded, err := Decode("aGk=")
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), decoded)
}

func TestDecode_RejectsStandardAlphabet(t *testing.T) {
	// '+' and '/' belong to the standard alphabet, not the URL-safe one.
	_, err := Decode("a+b/")
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// JSON marshalling
// ---------------------------------------------------------------------------

func TestBytes_JSONRoundTrip(t *testing.T) {
	type payload struct {
		Challenge Bytes `json:"challenge"`
	}

	in := payload{Challenge: []byte{0xde, 0xad, 0xbe, 0xef}}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"challenge":"3q2-7w"}`, string(data))

	var out payload
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.Challenge, out.Challenge)
}

func TestBytes_UnmarshalNull(t *testing.T) {
	var b Bytes = []byte{1}
	require.NoError(t, json.Unmarshal([]byte("null"), &b))
	assert.Nil(t, []byte(b))
}

func TestBytes_UnmarshalInvalid(t *testing.T) {
	var b Bytes
	assert.Error(t, json.Unmarshal([]byte(`"!!!"`), &b))
	assert.Error(t, json.Unmarshal([]byte(`42`), &b))
}
