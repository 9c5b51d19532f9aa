// Package encoding implements the URL-safe text encoding used to carry
// binary ceremony material inside JSON payloads. Both directions go
// through the same alphabet so the encode and decode paths cannot drift
// apart.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

var alphabet = base64.RawURLEncoding

// Encode returns the URL-safe, padding-free text form of b.
func Encode(b []byte) string {
	return alphabet.EncodeToString(b)
}

// Decode reverses Encode. Trailing padding characters are tolerated so
// that peers emitting padded base64url still round-trip.
func Decode(s string) ([]byte, error) {
	b, err := alphabet.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("decoding base64url text: %w", err)
	}
	return b, nil
}

// Bytes is a byte slice that crosses JSON boundaries in URL-safe text
// form. The in-memory representation stays binary.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(Encode(b))
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	decoded, err := Decode(s)
	if err != nil {
		return err
	}
	*b = decoded
	return nil
}

// String returns the text form, matching what MarshalJSON emits.
func (b Bytes) String() string {
	return Encode(b)
}
