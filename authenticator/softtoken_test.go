package authenticator

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/authgate/cascade"
	"github.com/jmcleod/authgate/client"
	"github.com/jmcleod/authgate/internal/encoding"
)

func newTestToken(t *testing.T) *SoftToken {
	t.Helper()
	token, err := NewSoftToken([]byte("alice"))
	require.NoError(t, err)
	return token
}

func ceremonyFor(token *SoftToken) client.CeremonyRequest {
	return client.CeremonyRequest{
		RelyingPartyID:       "example.com",
		Origin:               "https://example.com",
		Challenge:            []byte("challenge-bytes"),
		AllowedCredentialIDs: [][]byte{token.CredentialID()},
	}
}

func TestSign_ProducesVerifiableAssertion(t *testing.T) {
	token := newTestToken(t)
	req := ceremonyFor(token)

	assertion, err := token.Sign(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, token.CredentialID(), assertion.CredentialID)
	assert.Equal(t, []byte("alice"), assertion.UserHandle)

	// Client data carries the ceremony type, the text-encoded challenge,
	// and the origin.
	var clientData map[string]any
	require.NoError(t, json.Unmarshal(assertion.ClientDataJSON, &clientData))
	assert.Equal(t, "webauthn.get", clientData["type"])
	assert.Equal(t, encoding.Encode(req.Challenge), clientData["challenge"])
	assert.Equal(t, "https://example.com", clientData["origin"])

	// Authenticator data: rpIdHash || flags || counter.
	require.Len(t, assertion.AuthenticatorData, 37)
	rpIDHash := sha256.Sum256([]byte("example.com"))
	assert.Equal(t, rpIDHash[:], assertion.AuthenticatorData[:32])
	flags := assertion.AuthenticatorData[32]
	assert.NotZero(t, flags&flagUserPresent)
	assert.NotZero(t, flags&flagUserVerified)

	// The signature verifies over authData || sha256(clientDataJSON)
	// with the token's own public key.
	cred, err := token.Credential()
	require.NoError(t, err)
	pub := parseCOSEKey(t, cred.PublicKey)
	clientDataHash := sha256.Sum256(assertion.ClientDataJSON)
	digest := sha256.Sum256(append(append([]byte(nil), assertion.AuthenticatorData...), clientDataHash[:]...))
	assert.True(t, ecdsa.VerifyASN1(pub, digest[:], assertion.Signature))
}

// parseCOSEKey reads the hand-encoded COSE EC2 map back into a public key
// via its fixed layout.
func parseCOSEKey(t *testing.T, cose []byte) *ecdsa.PublicKey {
	t.Helper()
	require.Len(t, cose, 7+35+35)
	x := cose[10:42]
	y := cose[45:77]

	raw := append(append([]byte{0x04}, x...), y...)
	key, err := x509.ParsePKIXPublicKey(marshalP256SPKI(t, raw))
	require.NoError(t, err)
	pub, ok := key.(*ecdsa.PublicKey)
	require.True(t, ok)
	return pub
}

// marshalP256SPKI wraps an uncompressed P-256 point in the fixed
// SubjectPublicKeyInfo prefix for that curve.
func marshalP256SPKI(t *testing.T, point []byte) []byte {
	t.Helper()
	require.Len(t, point, 65)
	prefix := []byte{
		0x30, 0x59, 0x30, 0x13, 0x06, 0x07, 0x2a, 0x86, 0x48, 0xce,
		0x3d, 0x02, 0x01, 0x06, 0x08, 0x2a, 0x86, 0x48, 0xce, 0x3d,
		0x03, 0x01, 0x07, 0x03, 0x42, 0x00,
	}
	return append(prefix, point...)
}

func TestSign_CounterIncreases(t *testing.T) {
	token := newTestToken(t)
	req := ceremonyFor(token)

	first, err := token.Sign(context.Background(), req)
	require.NoError(t, err)
	second, err := token.Sign(context.Background(), req)
	require.NoError(t, err)

	c1 := first.AuthenticatorData[33:37]
	c2 := second.AuthenticatorData[33:37]
	assert.NotEqual(t, c1, c2)
}

func TestSign_RejectsUnknownCredential(t *testing.T) {
	token := newTestToken(t)
	req := ceremonyFor(token)
	req.AllowedCredentialIDs = [][]byte{{0x01, 0x02}}

	_, err := token.Sign(context.Background(), req)
	assert.ErrorIs(t, err, cascade.ErrCeremonyCancelled)
}

func TestSign_CancelledContext(t *testing.T) {
	token := newTestToken(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := token.Sign(ctx, ceremonyFor(token))
	assert.ErrorIs(t, err, cascade.ErrCeremonyCancelled)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	token := newTestToken(t)
	_, err := token.Sign(context.Background(), ceremonyFor(token))
	require.NoError(t, err)
	require.NoError(t, token.Save(path))

	loaded, err := LoadSoftToken(path)
	require.NoError(t, err)
	assert.Equal(t, token.CredentialID(), loaded.CredentialID())

	// The reloaded token signs with the same key.
	origCred, err := token.Credential()
	require.NoError(t, err)
	loadedCred, err := loaded.Credential()
	require.NoError(t, err)
	assert.Equal(t, origCred.PublicKey, loadedCred.PublicKey)

	// And its counter continues past the persisted value.
	assertion, err := loaded.Sign(context.Background(), ceremonyFor(loaded))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 2}, assertion.AuthenticatorData[33:37])
}

func TestLoadSoftToken_RejectsCorruptFiles(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadSoftToken(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("not json"), 0o600))
	_, err = LoadSoftToken(bad)
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte("{}"), 0o600))
	_, err = LoadSoftToken(empty)
	assert.Error(t, err)
}
