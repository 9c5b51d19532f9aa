// Package authenticator provides possession-factor implementations for
// native clients. The soft token is a file-backed ECDSA P-256 credential
// that performs the ceremony in-process, standing in for a platform
// authenticator on targets without one.
package authenticator

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/jmcleod/authgate/cascade"
	"github.com/jmcleod/authgate/client"
	"github.com/jmcleod/authgate/internal/encoding"
	"github.com/jmcleod/authgate/internal/util"
)

const (
	flagUserPresent  = 0x01
	flagUserVerified = 0x04

	credentialIDLen = 16
)

// SoftToken is a software authenticator holding one credential. The
// private key lives in a memguard enclave and is only opened for the
// duration of a signature.
type SoftToken struct {
	mu           sync.Mutex
	credentialID []byte
	userHandle   []byte
	key          *memguard.Enclave
	counter      uint32
}

var _ client.Authenticator = (*SoftToken)(nil)

// NewSoftToken generates a fresh credential bound to userHandle.
func NewSoftToken(userHandle []byte) (*SoftToken, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating credential key: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("encoding credential key: %w", err)
	}
	credID, err := util.RandomBytes(credentialIDLen)
	if err != nil {
		return nil, fmt.Errorf("generating credential id: %w", err)
	}
	return &SoftToken{
		credentialID: credID,
		userHandle:   append([]byte(nil), userHandle...),
		key:          memguard.NewEnclave(der),
	}, nil
}

type tokenFile struct {
	CredentialID encoding.Bytes `json:"credential_id"`
	UserHandle   encoding.Bytes `json:"user_handle"`
	Key          encoding.Bytes `json:"key"`
	Counter      uint32         `json:"counter"`
}

// LoadSoftToken reads a previously saved token file.
func LoadSoftToken(path string) (*SoftToken, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading token file: %w", err)
	}
	var file tokenFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decoding token file: %w", err)
	}
	if len(file.CredentialID) == 0 || len(file.Key) == 0 {
		return nil, fmt.Errorf("token file missing credential material")
	}
	if _, err := x509.ParseECPrivateKey(file.Key); err != nil {
		return nil, fmt.Errorf("parsing credential key: %w", err)
	}
	return &SoftToken{
		credentialID: file.CredentialID,
		userHandle:   file.UserHandle,
		key:          memguard.NewEnclave(file.Key),
		counter:      file.Counter,
	}, nil
}

// Save writes the token to path, readable only by the owner.
func (t *SoftToken) Save(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	buf, err := t.key.Open()
	if err != nil {
		return fmt.Errorf("opening credential key: %w", err)
	}
	defer buf.Destroy()

	data, err := json.Marshal(tokenFile{
		CredentialID: t.credentialID,
		UserHandle:   t.userHandle,
		Key:          append([]byte(nil), buf.Bytes()...),
		Counter:      t.counter,
	})
	if err != nil {
		return fmt.Errorf("encoding token file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	return nil
}

// CredentialID returns the token's credential identifier.
func (t *SoftToken) CredentialID() []byte {
	return append([]byte(nil), t.credentialID...)
}

// Available implements client.Authenticator. A loaded soft token can
// always attempt a ceremony.
func (t *SoftToken) Available() bool { return true }

// Sign proves possession of the credential. The returned assertion covers
// sha256(authenticatorData || sha256(clientDataJSON)) exactly as a
// hardware authenticator would produce it.
func (t *SoftToken) Sign(ctx context.Context, req client.CeremonyRequest) (*client.Assertion, error) {
	if err := ctx.Err(); err != nil {
		return nil, cascade.Wrap(cascade.CodeCeremonyCancelled, err)
	}
	if len(req.AllowedCredentialIDs) > 0 && !t.allowed(req.AllowedCredentialIDs) {
		return nil, cascade.Errorf(cascade.CodeCeremonyCancelled,
			"no matching credential on this token")
	}

	clientData := protocol.CollectedClientData{
		Type:      protocol.AssertCeremony,
		Challenge: encoding.Encode(req.Challenge),
		Origin:    req.Origin,
	}
	clientDataJSON, err := json.Marshal(clientData)
	if err != nil {
		return nil, fmt.Errorf("encoding client data: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.counter++
	authData := authenticatorData(req.RelyingPartyID, t.counter)

	clientDataHash := sha256.Sum256(clientDataJSON)
	digest := sha256.Sum256(append(append([]byte(nil), authData...), clientDataHash[:]...))

	buf, err := t.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening credential key: %w", err)
	}
	defer buf.Destroy()
	key, err := x509.ParseECPrivateKey(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("parsing credential key: %w", err)
	}

	signature, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("signing assertion: %w", err)
	}

	return &client.Assertion{
		CredentialID:      append([]byte(nil), t.credentialID...),
		ClientDataJSON:    clientDataJSON,
		AuthenticatorData: authData,
		Signature:         signature,
		UserHandle:        append([]byte(nil), t.userHandle...),
	}, nil
}

// Credential exports the public half in the form a relying party stores
// at registration time.
func (t *SoftToken) Credential() (webauthn.Credential, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	buf, err := t.key.Open()
	if err != nil {
		return webauthn.Credential{}, fmt.Errorf("opening credential key: %w", err)
	}
	defer buf.Destroy()
	key, err := x509.ParseECPrivateKey(buf.Bytes())
	if err != nil {
		return webauthn.Credential{}, fmt.Errorf("parsing credential key: %w", err)
	}

	return webauthn.Credential{
		ID:        append([]byte(nil), t.credentialID...),
		PublicKey: coseECDSAPublicKey(&key.PublicKey),
		Flags: webauthn.CredentialFlags{
			UserPresent:  true,
			UserVerified: true,
		},
		Authenticator: webauthn.Authenticator{
			SignCount: t.counter,
		},
	}, nil
}

func (t *SoftToken) allowed(ids [][]byte) bool {
	for _, id := range ids {
		if bytes.Equal(id, t.credentialID) {
			return true
		}
	}
	return false
}

// authenticatorData is rpIdHash || flags || signCount per the WebAuthn
// authenticator data layout.
func authenticatorData(rpID string, counter uint32) []byte {
	rpIDHash := sha256.Sum256([]byte(rpID))
	data := make([]byte, 0, 37)
	data = append(data, rpIDHash[:]...)
	data = append(data, flagUserPresent|flagUserVerified)
	data = binary.BigEndian.AppendUint32(data, counter)
	return data
}

// coseECDSAPublicKey encodes a P-256 public key as a COSE_Key (EC2,
// ES256). The CBOR map is emitted by hand: five pairs with the fixed
// small-integer keys the COSE spec assigns.
func coseECDSAPublicKey(pub *ecdsa.PublicKey) []byte {
	x := make([]byte, 32)
	y := make([]byte, 32)
	pub.X.FillBytes(x)
	pub.Y.FillBytes(y)

	out := []byte{
		0xa5,       // map(5)
		0x01, 0x02, // kty: EC2
		0x03, 0x26, // alg: ES256 (-7)
		0x20, 0x01, // crv: P-256
	}
	out = append(out, 0x21, 0x58, 0x20) // x: bytes(32)
	out = append(out, x...)
	out = append(out, 0x22, 0x58, 0x20) // y: bytes(32)
	out = append(out, y...)
	return out
}
