//go:build !pkcs11

package tlscred

import (
	"crypto/tls"
	"fmt"
)

// PKCS11Config holds the configuration for loading a client credential
// from a PKCS#11 token. This is a placeholder when the pkcs11 build tag
// is not set.
type PKCS11Config struct {
	ModulePath string
	TokenLabel string
	PIN        string
	SlotNumber *int
	KeyLabel   string
	CertLabel  string
}

// PKCS11Credential is a placeholder type when the pkcs11 build tag is
// not set.
type PKCS11Credential struct {
	Certificate tls.Certificate
}

// LoadFromPKCS11 returns an error when compiled without the pkcs11 build tag.
// Rebuild with: go build -tags pkcs11
func LoadFromPKCS11(_ PKCS11Config) (*PKCS11Credential, error) {
	return nil, fmt.Errorf("PKCS#11 support not compiled; rebuild with: go build -tags pkcs11")
}

// Close is a no-op for the stub.
func (c *PKCS11Credential) Close() error { return nil }
