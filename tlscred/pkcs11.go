//go:build pkcs11

package tlscred

import (
	"crypto/tls"
	"fmt"

	"github.com/ThalesGroup/crypto11"
)

// PKCS11Config holds the configuration for loading a client credential
// from a PKCS#11 token.
type PKCS11Config struct {
	// ModulePath is the path to the PKCS#11 shared library
	// (e.g., /usr/lib/softhsm/libsofthsm2.so).
	ModulePath string

	// TokenLabel identifies the HSM token/slot by label.
	TokenLabel string

	// PIN is the user PIN for the token.
	PIN string

	// SlotNumber optionally specifies a slot number. When non-nil,
	// it overrides TokenLabel for slot selection.
	SlotNumber *int

	// KeyLabel is the label of the private key object on the token.
	KeyLabel string

	// CertLabel is the label of the certificate object. Empty means
	// KeyLabel is used for both.
	CertLabel string
}

// PKCS11Credential is a client credential whose private key stays on the
// token. Close releases the PKCS#11 context; the certificate becomes
// unusable afterwards.
type PKCS11Credential struct {
	Certificate tls.Certificate

	ctx *crypto11.Context
}

// LoadFromPKCS11 opens the configured token and builds a tls.Certificate
// whose signing operations are performed by the HSM. The caller must call
// Close() when finished.
func LoadFromPKCS11(cfg PKCS11Config) (*PKCS11Credential, error) {
	config := &crypto11.Config{
		Path:       cfg.ModulePath,
		TokenLabel: cfg.TokenLabel,
		Pin:        cfg.PIN,
	}
	if cfg.SlotNumber != nil {
		config.SlotNumber = cfg.SlotNumber
	}

	ctx, err := crypto11.Configure(config)
	if err != nil {
		return nil, fmt.Errorf("configuring PKCS#11: %w", err)
	}

	signer, err := ctx.FindKeyPair(nil, []byte(cfg.KeyLabel))
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("finding key in HSM: %w", err)
	}
	if signer == nil {
		ctx.Close()
		return nil, fmt.Errorf("no key with label %q on token", cfg.KeyLabel)
	}

	certLabel := cfg.CertLabel
	if certLabel == "" {
		certLabel = cfg.KeyLabel
	}
	leaf, err := ctx.FindCertificate(nil, []byte(certLabel), nil)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("finding certificate in HSM: %w", err)
	}
	if leaf == nil {
		ctx.Close()
		return nil, fmt.Errorf("no certificate with label %q on token", certLabel)
	}

	return &PKCS11Credential{
		Certificate: tls.Certificate{
			Certificate: [][]byte{leaf.Raw},
			PrivateKey:  signer,
			Leaf:        leaf,
		},
		ctx: ctx,
	}, nil
}

// Close releases the PKCS#11 context.
func (c *PKCS11Credential) Close() error {
	if c.ctx != nil {
		return c.ctx.Close()
	}
	return nil
}
