// Package tlscred loads the client certificate used for transport-level
// authentication. Credentials come either from PEM files on disk or from
// a PKCS#11 token when built with the pkcs11 tag.
package tlscred

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// LoadFromFiles reads a certificate and private key pair from PEM files.
// The parsed leaf is attached so callers can inspect the subject without
// re-parsing.
func LoadFromFiles(certPath, keyPath string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("loading key pair: %w", err)
	}
	if cert.Leaf == nil && len(cert.Certificate) > 0 {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("parsing certificate: %w", err)
		}
		cert.Leaf = leaf
	}
	return cert, nil
}

// Subject returns the leaf certificate's subject common name, or an empty
// string when no leaf is present.
func Subject(cert tls.Certificate) string {
	if cert.Leaf == nil {
		return ""
	}
	return cert.Leaf.Subject.CommonName
}
