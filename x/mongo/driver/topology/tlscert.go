// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/youmark/pkcs8"
)

// LoadClientCertificate builds a tls.Certificate from a PEM blob
// containing one or more CERTIFICATE blocks followed by a private key
// block, as produced by the tlsCertificateKeyFile connection option.
// The key block may be a plain PKCS#1/PKCS#8 key or a password-protected
// PKCS#8 key (RFC 5958 EncryptedPrivateKeyInfo); password is consulted
// for the latter, and for a plain-typed key block that none of the
// unencrypted parsers accept.
func LoadClientCertificate(pemBlob []byte, password []byte) (tls.Certificate, error) {
	var cert tls.Certificate
	var keyDER []byte
	var encryptedKey bool

	rest := pemBlob
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			cert.Certificate = append(cert.Certificate, block.Bytes)
		case "ENCRYPTED PRIVATE KEY":
			keyDER = block.Bytes
			encryptedKey = true
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			keyDER = block.Bytes
		}
	}

	if len(cert.Certificate) == 0 {
		return tls.Certificate{}, fmt.Errorf("no CERTIFICATE block found in client certificate file")
	}
	if keyDER == nil {
		return tls.Certificate{}, fmt.Errorf("no private key block found in client certificate file")
	}

	key, err := parseClientKey(keyDER, password, encryptedKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parsing client private key: %w", err)
	}
	cert.PrivateKey = key

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parsing leaf certificate: %w", err)
	}
	cert.Leaf = leaf

	return cert, nil
}

func parseClientKey(der, password []byte, encrypted bool) (interface{}, error) {
	if encrypted {
		return pkcs8.ParsePKCS8PrivateKey(der, password)
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return key, nil
	}
	// Some servers hand out PKCS#8 keys wrapped in a password even when
	// the PEM type lacks the encrypted tag; fall back to the
	// password-aware parser before giving up.
	return pkcs8.ParsePKCS8PrivateKey(der, password)
}

// WithTLSCertificateKeyFile configures the connection's TLS client
// certificate from a combined certificate+key PEM blob, decrypting the
// private key with password when it is PKCS#8-encrypted. It extends
// (rather than replaces) any tls.Config already set by WithTLSConfig.
func WithTLSCertificateKeyFile(pemBlob []byte, password []byte) ConnectionOption {
	return func(c *connectionConfig) {
		cert, err := LoadClientCertificate(pemBlob, password)
		if err != nil {
			// Deferred: the pool surfaces dial failures through its
			// regular error path, so record the error on the config
			// and let connect() fail the handshake instead of
			// panicking during option application.
			c.tlsCertErr = err
			return
		}
		if c.tlsConfig == nil {
			c.tlsConfig = &tls.Config{}
		}
		c.tlsConfig.Certificates = append(c.tlsConfig.Certificates, cert)
	}
}
