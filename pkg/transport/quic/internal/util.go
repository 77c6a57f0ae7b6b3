// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package internal

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"

	log "github.com/sirupsen/logrus"
)

// alpnProtocol is the ALPN identifier both sides of a link agree on.
const alpnProtocol = "mpclink-frame"

// GenerateListenerTLSConfig builds the listener's TLS config around a
// fresh self-signed ECDSA certificate. Dialers skip verification, so the
// certificate only has to satisfy the TLS handshake, not a chain check.
func GenerateListenerTLSConfig() *tls.Config {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		log.WithError(err).Fatal("Error generating private key")
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		log.WithError(err).Fatal("Error generating certificate serial")
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "mpclink listener"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(30 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		log.WithError(err).Fatal("Error generating certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
		}},
		NextProtos: []string{alpnProtocol},
		MinVersion: tls.VersionTLS13,
	}
}

// GenerateDialerTLSConfig builds the dialing side's TLS config. The
// listener's certificate is self-signed, so verification is skipped.
func GenerateDialerTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
	}
}

// GenerateQUICConfig tunes the connection for many short streams: peers are
// probed every second and written off after five silent ones, well below
// the channel layer's receive timeout.
func GenerateQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:    time.Second,
		MaxIdleTimeout:     5 * time.Second,
		EnableDatagrams:    false,
		MaxIncomingStreams: 2048,
	}
}
