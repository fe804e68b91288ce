// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-pairedkey.
//
// go-pairedkey is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package tlsauth uses a paired security key for TLS client
// authentication and for signing challenges. The private key never
// leaves the credential; handshakes fail once it is removed.
package tlsauth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jeremyhahn/go-pairedkey/pkg/securitykey"
)

// maxBody caps how much of a response Get reads.
const maxBody = 1 << 20

var (
	// ErrNoClientCertificate is returned for credentials that cannot sign.
	ErrNoClientCertificate = errors.New("tlsauth: credential has no client certificate")
	ErrInvalidSignature    = errors.New("tlsauth: invalid signature")
)

type Options struct {
	// RootCAs verifies the server. The system pool is used if nil.
	RootCAs    *x509.CertPool
	ServerName string
}

// Response is the result of Get.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// PeerCertificates is the server chain as presented.
	PeerCertificates []*x509.Certificate
}

func certificateSigner(cred securitykey.Credential) (securitykey.CertificateSigner, error) {
	cs, ok := cred.(securitykey.CertificateSigner)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoClientCertificate, cred.ID())
	}
	return cs, nil
}

// ClientConfig returns a TLS configuration presenting the credential's
// certificate. pin unlocks the signing key once, up front.
func ClientConfig(ctx context.Context, cred securitykey.Credential, pin *securitykey.PIN, opts Options) (*tls.Config, error) {
	cs, err := certificateSigner(cred)
	if err != nil {
		return nil, err
	}
	cert, err := cs.Certificate(ctx)
	if err != nil {
		return nil, securitykey.NewError("tls client config", err)
	}
	signer, err := cs.Signer(ctx, pin)
	if err != nil {
		return nil, securitykey.NewError("tls client config", err)
	}

	clientCert := &tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  signer,
		Leaf:        cert,
	}
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    opts.RootCAs,
		ServerName: opts.ServerName,
		GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			return clientCert, nil
		},
	}, nil
}

// Get performs one GET over a connection authenticated with cfg.
func Get(ctx context.Context, url string, cfg *tls.Config) (*Response, error) {
	client := &http.Client{
		Transport: &http.Transport{TLSClientConfig: cfg},
		Timeout:   30 * time.Second,
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("tlsauth: build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tlsauth: request %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("tlsauth: read body: %w", err)
	}
	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
	if resp.TLS != nil {
		out.PeerCertificates = resp.TLS.PeerCertificates
	}
	return out, nil
}

// SignChallenge signs SHA-256(challenge) with the credential's key.
// ECDSA signatures are ASN.1 encoded; RSA signatures are PKCS #1 v1.5.
func SignChallenge(ctx context.Context, cred securitykey.Credential, pin *securitykey.PIN, challenge []byte) ([]byte, error) {
	cs, err := certificateSigner(cred)
	if err != nil {
		return nil, err
	}
	signer, err := cs.Signer(ctx, pin)
	if err != nil {
		return nil, securitykey.NewError("sign challenge", err)
	}
	digest := sha256.Sum256(challenge)
	sig, err := signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return nil, securitykey.NewError("sign challenge", err)
	}
	return sig, nil
}

// VerifyChallenge checks a signature produced by SignChallenge.
func VerifyChallenge(pub crypto.PublicKey, challenge, sig []byte) error {
	digest := sha256.Sum256(challenge)
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(k, digest[:], sig) {
			return ErrInvalidSignature
		}
		return nil
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(k, crypto.SHA256, digest[:], sig); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil
	}
	return fmt.Errorf("%w: %T", securitykey.ErrUnsupportedAlgorithm, pub)
}
