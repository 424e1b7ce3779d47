package proxy

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/multiflowproxy/multiflow/internal/config"
	"github.com/multiflowproxy/multiflow/internal/proxyerr"
)

// tlsTerminator produces the *tls.Config used to wrap freshly accepted
// sockets when --https is set. It owns whichever of the three TLS material
// sources the operator configured: a PEM bundle, an ACME-managed
// certificate, or (as a last resort) an in-process self-signed fallback.
type tlsTerminator struct {
	logger      *slog.Logger
	tlsConfig   *tls.Config
	acmeManager *autocert.Manager
}

// newTLSTerminator builds the terminator per spec.md 4.2 and SPEC_FULL.md
// 4.2. It never shells out; the self-signed path uses crypto/rsa and
// crypto/x509 directly, replacing the source's shell-out generator per the
// redesign flag in spec.md section 9.
func newTLSTerminator(cfg *config.Config, logger *slog.Logger) (*tlsTerminator, error) {
	t := &tlsTerminator{logger: logger}

	if len(cfg.AcmeHosts) > 0 {
		manager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.AcmeHosts...),
			Email:      cfg.AcmeEmail,
		}
		if cfg.AcmeCache != "" {
			manager.Cache = autocert.DirCache(cfg.AcmeCache)
		}
		t.acmeManager = manager
		t.tlsConfig = manager.TLSConfig()
		return t, nil
	}

	var cert tls.Certificate
	var err error
	if cfg.CertPath != "" {
		cert, err = loadCertBundle(cfg.CertPath)
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warn("no --cert supplied with --https, generating a self-signed certificate (CN=localhost, 1y validity)")
		cert, err = generateSelfSignedCertificate()
		if err != nil {
			return nil, proxyerr.NewTLSError(err)
		}
	}

	t.tlsConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		// crypto/tls applies Renegotiation to client-side connections
		// only; Go's TLS server never accepts a renegotiation, so this
		// setting has no effect on the sockets this config wraps.
		Renegotiation: tls.RenegotiateOnceAsClient,
	}
	return t, nil
}

// loadCertBundle loads a PEM bundle that may contain the certificate and
// private key concatenated in one file, or may be split across cert/key
// halves within the same blob; tls.X509KeyPair handles both when given the
// same bytes twice, resolving spec.md's open question about the source
// sometimes reusing one PEM file for both roles.
func loadCertBundle(path string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(path, path)
	if err != nil {
		return tls.Certificate{}, proxyerr.NewTLSError(fmt.Errorf("load cert bundle %q: %w", path, err))
	}
	return cert, nil
}

func generateSelfSignedCertificate() (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate rsa key: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName:   "localhost",
			Organization: []string{"multiflow"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}
