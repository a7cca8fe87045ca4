package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/bnema/vpnledger/internal/domain"
	"github.com/bnema/vpnledger/internal/ports"
)

const (
	crlFileMode = 0o644
	crlDirMode  = 0o755

	// crlValidity is how long a published CRL is advertised as fresh.
	// The sweep regenerates it far more often than this.
	crlValidity = 7 * 24 * time.Hour
)

// Signer holds the CA material loaded once at startup. It is safe for
// concurrent reads; callers serialize Sign and WriteCRL.
type Signer struct {
	caCert    *x509.Certificate
	caKey     crypto.Signer
	caCertPEM string
	crlPath   string
}

var _ ports.CertificateSigner = (*Signer)(nil)

// NewSigner loads the CA certificate and private key from PEM files.
// A CA that cannot be loaded is fatal: nothing can be issued without it.
func NewSigner(caCertPath, caKeyPath, crlPath string) (*Signer, error) {
	certData, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("read ca certificate: %w", err)
	}

	certBlock, _ := pem.Decode(certData)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return nil, errors.New("ca certificate file is not a PEM certificate")
	}

	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse ca certificate: %w", err)
	}
	if !caCert.IsCA {
		return nil, errors.New("ca certificate is not marked as a CA")
	}

	keyData, err := os.ReadFile(caKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ca key: %w", err)
	}

	caKey, err := parsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse ca key: %w", err)
	}

	return &Signer{
		caCert:    caCert,
		caKey:     caKey,
		caCertPEM: string(pem.EncodeToMemory(certBlock)),
		crlPath:   crlPath,
	}, nil
}

func (s *Signer) Sign(req ports.SignRequest) (string, string, error) {
	clientKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate client key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(req.Serial),
		Subject:               pkix.Name{CommonName: req.CommonName},
		NotBefore:             req.NotBefore.UTC(),
		NotAfter:              req.NotAfter.UTC(),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, s.caCert, &clientKey.PublicKey, s.caKey)
	if err != nil {
		return "", "", fmt.Errorf("sign client certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(clientKey)
	if err != nil {
		return "", "", fmt.Errorf("encode client key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	return string(certPEM), string(keyPEM), nil
}

func (s *Signer) CACertPEM() string {
	return s.caCertPEM
}

func (s *Signer) WriteCRL(revoked []domain.CertificateRecord, now time.Time) error {
	entries := make([]x509.RevocationListEntry, 0, len(revoked))
	for _, record := range revoked {
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   big.NewInt(record.Serial),
			RevocationTime: record.RevokedAt.UTC(),
		})
	}

	template := &x509.RevocationList{
		RevokedCertificateEntries: entries,
		Number:                    big.NewInt(now.Unix()),
		ThisUpdate:                now.UTC(),
		NextUpdate:                now.UTC().Add(crlValidity),
	}

	der, err := x509.CreateRevocationList(rand.Reader, template, s.caCert, s.caKey)
	if err != nil {
		return fmt.Errorf("sign revocation list: %w", err)
	}

	data := pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der})

	return writeFileAtomic(s.crlPath, data)
}

// CRL returns the current revocation list artifact, or nil if none has
// been published yet.
func (s *Signer) CRL() ([]byte, error) {
	data, err := os.ReadFile(s.crlPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read revocation list: %w", err)
	}

	return data, nil
}

func parsePrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("not a PEM private key")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, errors.New("unsupported private key type")
		}
		return signer, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	return nil, errors.New("unrecognized private key format")
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, crlDirMode); err != nil {
		return fmt.Errorf("create revocation list directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, ".crl-*.pem.tmp")
	if err != nil {
		return fmt.Errorf("create temp revocation list: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp revocation list: %w", err)
	}

	if err := tempFile.Chmod(crlFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp revocation list: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp revocation list: %w", err)
	}

	if err := os.Rename(tempName, path); err != nil {
		return fmt.Errorf("replace revocation list: %w", err)
	}

	cleanup = false

	return nil
}
