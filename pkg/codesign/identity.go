package codesign

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"go.mozilla.org/pkcs7"
	gop12 "software.sslmate.com/src/go-pkcs12"
)

// SigningIdentity is a certificate and its private key. A nil identity
// means ad hoc signing.
type SigningIdentity struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.PrivateKey
	CertChain   []*x509.Certificate
	TeamID      string
}

// LoadSigningIdentityFile reads a PKCS#12 bundle, or a PEM file holding a
// certificate and private key
func LoadSigningIdentityFile(path, password string) (*SigningIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}
	return LoadSigningIdentity(data, password)
}

// LoadSigningIdentity decodes PKCS#12 or PEM identity data
func LoadSigningIdentity(data []byte, password string) (*SigningIdentity, error) {
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("-----BEGIN")) {
		return loadPEMIdentity(data)
	}

	key, cert, caCerts, err := gop12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode P12: %w", err)
	}
	return &SigningIdentity{
		Certificate: cert,
		PrivateKey:  key,
		CertChain:   append([]*x509.Certificate{cert}, caCerts...),
		TeamID:      teamID(cert),
	}, nil
}

func loadPEMIdentity(data []byte) (*SigningIdentity, error) {
	id := &SigningIdentity{}
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}

		var err error
		switch block.Type {
		case "CERTIFICATE":
			var cert *x509.Certificate
			cert, err = x509.ParseCertificate(block.Bytes)
			if err == nil {
				id.CertChain = append(id.CertChain, cert)
			}
		case "RSA PRIVATE KEY":
			id.PrivateKey, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		case "PRIVATE KEY":
			id.PrivateKey, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			id.PrivateKey, err = x509.ParseECPrivateKey(block.Bytes)
		default:
			return nil, fmt.Errorf("unsupported PEM type: %s", block.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", block.Type, err)
		}
	}

	if id.PrivateKey == nil {
		return nil, fmt.Errorf("no private key in PEM data")
	}
	if len(id.CertChain) == 0 {
		return nil, fmt.Errorf("no certificate in PEM data")
	}
	id.Certificate = id.CertChain[0]
	id.TeamID = teamID(id.Certificate)
	return id, nil
}

// teamID returns the ten character Apple team ID from the certificate's OU
func teamID(cert *x509.Certificate) string {
	for _, ou := range cert.Subject.OrganizationalUnit {
		if len(ou) == 10 {
			return ou
		}
	}
	return ""
}

// cmsSigner returns a function producing the detached CMS signature over a
// CodeDirectory
func (id *SigningIdentity) cmsSigner() func([]byte) ([]byte, error) {
	return func(codeDirectory []byte) ([]byte, error) {
		sd, err := pkcs7.NewSignedData(codeDirectory)
		if err != nil {
			return nil, fmt.Errorf("failed to create signed data: %w", err)
		}
		if err := sd.AddSigner(id.Certificate, id.PrivateKey, pkcs7.SignerInfoConfig{}); err != nil {
			return nil, fmt.Errorf("failed to add signer: %w", err)
		}
		for _, c := range id.CertChain[1:] {
			sd.AddCertificate(c)
		}
		sd.Detach()
		return sd.Finish()
	}
}
